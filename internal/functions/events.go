package functions

import (
	"encoding/json"
	"regexp"
	"strings"
)

var responseLine = regexp.MustCompile(`^data: (.*)`)

// event is one decoded line of a callable stream.
type event interface {
	kind() string
}

type messageEvent struct {
	Message any
}

type resultEvent struct {
	Result any
}

type errorEvent struct {
	Err *Error
}

func (messageEvent) kind() string { return "message" }
func (resultEvent) kind() string  { return "result" }
func (errorEvent) kind() string   { return "error" }

// parseEvent decodes a stream line. Lines that are not data lines, are not
// valid JSON or carry none of result, message and error return nil.
func parseEvent(line string) event {
	m := responseLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(m[1]), &obj); err != nil {
		return nil
	}

	if raw, ok := obj["result"]; ok {
		v, err := Decode(raw)
		if err != nil {
			return nil
		}
		return resultEvent{Result: v}
	}
	if raw, ok := obj["message"]; ok {
		v, err := Decode(raw)
		if err != nil {
			return nil
		}
		return messageEvent{Message: v}
	}
	if _, ok := obj["error"]; ok {
		if ferr := ErrorForResponse(0, obj); ferr != nil {
			return errorEvent{Err: ferr}
		}
	}
	return nil
}
