package core

import (
	"fmt"
	"regexp"
)

// Code is a stable, machine-readable error code. Callers should branch on the
// code, never on the message.
type Code string

// Error is the error type returned by all services of the SDK.
type Error struct {
	// Service is the name of the service that created the error (e.g. "installations").
	Service string

	Code Code

	// Message is the rendered, human-readable message.
	Message string

	// Fields are the values used to render Message.
	Fields map[string]any

	Wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s/%s)", e.Service, e.Message, e.Service, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches another *Error with the same code. A target without a service
// matches errors of any service.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Service != "" && t.Service != e.Service {
		return false
	}
	return t.Code == e.Code
}

// Field returns a rendering field, or nil.
func (e *Error) Field(name string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[name]
}

// ErrorFactory creates errors of one service from message templates.
// Templates reference fields as {$name}.
type ErrorFactory struct {
	Service   string
	Templates map[Code]string
}

var templateField = regexp.MustCompile(`\{\$([^}]+)}`)

// New renders the template of code with fields.
func (f ErrorFactory) New(code Code, fields map[string]any) *Error {
	tmpl, ok := f.Templates[code]
	if !ok {
		tmpl = "Error"
	}
	msg := templateField.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := templateField.FindStringSubmatch(m)[1]
		if v, ok := fields[key]; ok {
			return fmt.Sprint(v)
		}
		return "<" + key + "?>"
	})
	return &Error{
		Service: f.Service,
		Code:    code,
		Message: msg,
		Fields:  fields,
	}
}

// Wrap is New with a wrapped cause.
func (f ErrorFactory) Wrap(code Code, err error, fields map[string]any) *Error {
	e := f.New(code, fields)
	e.Wrapped = err
	return e
}

// Sentinel returns an error usable as errors.Is target for code.
func (f ErrorFactory) Sentinel(code Code) *Error {
	return &Error{Service: f.Service, Code: code}
}
