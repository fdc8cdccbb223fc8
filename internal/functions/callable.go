package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the id of a callable request. The emulator logs it
// as correlation id.
const RequestIDHeader = "X-Correlation-ID"

type callOptions struct {
	timeout            time.Duration
	limitedUseAppCheck bool
}

type CallOption func(*callOptions)

// WithTimeout overrides the default timeout of Call. Streams are not affected.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLimitedUseAppCheckTokens requests limited-use App Check tokens.
func WithLimitedUseAppCheckTokens() CallOption {
	return func(o *callOptions) {
		o.limitedUseAppCheck = true
	}
}

// Callable is a reference to one callable function.
type Callable struct {
	service *Service
	url     func() string
	opts    callOptions
}

func (s *Service) newCallable(url func() string, opts []CallOption) *Callable {
	c := &Callable{
		service: s,
		url:     url,
		opts:    callOptions{timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c
}

// URL returns the URL requests are sent to.
func (c *Callable) URL() string {
	return c.url()
}

// Result is the outcome of a successful call.
type Result struct {
	Data any
}

// As decodes the result data into out.
func (r *Result) As(out any) error {
	return As(r.Data, out)
}

type httpResponse struct {
	status int
	header http.Header
	body   map[string]any
}

// Call invokes the callable with data and waits for the response, the
// timeout or the deletion of the service, whatever happens first.
func (c *Callable) Call(ctx context.Context, data any) (res *Result, err error) {
	id := xid.New().String()
	logger := c.logger(id)
	defer func() {
		c.service.countRequest("call", err)
		if err != nil {
			logger.Debug().Err(err).Msg("call failed")
		}
	}()

	body, err := c.requestBody(data)
	if err != nil {
		return nil, err
	}
	header := c.header(ctx, id)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	respCh := make(chan httpResponse, 1)
	go func() {
		respCh <- c.postJSON(reqCtx, body, header, logger)
	}()

	timer := time.NewTimer(c.opts.timeout)
	defer timer.Stop()

	var resp httpResponse
	select {
	case resp = <-respCh:
		if ctx.Err() != nil {
			return nil, cancelledError(ctx.Err())
		}
	case <-timer.C:
		return nil, NewError(CodeDeadlineExceeded, string(CodeDeadlineExceeded))
	case <-c.service.Deleted():
		return nil, NewError(CodeCancelled, msgServiceDeleted)
	case <-ctx.Done():
		return nil, cancelledError(ctx.Err())
	}

	if ferr := ErrorForResponse(resp.status, resp.body); ferr != nil {
		return nil, ferr
	}
	if resp.body == nil {
		return nil, NewError(CodeInternal, msgInvalidJSON)
	}
	return resultOf(resp.body)
}

// resultOf extracts data, or the legacy result field, from a response body.
func resultOf(body map[string]any) (*Result, error) {
	raw, ok := body["data"]
	if !ok {
		raw, ok = body["result"]
	}
	if !ok {
		return nil, NewError(CodeInternal, msgMissingData)
	}
	decoded, err := Decode(raw)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Message: err.Error(), cause: err}
	}
	return &Result{Data: decoded}, nil
}

func (c *Callable) requestBody(data any) ([]byte, error) {
	encoded, err := Encode(data)
	if err != nil {
		return nil, &Error{Code: CodeInvalidArgument, Message: err.Error(), cause: err}
	}
	raw, err := json.Marshal(map[string]any{"data": encoded})
	if err != nil {
		return nil, &Error{Code: CodeInvalidArgument, Message: err.Error(), cause: err}
	}
	return raw, nil
}

func (c *Callable) header(ctx context.Context, id string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set(RequestIDHeader, id)
	c.service.provider.context(ctx, c.opts.limitedUseAppCheck).apply(h)
	return h
}

// postJSON sends the request. A transport failure or an unreadable body is
// reported as status 0 or a nil body, never as error.
func (c *Callable) postJSON(ctx context.Context, body []byte, header http.Header, logger zerolog.Logger) httpResponse {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		return httpResponse{}
	}
	req.Header = header

	resp, err := c.service.httpClient.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Debug().Err(err).Msg("callable request failed")
		}
		return httpResponse{}
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	out := httpResponse{status: resp.StatusCode, header: resp.Header}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil {
		out.body = decoded
	}
	return out
}

func (c *Callable) logger(id string) zerolog.Logger {
	return c.service.logger.With().
		Str("request_id", id).
		Str("url", c.url()).
		Logger()
}
