package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	contentTypeEventStream = "text/event-stream"
	readChunkSize          = 4096
)

// ErrStreamConsumed is yielded when the messages of a stream are iterated a
// second time.
var ErrStreamConsumed = NewError(CodeFailedPrecondition, "Stream messages were already consumed.")

type streamOptions struct {
	limitedUseAppCheck bool
}

type StreamOption func(*streamOptions)

// WithStreamLimitedUseAppCheckTokens requests limited-use App Check tokens.
func WithStreamLimitedUseAppCheckTokens() StreamOption {
	return func(o *streamOptions) {
		o.limitedUseAppCheck = true
	}
}

// StreamResult gives access to the messages and the final result of a
// streaming call. The body is read in the background whether or not the
// messages are consumed.
type StreamResult struct {
	cancel  context.CancelFunc
	queue   *messageQueue
	service *Service
	logger  zerolog.Logger

	settleOnce sync.Once
	settled    chan struct{}
	data       any
	err        error

	consumed atomic.Bool
}

func newStreamResult(s *Service, cancel context.CancelFunc, logger zerolog.Logger) *StreamResult {
	return &StreamResult{
		cancel:  cancel,
		queue:   newMessageQueue(),
		service: s,
		logger:  logger,
		settled: make(chan struct{}),
	}
}

// Stream invokes the callable and returns once the response headers arrived.
// Failures after that point are reported through the result.
func (c *Callable) Stream(ctx context.Context, data any, opts ...StreamOption) (*StreamResult, error) {
	var so streamOptions
	if c.opts.limitedUseAppCheck {
		so.limitedUseAppCheck = true
	}
	for _, opt := range opts {
		opt(&so)
	}

	body, err := c.requestBody(data)
	if err != nil {
		return nil, err
	}

	id := xid.New().String()
	logger := c.logger(id)

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", contentTypeEventStream)
	header.Set(RequestIDHeader, id)
	c.service.provider.context(ctx, so.limitedUseAppCheck).apply(header)

	streamCtx, cancel := context.WithCancel(ctx)
	r := newStreamResult(c.service, cancel, logger)

	go func() {
		select {
		case <-c.service.Deleted():
			cancel()
		case <-streamCtx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &Error{Code: CodeInternal, Message: err.Error(), cause: err}
	}
	req.Header = header

	resp, err := c.service.httpClient.Do(req)
	if err != nil {
		var ferr *Error
		if streamCtx.Err() != nil {
			ferr = cancelledError(streamCtx.Err())
		} else {
			logger.Debug().Err(err).Msg("stream request failed")
			ferr = ErrorForResponse(0, nil)
			ferr.cause = err
		}
		r.fail(ferr, true)
		cancel()
		return r, nil
	}

	go func() {
		defer cancel()
		if isEventStream(resp.Header) {
			r.pump(streamCtx, resp.Body)
		} else {
			r.readSingle(streamCtx, resp)
		}
	}()
	return r, nil
}

func isEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == contentTypeEventStream
}

// Messages returns the messages of the stream in order. An error event or a
// cancellation is yielded as the last element. Breaking out of the loop
// cancels the stream. The sequence can be iterated once.
func (r *StreamResult) Messages() iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		for {
			msg, ok, err := r.queue.next()
			if !ok {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(msg, nil) {
				r.Cancel()
				return
			}
		}
	}
}

// Data waits for the final result of the stream. ctx only bounds the wait.
func (r *StreamResult) Data(ctx context.Context) (any, error) {
	select {
	case <-r.settled:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops reading the stream. Pending messages are dropped and both the
// messages and the result fail with cancelled, unless they already completed.
func (r *StreamResult) Cancel() {
	r.cancel()
}

// pump reads the body line by line. Cancellation is checked before and after
// every read; the body is closed as soon as the context is done.
func (r *StreamResult) pump(ctx context.Context, body io.ReadCloser) {
	stop := context.AfterFunc(ctx, func() {
		r.fail(cancelledError(ctx.Err()), true)
		_ = body.Close()
	})
	defer func() {
		stop()
		_ = body.Close()
	}()

	buf := make([]byte, readChunkSize)
	var pending []byte
	for {
		if ctx.Err() != nil {
			r.fail(cancelledError(ctx.Err()), true)
			return
		}
		n, err := body.Read(buf)
		if ctx.Err() != nil {
			r.fail(cancelledError(ctx.Err()), true)
			return
		}

		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := string(pending[:i])
			pending = pending[i+1:]
			if !r.handleLine(line) {
				return
			}
		}

		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(pending)) > 0 && !r.handleLine(string(pending)) {
				return
			}
			r.finish()
			return
		}
		if err != nil {
			r.logger.Debug().Err(err).Msg("reading stream failed")
			ferr := ErrorForResponse(0, nil)
			ferr.cause = err
			r.fail(ferr, false)
			return
		}
	}
}

// handleLine dispatches one line and reports whether reading continues.
func (r *StreamResult) handleLine(line string) bool {
	ev := parseEvent(line)
	if ev == nil {
		return true
	}
	r.service.countEvent(ev.kind())

	switch e := ev.(type) {
	case messageEvent:
		r.queue.push(e.Message)
	case resultEvent:
		r.settle(e.Result, nil)
	case errorEvent:
		r.fail(e.Err, false)
		return false
	}
	return true
}

// readSingle handles a response that is not an event stream like the
// response of a plain call.
func (r *StreamResult) readSingle(ctx context.Context, resp *http.Response) {
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		body = nil
	}
	if ctx.Err() != nil {
		r.fail(cancelledError(ctx.Err()), true)
		return
	}
	if ferr := ErrorForResponse(resp.StatusCode, body); ferr != nil {
		r.fail(ferr, false)
		return
	}
	if body == nil {
		r.fail(NewError(CodeInternal, msgInvalidJSON), false)
		return
	}
	res, err := resultOf(body)
	if err != nil {
		r.fail(err, false)
		return
	}
	r.settle(res.Data, nil)
	r.queue.close()
}

// finish ends a stream that reached EOF.
func (r *StreamResult) finish() {
	r.settle(nil, NewError(CodeInternal, msgMissingData))
	r.queue.close()
}

// fail rejects the result if still open and ends the messages with err.
// dropPending discards messages not yet consumed.
func (r *StreamResult) fail(err error, dropPending bool) {
	r.settle(nil, err)
	r.queue.fail(err, dropPending)
}

func (r *StreamResult) settle(data any, err error) {
	r.settleOnce.Do(func() {
		r.data, r.err = data, err
		r.service.countRequest("stream", err)
		close(r.settled)
	})
}

// messageQueue is an unbounded single-consumer queue.
type messageQueue struct {
	mu     sync.Mutex
	items  []any
	err    error
	closed bool
	signal chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{signal: make(chan struct{}, 1)}
}

func (q *messageQueue) push(v any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.notify()
}

func (q *messageQueue) close() {
	q.fail(nil, false)
}

func (q *messageQueue) fail(err error, dropPending bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	if dropPending {
		q.items = nil
	}
	q.mu.Unlock()
	q.notify()
}

func (q *messageQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// next blocks until a message is available or the queue is closed. ok is
// false once the queue is drained and closed without error.
func (q *messageQueue) next() (msg any, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true, nil
		}
		if q.closed {
			err = q.err
			q.mu.Unlock()
			return nil, err != nil, err
		}
		q.mu.Unlock()
		<-q.signal
	}
}
