package functions

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseHandler(t *testing.T, lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, line := range lines {
			_, _ = io.WriteString(w, line)
			flusher.Flush()
		}
	}
}

func collect(t *testing.T, res *StreamResult) ([]any, error) {
	t.Helper()
	var msgs []any
	for msg, err := range res.Messages() {
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func TestStream_MessagesAndResult(t *testing.T) {
	svc := newTestService(t, sseHandler(t,
		"data: {\"message\":\"A\"}\n",
		": keep-alive comment\n\n",
		"data: {\"message\":\"B\"}\n",
		"data: {\"result\":\"done\"}\n",
	))

	res, err := svc.Callable("fn").Stream(context.Background(), map[string]any{"q": 1})
	require.NoError(t, err)

	msgs, err := collect(t, res)
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B"}, msgs)

	data, err := res.Data(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", data)
}

func TestStream_ResultWithoutConsumingMessages(t *testing.T) {
	svc := newTestService(t, sseHandler(t,
		"data: {\"message\":1}\ndata: {\"message\":2}\n",
		"data: {\"result\":{\"n\":{\"@type\":\"type.googleapis.com/google.protobuf.UInt64Value\",\"value\":\"18446744073709551615\"}}}\n",
	))

	res, err := svc.Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	data, err := res.Data(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": uint64(18446744073709551615)}, data)

	msgs, err := collect(t, res)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, msgs)
}

func TestStream_LinesSplitAcrossChunks(t *testing.T) {
	svc := newTestService(t, sseHandler(t,
		"data: {\"mess",
		"age\":\"A\"}\r\n   data: {\"message\":\"B\"}   \n",
		"data: {\"res",
		"ult\":\"done\"}", // no trailing newline
	))

	res, err := svc.Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	msgs, err := collect(t, res)
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B"}, msgs)

	data, err := res.Data(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", data)
}

func TestStream_ErrorEvent(t *testing.T) {
	svc := newTestService(t, sseHandler(t,
		"data: {\"message\":\"A\"}\n",
		"data: {\"error\":{\"status\":\"INVALID_ARGUMENT\",\"message\":\"bad\"}}\n",
		"data: {\"message\":\"never\"}\n",
	))

	res, err := svc.Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	msgs, err := collect(t, res)
	assert.Equal(t, []any{"A"}, msgs, "queued messages come before the error")
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeInvalidArgument, fe.Code)
	assert.Equal(t, "bad", fe.Message)

	_, err = res.Data(context.Background())
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeInvalidArgument, fe.Code)
	assert.Equal(t, "bad", fe.Message)
}

func TestStream_EOFWithoutResult(t *testing.T) {
	svc := newTestService(t, sseHandler(t,
		"data: {\"message\":\"A\"}\n",
		"data: not json\n",
		"event: other\n",
	))

	res, err := svc.Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	msgs, err := collect(t, res)
	require.NoError(t, err)
	assert.Equal(t, []any{"A"}, msgs)

	_, err = res.Data(context.Background())
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeInternal, fe.Code)
	assert.Equal(t, "Response is missing data field.", fe.Message)
}

func TestStream_NonStreamingResponse(t *testing.T) {
	t.Run("data", func(t *testing.T) {
		svc := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
			respond(w, http.StatusOK, `{"result":"plain"}`)
		})
		res, err := svc.Callable("fn").Stream(context.Background(), nil)
		require.NoError(t, err)

		msgs, err := collect(t, res)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		data, err := res.Data(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "plain", data)
	})

	t.Run("error", func(t *testing.T) {
		svc := newTestService(t, func(w http.ResponseWriter, _ *http.Request) {
			respond(w, http.StatusUnauthorized, `{"error":{"message":"who are you"}}`)
		})
		res, err := svc.Callable("fn").Stream(context.Background(), nil)
		require.NoError(t, err)

		_, err = res.Data(context.Background())
		var fe *Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, CodeUnauthenticated, fe.Code)
		assert.Equal(t, "who are you", fe.Message)
	})
}

func TestStream_TransportFailure(t *testing.T) {
	svc := New("project", WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}),
	}))

	res, err := svc.Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	_, err = res.Data(context.Background())
	require.ErrorIs(t, err, ErrInternal)
	_, err = collect(t, res)
	require.ErrorIs(t, err, ErrInternal)
}

func TestStream_SingleConsumption(t *testing.T) {
	svc := newTestService(t, sseHandler(t, "data: {\"result\":null}\n"))
	res, err := svc.Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	_, err = collect(t, res)
	require.NoError(t, err)
	_, err = collect(t, res)
	require.ErrorIs(t, err, ErrStreamConsumed)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeFailedPrecondition, fe.Code)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// chunkBody serves chunks sent on its channel and records every read.
type chunkBody struct {
	chunks chan string

	closeOnce sync.Once
	closed    chan struct{}

	mu              sync.Mutex
	reads           int
	readsAfterClose int
}

func newChunkBody() *chunkBody {
	return &chunkBody{
		chunks: make(chan string),
		closed: make(chan struct{}),
	}
}

func (b *chunkBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	b.reads++
	select {
	case <-b.closed:
		b.readsAfterClose++
	default:
	}
	b.mu.Unlock()

	select {
	case chunk, ok := <-b.chunks:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	case <-b.closed:
		return 0, errors.New("read on closed body")
	}
}

func (b *chunkBody) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *chunkBody) stats() (reads, readsAfterClose int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads, b.readsAfterClose
}

func (b *chunkBody) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func chunkService(body *chunkBody) *Service {
	return New("project", WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": {"text/event-stream; charset=utf-8"}},
				Body:       body,
				Request:    r,
			}, nil
		}),
	}))
}

func waitForReads(t *testing.T, body *chunkBody, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		reads, _ := body.stats()
		return reads >= n
	}, time.Second, time.Millisecond)
}

func TestStream_CancelStopsReading(t *testing.T) {
	body := newChunkBody()
	res, err := chunkService(body).Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	next, stop := iter.Pull2(res.Messages())
	defer stop()

	body.chunks <- "data: {\"message\":\"A\"}\n"
	msg, err, ok := next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "A", msg)

	// the reader is blocked in its second read
	waitForReads(t, body, 2)
	res.Cancel()

	_, err = res.Data(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	_, err, ok = next()
	require.True(t, ok)
	require.ErrorIs(t, err, ErrCancelled)

	require.Eventually(t, body.isClosed, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	reads, after := body.stats()
	assert.Equal(t, 2, reads)
	assert.Zero(t, after, "no read after the body was closed")
}

func TestStream_ContextCancel(t *testing.T) {
	body := newChunkBody()
	ctx, cancel := context.WithCancel(context.Background())
	res, err := chunkService(body).Callable("fn").Stream(ctx, nil)
	require.NoError(t, err)

	body.chunks <- "data: {\"message\":\"A\"}\n"
	waitForReads(t, body, 2)
	cancel()

	_, err = res.Data(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	// the queued message is dropped
	msgs, err := collect(t, res)
	assert.Empty(t, msgs)
	require.ErrorIs(t, err, ErrCancelled)
	require.Eventually(t, body.isClosed, time.Second, time.Millisecond)
}

func TestStream_BreakCancels(t *testing.T) {
	body := newChunkBody()
	res, err := chunkService(body).Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	go func() {
		body.chunks <- "data: {\"message\":\"A\"}\ndata: {\"message\":\"B\"}\n"
	}()
	for msg, err := range res.Messages() {
		require.NoError(t, err)
		assert.Equal(t, "A", msg)
		break
	}

	_, err = res.Data(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	require.Eventually(t, body.isClosed, time.Second, time.Millisecond)
}

func TestStream_ServiceDeleteCancels(t *testing.T) {
	body := newChunkBody()
	svc := chunkService(body)
	res, err := svc.Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	waitForReads(t, body, 1)
	svc.Delete()

	_, err = res.Data(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
}

func TestStream_CancelAfterResult(t *testing.T) {
	body := newChunkBody()
	res, err := chunkService(body).Callable("fn").Stream(context.Background(), nil)
	require.NoError(t, err)

	body.chunks <- "data: {\"result\":\"early\"}\n"
	data, err := res.Data(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "early", data)

	res.Cancel()
	data, err = res.Data(context.Background())
	require.NoError(t, err, "a resolved result stays resolved")
	assert.Equal(t, "early", data)
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		line string
		want event
	}{
		{`data: {"message":"A"}`, messageEvent{Message: "A"}},
		{`  data: {"result":[1]}  `, resultEvent{Result: []any{1.0}}},
		{`data: {"error":{"status":"NOT_FOUND","message":"x"}}`, errorEvent{Err: &Error{Code: CodeNotFound, Message: "x"}}},
		{`data: {"error":{}}`, errorEvent{Err: &Error{Code: CodeInternal, Message: "internal"}}},
		{`data: {"other":1}`, nil},
		{`data: nope`, nil},
		{`data:{"message":"no space"}`, nil},
		{`: comment`, nil},
		{``, nil},
		{`data: {"message":{"@type":"bogus","value":"1"}}`, nil},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			assert.Equal(t, tt.want, parseEvent(tt.line))
		})
	}
}
