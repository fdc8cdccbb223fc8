package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/darmiel/cirrus/internal/audit"
	"github.com/darmiel/cirrus/internal/emulator/middleware"
	"github.com/darmiel/cirrus/internal/emulator/presenter"
	"github.com/darmiel/cirrus/internal/functions"
)

// CallRequest is what a registered function receives.
type CallRequest struct {
	Project string
	Region  string
	Name    string

	// Data is the decoded request data.
	Data any

	// AuthToken is the raw Bearer token; the emulator does not verify it.
	AuthToken string

	// FID is set if a valid installation token was sent.
	FID string

	AppCheckToken string

	// Streaming is true if the caller accepts an event stream.
	Streaming bool
}

// Function implements a callable. send delivers a message to a streaming
// caller; for other callers it is a no-op. A returned *functions.Error is
// sent to the caller with its code, other errors as internal.
type Function func(ctx context.Context, req *CallRequest, send func(message any) error) (any, error)

// Register serves fn under name in every project and region.
func (s *Server) Register(name string, fn Function) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functions[name] = fn
}

var codeStatus = map[functions.Code]int{
	functions.CodeOK:                 http.StatusOK,
	functions.CodeCancelled:          499,
	functions.CodeUnknown:            http.StatusInternalServerError,
	functions.CodeInvalidArgument:    http.StatusBadRequest,
	functions.CodeDeadlineExceeded:   http.StatusGatewayTimeout,
	functions.CodeNotFound:           http.StatusNotFound,
	functions.CodeAlreadyExists:      http.StatusConflict,
	functions.CodePermissionDenied:   http.StatusForbidden,
	functions.CodeUnauthenticated:    http.StatusUnauthorized,
	functions.CodeResourceExhausted:  http.StatusTooManyRequests,
	functions.CodeFailedPrecondition: http.StatusBadRequest,
	functions.CodeAborted:            http.StatusConflict,
	functions.CodeOutOfRange:         http.StatusBadRequest,
	functions.CodeUnimplemented:      http.StatusNotImplemented,
	functions.CodeInternal:           http.StatusInternalServerError,
	functions.CodeUnavailable:        http.StatusServiceUnavailable,
	functions.CodeDataLoss:           http.StatusInternalServerError,
}

type callPayload struct {
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleCallable(w http.ResponseWriter, r *http.Request) {
	if s.applyFault(w, r, OpCall) {
		return
	}
	ctx := r.Context()
	logger := log.Ctx(ctx)

	name := chi.URLParam(r, "name")
	s.mu.Lock()
	fn, ok := s.functions[name]
	s.mu.Unlock()
	if !ok {
		presenter.Error(w, r, fmt.Sprintf("function %q is not registered", name), http.StatusNotFound)
		return
	}

	var payload callPayload
	if err := DecodePayload(r, &payload, false); err != nil || payload.Data == nil {
		writeCallError(w, r, functions.NewError(functions.CodeInvalidArgument, "Bad Request"))
		return
	}
	var raw any
	if err := json.Unmarshal(payload.Data, &raw); err != nil {
		writeCallError(w, r, functions.NewError(functions.CodeInvalidArgument, "Bad Request"))
		return
	}
	data, err := functions.Decode(raw)
	if err != nil {
		writeCallError(w, r, functions.NewError(functions.CodeInvalidArgument, err.Error()))
		return
	}

	req := &CallRequest{
		Project:       chi.URLParam(r, "project"),
		Region:        chi.URLParam(r, "region"),
		Name:          name,
		Data:          data,
		AuthToken:     strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		FID:           middleware.InstanceFID(ctx),
		AppCheckToken: r.Header.Get("X-Firebase-AppCheck"),
		Streaming:     acceptsEventStream(r),
	}
	logger.Debug().Str("function", name).Bool("streaming", req.Streaming).Msg("callable.invoked")

	if req.Streaming {
		s.serveStream(w, r, fn, req)
		return
	}

	result, err := fn(ctx, req, func(any) error { return nil })
	var encoded any
	if err == nil {
		encoded, err = functions.Encode(result)
	}
	s.recordCall(r, req, audit.ActionFunctionCall, err)
	if err != nil {
		writeCallError(w, r, err)
		return
	}
	presenter.JSON(w, r, map[string]any{"result": encoded}, http.StatusOK)
}

func (s *Server) recordCall(r *http.Request, req *CallRequest, action string, err error) {
	entry := audit.Entry{
		Action:   action,
		Project:  req.Project,
		FID:      req.FID,
		Function: req.Name,
		Status:   http.StatusOK,
	}
	if err != nil {
		fe := callError(err)
		entry.Status = codeStatus[fe.Code]
		entry.Error = string(fe.Code)
	}
	s.record(r, entry)
}

func acceptsEventStream(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "text/event-stream" {
			return true
		}
	}
	return false
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, fn Function, req *CallRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		presenter.Error(w, r, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(event map[string]any) error {
		raw, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	send := func(message any) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		encoded, err := functions.Encode(message)
		if err != nil {
			return err
		}
		return write(map[string]any{"message": encoded})
	}

	result, err := fn(r.Context(), req, send)
	if err == nil {
		var encoded any
		if encoded, err = functions.Encode(result); err == nil {
			err = write(map[string]any{"result": encoded})
		}
	}
	if err != nil && r.Context().Err() != nil {
		log.Ctx(r.Context()).Debug().Err(err).Msg("stream.client_gone")
		s.recordCall(r, req, audit.ActionFunctionStream, functions.NewError(functions.CodeCancelled, "client gone"))
		return
	}
	s.recordCall(r, req, audit.ActionFunctionStream, err)
	if err != nil {
		_ = write(map[string]any{"error": errorBody(callError(err))})
	}
}

// callError converts err into the error sent to the caller. Details of
// errors that are not *functions.Error are not disclosed.
func callError(err error) *functions.Error {
	var fe *functions.Error
	if errors.As(err, &fe) {
		return fe
	}
	return functions.NewError(functions.CodeInternal, "INTERNAL")
}

func errorBody(fe *functions.Error) map[string]any {
	body := map[string]any{
		"status":  fe.Code.Status(),
		"message": fe.Message,
	}
	if fe.Details != nil {
		if details, err := functions.Encode(fe.Details); err == nil {
			body["details"] = details
		}
	}
	return body
}

func writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	fe := callError(err)
	status, ok := codeStatus[fe.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	log.Ctx(r.Context()).Debug().Err(err).Str("code", string(fe.Code)).Msg("callable.failed")
	presenter.JSON(w, r, map[string]any{"error": errorBody(fe)}, status)
}
