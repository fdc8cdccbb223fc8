package functions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeForHTTPStatus(t *testing.T) {
	tests := map[int]Code{
		0:   CodeInternal,
		200: CodeOK,
		204: CodeOK,
		400: CodeInvalidArgument,
		401: CodeUnauthenticated,
		403: CodePermissionDenied,
		404: CodeNotFound,
		409: CodeAborted,
		429: CodeResourceExhausted,
		499: CodeCancelled,
		500: CodeInternal,
		501: CodeUnimplemented,
		503: CodeUnavailable,
		504: CodeDeadlineExceeded,
		302: CodeUnknown,
		418: CodeUnknown,
		502: CodeUnknown,
	}
	for status, want := range tests {
		assert.Equal(t, want, CodeForHTTPStatus(status), "status %d", status)
	}
}

func TestErrorForResponse(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    map[string]any
		wantNil bool
		code    Code
		message string
		details any
	}{
		{
			name:    "success",
			status:  200,
			body:    map[string]any{"data": 1.0},
			wantNil: true,
		},
		{
			name:    "status only",
			status:  404,
			code:    CodeNotFound,
			message: "not-found",
		},
		{
			name:    "failed request",
			status:  0,
			code:    CodeInternal,
			message: "internal",
		},
		{
			name:   "payload status overrides http status",
			status: 200,
			body: map[string]any{"error": map[string]any{
				"status": "INVALID_ARGUMENT",
			}},
			code:    CodeInvalidArgument,
			message: "INVALID_ARGUMENT",
		},
		{
			name:   "message overrides",
			status: 400,
			body: map[string]any{"error": map[string]any{
				"status":  "FAILED_PRECONDITION",
				"message": "bad",
			}},
			code:    CodeFailedPrecondition,
			message: "bad",
		},
		{
			name:   "unknown status name",
			status: 400,
			body: map[string]any{"error": map[string]any{
				"status":  "TEAPOT",
				"message": "ignored",
			}},
			code:    CodeInternal,
			message: "internal",
		},
		{
			name:   "ok status in payload",
			status: 500,
			body: map[string]any{"error": map[string]any{
				"status": "OK",
			}},
			wantNil: true,
		},
		{
			name:   "details are decoded",
			status: 500,
			body: map[string]any{"error": map[string]any{
				"message": "with details",
				"details": map[string]any{
					"id": map[string]any{"@type": longType, "value": "9007199254740993"},
				},
			}},
			code:    CodeInternal,
			message: "with details",
			details: map[string]any{"id": int64(9007199254740993)},
		},
		{
			name:    "error that is not an object",
			status:  403,
			body:    map[string]any{"error": "nope"},
			code:    CodePermissionDenied,
			message: "permission-denied",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ErrorForResponse(tt.status, tt.body)
			if tt.wantNil {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.message, err.Message)
			assert.Equal(t, tt.details, err.Details)
		})
	}
}

func TestError_Is(t *testing.T) {
	err := error(NewError(CodeCancelled, "gone"))
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.False(t, errors.Is(err, ErrInternal))
	assert.Equal(t, "functions: gone (functions/cancelled)", err.Error())

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeCancelled, fe.Code)
}

func TestCode_Status(t *testing.T) {
	assert.Equal(t, "INVALID_ARGUMENT", CodeInvalidArgument.Status())
	assert.Equal(t, "UNKNOWN", Code("nonsense").Status())
}
