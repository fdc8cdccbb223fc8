package emulator

import (
	"context"
	"fmt"
	"time"

	"github.com/darmiel/cirrus/internal/functions"
)

// RegisterBuiltins registers the demo functions served by `cirrus emulator`:
//
//	echo    returns its data
//	whoami  returns the FID of the calling installation
//	count   streams 1..n (data.n, default 3) and returns "done"
//	fail    fails with data.code and data.message
func RegisterBuiltins(s *Server) {
	s.Register("echo", func(_ context.Context, req *CallRequest, _ func(any) error) (any, error) {
		return req.Data, nil
	})

	s.Register("whoami", func(_ context.Context, req *CallRequest, _ func(any) error) (any, error) {
		if req.FID == "" {
			return nil, functions.NewError(functions.CodeUnauthenticated, "no installation token")
		}
		return map[string]any{"fid": req.FID}, nil
	})

	s.Register("count", func(ctx context.Context, req *CallRequest, send func(any) error) (any, error) {
		n := 3
		if args, ok := req.Data.(map[string]any); ok {
			if v, ok := args["n"].(float64); ok {
				n = int(v)
			}
		}
		for i := 1; i <= n; i++ {
			if err := send(i); err != nil {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
		return "done", nil
	})

	s.Register("fail", func(_ context.Context, req *CallRequest, _ func(any) error) (any, error) {
		code, message := functions.CodeInternal, "failed on request"
		if args, ok := req.Data.(map[string]any); ok {
			if v, ok := args["code"].(string); ok {
				code = functions.Code(v)
			}
			if v, ok := args["message"].(string); ok {
				message = v
			}
		}
		if _, known := codeStatus[code]; !known {
			return nil, fmt.Errorf("unknown code %q", code)
		}
		return nil, functions.NewError(code, message)
	})
}
