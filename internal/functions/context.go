package functions

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

const (
	headerAuthorization = "Authorization"
	headerInstanceID    = "Firebase-Instance-ID-Token"
	headerAppCheck      = "X-Firebase-AppCheck"
)

// TokenSource returns a token to attach to callable requests. An empty
// token means none is available.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// AppCheckSource returns App Check tokens. Limited-use tokens are consumed
// by the backend on first use.
type AppCheckSource interface {
	Token(ctx context.Context, limitedUse bool) (string, error)
}

// contextProvider collects the tokens attached to every request. A failing
// source is skipped; the request is sent without its header.
type contextProvider struct {
	auth       TokenSource
	instanceID TokenSource
	appCheck   AppCheckSource
	logger     zerolog.Logger
}

type requestContext struct {
	AuthToken       string
	InstanceIDToken string
	AppCheckToken   string
}

func (p *contextProvider) context(ctx context.Context, limitedUseAppCheck bool) requestContext {
	var rc requestContext
	if p.auth != nil {
		tok, err := p.auth.Token(ctx)
		if err != nil {
			p.logger.Debug().Err(err).Msg("no auth token")
			tok = ""
		}
		rc.AuthToken = tok
	}
	if p.instanceID != nil {
		tok, err := p.instanceID.Token(ctx)
		if err != nil {
			p.logger.Debug().Err(err).Msg("no installation token")
			tok = ""
		}
		rc.InstanceIDToken = tok
	}
	if p.appCheck != nil {
		tok, err := p.appCheck.Token(ctx, limitedUseAppCheck)
		if err != nil {
			p.logger.Debug().Err(err).Msg("no app check token")
			tok = ""
		}
		rc.AppCheckToken = tok
	}
	return rc
}

func (rc requestContext) apply(h http.Header) {
	if rc.AuthToken != "" {
		h.Set(headerAuthorization, "Bearer "+rc.AuthToken)
	}
	if rc.InstanceIDToken != "" {
		h.Set(headerInstanceID, rc.InstanceIDToken)
	}
	if rc.AppCheckToken != "" {
		h.Set(headerAppCheck, rc.AppCheckToken)
	}
}
