package tasks

import (
	"context"
	"time"

	"github.com/darmiel/cirrus/internal/installations"
	"github.com/darmiel/cirrus/internal/logging"
)

// TokenKeeperTask is the name the token keeper is registered under.
const TokenKeeperTask = "token-keeper"

// TokenSource is implemented by *installations.Manager.
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (string, error)
}

// TokenKeeper returns a task that keeps the auth token of src fresh. The
// manager only contacts the server when the token is about to expire, so
// running it often is cheap. now is used to report the remaining lifetime.
func TokenKeeper(src TokenSource, now func() time.Time) TaskFunc {
	var last string
	return func(ctx context.Context, logger logging.InternalLogger) error {
		token, err := src.GetToken(ctx, false)
		if err != nil {
			return err
		}
		if token == last {
			logger.Debug("auth token unchanged")
			return nil
		}
		last = token

		claims, err := installations.InspectToken(token)
		if err != nil {
			logger.Info("auth token refreshed")
			return nil
		}
		logger.Info("auth token for %s refreshed, expires in %s",
			claims.FID, claims.ExpiresAt.Sub(now()).Round(time.Second))
		return nil
	}
}
