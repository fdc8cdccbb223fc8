package installations

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the claims of an installation auth token that are useful
// on the client side.
type TokenClaims struct {
	FID       string    `json:"fid"`
	AppID     string    `json:"appId"`
	ProjectID string    `json:"projectNumber"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	FID       string `json:"fid"`
	AppID     string `json:"appId"`
	ProjectID string `json:"projectNumber"`
}

// InspectToken decodes the claims of an auth token without verifying its
// signature. The client never holds the verification key, the result is for
// display only.
func InspectToken(token string) (*TokenClaims, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parsing auth token: %w", err)
	}
	out := &TokenClaims{
		FID:       claims.FID,
		AppID:     claims.AppID,
		ProjectID: claims.ProjectID,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.UTC()
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.UTC()
	}
	return out, nil
}
