// Package audit records what the emulator did, so tests and users can see
// which installations were created, refreshed or deleted and which functions
// were called.
package audit

import (
	"crypto/sha256"
	"encoding/base64"
	"time"
)

const (
	ActionInstallationCreate = "installation.create"
	ActionInstallationToken  = "installation.token"
	ActionInstallationDelete = "installation.delete"
	ActionFunctionCall       = "function.call"
	ActionFunctionStream     = "function.stream"
)

type Entry struct {
	// ID is the correlation id of the request.
	ID string `json:"id"`

	Time   time.Time `json:"time"`
	Action string    `json:"action"`

	Project  string `json:"project,omitempty"`
	FID      string `json:"fid,omitempty"`
	Function string `json:"function,omitempty"`

	// TokenFingerprint identifies an issued token without storing it.
	TokenFingerprint string `json:"token_fingerprint,omitempty"`

	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Auditor interface {
	Log(entry Entry) error
	Close() error
}

// Fingerprint returns base64(sha256(token)).
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NoopAuditor discards all entries.
type NoopAuditor struct{}

func (NoopAuditor) Log(Entry) error { return nil }

func (NoopAuditor) Close() error { return nil }
