package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFactory = ErrorFactory{
	Service: "widgets",
	Templates: map[Code]string{
		"not-found": `Widget "{$name}" not found.`,
		"broken":    "Widget broke: {$cause}",
	},
}

func TestErrorFactory_New(t *testing.T) {
	tests := []struct {
		name   string
		code   Code
		fields map[string]any
		want   string
	}{
		{"rendered", "not-found", map[string]any{"name": "gear"}, `widgets: Widget "gear" not found. (widgets/not-found)`},
		{"missing field", "not-found", nil, `widgets: Widget "<name?>" not found. (widgets/not-found)`},
		{"unknown code", "other", nil, "widgets: Error (widgets/other)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testFactory.New(tt.code, tt.fields)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestError_Is(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("calling: %w", testFactory.Wrap("broken", cause, map[string]any{"cause": cause}))

	assert.ErrorIs(t, err, testFactory.Sentinel("broken"))
	assert.ErrorIs(t, err, &Error{Code: "broken"})
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, testFactory.Sentinel("not-found"))
	assert.NotErrorIs(t, err, &Error{Service: "gadgets", Code: "broken"})

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, cause, e.Field("cause"))
	assert.Nil(t, e.Field("missing"))
}

func TestAppConfig(t *testing.T) {
	cfg := AppConfig{AppID: "1:1:web:a"}
	assert.Equal(t, "[DEFAULT]!1:1:web:a", cfg.Key())
	assert.Equal(t, []string{"projectId", "apiKey"}, cfg.MissingFields())

	cfg.AppName, cfg.ProjectID, cfg.APIKey = "other", "p", "k"
	assert.Equal(t, "other!1:1:web:a", cfg.Key())
	assert.Empty(t, cfg.MissingFields())
}

func TestIdentityRecord(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r := NewIdentityRecord("fid")
	assert.False(t, r.IsRegistered())
	assert.False(t, r.AuthToken.IsValid(now, 0))

	r.RegistrationStatus = Pending
	r.RegistrationTime = now
	assert.False(t, r.RegistrationExpired(now.Add(time.Second), 10*time.Second))
	assert.True(t, r.RegistrationExpired(now.Add(11*time.Second), 10*time.Second))

	cpy := r.Clone()
	cpy.RegistrationStatus = Registered
	cpy.AuthToken = AuthToken{RequestStatus: Completed, Token: "t", CreationTime: now, ExpiresIn: time.Hour}
	assert.Equal(t, Pending, r.RegistrationStatus)
	assert.True(t, cpy.IsRegistered())
	assert.True(t, cpy.AuthToken.IsValid(now.Add(30*time.Minute), time.Minute))
	assert.False(t, cpy.AuthToken.IsValid(now.Add(59*time.Minute+30*time.Second), time.Minute))

	cpy.AuthToken = AuthToken{RequestStatus: InProgress, RequestTime: now}
	assert.True(t, cpy.AuthRequestExpired(now.Add(time.Minute), 10*time.Second))
	assert.Nil(t, (*IdentityRecord)(nil).Clone())

	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "in-progress", InProgress.String())
	assert.Equal(t, "unknown", RegistrationStatus(0).String())
}
