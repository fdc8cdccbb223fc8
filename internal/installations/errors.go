package installations

import (
	"errors"
	"net/http"

	"github.com/darmiel/cirrus/internal/core"
)

const (
	CodeMissingAppConfigValues    core.Code = "missing-app-config-values"
	CodeNotRegistered             core.Code = "not-registered"
	CodeInstallationNotFound      core.Code = "installation-not-found"
	CodeRequestFailed             core.Code = "request-failed"
	CodeNetworkFailure            core.Code = "network-failure"
	CodeAppOffline                core.Code = "app-offline"
	CodeDeletePendingRegistration core.Code = "delete-pending-registration"
	CodeInternal                  core.Code = "internal"
)

var errorFactory = core.ErrorFactory{
	Service: "installations",
	Templates: map[core.Code]string{
		CodeMissingAppConfigValues:    `Missing App configuration value: "{$valueName}"`,
		CodeNotRegistered:             "Firebase Installation is not registered.",
		CodeInstallationNotFound:      "Firebase Installation not found.",
		CodeRequestFailed:             `{$requestName} request failed with error "{$serverCode} {$serverStatus}: {$serverMessage}"`,
		CodeNetworkFailure:            "{$requestName} request could not be sent: {$cause}",
		CodeAppOffline:                "Could not process request. Application offline.",
		CodeDeletePendingRegistration: "Can't delete installation while there is a pending registration request.",
		CodeInternal:                  "{$requestName} returned an unexpected response: {$reason}",
	},
}

var (
	ErrMissingAppConfigValues    = errorFactory.Sentinel(CodeMissingAppConfigValues)
	ErrNotRegistered             = errorFactory.Sentinel(CodeNotRegistered)
	ErrRequestFailed             = errorFactory.Sentinel(CodeRequestFailed)
	ErrNetworkFailure            = errorFactory.Sentinel(CodeNetworkFailure)
	ErrAppOffline                = errorFactory.Sentinel(CodeAppOffline)
	ErrDeletePendingRegistration = errorFactory.Sentinel(CodeDeletePendingRegistration)
)

// ServerCode returns the HTTP status carried by a request-failed error, or 0.
func ServerCode(err error) int {
	var e *core.Error
	if !errors.As(err, &e) || e.Code != CodeRequestFailed {
		return 0
	}
	code, _ := e.Field("serverCode").(int)
	return code
}

func isServerError(err error) bool {
	code := ServerCode(err)
	return code >= 500 && code < 600
}

// isConflict reports whether the server refused the FID because it is
// already in use.
func isConflict(err error) bool {
	return ServerCode(err) == http.StatusConflict
}

// isRegistrationGone reports whether a token refresh failed because the
// server no longer knows the installation.
func isRegistrationGone(err error) bool {
	code := ServerCode(err)
	return code == http.StatusUnauthorized || code == http.StatusNotFound
}

func missingConfigError(field string) *core.Error {
	return errorFactory.New(CodeMissingAppConfigValues, map[string]any{"valueName": field})
}
