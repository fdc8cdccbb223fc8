package installations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/darmiel/cirrus/internal/buildinfo"
	"github.com/darmiel/cirrus/internal/core"
	"github.com/darmiel/cirrus/internal/metrics"
)

const (
	// DefaultEndpoint is the production installations API.
	DefaultEndpoint = "https://firebaseinstallations.googleapis.com/v1"

	// AuthVersion is the version of the refresh token scheme.
	AuthVersion = "FIS_v2"

	requestCreate   = "Create Installation"
	requestGenerate = "Generate Auth Token"
	requestDelete   = "Delete Installation"
)

// Registrar talks to the installations server.
type Registrar interface {
	// CreateInstallation registers fid and returns the registered record.
	CreateInstallation(ctx context.Context, app core.AppConfig, fid string) (*core.IdentityRecord, error)

	// GenerateAuthToken requests a new auth token for a registered record.
	GenerateAuthToken(ctx context.Context, app core.AppConfig, rec *core.IdentityRecord) (core.AuthToken, error)

	// DeleteInstallation unregisters the record on the server.
	DeleteInstallation(ctx context.Context, app core.AppConfig, rec *core.IdentityRecord) error
}

// HeartbeatSource provides the short-lived client proof sent as x-firebase-client.
type HeartbeatSource interface {
	HeartbeatHeader(ctx context.Context) (string, error)
}

var _ Registrar = (*APIClient)(nil)

// APIClient is the HTTP implementation of Registrar.
type APIClient struct {
	endpoint   string
	httpClient *http.Client
	heartbeat  HeartbeatSource
	metrics    *metrics.Metrics
	now        func() time.Time
}

type APIOption func(*APIClient)

// WithEndpoint overrides the API base URL, e.g. to use an emulator.
func WithEndpoint(endpoint string) APIOption {
	return func(c *APIClient) {
		c.endpoint = strings.TrimSuffix(endpoint, "/")
	}
}

func WithHTTPClient(client *http.Client) APIOption {
	return func(c *APIClient) {
		c.httpClient = client
	}
}

func WithHeartbeat(source HeartbeatSource) APIOption {
	return func(c *APIClient) {
		c.heartbeat = source
	}
}

func WithAPIMetrics(m *metrics.Metrics) APIOption {
	return func(c *APIClient) {
		c.metrics = m
	}
}

func NewAPIClient(opts ...APIOption) *APIClient {
	c := &APIClient{
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ErrorResponse is the error envelope returned by the installations API.
type ErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type createRequest struct {
	FID         string `json:"fid"`
	AuthVersion string `json:"authVersion"`
	AppID       string `json:"appId"`
	SDKVersion  string `json:"sdkVersion"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn string `json:"expiresIn"`
}

type createResponse struct {
	Name         string         `json:"name"`
	FID          string         `json:"fid"`
	RefreshToken string         `json:"refreshToken"`
	AuthToken    *tokenResponse `json:"authToken"`
}

type generateRequest struct {
	Installation struct {
		SDKVersion string `json:"sdkVersion"`
		AppID      string `json:"appId"`
	} `json:"installation"`
}

func (c *APIClient) CreateInstallation(
	ctx context.Context,
	app core.AppConfig,
	fid string,
) (*core.IdentityRecord, error) {
	payload := createRequest{
		FID:         fid,
		AuthVersion: AuthVersion,
		AppID:       app.AppID,
		SDKVersion:  buildinfo.SDKVersion(),
	}
	target := c.projectURL(app) + "/installations"

	var resp createResponse
	err := c.retryIfServerError(ctx, requestCreate, func() error {
		return c.request(ctx, requestCreate, http.MethodPost, target, app, "", payload, &resp)
	})
	if err != nil {
		return nil, err
	}

	if resp.AuthToken == nil || resp.AuthToken.Token == "" {
		return nil, noTokenError(requestCreate)
	}
	token, err := c.completedToken(requestCreate, resp.AuthToken)
	if err != nil {
		return nil, err
	}

	registeredFID := resp.FID
	if registeredFID == "" {
		registeredFID = fid
	}
	return &core.IdentityRecord{
		FID:                registeredFID,
		RegistrationStatus: core.Registered,
		RefreshToken:       resp.RefreshToken,
		AuthToken:          token,
	}, nil
}

func (c *APIClient) GenerateAuthToken(
	ctx context.Context,
	app core.AppConfig,
	rec *core.IdentityRecord,
) (core.AuthToken, error) {
	var payload generateRequest
	payload.Installation.SDKVersion = buildinfo.SDKVersion()
	payload.Installation.AppID = app.AppID

	target := c.installationURL(app, rec.FID) + "/authTokens:generate"

	var resp tokenResponse
	err := c.retryIfServerError(ctx, requestGenerate, func() error {
		return c.request(ctx, requestGenerate, http.MethodPost, target, app, rec.RefreshToken, payload, &resp)
	})
	if err != nil {
		return core.AuthToken{}, err
	}
	if resp.Token == "" {
		return core.AuthToken{}, noTokenError(requestGenerate)
	}
	return c.completedToken(requestGenerate, &resp)
}

func (c *APIClient) DeleteInstallation(
	ctx context.Context,
	app core.AppConfig,
	rec *core.IdentityRecord,
) error {
	target := c.installationURL(app, rec.FID)
	return c.retryIfServerError(ctx, requestDelete, func() error {
		return c.request(ctx, requestDelete, http.MethodDelete, target, app, rec.RefreshToken, nil, nil)
	})
}

func (c *APIClient) projectURL(app core.AppConfig) string {
	return c.endpoint + "/projects/" + url.PathEscape(app.ProjectID)
}

func (c *APIClient) installationURL(app core.AppConfig, fid string) string {
	return c.projectURL(app) + "/installations/" + url.PathEscape(fid)
}

func (c *APIClient) completedToken(requestName string, resp *tokenResponse) (core.AuthToken, error) {
	expiresIn, err := time.ParseDuration(resp.ExpiresIn)
	if err != nil {
		return core.AuthToken{}, errorFactory.Wrap(CodeInternal, err, map[string]any{
			"requestName": requestName,
			"reason":      fmt.Sprintf("invalid expiresIn %q", resp.ExpiresIn),
		})
	}
	return core.AuthToken{
		Token:         resp.Token,
		RequestStatus: core.Completed,
		CreationTime:  c.now(),
		ExpiresIn:     expiresIn,
	}, nil
}

// retryIfServerError runs fn and runs it a second time if the server answered with a 5xx status.
func (c *APIClient) retryIfServerError(ctx context.Context, requestName string, fn func() error) error {
	err := fn()
	if err == nil || !isServerError(err) {
		return err
	}
	log.Ctx(ctx).Debug().Err(err).Str("request", requestName).Msg("server error, retrying once")
	return fn()
}

func (c *APIClient) request(
	ctx context.Context,
	requestName, method, target string,
	app core.AppConfig,
	refreshToken string,
	payload, result any,
) (err error) {
	start := c.now()
	defer func() {
		c.observe(requestName, start, err)
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-goog-api-key", app.APIKey)
	if refreshToken != "" {
		req.Header.Set("Authorization", AuthVersion+" "+refreshToken)
	}
	if c.heartbeat != nil {
		header, err := c.heartbeat.HeartbeatHeader(ctx)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("no heartbeat header available")
		} else if header != "" {
			req.Header.Set("x-firebase-client", header)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errorFactory.Wrap(CodeNetworkFailure, err, map[string]any{
			"requestName": requestName,
			"cause":       err.Error(),
		})
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseErrorResponse(requestName, resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return errorFactory.Wrap(CodeInternal, err, map[string]any{
				"requestName": requestName,
				"reason":      "invalid JSON body",
			})
		}
	}
	return nil
}

func (c *APIClient) observe(requestName string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if code := ServerCode(err); code != 0 {
			outcome = fmt.Sprintf("%d", code)
		}
	}
	c.metrics.ServerRequests.WithLabelValues(requestName, outcome).Inc()
	c.metrics.ServerRequestDuration.WithLabelValues(requestName).Observe(c.now().Sub(start).Seconds())
}

func parseErrorResponse(requestName string, resp *http.Response) error {
	fields := map[string]any{
		"requestName":   requestName,
		"serverCode":    resp.StatusCode,
		"serverStatus":  http.StatusText(resp.StatusCode),
		"serverMessage": "",
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fields["serverMessage"] = "unreadable body"
		return errorFactory.Wrap(CodeRequestFailed, err, fields)
	}

	var errResp ErrorResponse
	if json.Unmarshal(raw, &errResp) == nil && (errResp.Error.Message != "" || errResp.Error.Status != "") {
		if errResp.Error.Code != 0 {
			fields["serverCode"] = errResp.Error.Code
		}
		fields["serverStatus"] = errResp.Error.Status
		fields["serverMessage"] = errResp.Error.Message
	} else {
		fields["serverMessage"] = strings.TrimSpace(string(raw))
	}
	return errorFactory.New(CodeRequestFailed, fields)
}

func noTokenError(requestName string) error {
	return errorFactory.New(CodeRequestFailed, map[string]any{
		"requestName":   requestName,
		"serverCode":    http.StatusOK,
		"serverStatus":  "OK",
		"serverMessage": "no token returned",
	})
}
