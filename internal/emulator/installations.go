package emulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/darmiel/cirrus/internal/audit"
	"github.com/darmiel/cirrus/internal/emulator/presenter"
	"github.com/darmiel/cirrus/internal/installations"
)

const tokenIssuer = "cirrus-emulator"

type installation struct {
	FID          string
	Project      string
	AppID        string
	RefreshToken string
	Created      time.Time
}

type createPayload struct {
	FID         string `json:"fid"`
	AuthVersion string `json:"authVersion"`
	AppID       string `json:"appId"`
	SDKVersion  string `json:"sdkVersion"`
}

type generatePayload struct {
	Installation struct {
		SDKVersion string `json:"sdkVersion"`
		AppID      string `json:"appId"`
	} `json:"installation"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn string `json:"expiresIn"`
}

type createResponse struct {
	Name         string        `json:"name"`
	FID          string        `json:"fid"`
	RefreshToken string        `json:"refreshToken"`
	AuthToken    tokenResponse `json:"authToken"`
}

// AuthClaims are the claims of the auth tokens issued by the emulator.
type AuthClaims struct {
	jwt.RegisteredClaims
	FID       string `json:"fid"`
	AppID     string `json:"appId"`
	ProjectID string `json:"projectNumber"`
}

// DecodePayload decodes a strict JSON request body into dest.
func DecodePayload(r *http.Request, dest any, allowEmpty bool) error {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.New("unsupported content type")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if !errors.Is(err, io.EOF) || !allowEmpty {
			return err
		}
	}
	// ensure there's no extra data
	if dec.More() {
		return errors.New("extra data in request body")
	}
	return nil
}

func (s *Server) handleCreateInstallation(w http.ResponseWriter, r *http.Request) {
	if s.applyFault(w, r, OpCreate) {
		return
	}
	logger := log.Ctx(r.Context())
	project := chi.URLParam(r, "project")

	var payload createPayload
	if err := DecodePayload(r, &payload, false); err != nil {
		presenter.Err(w, r, presenter.NewHTTPError(http.StatusBadRequest, err), "invalid request body")
		return
	}
	if payload.AppID == "" {
		presenter.Error(w, r, "appId is required", http.StatusBadRequest)
		return
	}
	if payload.AuthVersion != installations.AuthVersion {
		presenter.Error(w, r, fmt.Sprintf("unsupported authVersion %q", payload.AuthVersion), http.StatusBadRequest)
		return
	}

	fid := payload.FID
	if !installations.IsValidFID(fid) {
		// the server picks a FID if the client sent an unusable one
		fid = installations.GenerateFID()
	}

	s.mu.Lock()
	if _, exists := s.installations[fid]; exists {
		s.mu.Unlock()
		s.record(r, audit.Entry{
			Action:  audit.ActionInstallationCreate,
			Project: project,
			FID:     fid,
			Status:  http.StatusConflict,
			Error:   "FID already in use",
		})
		presenter.Status(w, r, http.StatusConflict, "ALREADY_EXISTS", "FID already in use", nil)
		return
	}
	inst := &installation{
		FID:          fid,
		Project:      project,
		AppID:        payload.AppID,
		RefreshToken: uuid.NewString(),
		Created:      s.now(),
	}
	s.installations[fid] = inst
	s.mu.Unlock()

	token, err := s.issueToken(inst)
	if err != nil {
		presenter.Err(w, r, presenter.NewHTTPError(http.StatusInternalServerError, err), "cannot issue token")
		return
	}

	logger.Info().Str("fid", fid).Str("app_id", payload.AppID).Msg("installation.created")
	s.record(r, audit.Entry{
		Action:           audit.ActionInstallationCreate,
		Project:          project,
		FID:              fid,
		TokenFingerprint: audit.Fingerprint(token.Token),
		Status:           http.StatusOK,
	})
	presenter.JSON(w, r, createResponse{
		Name:         fmt.Sprintf("projects/%s/installations/%s", project, fid),
		FID:          fid,
		RefreshToken: inst.RefreshToken,
		AuthToken:    token,
	}, http.StatusOK)
}

func (s *Server) handleGenerateAuthToken(w http.ResponseWriter, r *http.Request) {
	if s.applyFault(w, r, OpGenerate) {
		return
	}
	inst, ok := s.authorizeInstallation(w, r)
	if !ok {
		return
	}

	var payload generatePayload
	if err := DecodePayload(r, &payload, true); err != nil {
		presenter.Err(w, r, presenter.NewHTTPError(http.StatusBadRequest, err), "invalid request body")
		return
	}
	if payload.Installation.AppID != "" && payload.Installation.AppID != inst.AppID {
		presenter.Error(w, r, "appId does not match the installation", http.StatusForbidden)
		return
	}

	token, err := s.issueToken(inst)
	if err != nil {
		presenter.Err(w, r, presenter.NewHTTPError(http.StatusInternalServerError, err), "cannot issue token")
		return
	}
	log.Ctx(r.Context()).Debug().Str("fid", inst.FID).Msg("installation.token_generated")
	s.record(r, audit.Entry{
		Action:           audit.ActionInstallationToken,
		Project:          inst.Project,
		FID:              inst.FID,
		TokenFingerprint: audit.Fingerprint(token.Token),
		Status:           http.StatusOK,
	})
	presenter.JSON(w, r, token, http.StatusOK)
}

func (s *Server) handleDeleteInstallation(w http.ResponseWriter, r *http.Request) {
	if s.applyFault(w, r, OpDelete) {
		return
	}
	inst, ok := s.authorizeInstallation(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	delete(s.installations, inst.FID)
	s.mu.Unlock()

	log.Ctx(r.Context()).Info().Str("fid", inst.FID).Msg("installation.deleted")
	s.record(r, audit.Entry{
		Action:  audit.ActionInstallationDelete,
		Project: inst.Project,
		FID:     inst.FID,
		Status:  http.StatusOK,
	})
	presenter.JSON(w, r, struct{}{}, http.StatusOK)
}

// authorizeInstallation looks up the installation of the route and checks
// the refresh token sent as "FIS_v2 <token>".
func (s *Server) authorizeInstallation(w http.ResponseWriter, r *http.Request) (*installation, bool) {
	fid := chi.URLParam(r, "fid")
	project := chi.URLParam(r, "project")

	s.mu.Lock()
	inst, ok := s.installations[fid]
	s.mu.Unlock()
	if !ok || inst.Project != project {
		presenter.Error(w, r, "Installation not found.", http.StatusNotFound)
		return nil, false
	}

	refresh, found := strings.CutPrefix(r.Header.Get("Authorization"), installations.AuthVersion+" ")
	if !found || refresh != inst.RefreshToken {
		presenter.Error(w, r, "Request is missing required authentication credential.", http.StatusUnauthorized)
		return nil, false
	}
	return inst, true
}

func (s *Server) issueToken(inst *installation) (tokenResponse, error) {
	now := s.now()
	claims := AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   inst.FID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
		FID:       inst.FID,
		AppID:     inst.AppID,
		ProjectID: inst.Project,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{
		Token:     signed,
		ExpiresIn: fmt.Sprintf("%ds", int64(s.tokenTTL/time.Second)),
	}, nil
}

// Installations returns the registered FIDs in order.
func (s *Server) Installations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	fids := make([]string, 0, len(s.installations))
	for fid := range s.installations {
		fids = append(fids, fid)
	}
	sort.Strings(fids)
	return fids
}

// Revoke forgets an installation as if it was deleted on the server.
func (s *Server) Revoke(fid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.installations, fid)
}
