package installations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/darmiel/cirrus/internal/core"
	"github.com/darmiel/cirrus/internal/metrics"
	"github.com/darmiel/cirrus/internal/notify"
	"github.com/darmiel/cirrus/internal/store"
)

const (
	// PendingTimeout is how long a pending registration or token request may
	// stay pending before another caller reclaims it.
	PendingTimeout = 10 * time.Second

	// TokenExpirationBuffer is the remaining lifetime below which a token is refreshed.
	TokenExpirationBuffer = time.Hour

	// PollInterval is the delay between store reads while waiting for a
	// request started by another caller.
	PollInterval = 100 * time.Millisecond
)

// Manager owns the installation of one app. It is the only writer of the
// app's record in the store.
type Manager struct {
	app       core.AppConfig
	key       string
	store     store.Store
	registrar Registrar
	notifier  *notify.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	online func() bool
	now    func() time.Time

	pollInterval   time.Duration
	pendingTimeout time.Duration
	tokenBuffer    time.Duration

	flight singleflight.Group
	wg     sync.WaitGroup
}

type ManagerOption func(*Manager)

func WithStore(s store.Store) ManagerOption {
	return func(m *Manager) {
		m.store = s
	}
}

func WithRegistrar(r Registrar) ManagerOption {
	return func(m *Manager) {
		m.registrar = r
	}
}

func WithNotifier(n *notify.Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifier = n
	}
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithConnectivity sets the check used before any server request is started.
// Without it the manager assumes to be online.
func WithConnectivity(online func() bool) ManagerOption {
	return func(m *Manager) {
		m.online = online
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.pollInterval = d
	}
}

// WithPendingTimeout sets how long a pending registration or token request
// is waited for before another caller takes over. Defaults to PendingTimeout.
func WithPendingTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.pendingTimeout = d
	}
}

// WithTokenExpirationBuffer sets how long before its expiry a token is refreshed.
func WithTokenExpirationBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.tokenBuffer = d
	}
}

// NewManager returns the manager for app. It fails with
// missing-app-config-values if a required value of app is empty.
func NewManager(app core.AppConfig, opts ...ManagerOption) (*Manager, error) {
	if missing := app.MissingFields(); len(missing) > 0 {
		return nil, missingConfigError(missing[0])
	}

	m := &Manager{
		app:            app,
		key:            app.Key(),
		logger:         log.Logger.With().Str("component", "installations").Str("app", app.Key()).Logger(),
		online:         func() bool { return true },
		now:            time.Now,
		pollInterval:   PollInterval,
		pendingTimeout: PendingTimeout,
		tokenBuffer:    TokenExpirationBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = store.NewMemory()
	}
	if m.registrar == nil {
		m.registrar = NewAPIClient(WithAPIMetrics(m.metrics))
	}
	if m.notifier == nil {
		m.notifier = notify.New(notify.WithLogger(m.logger))
	}
	return m, nil
}

// App returns the app the manager belongs to.
func (m *Manager) App() core.AppConfig {
	return m.app
}

// Record returns the stored record without modifying it, or nil.
func (m *Manager) Record(ctx context.Context) (*core.IdentityRecord, error) {
	return m.store.Get(ctx, m.key)
}

// OnIDChange registers fn to be called whenever the FID of this app changes,
// in this process or in another one sharing the store.
func (m *Manager) OnIDChange(fn func(fid string)) (unsubscribe func()) {
	return m.notifier.Subscribe(m.key, fn)
}

// Close waits for background registrations started by GetID.
func (m *Manager) Close() {
	m.wg.Wait()
}

// GetID returns the FID of the installation, creating it if necessary. It
// does not wait for the registration: if this call started one, it continues
// in the background.
func (m *Manager) GetID(ctx context.Context) (string, error) {
	rec, registering, err := m.installationEntry(ctx)
	if err != nil && !errors.Is(err, ErrAppOffline) {
		return "", err
	}
	if registering {
		bg := context.WithoutCancel(ctx)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.register(bg, rec); err != nil {
				m.logger.Warn().Err(err).Str("fid", rec.FID).Msg("background registration failed")
			}
		}()
	}
	return rec.FID, nil
}

// GetOrCreateRegistration returns the registered record, registering the
// installation with the server if needed. Concurrent callers in this and other
// processes share a single create request.
func (m *Manager) GetOrCreateRegistration(ctx context.Context) (*core.IdentityRecord, error) {
	for {
		rec, registering, err := m.installationEntry(ctx)
		if err != nil {
			return nil, err
		}

		switch {
		case registering:
			return m.register(ctx, rec)
		case rec.IsRegistered():
			return rec, nil
		}

		// another caller is registering
		waited, err := m.waitForRegistration(ctx)
		if err != nil {
			return nil, err
		}
		if waited.IsRegistered() {
			return waited, nil
		}
		// the other attempt failed or was abandoned; start over
	}
}

// GetToken returns a valid auth token, refreshing it when it expires within
// the expiration buffer or when forceRefresh is set.
func (m *Manager) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	if _, err := m.GetOrCreateRegistration(ctx); err != nil {
		return "", err
	}
	return m.getValidAuthToken(ctx, forceRefresh)
}

// Delete unregisters the installation on the server and removes the local
// record. Server errors are logged, not returned. It fails with
// delete-pending-registration while a registration is in flight.
func (m *Manager) Delete(ctx context.Context) error {
	var registered *core.IdentityRecord
	var existed bool
	_, err := m.store.Update(ctx, m.key, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
		registered, existed = nil, old != nil
		if old == nil {
			return nil, nil
		}
		entry := m.clearTimedOutRegistration(old)
		switch entry.RegistrationStatus {
		case core.Pending:
			return nil, errorFactory.New(CodeDeletePendingRegistration, nil)
		case core.Registered:
			registered = entry
			return entry, nil
		default:
			return nil, nil
		}
	})
	if err != nil {
		return err
	}

	if registered != nil {
		if err := m.registrar.DeleteInstallation(ctx, m.app, registered); err != nil {
			m.logger.Warn().Err(err).Str("fid", registered.FID).
				Msg("server-side deletion failed, removing local installation anyway")
		}
		_, err := m.store.Update(context.WithoutCancel(ctx), m.key, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
			if old != nil && old.FID != registered.FID {
				// replaced by another process in the meantime
				return old, nil
			}
			return nil, nil
		})
		if err != nil {
			return fmt.Errorf("removing local installation: %w", err)
		}
	}

	if existed {
		m.notifier.Notify(ctx, m.key, "")
	}
	return nil
}

// installationEntry loads or creates the record and, if it is not
// registered and not pending, marks it pending. registering is true if this
// call made that transition and must now perform the create request.
func (m *Manager) installationEntry(ctx context.Context) (rec *core.IdentityRecord, registering bool, err error) {
	var offline bool
	rec, err = m.update(ctx, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
		registering, offline = false, false

		entry := old
		if entry == nil {
			entry = core.NewIdentityRecord(GenerateFID())
		}
		entry = m.clearTimedOutRegistration(entry)

		if entry.RegistrationStatus == core.NotRegistered {
			if !m.online() {
				// the new or demoted record is still persisted
				offline = true
				return entry, nil
			}
			entry.RegistrationStatus = core.Pending
			entry.RegistrationTime = m.now()
			registering = true
		}
		return entry, nil
	})
	if err != nil {
		return nil, false, err
	}
	if offline {
		m.countRegistration("offline")
		return rec, false, errorFactory.New(CodeAppOffline, nil)
	}
	return rec, registering, nil
}

// register performs the create request for a record this caller marked pending.
func (m *Manager) register(ctx context.Context, rec *core.IdentityRecord) (*core.IdentityRecord, error) {
	logger := m.logger.With().Str("fid", rec.FID).Logger()
	logger.Debug().Msg("registering installation")

	registered, err := m.registrar.CreateInstallation(ctx, m.app, rec.FID)

	// the outcome must be persisted even if the caller gave up
	wctx := context.WithoutCancel(ctx)

	if err != nil {
		if isConflict(err) || !IsValidFID(rec.FID) {
			// the FID cannot be used, the next attempt starts with a new one
			logger.Warn().Err(err).Msg("server refused fid, removing local installation")
			m.countRegistration("conflict")
			if rerr := m.removeIfFID(wctx, rec.FID); rerr != nil {
				logger.Error().Err(rerr).Msg("cannot remove refused installation")
			}
			return nil, err
		}

		m.countRegistration("failed")
		_, uerr := m.update(wctx, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
			if old == nil || old.FID != rec.FID {
				return old, nil
			}
			return core.NewIdentityRecord(rec.FID), nil
		})
		if uerr != nil {
			logger.Error().Err(uerr).Msg("cannot reset failed registration")
		}
		return nil, err
	}

	saved, err := m.update(wctx, func(*core.IdentityRecord) (*core.IdentityRecord, error) {
		return registered, nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving registered installation: %w", err)
	}
	m.countRegistration("registered")
	logger.Info().Str("registered_fid", saved.FID).Msg("installation registered")
	return saved, nil
}

// waitForRegistration polls the store until the registration is no longer
// pending. Waiters of this process share one poll loop.
func (m *Manager) waitForRegistration(ctx context.Context) (*core.IdentityRecord, error) {
	m.countWait("registration")
	return m.shared(ctx, "registration", func(ctx context.Context) (*core.IdentityRecord, error) {
		for {
			if err := m.sleep(ctx); err != nil {
				return nil, err
			}
			rec, err := m.update(ctx, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
				if old == nil {
					return nil, nil
				}
				return m.clearTimedOutRegistration(old), nil
			})
			if err != nil {
				return nil, err
			}
			if rec == nil {
				// removed after a conflict, the caller creates a new one
				return core.NewIdentityRecord(InvalidFID), nil
			}
			if rec.RegistrationStatus != core.Pending {
				return rec, nil
			}
		}
	})
}

func (m *Manager) getValidAuthToken(ctx context.Context, forceRefresh bool) (string, error) {
	for {
		var refreshing bool
		rec, err := m.update(ctx, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
			refreshing = false
			if !old.IsRegistered() {
				return nil, errorFactory.New(CodeNotRegistered, nil)
			}
			tok := old.AuthToken
			now := m.now()

			if !forceRefresh && tok.IsValid(now, m.tokenBuffer) {
				return old, nil
			}
			if tok.RequestStatus == core.InProgress && !old.AuthRequestExpired(now, m.pendingTimeout) {
				return old, nil
			}
			if !m.online() {
				return nil, errorFactory.New(CodeAppOffline, nil)
			}
			old.AuthToken = core.AuthToken{
				RequestStatus: core.InProgress,
				RequestTime:   now,
			}
			refreshing = true
			return old, nil
		})
		if err != nil {
			return "", err
		}

		if refreshing {
			return m.fetchAuthToken(ctx, rec)
		}
		if rec.AuthToken.RequestStatus != core.InProgress {
			return rec.AuthToken.Token, nil
		}

		// another caller is refreshing
		waited, err := m.waitForAuthToken(ctx)
		if err != nil {
			return "", err
		}
		if waited.AuthToken.RequestStatus == core.Completed {
			return waited.AuthToken.Token, nil
		}
		// the other refresh failed or was abandoned
		forceRefresh = false
	}
}

// fetchAuthToken performs the refresh request for a record this caller marked in progress.
func (m *Manager) fetchAuthToken(ctx context.Context, rec *core.IdentityRecord) (string, error) {
	logger := m.logger.With().Str("fid", rec.FID).Logger()

	tok, err := m.registrar.GenerateAuthToken(ctx, m.app, rec)
	wctx := context.WithoutCancel(ctx)

	if err != nil {
		if isRegistrationGone(err) {
			// TODO: distinguish a revoked installation from a transient 401 once the server reports a reason
			logger.Warn().Err(err).Msg("installation is no longer known to the server, removing it")
			m.countRefresh("removed")
			if rerr := m.removeIfFID(wctx, rec.FID); rerr != nil {
				logger.Error().Err(rerr).Msg("cannot remove unknown installation")
			}
			return "", err
		}

		m.countRefresh("failed")
		_, uerr := m.update(wctx, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
			if old == nil || old.FID != rec.FID {
				return old, nil
			}
			old.AuthToken = core.AuthToken{RequestStatus: core.NotStarted}
			return old, nil
		})
		if uerr != nil {
			logger.Error().Err(uerr).Msg("cannot reset failed token request")
		}
		return "", err
	}

	_, err = m.update(wctx, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
		if old == nil || old.FID != rec.FID || !old.IsRegistered() {
			return nil, errorFactory.New(CodeNotRegistered, nil)
		}
		old.AuthToken = tok
		return old, nil
	})
	if err != nil {
		return "", err
	}
	m.countRefresh("ok")
	logger.Debug().Time("expires_at", tok.ExpiresAt()).Msg("auth token refreshed")
	return tok.Token, nil
}

// waitForAuthToken polls the store until the token request is no longer in progress.
func (m *Manager) waitForAuthToken(ctx context.Context) (*core.IdentityRecord, error) {
	m.countWait("auth-token")
	return m.shared(ctx, "auth-token", func(ctx context.Context) (*core.IdentityRecord, error) {
		for {
			if err := m.sleep(ctx); err != nil {
				return nil, err
			}
			rec, err := m.update(ctx, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
				if !old.IsRegistered() {
					return nil, errorFactory.New(CodeNotRegistered, nil)
				}
				if old.AuthRequestExpired(m.now(), m.pendingTimeout) {
					old.AuthToken = core.AuthToken{RequestStatus: core.NotStarted}
				}
				return old, nil
			})
			if err != nil {
				return nil, err
			}
			if rec.AuthToken.RequestStatus != core.InProgress {
				return rec, nil
			}
		}
	})
}

// shared runs fn once per name for all concurrent callers of this manager.
// fn runs detached from the caller's cancellation; it is bounded by the
// pending timeout instead. Each caller still returns early on its own ctx.
func (m *Manager) shared(
	ctx context.Context,
	name string,
	fn func(ctx context.Context) (*core.IdentityRecord, error),
) (*core.IdentityRecord, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(m.key+"/"+name, func() (any, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// every caller gets its own copy
		return res.Val.(*core.IdentityRecord).Clone(), nil
	}
}

// update wraps store.Update and notifies listeners when the FID changed.
func (m *Manager) update(ctx context.Context, fn store.UpdateFunc) (*core.IdentityRecord, error) {
	var oldFID string
	var hadOld bool
	rec, err := m.store.Update(ctx, m.key, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
		hadOld = old != nil
		if hadOld {
			oldFID = old.FID
		}
		return fn(old)
	})
	if err != nil {
		return nil, err
	}
	if rec != nil && (!hadOld || oldFID != rec.FID) {
		m.notifier.Notify(ctx, m.key, rec.FID)
	}
	return rec, nil
}

func (m *Manager) removeIfFID(ctx context.Context, fid string) error {
	_, err := m.store.Update(ctx, m.key, func(old *core.IdentityRecord) (*core.IdentityRecord, error) {
		if old != nil && old.FID != fid {
			return old, nil
		}
		return nil, nil
	})
	return err
}

// clearTimedOutRegistration demotes an abandoned pending registration and
// records with a status this version does not know.
func (m *Manager) clearTimedOutRegistration(rec *core.IdentityRecord) *core.IdentityRecord {
	switch rec.RegistrationStatus {
	case core.NotRegistered, core.Registered:
		return rec
	case core.Pending:
		if rec.RegistrationExpired(m.now(), m.pendingTimeout) {
			m.logger.Debug().Str("fid", rec.FID).Msg("pending registration timed out")
			return core.NewIdentityRecord(rec.FID)
		}
		return rec
	default:
		m.logger.Warn().Str("fid", rec.FID).Int("status", int(rec.RegistrationStatus)).
			Msg("unknown registration status, registering again")
		return core.NewIdentityRecord(rec.FID)
	}
}

func (m *Manager) sleep(ctx context.Context) error {
	t := time.NewTimer(m.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) countRegistration(result string) {
	if m.metrics != nil {
		m.metrics.Registrations.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countRefresh(result string) {
	if m.metrics != nil {
		m.metrics.TokenRefreshes.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countWait(kind string) {
	if m.metrics != nil {
		m.metrics.PendingWaits.WithLabelValues(kind).Inc()
	}
}
