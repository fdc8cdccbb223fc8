package installations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darmiel/cirrus/internal/core"
	"github.com/darmiel/cirrus/internal/store"
)

var testApp = core.AppConfig{
	AppName:   "app",
	AppID:     "1:123:web:abc",
	ProjectID: "project",
	APIKey:    "api-key",
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRegistrar struct {
	clock *fakeClock
	delay time.Duration

	mu            sync.Mutex
	createFIDs    []string
	generateCalls int
	deleteCalls   int

	createErr   func(call int) error
	generateErr func(call int) error
	deleteErr   error
}

func (f *fakeRegistrar) CreateInstallation(ctx context.Context, _ core.AppConfig, fid string) (*core.IdentityRecord, error) {
	f.mu.Lock()
	f.createFIDs = append(f.createFIDs, fid)
	call := len(f.createFIDs)
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.createErr != nil {
		if err := f.createErr(call); err != nil {
			return nil, err
		}
	}
	return &core.IdentityRecord{
		FID:                fid,
		RegistrationStatus: core.Registered,
		RefreshToken:       "refresh-" + fid,
		AuthToken: core.AuthToken{
			Token:         fmt.Sprintf("create-token-%d", call),
			RequestStatus: core.Completed,
			CreationTime:  f.clock.Now(),
			ExpiresIn:     7 * 24 * time.Hour,
		},
	}, nil
}

func (f *fakeRegistrar) GenerateAuthToken(ctx context.Context, _ core.AppConfig, _ *core.IdentityRecord) (core.AuthToken, error) {
	f.mu.Lock()
	f.generateCalls++
	call := f.generateCalls
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return core.AuthToken{}, err
	}
	if f.generateErr != nil {
		if err := f.generateErr(call); err != nil {
			return core.AuthToken{}, err
		}
	}
	return core.AuthToken{
		Token:         fmt.Sprintf("generated-token-%d", call),
		RequestStatus: core.Completed,
		CreationTime:  f.clock.Now(),
		ExpiresIn:     7 * 24 * time.Hour,
	}, nil
}

func (f *fakeRegistrar) DeleteInstallation(context.Context, core.AppConfig, *core.IdentityRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.deleteErr
}

func (f *fakeRegistrar) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delay):
		return nil
	}
}

func (f *fakeRegistrar) creates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.createFIDs...)
}

func (f *fakeRegistrar) generates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateCalls
}

func serverError(code int, status string) error {
	return errorFactory.New(CodeRequestFailed, map[string]any{
		"requestName":   "Test",
		"serverCode":    code,
		"serverStatus":  status,
		"serverMessage": "test error",
	})
}

type fixture struct {
	clock     *fakeClock
	store     *store.Memory
	registrar *fakeRegistrar
	manager   *Manager
	online    bool
	mu        sync.Mutex
}

func newFixture(t *testing.T, opts ...ManagerOption) *fixture {
	t.Helper()
	f := &fixture{
		clock:  newFakeClock(),
		store:  store.NewMemory(),
		online: true,
	}
	f.registrar = &fakeRegistrar{clock: f.clock}

	m, err := NewManager(testApp, append([]ManagerOption{
		WithStore(f.store),
		WithRegistrar(f.registrar),
		WithClock(f.clock.Now),
		WithPollInterval(5 * time.Millisecond),
		WithConnectivity(func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.online
		}),
	}, opts...)...)
	require.NoError(t, err)
	f.manager = m
	t.Cleanup(m.Close)
	return f
}

func (f *fixture) setOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

func (f *fixture) record(t *testing.T) *core.IdentityRecord {
	t.Helper()
	rec, err := f.store.Get(context.Background(), testApp.Key())
	require.NoError(t, err)
	return rec
}

func (f *fixture) put(t *testing.T, rec *core.IdentityRecord) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), testApp.Key(), rec))
}

func TestNewManager_MissingConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*core.AppConfig)
		missing string
	}{
		{"project id", func(c *core.AppConfig) { c.ProjectID = "" }, "projectId"},
		{"api key", func(c *core.AppConfig) { c.APIKey = "" }, "apiKey"},
		{"app id", func(c *core.AppConfig) { c.AppID = "" }, "appId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := testApp
			tt.mutate(&app)
			_, err := NewManager(app)
			require.ErrorIs(t, err, ErrMissingAppConfigValues)
			assert.Contains(t, err.Error(), tt.missing)
		})
	}
}

func TestManager_ConcurrentRegistrationCreatesOnce(t *testing.T) {
	f := newFixture(t)
	f.registrar.delay = 50 * time.Millisecond

	const callers = 5
	fids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := f.manager.GetOrCreateRegistration(context.Background())
			errs[i] = err
			if rec != nil {
				fids[i] = rec.FID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fids[0], fids[i])
	}
	assert.Len(t, f.registrar.creates(), 1)
	assert.True(t, IsValidFID(fids[0]))
	assert.Equal(t, core.Registered, f.record(t).RegistrationStatus)
}

func TestManager_RegisteredRecordMakesNoRequest(t *testing.T) {
	f := newFixture(t)

	first, err := f.manager.GetOrCreateRegistration(context.Background())
	require.NoError(t, err)
	second, err := f.manager.GetOrCreateRegistration(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.FID, second.FID)
	assert.Len(t, f.registrar.creates(), 1)
}

func TestManager_ConflictSelfHeals(t *testing.T) {
	f := newFixture(t)
	f.registrar.createErr = func(call int) error {
		if call == 1 {
			return serverError(http.StatusConflict, "ALREADY_EXISTS")
		}
		return nil
	}

	_, err := f.manager.GetOrCreateRegistration(context.Background())
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.Equal(t, http.StatusConflict, ServerCode(err))
	assert.Nil(t, f.record(t), "refused installation must be removed")

	rec, err := f.manager.GetOrCreateRegistration(context.Background())
	require.NoError(t, err)

	creates := f.registrar.creates()
	require.Len(t, creates, 2)
	assert.NotEqual(t, creates[0], creates[1], "second attempt must use a fresh fid")
	assert.Equal(t, creates[1], rec.FID)
}

func TestManager_FailedRegistrationIsNotLeftPending(t *testing.T) {
	f := newFixture(t)
	f.registrar.createErr = func(int) error {
		return serverError(http.StatusInternalServerError, "INTERNAL")
	}

	_, err := f.manager.GetOrCreateRegistration(context.Background())
	require.Error(t, err)

	rec := f.record(t)
	require.NotNil(t, rec)
	assert.Equal(t, core.NotRegistered, rec.RegistrationStatus)
	assert.Equal(t, f.registrar.creates()[0], rec.FID, "fid is kept for the next attempt")
}

func TestManager_PendingRegistration(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		reclaimed bool
	}{
		{name: "one second old", age: time.Second, reclaimed: false},
		{name: "exactly at timeout", age: PendingTimeout, reclaimed: false},
		{name: "one millisecond past timeout", age: PendingTimeout + time.Millisecond, reclaimed: true},
		{name: "fifteen seconds old", age: 15 * time.Second, reclaimed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.put(t, &core.IdentityRecord{
				FID:                "cAAAAAAAAAAAAAAAAAAAAA",
				RegistrationStatus: core.Pending,
				RegistrationTime:   f.clock.Now().Add(-tt.age),
				AuthToken:          core.AuthToken{RequestStatus: core.NotStarted},
			})

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			rec, err := f.manager.GetOrCreateRegistration(ctx)

			if tt.reclaimed {
				require.NoError(t, err)
				assert.Equal(t, core.Registered, rec.RegistrationStatus)
				assert.Equal(t, []string{"cAAAAAAAAAAAAAAAAAAAAA"}, f.registrar.creates())
				return
			}
			// nobody finishes the pending request and the clock stands still
			require.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Empty(t, f.registrar.creates())
			assert.Equal(t, core.Pending, f.record(t).RegistrationStatus)

			// lets the shared poll loop observe the timeout and finish
			f.clock.Advance(PendingTimeout)
		})
	}
}

func TestManager_CustomPendingTimeout(t *testing.T) {
	f := newFixture(t, WithPendingTimeout(time.Minute))
	f.put(t, &core.IdentityRecord{
		FID:                "cAAAAAAAAAAAAAAAAAAAAA",
		RegistrationStatus: core.Pending,
		RegistrationTime:   f.clock.Now().Add(-30 * time.Second),
		AuthToken:          core.AuthToken{RequestStatus: core.NotStarted},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.manager.GetOrCreateRegistration(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.registrar.creates())

	f.clock.Advance(31 * time.Second)
	rec, err := f.manager.GetOrCreateRegistration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.Registered, rec.RegistrationStatus)
	assert.Equal(t, []string{"cAAAAAAAAAAAAAAAAAAAAA"}, f.registrar.creates())
}

func TestManager_UnknownRegistrationStatus(t *testing.T) {
	tests := []struct {
		name   string
		status core.RegistrationStatus
	}{
		{name: "zero value", status: 0},
		{name: "newer schema", status: core.Registered + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.put(t, &core.IdentityRecord{
				FID:                "cAAAAAAAAAAAAAAAAAAAAA",
				RegistrationStatus: tt.status,
			})

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			rec, err := f.manager.GetOrCreateRegistration(ctx)
			require.NoError(t, err)
			assert.Equal(t, core.Registered, rec.RegistrationStatus)
			assert.Equal(t, []string{"cAAAAAAAAAAAAAAAAAAAAA"}, f.registrar.creates())
		})
	}
}

func TestManager_WaitsForPendingRegistrationOfOtherContext(t *testing.T) {
	f := newFixture(t)
	pending := &core.IdentityRecord{
		FID:                "dAAAAAAAAAAAAAAAAAAAAA",
		RegistrationStatus: core.Pending,
		RegistrationTime:   f.clock.Now(),
	}
	f.put(t, pending)

	go func() {
		time.Sleep(30 * time.Millisecond)
		done := pending.Clone()
		done.RegistrationStatus = core.Registered
		done.RefreshToken = "refresh"
		done.AuthToken = core.AuthToken{
			Token:         "from-other-context",
			RequestStatus: core.Completed,
			CreationTime:  f.clock.Now(),
			ExpiresIn:     7 * 24 * time.Hour,
		}
		_ = f.store.Set(context.Background(), testApp.Key(), done)
	}()

	token, err := f.manager.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "from-other-context", token)
	assert.Empty(t, f.registrar.creates())
	assert.Zero(t, f.registrar.generates())
}

func TestManager_Offline(t *testing.T) {
	f := newFixture(t)
	f.setOnline(false)

	_, err := f.manager.GetOrCreateRegistration(context.Background())
	require.ErrorIs(t, err, ErrAppOffline)

	rec := f.record(t)
	require.NotNil(t, rec, "the created record is persisted")
	assert.Equal(t, core.NotRegistered, rec.RegistrationStatus)
	assert.Empty(t, f.registrar.creates())

	fid, err := f.manager.GetID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rec.FID, fid)

	_, err = f.manager.GetToken(context.Background(), false)
	require.ErrorIs(t, err, ErrAppOffline)
}

func TestManager_GetIDRegistersInBackground(t *testing.T) {
	f := newFixture(t)

	fid, err := f.manager.GetID(context.Background())
	require.NoError(t, err)
	assert.True(t, IsValidFID(fid))

	f.manager.Close()
	assert.Equal(t, []string{fid}, f.registrar.creates())
	assert.Equal(t, core.Registered, f.record(t).RegistrationStatus)
}

func registered(clock *fakeClock, tokenAge, expiresIn time.Duration) *core.IdentityRecord {
	return &core.IdentityRecord{
		FID:                "eAAAAAAAAAAAAAAAAAAAAA",
		RegistrationStatus: core.Registered,
		RefreshToken:       "refresh",
		AuthToken: core.AuthToken{
			Token:         "stored-token",
			RequestStatus: core.Completed,
			CreationTime:  clock.Now().Add(-tokenAge),
			ExpiresIn:     expiresIn,
		},
	}
}

func TestManager_TokenExpiryBuffer(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		force     bool
		refreshes int
	}{
		{name: "one week left", remaining: 7 * 24 * time.Hour, refreshes: 0},
		{name: "61 minutes left", remaining: 61 * time.Minute, refreshes: 0},
		{name: "59 minutes left", remaining: 59 * time.Minute, refreshes: 1},
		{name: "expired", remaining: -time.Hour, refreshes: 1},
		{name: "forced", remaining: 7 * 24 * time.Hour, force: true, refreshes: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			const lifetime = 14 * 24 * time.Hour
			f.put(t, registered(f.clock, lifetime-tt.remaining, lifetime))

			token, err := f.manager.GetToken(context.Background(), tt.force)
			require.NoError(t, err)
			assert.Equal(t, tt.refreshes, f.registrar.generates())
			if tt.refreshes == 0 {
				assert.Equal(t, "stored-token", token)
			} else {
				assert.Equal(t, "generated-token-1", token)
				assert.Equal(t, token, f.record(t).AuthToken.Token)
			}

			// a second call reuses the now valid token
			again, err := f.manager.GetToken(context.Background(), false)
			require.NoError(t, err)
			assert.Equal(t, token, again)
			assert.Equal(t, tt.refreshes, f.registrar.generates())
		})
	}
}

func TestManager_CustomTokenExpirationBuffer(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		refreshes int
	}{
		{name: "30 minutes left", remaining: 30 * time.Minute, refreshes: 0},
		{name: "9 minutes left", remaining: 9 * time.Minute, refreshes: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithTokenExpirationBuffer(10*time.Minute))
			const lifetime = time.Hour
			f.put(t, registered(f.clock, lifetime-tt.remaining, lifetime))

			_, err := f.manager.GetToken(context.Background(), false)
			require.NoError(t, err)
			assert.Equal(t, tt.refreshes, f.registrar.generates())
		})
	}
}

func TestManager_ConcurrentTokenRefreshOnce(t *testing.T) {
	f := newFixture(t)
	f.registrar.delay = 40 * time.Millisecond
	rec := registered(f.clock, 0, 0)
	rec.AuthToken = core.AuthToken{RequestStatus: core.NotStarted}
	f.put(t, rec)

	const callers = 4
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := f.manager.GetToken(context.Background(), false)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.registrar.generates())
	for _, tok := range tokens {
		assert.Equal(t, "generated-token-1", tok)
	}
}

func TestManager_AbandonedTokenRequestIsReclaimed(t *testing.T) {
	f := newFixture(t)
	rec := registered(f.clock, 0, 0)
	rec.AuthToken = core.AuthToken{
		RequestStatus: core.InProgress,
		RequestTime:   f.clock.Now().Add(-PendingTimeout - time.Millisecond),
	}
	f.put(t, rec)

	token, err := f.manager.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "generated-token-1", token)
}

func TestManager_RefreshFailure(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		removed bool
	}{
		{name: "unauthenticated", code: http.StatusUnauthorized, removed: true},
		{name: "not found", code: http.StatusNotFound, removed: true},
		{name: "internal", code: http.StatusInternalServerError, removed: false},
		{name: "forbidden", code: http.StatusForbidden, removed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.put(t, registered(f.clock, 14*24*time.Hour, time.Hour))
			f.registrar.generateErr = func(int) error {
				return serverError(tt.code, "ERR")
			}

			_, err := f.manager.GetToken(context.Background(), false)
			require.ErrorIs(t, err, ErrRequestFailed)
			assert.Equal(t, tt.code, ServerCode(err))

			rec := f.record(t)
			if tt.removed {
				assert.Nil(t, rec)
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, core.Registered, rec.RegistrationStatus)
			assert.Equal(t, core.NotStarted, rec.AuthToken.RequestStatus)
		})
	}
}

func TestManager_RemovedRegistrationIsRecreated(t *testing.T) {
	f := newFixture(t)
	f.put(t, registered(f.clock, 14*24*time.Hour, time.Hour))
	f.registrar.generateErr = func(call int) error {
		if call == 1 {
			return serverError(http.StatusNotFound, "NOT_FOUND")
		}
		return nil
	}

	_, err := f.manager.GetToken(context.Background(), false)
	require.Error(t, err)

	token, err := f.manager.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "create-token-1", token)
	require.Len(t, f.registrar.creates(), 1)
	assert.NotEqual(t, "eAAAAAAAAAAAAAAAAAAAAA", f.registrar.creates()[0])
}

func TestManager_TokenRequiresRegistration(t *testing.T) {
	f := newFixture(t)
	f.put(t, core.NewIdentityRecord("cAAAAAAAAAAAAAAAAAAAAA"))

	_, err := f.manager.getValidAuthToken(context.Background(), false)
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.Zero(t, f.registrar.generates())
}

func TestManager_Delete(t *testing.T) {
	t.Run("registered", func(t *testing.T) {
		f := newFixture(t)
		rec, err := f.manager.GetOrCreateRegistration(context.Background())
		require.NoError(t, err)

		var changes []string
		unsub := f.manager.OnIDChange(func(fid string) { changes = append(changes, fid) })
		defer unsub()

		require.NoError(t, f.manager.Delete(context.Background()))
		assert.Nil(t, f.record(t))
		assert.Equal(t, 1, f.registrar.deleteCalls)
		assert.Equal(t, []string{""}, changes)
		assert.NotEmpty(t, rec.FID)
	})

	t.Run("server failure is not returned", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.GetOrCreateRegistration(context.Background())
		require.NoError(t, err)
		f.registrar.deleteErr = serverError(http.StatusNotFound, "NOT_FOUND")

		require.NoError(t, f.manager.Delete(context.Background()))
		assert.Nil(t, f.record(t))
	})

	t.Run("unregistered is removed locally", func(t *testing.T) {
		f := newFixture(t)
		f.put(t, core.NewIdentityRecord("cAAAAAAAAAAAAAAAAAAAAA"))

		require.NoError(t, f.manager.Delete(context.Background()))
		assert.Nil(t, f.record(t))
		assert.Zero(t, f.registrar.deleteCalls)
	})

	t.Run("pending registration", func(t *testing.T) {
		f := newFixture(t)
		f.put(t, &core.IdentityRecord{
			FID:                "cAAAAAAAAAAAAAAAAAAAAA",
			RegistrationStatus: core.Pending,
			RegistrationTime:   f.clock.Now(),
		})

		err := f.manager.Delete(context.Background())
		require.ErrorIs(t, err, ErrDeletePendingRegistration)
		assert.NotNil(t, f.record(t))
	})

	t.Run("nothing to delete", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.manager.Delete(context.Background()))
	})
}

func TestManager_OnIDChange(t *testing.T) {
	f := newFixture(t)

	var changes []string
	unsub := f.manager.OnIDChange(func(fid string) { changes = append(changes, fid) })
	defer unsub()

	rec, err := f.manager.GetOrCreateRegistration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{rec.FID}, changes, "only the creation of the fid is a change")
}

func TestManager_CanceledCallerDoesNotLeavePending(t *testing.T) {
	f := newFixture(t)
	f.registrar.delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.manager.GetOrCreateRegistration(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, core.NotRegistered, f.record(t).RegistrationStatus)
}
