// Package client wires the installations manager and the functions service
// of one app into a single value.
//
//	cfg, _ := config.Load("cirrus.yaml")
//	c, err := client.New(ctx, cfg)
//	defer c.Close()
//	res, err := c.Callable("addMessage").Call(ctx, map[string]any{"text": "hi"})
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/darmiel/cirrus/internal/config"
	"github.com/darmiel/cirrus/internal/functions"
	"github.com/darmiel/cirrus/internal/installations"
	"github.com/darmiel/cirrus/internal/metrics"
	"github.com/darmiel/cirrus/internal/notify"
	"github.com/darmiel/cirrus/internal/store"
)

type Client struct {
	cfg *config.Config

	store         store.Store
	notifier      *notify.Notifier
	metrics       *metrics.Metrics
	installations *installations.Manager
	functions     *functions.Service

	closers []io.Closer
}

type options struct {
	store       store.Store
	broadcaster notify.Broadcaster
	httpClient  *http.Client
	registerer  prometheus.Registerer
	logger      zerolog.Logger
	auth        functions.TokenSource
	appCheck    functions.AppCheckSource
	heartbeat   installations.HeartbeatSource
	online      func() bool
}

type Option func(*options)

// WithStore uses s instead of opening the configured store. The client does
// not close it.
func WithStore(s store.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithBroadcaster overrides the configured cross-process channel.
func WithBroadcaster(b notify.Broadcaster) Option {
	return func(o *options) {
		o.broadcaster = b
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithRegisterer registers the client metrics on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithAuth sets the source of the user's Bearer token for callables.
func WithAuth(source functions.TokenSource) Option {
	return func(o *options) {
		o.auth = source
	}
}

func WithAppCheck(source functions.AppCheckSource) Option {
	return func(o *options) {
		o.appCheck = source
	}
}

func WithHeartbeat(source installations.HeartbeatSource) Option {
	return func(o *options) {
		o.heartbeat = source
	}
}

// WithConnectivity overrides the online check of the installations manager.
func WithConnectivity(online func() bool) Option {
	return func(o *options) {
		o.online = online
	}
}

// New builds a client for the app of cfg. Unset values of cfg take their
// defaults; cfg itself is not modified.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	cpy := *cfg
	cfg = &cpy
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}

	o := options{
		httpClient: http.DefaultClient,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{cfg: cfg, metrics: metrics.New()}
	if o.registerer != nil {
		if err := c.metrics.Register(o.registerer); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	c.store = o.store
	if c.store == nil {
		s, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		c.store = s
		c.closers = append(c.closers, s)
	}

	broadcaster := o.broadcaster
	if broadcaster == nil && cfg.Broadcast.RedisURL != "" {
		rb, err := notify.RedisBroadcasterFromURL(cfg.Broadcast.RedisURL, cfg.Broadcast.Prefix+":")
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		broadcaster = rb
		c.closers = append(c.closers, rb)
	}
	notifyOpts := []notify.Option{notify.WithLogger(o.logger)}
	if broadcaster != nil {
		notifyOpts = append(notifyOpts, notify.WithBroadcaster(broadcaster))
	}
	c.notifier = notify.New(notifyOpts...)

	apiOpts := []installations.APIOption{
		installations.WithEndpoint(cfg.Installations.Endpoint),
		installations.WithHTTPClient(o.httpClient),
		installations.WithAPIMetrics(c.metrics),
	}
	if o.heartbeat != nil {
		apiOpts = append(apiOpts, installations.WithHeartbeat(o.heartbeat))
	}
	mgrOpts := []installations.ManagerOption{
		installations.WithStore(c.store),
		installations.WithRegistrar(installations.NewAPIClient(apiOpts...)),
		installations.WithNotifier(c.notifier),
		installations.WithMetrics(c.metrics),
		installations.WithLogger(o.logger),
	}
	if o.online != nil {
		mgrOpts = append(mgrOpts, installations.WithConnectivity(o.online))
	}
	mgr, err := installations.NewManager(cfg.App, mgrOpts...)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.installations = mgr

	fnOpts := []functions.Option{
		functions.WithRegion(cfg.Functions.Region),
		functions.WithHTTPClient(o.httpClient),
		functions.WithInstanceID(functions.TokenSourceFunc(func(ctx context.Context) (string, error) {
			return mgr.GetToken(ctx, false)
		})),
		functions.WithMetrics(c.metrics),
		functions.WithLogger(o.logger),
	}
	if o.auth != nil {
		fnOpts = append(fnOpts, functions.WithAuth(o.auth))
	}
	if o.appCheck != nil {
		fnOpts = append(fnOpts, functions.WithAppCheck(o.appCheck))
	}
	if cfg.Functions.Emulator != "" {
		host, port, err := config.SplitHostPort(cfg.Functions.Emulator)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("functions emulator: %w", err)
		}
		fnOpts = append(fnOpts, functions.WithEmulator(host, port))
	}
	c.functions = functions.New(cfg.App.ProjectID, fnOpts...)

	o.logger.Debug().
		Str("app", cfg.App.Key()).
		Str("store", cfg.Store.Driver).
		Bool("broadcast", broadcaster != nil).
		Msg("client ready")
	return c, nil
}

func (c *Client) Config() *config.Config {
	return c.cfg
}

func (c *Client) Installations() *installations.Manager {
	return c.installations
}

func (c *Client) Functions() *functions.Service {
	return c.functions
}

func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Callable returns a callable that uses the configured timeout unless opts
// set another one.
func (c *Client) Callable(name string, opts ...functions.CallOption) *functions.Callable {
	opts = append([]functions.CallOption{functions.WithTimeout(c.cfg.Functions.Timeout)}, opts...)
	return c.functions.Callable(name, opts...)
}

// Close waits for background registrations, cancels running calls and
// releases the store and broadcaster the client opened.
func (c *Client) Close() error {
	if c.installations != nil {
		c.installations.Close()
	}
	if c.functions != nil {
		c.functions.Delete()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
