// Package functions invokes callable functions, either as a single request
// or as a server-sent event stream.
package functions

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/darmiel/cirrus/internal/metrics"
)

const (
	DefaultRegion  = "us-central1"
	DefaultTimeout = 70 * time.Second

	cloudWorkstationSuffix = ".cloudworkstations.dev"
)

// Service resolves callable URLs for one project and holds the state shared
// by its callables. Delete cancels all requests in flight.
type Service struct {
	projectID      string
	region         string
	customDomain   string
	emulatorOrigin string

	httpClient *http.Client
	provider   contextProvider
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu         sync.RWMutex
	deleted    chan struct{}
	deleteOnce sync.Once
}

type Option func(*Service)

// WithRegion sets the region, or a custom domain if the value is an absolute URL.
func WithRegion(regionOrCustomDomain string) Option {
	return func(s *Service) {
		if regionOrCustomDomain == "" {
			return
		}
		u, err := url.Parse(regionOrCustomDomain)
		if err != nil || u.Scheme == "" || u.Host == "" {
			s.region = regionOrCustomDomain
			s.customDomain = ""
			return
		}
		path := u.EscapedPath()
		if path == "/" {
			path = ""
		}
		s.customDomain = u.Scheme + "://" + u.Host + path
		s.region = DefaultRegion
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		s.httpClient = client
	}
}

// WithAuth sets the source of the Bearer token.
func WithAuth(source TokenSource) Option {
	return func(s *Service) {
		s.provider.auth = source
	}
}

// WithInstanceID sets the source of the Firebase-Instance-ID-Token header.
func WithInstanceID(source TokenSource) Option {
	return func(s *Service) {
		s.provider.instanceID = source
	}
}

func WithAppCheck(source AppCheckSource) Option {
	return func(s *Service) {
		s.provider.appCheck = source
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithEmulator is ConnectEmulator as an option.
func WithEmulator(host string, port int) Option {
	return func(s *Service) {
		s.emulatorOrigin = emulatorOrigin(host, port)
	}
}

func New(projectID string, opts ...Option) *Service {
	s := &Service{
		projectID:  projectID,
		region:     DefaultRegion,
		httpClient: http.DefaultClient,
		logger:     log.Logger.With().Str("component", "functions").Logger(),
		deleted:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.provider.logger = s.logger
	return s
}

// ConnectEmulator sends all following requests to the emulator at host:port.
func (s *Service) ConnectEmulator(host string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emulatorOrigin = emulatorOrigin(host, port)
}

func emulatorOrigin(host string, port int) string {
	scheme := "http"
	if strings.HasSuffix(host, cloudWorkstationSuffix) {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// URL returns the URL of the callable name.
func (s *Service) URL(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.emulatorOrigin != "":
		return fmt.Sprintf("%s/%s/%s/%s", s.emulatorOrigin, s.projectID, s.region, name)
	case s.customDomain != "":
		return s.customDomain + "/" + name
	}
	return fmt.Sprintf("https://%s-%s.cloudfunctions.net/%s", s.region, s.projectID, name)
}

// Region returns the configured region.
func (s *Service) Region() string {
	return s.region
}

// Callable returns the callable name of this service.
func (s *Service) Callable(name string, opts ...CallOption) *Callable {
	return s.newCallable(func() string { return s.URL(name) }, opts)
}

// CallableFromURL returns a callable at an explicit URL.
func (s *Service) CallableFromURL(rawURL string, opts ...CallOption) *Callable {
	return s.newCallable(func() string { return rawURL }, opts)
}

// Delete cancels all calls in flight. Calls started afterwards fail with
// cancelled as well.
func (s *Service) Delete() {
	s.deleteOnce.Do(func() {
		close(s.deleted)
	})
}

// Deleted is closed once Delete was called.
func (s *Service) Deleted() <-chan struct{} {
	return s.deleted
}

func (s *Service) countRequest(mode string, err error) {
	if s.metrics == nil {
		return
	}
	code := CodeOK
	if fe, ok := err.(*Error); ok {
		code = fe.Code
	} else if err != nil {
		code = CodeUnknown
	}
	s.metrics.CallableRequests.WithLabelValues(mode, string(code)).Inc()
}

func (s *Service) countEvent(kind string) {
	if s.metrics != nil {
		s.metrics.StreamEvents.WithLabelValues(kind).Inc()
	}
}
