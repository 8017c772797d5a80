package integration

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// RateLimits holds a service's published request quotas.
type RateLimits struct {
	PerMinute int
	PerHour   int
}

// OAuthEndpoints holds a service's OAuth configuration. This is
// configuration data, not behavior; the OAuth manager drives the flow.
type OAuthEndpoints struct {
	AuthURL  string
	TokenURL string
	Scopes   []string
}

// ServiceConfig declares the static identity of one external service.
type ServiceConfig struct {
	Name            string
	DisplayName     string
	Capabilities    []Capability
	BaseURL         string
	OAuth           OAuthEndpoints
	RateLimits      RateLimits
	SupportsRefresh bool // false: tokens are effectively permanent, refresh is a no-op
	UsesPKCE        bool
	SupportsWebhook bool
	UsesBasicAuth   bool // CalDAV-style services authenticate with username/password
}

// Adapter normalizes one external service into the canonical task/event
// operations. An adapter that does not support a capability fails fast
// with an unsupported-operation error rather than silently no-op-ing.
type Adapter interface {
	Config() *ServiceConfig

	// Initialize prepares the adapter (client construction, endpoint
	// discovery). Called once before Authenticate.
	Initialize(ctx context.Context) error

	// Authenticate installs credentials for subsequent calls.
	Authenticate(tok Token) error

	// TestConnection verifies the credentials against the live service.
	TestConnection(ctx context.Context) error

	// Task operations (capability: task_management).
	ListTasks(ctx context.Context, modifiedSince *time.Time) ([]ExternalTask, error)
	GetTask(ctx context.Context, externalID string) (*ExternalTask, error)
	CreateTask(ctx context.Context, task *Task) (*ExternalTask, error)
	UpdateTask(ctx context.Context, externalID string, task *Task) (*ExternalTask, error)
	DeleteTask(ctx context.Context, externalID string) error

	// Event operations (capability: calendar).
	ListEvents(ctx context.Context, modifiedSince *time.Time) ([]ExternalEvent, error)
	GetEvent(ctx context.Context, externalID string) (*ExternalEvent, error)
	CreateEvent(ctx context.Context, event *Event) (*ExternalEvent, error)
	UpdateEvent(ctx context.Context, externalID string, event *Event) (*ExternalEvent, error)
	DeleteEvent(ctx context.Context, externalID string) error

	// Webhook operations. RegisterWebhook subscribes the given callback
	// URL with the vendor and returns the vendor-side subscription id.
	RegisterWebhook(ctx context.Context, callbackURL string) (string, error)
	UnregisterWebhook(ctx context.Context, externalWebhookID string) error

	// ParseWebhook turns a vendor-specific inbound payload into the
	// canonical webhook event. It must not require authentication.
	ParseWebhook(body []byte, headers http.Header) (*WebhookEvent, error)

	// Disconnect revokes credentials where the vendor supports it and
	// releases adapter resources.
	Disconnect(ctx context.Context) error
}

// Supports reports whether cfg declares the capability.
func (c *ServiceConfig) Supports(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// Factory constructs a fresh adapter instance for one user integration.
type Factory func(client *http.Client) Adapter

// Registry maps service names to adapter factories. Adapter instances are
// per-integration (they hold credentials and a rate limiter), so the
// registry hands out fresh instances rather than singletons.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	configs   map[string]*ServiceConfig
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		configs:   make(map[string]*ServiceConfig),
	}
}

// Register adds a service's adapter factory. Registering the same name
// twice replaces the previous factory.
func (r *Registry) Register(cfg *ServiceConfig, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[cfg.Name] = factory
	r.configs[cfg.Name] = cfg
}

// New returns a fresh adapter for the named service.
func (r *Registry) New(service string, client *http.Client) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[service]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	return factory(client), nil
}

// Config returns the service configuration for the named service.
func (r *Registry) Config(service string) (*ServiceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	return cfg, nil
}

// Services returns the registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
