package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/audio-producer/internal/core"
)

// HealthCheckTimeout bounds the availability probe made at registration.
const HealthCheckTimeout = 10 * time.Second

// Log messages.
const (
	logFmtAvailable     = "Provider available: backend=%s kind=%s"
	logFmtUnavailable   = "PROVIDER UNAVAILABLE: backend=%s kind=%s reason=%s"
	logFmtNoneAvailable = "NO PROVIDER AVAILABLE for kind=%s: every %s job will fail until one is configured"
	reasonNotConfigured = "no backend configured"
)

// ErrUnknownBackend is returned when a backend name was never registered.
var ErrUnknownBackend = errors.New("unknown backend")

// Availability is the explicit result of initializing one backend: either an available
// provider or the reason it is unavailable.
type Availability struct {
	Provider  *Provider      `json:"-"`
	Kind      core.AssetKind `json:"kind"`
	Backend   string         `json:"backend"`
	Reason    string         `json:"reason,omitempty"`
	Available bool           `json:"available"`
	Default   bool           `json:"default"`
}

// Err returns nil for available providers and an error wrapping
// core.ErrProviderUnavailable otherwise.
func (a Availability) Err() error {
	if a.Available {
		return nil
	}

	return fmt.Errorf("%w: backend=%s kind=%s reason=%s", core.ErrProviderUnavailable, a.Backend, a.Kind, a.Reason)
}

// Registry holds the availability of every configured backend per asset kind.
type Registry struct {
	log      *logger.Logger
	entries  map[core.AssetKind]map[string]Availability
	defaults map[core.AssetKind]string
	pinned   map[core.AssetKind]bool
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:      log,
		entries:  make(map[core.AssetKind]map[string]Availability),
		defaults: make(map[core.AssetKind]string),
		pinned:   make(map[core.AssetKind]bool),
	}
}

// Register builds a provider from opts and health-checks its backend. The outcome is
// recorded and returned; an unavailable backend is logged as an error.
func (r *Registry) Register(ctx context.Context, opts Options) Availability {
	name := ""
	if opts.Backend != nil {
		name = opts.Backend.Name()
	}

	provider, newErr := New(opts)
	if newErr != nil {
		return r.MarkUnavailable(opts.Kind, name, newErr)
	}

	healthCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	healthErr := provider.HealthCheck(healthCtx)
	if healthErr != nil {
		return r.MarkUnavailable(opts.Kind, name, healthErr)
	}

	availability := Availability{Provider: provider, Kind: opts.Kind, Backend: name, Available: true}
	r.record(availability)
	r.log.Info(logFmtAvailable, name, opts.Kind)

	return availability
}

// MarkUnavailable records that a backend could not be initialized.
func (r *Registry) MarkUnavailable(kind core.AssetKind, name string, reason error) Availability {
	availability := Availability{Kind: kind, Backend: name, Reason: reason.Error()}
	r.record(availability)
	r.log.Error(logFmtUnavailable, name, kind, availability.Reason)

	return availability
}

// SetDefault selects the backend used when a project names none. An explicit default
// sticks even when that backend is unavailable.
func (r *Registry) SetDefault(kind core.AssetKind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults[kind] = name
	r.pinned[kind] = true
}

// Lookup returns the availability of a backend. An empty name means the kind's default.
func (r *Registry) Lookup(kind core.AssetKind, name string) Availability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaults[kind]
	}

	if name == "" {
		return Availability{Kind: kind, Reason: reasonNotConfigured}
	}

	availability, found := r.entries[kind][name]
	if !found {
		return Availability{Kind: kind, Backend: name, Reason: ErrUnknownBackend.Error()}
	}

	availability.Default = name == r.defaults[kind]

	return availability
}

// Resolve returns the generator for a backend, or an error wrapping
// core.ErrProviderUnavailable with the recorded reason.
func (r *Registry) Resolve(kind core.AssetKind, name string) (core.Generator, error) {
	availability := r.Lookup(kind, name)

	availErr := availability.Err()
	if availErr != nil {
		return nil, availErr
	}

	return availability.Provider, nil
}

// Statuses lists every registered backend ordered by kind then name. Kinds without any
// backend appear once as unavailable.
func (r *Registry) Statuses() []Availability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]Availability, 0)

	for _, kind := range core.AllKinds() {
		names := make([]string, 0, len(r.entries[kind]))
		for name := range r.entries[kind] {
			names = append(names, name)
		}

		slices.Sort(names)

		if len(names) == 0 {
			statuses = append(statuses, Availability{Kind: kind, Reason: reasonNotConfigured})

			continue
		}

		for _, name := range names {
			availability := r.entries[kind][name]
			availability.Default = name == r.defaults[kind]
			statuses = append(statuses, availability)
		}
	}

	return statuses
}

// ReportMissing logs every kind whose default backend is unavailable.
func (r *Registry) ReportMissing() {
	for _, kind := range core.AllKinds() {
		availability := r.Lookup(kind, "")
		if !availability.Available {
			r.log.Error(logFmtNoneAvailable, kind, kind)
		}
	}
}

func (r *Registry) record(availability Availability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[availability.Kind] == nil {
		r.entries[availability.Kind] = make(map[string]Availability)
	}

	r.entries[availability.Kind][availability.Backend] = availability

	if r.pinned[availability.Kind] {
		return
	}

	// Without an explicit default, the first available backend wins.
	current, found := r.entries[availability.Kind][r.defaults[availability.Kind]]
	if !found || (!current.Available && availability.Available) {
		r.defaults[availability.Kind] = availability.Backend
	}
}
