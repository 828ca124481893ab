// Package adaptation ties together the ICAP/eCAP adaptation service
// registry: it owns the cooperative event loop (pkg/timer), the set of
// configured Service state machines (pkg/service), and the reload
// semantics that keep waiters of a deconfigured service from hanging.
package adaptation

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/adaptation-registry/pkg/service"
	"github.com/always-cache/adaptation-registry/pkg/timer"
)

// Decoders resolves the Capability implementation for a given endpoint
// Kind, so the Registry can stay agnostic of which adaptation protocols
// (ICAP, eCAP) are wired in.
type Decoders map[service.Kind]service.Capability

// ProbeRecorder observes the outcome of every completed probe across every
// service the Registry manages. It is invoked on the Registry's loop
// goroutine, so implementations must not block or call back into the
// Registry or any Service.
type ProbeRecorder func(serviceID, probeID string, success bool, detail string)

// Registry is a mapping from identity to Service. A Registry owns exactly
// one cooperative Loop; every Service it creates shares that loop, so
// ordering guarantees hold across the whole registry, not just within one
// service.
type Registry struct {
	mu       sync.RWMutex
	loop     *timer.Timer
	logger   zerolog.Logger
	clock    func() time.Time
	cfg      service.Config
	decoders Decoders
	services map[string]*service.Service
	recorder ProbeRecorder
}

// SetProbeRecorder installs fn to observe every future probe outcome across
// every service already registered and any added afterward. Passing nil
// disables recording.
func (r *Registry) SetProbeRecorder(fn ProbeRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = fn
}

// NewRegistry creates a Registry and starts its cooperative loop.
func NewRegistry(cfg service.Config, decoders Decoders, logger zerolog.Logger) *Registry {
	loop := timer.New()
	loop.SetLogger(logger)
	loop.Run()
	return &Registry{
		loop:     loop,
		logger:   logger,
		clock:    time.Now,
		cfg:      cfg,
		decoders: decoders,
		services: make(map[string]*service.Service),
	}
}

// Stop terminates the registry's loop goroutine. No further Service state
// transitions will be processed afterward.
func (r *Registry) Stop() {
	r.loop.Stop()
}

// Add configures and registers a new service for d. The identity must not
// already be registered.
func (r *Registry) Add(d ServiceDirective) (*service.Service, error) {
	capability, ok := r.decoders[d.Endpoint.Kind]
	if !ok {
		return nil, fmt.Errorf("registry: no decoder wired for endpoint kind %q (service %q)", d.Endpoint.Kind, d.Identity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[d.Identity]; exists {
		return nil, fmt.Errorf("registry: service %q already registered", d.Identity)
	}

	if d.Endpoint.ResourceTooLong() {
		r.logger.Warn().Str("service", d.Identity).Str("endpoint", d.Endpoint.String()).Msg("adaptation endpoint resource path exceeds 1024 bytes")
	}

	identity := d.Identity
	svc := service.New(service.Params{
		Identity:       d.Identity,
		Method:         d.Method,
		VectoringPoint: d.VectoringPoint,
		Endpoint:       d.Endpoint,
		Bypass:         d.Bypass,
		Capability:     capability,
		Config:         r.cfg,
		Loop:           r.loop,
		Clock:          r.clock,
		Logger:         r.logger,
		OnProbe: func(probeID string, success bool, detail string) {
			r.mu.RLock()
			rec := r.recorder
			r.mu.RUnlock()
			if rec != nil {
				rec(identity, probeID, success, detail)
			}
		},
	})
	svc.Configure()
	r.services[d.Identity] = svc
	return svc, nil
}

// Lookup returns the service registered under identity, if any.
func (r *Registry) Lookup(identity string) (*service.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[identity]
	return svc, ok
}

// All returns every currently registered service, in no particular order.
func (r *Registry) All() []*service.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*service.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

// Clear invalidates and forgets every registered service.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range r.services {
		svc.Invalidate()
	}
	r.services = make(map[string]*service.Service)
}

// Reload installs a new set of service directives. Every currently
// registered service is invalidated first — so transactions with waiters
// registered against the old set observe a deconfigured service and
// re-dispatch — and only then is the new set created. Reload does not
// replace the registry's Config (FailureLimit,
// RevivalDelay, MinUpdateGap, ExpectedProbeDuration); pass those to
// NewRegistry when building the replacement Registry if they've changed.
func (r *Registry) Reload(directives []ServiceDirective) error {
	r.Clear()
	for _, d := range directives {
		if _, err := r.Add(d); err != nil {
			return err
		}
	}
	return nil
}
