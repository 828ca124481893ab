// Package service implements the core state machine of the adaptation
// service registry: the per-endpoint representation that discovers
// capabilities via an OPTIONS-style probe, tracks availability, suspends
// failing endpoints, schedules re-probing, and notifies pending
// transactions when it becomes usable.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/always-cache/adaptation-registry/pkg/options"
	"github.com/always-cache/adaptation-registry/pkg/timer"
	"github.com/always-cache/adaptation-registry/pkg/waiter"
	"github.com/always-cache/adaptation-registry/pkg/weakref"
)

// selfHandle is the strong-owner / weak-observable-flag pair: nulling it
// signals "deconfigured" to every callback that consults it on entry,
// without requiring raw back-pointers.
type selfHandle struct {
	valid bool
}

// Params configures a new Service.
type Params struct {
	Identity       string
	Method         Method
	VectoringPoint VectoringPoint
	Endpoint       Endpoint
	Bypass         Bypass
	Capability     Capability
	Config         Config

	// Loop is the cooperative scheduler every state transition of this
	// Service runs on. Multiple services may share one Loop (the common
	// case: one per Registry) or each may own one.
	Loop *timer.Timer
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger zerolog.Logger
	// OnProbe, if set, is called with the outcome of every completed probe
	// (success/failure, plus a short human-readable detail). It runs on
	// the Service's loop goroutine, so it must not block or call back into
	// this Service.
	OnProbe func(probeID string, success bool, detail string)
}

// Service is the per-endpoint state machine of the adaptation registry.
// All exported methods dispatch onto the owning Loop and block until the
// loop has processed them, so callers see synchronous semantics while the
// fields below are only ever touched from the loop goroutine — no locks
// are needed around Service data because nothing else ever touches it.
type Service struct {
	loop   *timer.Timer
	clock  func() time.Time
	logger zerolog.Logger
	cfg    Config

	identity       string
	method         Method
	vectoringPoint VectoringPoint
	endpoint       Endpoint
	bypass         Bypass
	capability     Capability

	options         *options.Options
	hasProbed       bool
	failureCount    int
	suspendedReason string
	lastProbeTime   time.Time
	lastProbeID     string
	probeScheduled  bool
	inFlightProbe   bool
	notifying       bool
	announcedUp     bool

	waiters     waiter.Queue
	waiterTable *weakref.Table

	stats   Stats
	onProbe func(probeID string, success bool, detail string)

	self *selfHandle
}

// New constructs a Service in the CONFIGURED state. It is inert until
// Configure is called.
func New(p Params) *Service {
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		loop:           p.Loop,
		clock:          clock,
		logger:         p.Logger.With().Str("service", p.Identity).Logger(),
		cfg:            p.Config,
		identity:       p.Identity,
		method:         p.Method,
		vectoringPoint: p.VectoringPoint,
		endpoint:       p.Endpoint,
		bypass:         p.Bypass,
		capability:     p.Capability,
		waiterTable:    weakref.NewTable(),
		onProbe:        p.OnProbe,
		self:           &selfHandle{},
	}
}

// Identity is immutable for the Service's lifetime and safe to read without
// dispatching onto the loop.
func (s *Service) Identity() string { return s.identity }

// Method is immutable for the Service's lifetime.
func (s *Service) Method() Method { return s.method }

// VectoringPoint is immutable for the Service's lifetime.
func (s *Service) VectoringPoint() VectoringPoint { return s.vectoringPoint }

// Bypass is immutable for the Service's lifetime.
func (s *Service) Bypass() Bypass { return s.bypass }

// Endpoint is immutable for the Service's lifetime.
func (s *Service) Endpoint() Endpoint { return s.endpoint }

// Configure activates a CONFIGURED Service by setting its self handle, after
// which it accepts waiters. Calling it a second time is a programmer error.
func (s *Service) Configure() bool {
	var ok bool
	s.loop.PostSync(func() { ok = s.configure() })
	return ok
}

func (s *Service) configure() bool {
	if s.self.valid {
		panic(fmt.Sprintf("service %s: Configure called twice", s.identity))
	}
	s.self.valid = true
	return true
}

// CallWhenReady registers cb to be invoked once the service is usable (or,
// if the service is later deconfigured, to observe that and give up). It
// returns the Handle the caller may use with CancelWaiter if target is
// destroyed before the callback fires. cb runs on the Service's own loop
// goroutine; use State(), not Up()/Broken()/Status(), to read the service
// from inside cb.
func (s *Service) CallWhenReady(cb func(target any, svc *Service), target any) (weakref.Handle, error) {
	var h weakref.Handle
	var err error
	s.loop.PostSync(func() { h, err = s.callWhenReady(cb, target) })
	return h, err
}

func (s *Service) callWhenReady(cb func(target any, svc *Service), target any) (weakref.Handle, error) {
	if !s.self.valid {
		return weakref.Handle{}, ErrDeconfigured
	}
	if s.broken() {
		return weakref.Handle{}, ErrBroken
	}

	h := s.waiterTable.Make(target)
	s.waiters.Enqueue(func(t any) { cb(t, s) }, h)

	if s.inFlightProbe || s.notifying {
		// note_time_to_notify will pick this waiter up when it runs.
		return h, nil
	}
	if s.needsNewOptions() {
		s.startGettingOptions()
	} else {
		s.loop.Schedule("notify", s, 0, s.noteTimeToNotify)
	}
	return h, nil
}

// CancelWaiter invalidates a handle returned by CallWhenReady, for a caller
// whose target is going away before the service notifies it.
func (s *Service) CancelWaiter(h weakref.Handle) {
	s.loop.PostSync(func() { s.waiterTable.Release(h) })
}

// NoteFailure records a session-level failure against this service.
func (s *Service) NoteFailure() {
	s.loop.PostSync(s.noteFailure)
}

func (s *Service) noteFailure() {
	s.failureCount++
	if s.suspendedReason != "" {
		return
	}
	if s.cfg.FailureLimit >= 0 && s.failureCount > s.cfg.FailureLimit {
		s.suspend("too many failures")
	}
}

func (s *Service) suspend(reason string) {
	if s.suspendedReason != "" {
		s.logger.Debug().Str("reason", s.suspendedReason).Msg("already suspended; keeping earlier reason")
		return
	}
	s.suspendedReason = reason
	s.stats.TimesSuspended++
	reviveAt := s.clock().Add(s.cfg.RevivalDelay)
	s.announceStatusChange(reason)
	s.logger.WithLevel(zerolog.WarnLevel).
		Str("reason", reason).
		Time("revive_at", reviveAt).
		Msg("adaptation service suspended")
	// Revival goes through scheduleUpdate rather than a dedicated timer, so
	// a short revival delay still can't reprobe faster than min_update_gap
	// allows.
	s.scheduleUpdate(reviveAt)
}

// Invalidate deconfigures the service. It is idempotent: repeated calls
// after the first have no further effect.
func (s *Service) Invalidate() {
	s.loop.PostSync(s.invalidate)
}

func (s *Service) invalidate() {
	if !s.self.valid {
		return
	}
	s.self.valid = false
	s.announceStatusChange("invalidated by reconfigure")
	// Waiters queued before invalidation must still be told, not left to
	// hang: they will observe self_handle == null via State() and take
	// their fallback path. Any probe already in flight becomes a no-op on
	// completion (self.valid check in runProbe's loop.Post callback) and
	// does not schedule its own notify in that case, so this is the only
	// drain they'll get.
	if !s.waiters.Empty() && !s.notifying {
		s.loop.Schedule("notify", s, 0, s.noteTimeToNotify)
	}
}

// ForceProbe requests an immediate probe if one is not already in flight.
// This is a supplemental operator/diagnostic affordance, not part of the
// core state machine's required contract.
func (s *Service) ForceProbe() {
	s.loop.PostSync(func() {
		if s.self.valid && !s.inFlightProbe {
			s.startGettingOptions()
		}
	})
}

func (s *Service) needsNewOptions() bool {
	return !s.up()
}

func (s *Service) scheduleUpdate(when time.Time) {
	if s.probeScheduled {
		if !s.loop.Exists("probe", s) {
			s.logger.Warn().Msg("probe_scheduled flag set but no timer found for it; proceeding on the flag")
		}
		s.loop.Cancel("probe", s)
	}

	now := s.clock()
	minNext := s.lastProbeTime.Add(s.cfg.MinUpdateGap)
	if when.Before(now) {
		when = now
	}
	if when.Before(minNext) {
		when = minNext
	}
	delay := when.Sub(now)
	if delay < 0 {
		delay = 0
	}

	s.probeScheduled = true
	s.loop.Schedule("probe", s, delay, func() {
		s.probeScheduled = false
		if s.self.valid {
			s.suspendedReason = ""
			s.startGettingOptions()
		}
	})
}

func (s *Service) startGettingOptions() {
	if s.inFlightProbe {
		panic(fmt.Sprintf("service %s: startGettingOptions called while a probe is already in flight", s.identity))
	}
	s.inFlightProbe = true
	s.lastProbeID = xid.New().String()
	s.loop.Schedule("fetch", s, 0, s.runProbe)
}

// runProbe dispatches the actual (blocking) network fetch to a goroutine and
// bounces the result back onto the loop. The loop itself never blocks on
// I/O: this is the boundary between the cooperative state machine and the
// abstract, possibly slow, decoder. inFlightProbe already guarantees at
// most one of these goroutines is outstanding per service at a time, so
// there is nothing here for singleflight to collapse.
func (s *Service) runProbe() {
	capability := s.capability
	ep := s.endpoint
	self := s.self
	probeID := s.lastProbeID
	loop := s.loop
	timeout := s.cfg.ProbeTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		raw, err := capability.Probe(ctx, ep)
		cancel()

		var decoded *options.Options
		if err == nil {
			decoded, err = capability.DecodeOptions(raw, time.Now())
		}

		loop.Post(func() {
			if !self.valid {
				// Deconfigured while the probe was in flight: become a
				// no-op rather than install options for a service that no
				// longer exists.
				return
			}
			if err != nil {
				s.logger.Debug().Err(err).Str("probe_id", probeID).Msg("adaptation options probe failed")
			}
			s.inFlightProbe = false
			s.handleNewOptions(decoded, err)
		})
	}()
}

func (s *Service) handleNewOptions(newOptions *options.Options, probeErr error) {
	s.options = newOptions
	s.hasProbed = true
	s.failureCount = 0
	s.suspendedReason = ""
	s.lastProbeTime = s.clock()
	s.stats.ProbesAttempted++

	success := newOptions != nil && newOptions.Valid()
	if s.onProbe != nil {
		detail := "ok"
		switch {
		case probeErr != nil:
			detail = probeErr.Error()
		case !success:
			detail = "invalid options"
		}
		s.onProbe(s.lastProbeID, success, detail)
	}

	if !success {
		s.stats.ProbesFailed++
	} else {
		methods := newOptions.Methods()
		if len(methods) > 0 && !options.HasMethod(methods, options.Method(s.method)) {
			declared := make([]string, 0, len(methods))
			for _, m := range methods {
				declared = append(declared, string(m))
			}
			s.logger.Warn().
				Str("configured_method", string(s.method)).
				Str("declared_methods", strings.Join(declared, ",")).
				Msg("adaptation service declares different methods than configured")
		}
	}

	s.scheduleUpdate(s.optionsFetchTime())
	s.loop.Schedule("notify", s, 0, s.noteTimeToNotify)
	s.announceStatusChange("")
}

func (s *Service) optionsFetchTime() time.Time {
	now := s.clock()
	if s.options.Valid() {
		t := s.options.Expiry().Add(-s.cfg.ExpectedProbeDuration)
		if t.Before(now) {
			t = now
		}
		return t
	}
	return now.Add(s.cfg.RevivalDelay)
}

func (s *Service) noteTimeToNotify() {
	if s.notifying {
		panic(fmt.Sprintf("service %s: re-entrant note_time_to_notify", s.identity))
	}
	s.notifying = true
	fired, dropped := s.waiters.Drain(s.waiterTable)
	s.stats.WaitersFired += fired
	s.stats.WaitersDropped += dropped
	s.notifying = false
}

func (s *Service) announceStatusChange(reason string) {
	up := s.up()
	if s.announcedUp == up {
		return
	}
	s.announcedUp = up
	ev := s.logger.WithLevel(zerolog.WarnLevel).Bool("up", up)
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msg("adaptation service availability changed")
}

// State reports up/broken without dispatching onto the loop. It exists for
// callbacks registered via CallWhenReady: those already run on the
// Service's own loop goroutine, so calling Up/Broken/Status from inside
// one would deadlock waiting for a loop turn that can't come until the
// callback returns. Service data needs no lock here for the same reason:
// only the loop goroutine ever touches it, and State's caller, by
// contract, already is that goroutine.
func (s *Service) State() (up, broken bool) {
	return s.up(), s.broken()
}

// Up reports whether the service is currently usable: configured, not
// suspended, and holding valid, fresh options.
func (s *Service) Up() bool {
	var v bool
	s.loop.PostSync(func() { v = s.up() })
	return v
}

func (s *Service) up() bool {
	return s.self.valid && s.suspendedReason == "" && s.options.Valid() && s.options.Fresh()
}

// Broken reports whether the service has been probed but is not up.
func (s *Service) Broken() bool {
	var v bool
	s.loop.PostSync(func() { v = s.broken() })
	return v
}

func (s *Service) broken() bool {
	return s.hasProbed && !s.up()
}

// Probed reports whether an options fetch has ever completed (successfully
// or not) for this service.
func (s *Service) Probed() bool {
	var v bool
	s.loop.PostSync(func() { v = s.hasProbed })
	return v
}

// WantsURL reports whether the service wants to adapt url (its options'
// disposition for url is not Ignore), requiring that options are present
// (ErrNoOptions otherwise).
func (s *Service) WantsURL(url string) (bool, error) {
	var want bool
	var err error
	s.loop.PostSync(func() { want, err = s.wantsURL(url) })
	return want, err
}

func (s *Service) wantsURL(url string) (bool, error) {
	if s.options == nil {
		return false, ErrNoOptions
	}
	return s.options.Wants(url) != options.Ignore, nil
}

// WantsPreview reports the preview size the service wants for url, if any.
func (s *Service) WantsPreview(url string) (size int, ok bool, err error) {
	s.loop.PostSync(func() { size, ok, err = s.wantsPreview(url) })
	return size, ok, err
}

func (s *Service) wantsPreview(url string) (int, bool, error) {
	if s.options == nil {
		return 0, false, ErrNoOptions
	}
	if s.options.Wants(url) != options.Preview {
		return 0, false, nil
	}
	sz, ok := s.options.PreviewSize()
	return sz, ok, nil
}

// Status renders the bracketed diagnostic vocabulary, e.g. "[up,fetch]" or
// "[down,gone,susp,!opt]".
func (s *Service) Status() string {
	var str string
	s.loop.PostSync(func() { str = s.status() })
	return str
}

func (s *Service) status() string {
	tags := make([]string, 0, 8)
	if s.up() {
		tags = append(tags, "up")
	} else {
		tags = append(tags, "down")
	}
	if !s.self.valid {
		tags = append(tags, "gone")
	}
	if s.suspendedReason != "" {
		tags = append(tags, "susp")
	}
	switch {
	case s.options == nil:
		tags = append(tags, "!opt")
	case !s.options.Valid():
		tags = append(tags, "!valid")
	case !s.options.Fresh():
		tags = append(tags, "stale")
	}
	if s.inFlightProbe {
		tags = append(tags, "fetch")
	}
	if s.notifying {
		tags = append(tags, "notif")
	}
	if s.failureCount > 0 {
		tags = append(tags, fmt.Sprintf("fail%d", s.failureCount))
	}
	return "[" + strings.Join(tags, ",") + "]"
}

// Stats returns a snapshot of cumulative bookkeeping counters.
func (s *Service) Stats() Stats {
	var st Stats
	s.loop.PostSync(func() { st = s.stats })
	return st
}
