package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/adaptation-registry/pkg/options"
	"github.com/always-cache/adaptation-registry/pkg/service"
	"github.com/always-cache/adaptation-registry/pkg/timer"
)

// fakeCapability is a Capability whose Probe/DecodeOptions behavior is
// driven entirely by test code, so scenarios don't depend on any real
// ICAP/eCAP wire traffic.
type fakeCapability struct {
	mu       sync.Mutex
	attempts int32
	// next is invoked for each probe; it returns the decoded options (or
	// nil) and an error to simulate a failed fetch.
	next func(n int) (*options.Options, error)
}

func (f *fakeCapability) Probe(ctx context.Context, ep service.Endpoint) ([]byte, error) {
	atomic.AddInt32(&f.attempts, 1)
	return []byte("ok"), nil
}

func (f *fakeCapability) DecodeOptions(raw []byte, now time.Time) (*options.Options, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int(atomic.LoadInt32(&f.attempts))
	return f.next(n)
}

func (f *fakeCapability) Attempts() int {
	return int(atomic.LoadInt32(&f.attempts))
}

func newTestService(t *testing.T, cap *fakeCapability, cfg service.Config) (*service.Service, *timer.Timer) {
	t.Helper()
	loop := timer.New()
	loop.Run()
	t.Cleanup(loop.Stop)

	svc := service.New(service.Params{
		Identity:       "s1",
		Method:         service.ReqMod,
		VectoringPoint: service.PreCache,
		Endpoint:       service.Endpoint{Kind: service.KindICAP, Host: "h", Resource: "/r"},
		Bypass:         service.Optional,
		Capability:     cap,
		Config:         cfg,
		Loop:           loop,
		Logger:         zerolog.Nop(),
	})
	if !svc.Configure() {
		t.Fatal("Configure returned false on first call")
	}
	return svc, loop
}

func validOptions(ttl time.Duration, methods ...service.Method) func(int) (*options.Options, error) {
	return func(int) (*options.Options, error) {
		optMethods := make([]options.Method, len(methods))
		for i, m := range methods {
			optMethods[i] = options.Method(m)
		}
		return options.New(options.Config{
			Valid:       true,
			Methods:     optMethods,
			PreviewSize: 128,
			TTL:         ttl,
			Timestamp:   time.Now(),
		}, zerolog.Nop(), nil), nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// Scenario 1 — cold start, successful probe.
func TestColdStartSuccessfulProbeFiresWaiter(t *testing.T) {
	cap := &fakeCapability{next: validOptions(200 * time.Millisecond, service.ReqMod)}
	svc, _ := newTestService(t, cap, service.Config{
		FailureLimit:          -1,
		RevivalDelay:          50 * time.Millisecond,
		MinUpdateGap:          10 * time.Millisecond,
		ExpectedProbeDuration: time.Millisecond,
		ProbeTimeout:          time.Second,
	})

	fired := make(chan bool, 1)
	target := "waiter-target"
	if _, err := svc.CallWhenReady(func(tgt any, s *service.Service) {
		up, _ := s.State()
		fired <- up
	}, target); err != nil {
		t.Fatalf("CallWhenReady: %v", err)
	}

	select {
	case up := <-fired:
		if !up {
			t.Fatal("waiter fired but service is not up")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never fired")
	}
	if !svc.Up() {
		t.Fatal("service should be up after successful probe")
	}
}

// Scenario 2 — flapping: repeated NoteFailure crosses the limit and
// suspends the service, which revives after RevivalDelay.
func TestFlappingSuspendsAfterFailureLimit(t *testing.T) {
	cap := &fakeCapability{next: validOptions(time.Minute, service.ReqMod)}
	svc, _ := newTestService(t, cap, service.Config{
		FailureLimit:          2,
		RevivalDelay:          80 * time.Millisecond,
		MinUpdateGap:          time.Millisecond,
		ExpectedProbeDuration: time.Millisecond,
		ProbeTimeout:          time.Second,
	})

	done := make(chan struct{})
	svc.CallWhenReady(func(any, *service.Service) { close(done) }, "x")
	<-done
	if !svc.Up() {
		t.Fatal("expected service to be up before failures")
	}

	svc.NoteFailure()
	svc.NoteFailure()
	if !svc.Up() {
		t.Fatal("two failures with limit=2 must not suspend yet")
	}
	svc.NoteFailure()

	waitFor(t, time.Second, func() bool { return !svc.Up() })
	if !svc.Broken() {
		t.Fatal("expected service to be broken (probed, not up) after suspension")
	}

	// Revival: after RevivalDelay the service reprobes and should come
	// back up (fakeCapability keeps returning valid options).
	waitFor(t, time.Second, svc.Up)
}

// Scenario 3 — probe storm guard: min_update_gap bounds re-probe frequency
// even when options are already stale.
func TestMinUpdateGapBoundsReprobeFrequency(t *testing.T) {
	cap := &fakeCapability{next: validOptions(5*time.Millisecond, service.ReqMod)}
	minGap := 150 * time.Millisecond
	svc, _ := newTestService(t, cap, service.Config{
		FailureLimit:          -1,
		RevivalDelay:          time.Millisecond,
		MinUpdateGap:          minGap,
		ExpectedProbeDuration: time.Millisecond,
		ProbeTimeout:          time.Second,
	})

	done := make(chan struct{})
	svc.CallWhenReady(func(any, *service.Service) { close(done) }, "x")
	<-done
	start := time.Now()

	// Options expire almost immediately, but the next probe must not
	// start before minGap has elapsed.
	time.Sleep(minGap / 2)
	if cap.Attempts() > 1 {
		t.Fatalf("reprobed before min_update_gap elapsed: %v", time.Since(start))
	}
	waitFor(t, time.Second, func() bool { return cap.Attempts() >= 2 })
	if elapsed := time.Since(start); elapsed < minGap {
		t.Fatalf("second probe fired after only %v, want >= %v", elapsed, minGap)
	}
}

// Scenario 4 — invalidation with pending waiters: every queued waiter is
// still notified, and observes the service as gone rather than hanging.
func TestInvalidateNotifiesPendingWaiters(t *testing.T) {
	cap := &fakeCapability{next: func(int) (*options.Options, error) {
		// Never resolves in time for the waiters below: simulate a slow
		// probe so CallWhenReady's waiters are still queued when
		// Invalidate is called.
		time.Sleep(200 * time.Millisecond)
		return validOptions(time.Minute, service.ReqMod)(0)
	}}
	svc, _ := newTestService(t, cap, service.Config{
		FailureLimit:          -1,
		RevivalDelay:          time.Second,
		MinUpdateGap:          time.Millisecond,
		ExpectedProbeDuration: time.Millisecond,
		ProbeTimeout:          time.Second,
	})

	const n = 3
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		svc.CallWhenReady(func(_ any, s *service.Service) {
			up, _ := s.State()
			results <- up
		}, i)
	}

	svc.Invalidate()

	for i := 0; i < n; i++ {
		select {
		case up := <-results:
			if up {
				t.Fatal("waiter observed service as up after invalidation")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("a waiter was leaked: never notified")
		}
	}
}

// Scenario 5 — method mismatch: options are installed and the service goes
// up even though the declared methods don't include the configured one.
func TestMethodMismatchStillInstallsOptions(t *testing.T) {
	cap := &fakeCapability{next: validOptions(time.Minute, service.RespMod)}
	svc, _ := newTestService(t, cap, service.Config{
		FailureLimit:          -1,
		RevivalDelay:          time.Second,
		MinUpdateGap:          time.Millisecond,
		ExpectedProbeDuration: time.Millisecond,
		ProbeTimeout:          time.Second,
	})
	if svc.Method() != service.ReqMod {
		t.Fatal("test setup: expected service configured for REQMOD")
	}

	done := make(chan struct{})
	svc.CallWhenReady(func(any, *service.Service) { close(done) }, "x")
	<-done

	if !svc.Up() {
		t.Fatal("service should still be up despite the method mismatch")
	}
}

func TestConfigureTwiceIsProgrammerError(t *testing.T) {
	cap := &fakeCapability{next: validOptions(time.Minute, service.ReqMod)}
	svc, _ := newTestService(t, cap, service.DefaultConfig())

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic calling Configure twice")
		}
	}()
	svc.Configure()
}

func TestCallWhenReadyOnDeconfiguredServiceErrors(t *testing.T) {
	cap := &fakeCapability{next: validOptions(time.Minute, service.ReqMod)}
	svc, _ := newTestService(t, cap, service.DefaultConfig())
	svc.Invalidate()

	if _, err := svc.CallWhenReady(func(any, *service.Service) {}, "x"); err != service.ErrDeconfigured {
		t.Fatalf("CallWhenReady after Invalidate = %v, want ErrDeconfigured", err)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	cap := &fakeCapability{next: validOptions(time.Minute, service.ReqMod)}
	svc, _ := newTestService(t, cap, service.DefaultConfig())
	svc.Invalidate()
	svc.Invalidate() // must not panic or double-announce
}

func TestStatusVocabulary(t *testing.T) {
	cap := &fakeCapability{next: func(int) (*options.Options, error) { return nil, nil }}
	svc, _ := newTestService(t, cap, service.Config{
		FailureLimit:          -1,
		RevivalDelay:          time.Hour,
		MinUpdateGap:          time.Millisecond,
		ExpectedProbeDuration: time.Millisecond,
		ProbeTimeout:          time.Second,
	})

	done := make(chan struct{})
	svc.CallWhenReady(func(any, *service.Service) { close(done) }, "x")
	<-done

	status := svc.Status()
	if !svc.Broken() {
		t.Fatalf("expected broken service after a nil-options probe, status=%s", status)
	}
	if status == "" || status[0] != '[' {
		t.Fatalf("status %q does not look bracketed", status)
	}
}
