// Package timer provides the single-goroutine scheduler that every Service
// state machine transition runs on. Scheduled callbacks and immediately
// posted callbacks are delivered from the same loop goroutine, in the order
// they become ready, so callers never need to guard Service state with a
// lock.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Callback is a unit of work run on the timer's loop goroutine.
type Callback func()

type key struct {
	name   string
	target any
}

type entry struct {
	key      key
	at       time.Time
	cb       Callback
	index    int
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Timer is a cooperative single-goroutine scheduler. The zero value is not
// usable; construct one with New.
type Timer struct {
	mu      sync.Mutex
	entries entryHeap
	lookup  map[key]*entry
	postCh  chan Callback
	wake    chan struct{}
	stopCh  chan struct{}
	started bool
	logger  zerolog.Logger
}

// New creates a Timer. Call Run to start its loop goroutine.
func New() *Timer {
	return &Timer{
		lookup: make(map[key]*entry),
		postCh: make(chan Callback),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		logger: zerolog.Nop(),
	}
}

// SetLogger overrides the timer's logger, used to report callbacks that
// panic without a synchronous caller to propagate to (see runCallback).
func (t *Timer) SetLogger(l zerolog.Logger) {
	t.logger = l
}

// Run starts the loop goroutine. It must be called exactly once.
func (t *Timer) Run() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		panic("timer: Run called twice")
	}
	t.started = true
	t.mu.Unlock()
	go t.loop()
}

// Stop terminates the loop goroutine. Pending callbacks are discarded.
func (t *Timer) Stop() {
	close(t.stopCh)
}

// Post queues cb to run on the loop goroutine as soon as it is free,
// strictly after the callback currently executing (if any) returns. This is
// the "delay 0" guarantee the state machine's re-entrancy safety relies on.
// Post never blocks, so a callback running on the loop may itself call it.
// Callbacks posted while the loop is busy are not guaranteed to run in the
// order they were posted.
func (t *Timer) Post(cb Callback) {
	select {
	case t.postCh <- cb:
	default:
		// The loop is busy (possibly running the caller itself): hand the
		// send to a goroutine instead of waiting for the loop.
		go func() {
			select {
			case t.postCh <- cb:
			case <-t.stopCh:
			}
		}()
	}
}

// PostSync runs fn on the loop goroutine and blocks the caller until it
// completes. It is the mechanism by which exported Service methods appear
// synchronous to callers while all state mutation happens on the loop. If
// fn panics — e.g. a precondition violation such as calling Configure
// twice — the panic is re-raised on PostSync's caller goroutine rather
// than crashing the shared loop, matching the teacher's per-caller
// recover/escape-hatch pattern rather than letting one bad transition take
// down every other service sharing this loop.
func (t *Timer) PostSync(fn func()) {
	done := make(chan struct{})
	var panicVal any
	t.Post(func() {
		defer func() {
			panicVal = recover()
			close(done)
		}()
		fn()
	})
	<-done
	if panicVal != nil {
		panic(panicVal)
	}
}

// Schedule registers a one-shot callback to run after delay, keyed by
// (name, target). At most one callback is scheduled for a given key at a
// time: scheduling again for a key that still has a pending callback
// cancels the earlier one, and only the new callback fires.
func (t *Timer) Schedule(name string, target any, delay time.Duration, cb Callback) {
	if delay < 0 {
		delay = 0
	}
	k := key{name: name, target: target}
	e := &entry{key: k, at: time.Now().Add(delay), cb: cb}
	t.mu.Lock()
	if old, ok := t.lookup[k]; ok {
		old.canceled = true
	}
	t.lookup[k] = e
	heap.Push(&t.entries, e)
	t.mu.Unlock()
	t.nudge()
}

// Cancel cancels the scheduled callback for (name, target), if any. It is
// idempotent and never fails: canceling a missing timer is a low-severity,
// non-fatal event.
func (t *Timer) Cancel(name string, target any) {
	k := key{name: name, target: target}
	t.mu.Lock()
	if e, ok := t.lookup[k]; ok {
		e.canceled = true
		delete(t.lookup, k)
	}
	t.mu.Unlock()
}

// Exists reports whether a callback is currently scheduled for (name, target).
func (t *Timer) Exists(name string, target any) bool {
	k := key{name: name, target: target}
	t.mu.Lock()
	_, ok := t.lookup[k]
	t.mu.Unlock()
	return ok
}

// runCallback invokes cb, recovering a panic so one callback's precondition
// violation doesn't take the whole loop goroutine down with it. Callbacks
// posted via PostSync already recover and re-raise on their own caller's
// goroutine; this is the backstop for callbacks with no synchronous caller
// waiting (e.g. an internally scheduled probe or notify).
func (t *Timer) runCallback(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Msg("timer: scheduled callback panicked; loop continues")
		}
	}()
	cb()
}

func (t *Timer) nudge() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Timer) loop() {
	for {
		t.mu.Lock()
		var waitCh <-chan time.Time
		if len(t.entries) > 0 {
			d := time.Until(t.entries[0].at)
			if d < 0 {
				d = 0
			}
			waitCh = time.After(d)
		}
		t.mu.Unlock()

		select {
		case cb := <-t.postCh:
			t.runCallback(cb)
		case <-waitCh:
			t.mu.Lock()
			if len(t.entries) == 0 {
				t.mu.Unlock()
				continue
			}
			e := heap.Pop(&t.entries).(*entry)
			if !e.canceled {
				delete(t.lookup, e.key)
			}
			t.mu.Unlock()
			if !e.canceled {
				t.runCallback(e.cb)
			}
		case <-t.wake:
			// heap changed; loop around to recompute waitCh
		case <-t.stopCh:
			return
		}
	}
}
