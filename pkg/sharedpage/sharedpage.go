// Package sharedpage implements the capacity-bounded page allocator shared
// by cooperating worker processes for in-flight object storage. A pool is
// a fixed-capacity region of equally sized pages with a free-list; the
// master process initializes it, workers attach to it, and only the
// master's owner token can destroy it.
package sharedpage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrNotInitialized is returned by Attach when no pool with the given
	// id has been created by a master yet.
	ErrNotInitialized = errors.New("sharedpage: pool not initialized")
	// ErrCapacityTooSmall is returned by Init when the configured memory
	// limit cannot hold even one page.
	ErrCapacityTooSmall = errors.New("sharedpage: configured memory limit is smaller than one page")
	// ErrAlreadyInitialized is returned by Init when a pool with the given
	// id already exists.
	ErrAlreadyInitialized = errors.New("sharedpage: pool already initialized")
	// ErrWorkersAttached is returned by OwnerToken.Destroy when worker
	// handles are still attached.
	ErrWorkersAttached = errors.New("sharedpage: workers still attached")
	// ErrNotOwned is returned by a double Put of a page not currently
	// allocated from the pool.
	ErrNotOwned = errors.New("sharedpage: page was not allocated from this pool")
)

// Page is an index into a Pool's page region.
type Page struct {
	Index int
}

// backingStore is the platform-specific allocation behind a Pool's pages.
// See backing_linux.go (real shared mmap) and backing_other.go (process-
// local fallback).
type backingStore interface {
	bytes() []byte
	close() error
}

// Pool is a fixed-capacity, equally-sized-page shared memory region. Pools
// are created with Init and looked up by id from process-wide registry
// state, modeling the master-initializes / workers-attach lifecycle; the
// actual backing bytes come from a backingStore (an anonymous shared mmap
// on linux, an in-process slice elsewhere — see backing_linux.go /
// backing_other.go).
type Pool struct {
	id       string
	pageSize int
	capacity int // number of pages

	mu       sync.Mutex
	free     []int
	attached int
	store    backingStore
}

// OwnerToken is the non-copyable handle the master process holds. Its
// Destroy method is the only way to tear down a Pool.
type OwnerToken struct {
	pool *Pool
}

// Handle is the attach-handle a worker process holds. It can only detach,
// never destroy.
type Handle struct {
	pool *Pool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Pool{}
)

// Init creates and registers a pool of page-aligned capacity, to be called
// by the master process exactly once per id. If capacityBytes is smaller
// than one page, no pool is created: Init logs a warning and returns
// ErrCapacityTooSmall.
func Init(id string, capacityBytes, pageSize int, logger zerolog.Logger) (*OwnerToken, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("sharedpage: page size must be positive, got %d", pageSize)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[id]; exists {
		return nil, ErrAlreadyInitialized
	}

	if capacityBytes < pageSize {
		logger.Warn().
			Str("pool", id).
			Int("capacity_bytes", capacityBytes).
			Int("page_size", pageSize).
			Msg("configured memory limit is smaller than one page; not creating shared page pool")
		return nil, ErrCapacityTooSmall
	}

	numPages := capacityBytes / pageSize
	store, err := newBackingStore(numPages * pageSize)
	if err != nil {
		return nil, fmt.Errorf("sharedpage: allocating backing store: %w", err)
	}

	free := make([]int, numPages)
	for i := range free {
		free[i] = i
	}

	p := &Pool{
		id:       id,
		pageSize: pageSize,
		capacity: numPages,
		free:     free,
		store:    store,
	}
	registry[id] = p
	return &OwnerToken{pool: p}, nil
}

// Attach returns a Handle to the pool registered under id. It fails with
// ErrNotInitialized if no master has called Init for that id yet
// (including the "single-process mode" case, where no pool is ever
// created: callers must fall back to a private allocation path).
func Attach(id string) (*Handle, error) {
	registryMu.Lock()
	p, ok := registry[id]
	registryMu.Unlock()
	if !ok {
		return nil, ErrNotInitialized
	}
	p.mu.Lock()
	p.attached++
	p.mu.Unlock()
	return &Handle{pool: p}, nil
}

// Get allocates a page from the pool's free-list. It reports false if the
// pool is exhausted, or if h is nil (the single-process, no-pool case).
func (h *Handle) Get() (Page, bool) {
	if h == nil || h.pool == nil {
		return Page{}, false
	}
	p := h.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return Page{}, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return Page{Index: idx}, true
}

// Put returns page to the pool's free-list. Returning a page that was not
// currently allocated is a programmer error and reported as ErrNotOwned
// rather than silently corrupting the free-list.
func (h *Handle) Put(page Page) error {
	if h == nil || h.pool == nil {
		return ErrNotInitialized
	}
	p := h.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if page.Index < 0 || page.Index >= p.capacity {
		return ErrNotOwned
	}
	for _, f := range p.free {
		if f == page.Index {
			return ErrNotOwned
		}
	}
	p.free = append(p.free, page.Index)
	return nil
}

// Pointer returns the raw bytes backing page. The slice is only valid
// until the next Put of the same page.
func (h *Handle) Pointer(page Page) []byte {
	p := h.pool
	start := page.Index * p.pageSize
	return p.store.bytes()[start : start+p.pageSize]
}

// Capacity returns the pool's total page count (immutable after Init).
func (h *Handle) Capacity() int {
	if h == nil || h.pool == nil {
		return 0
	}
	return h.pool.capacity
}

// Size returns the number of free pages remaining.
func (h *Handle) Size() int {
	if h == nil || h.pool == nil {
		return 0
	}
	p := h.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Detach releases this worker's attachment, allowing the owner to
// eventually Destroy the pool.
func (h *Handle) Detach() {
	if h == nil || h.pool == nil {
		return
	}
	p := h.pool
	p.mu.Lock()
	p.attached--
	p.mu.Unlock()
}

// Destroy tears down the pool. It fails with ErrWorkersAttached if any
// worker handle is still attached: destroy requires every worker handle
// to have been detached first.
func (t *OwnerToken) Destroy() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	p := t.pool
	p.mu.Lock()
	attached := p.attached
	p.mu.Unlock()
	if attached > 0 {
		return ErrWorkersAttached
	}

	if err := p.store.close(); err != nil {
		return err
	}
	delete(registry, p.id)
	return nil
}
