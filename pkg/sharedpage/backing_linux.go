//go:build linux

package sharedpage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapBackingStore backs a Pool with an anonymous MAP_SHARED mapping, so
// the region is genuinely shareable with child worker processes that
// inherit the mapping across fork. It does not use a named POSIX shm
// object: Attach in this module is always called from within the same
// process tree as Init (there is no separate shm_open handshake), and the
// pool holds no state across restarts.
type mmapBackingStore struct {
	data []byte
}

func newBackingStore(size int) (backingStore, error) {
	if size == 0 {
		return &mmapBackingStore{data: []byte{}}, nil
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &mmapBackingStore{data: data}, nil
}

func (m *mmapBackingStore) bytes() []byte { return m.data }

func (m *mmapBackingStore) close() error {
	if len(m.data) == 0 {
		return nil
	}
	return unix.Munmap(m.data)
}
