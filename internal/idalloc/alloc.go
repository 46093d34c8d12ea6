// Package idalloc issues unique integer IDs for runs and series using only
// the filesystem. Creating the ID's marker directory with exclusive-create
// semantics IS the allocation; no lock service or database is involved, so
// any number of orchestrator processes on any number of front-end nodes can
// allocate from the same namespace as long as they share the volume.
package idalloc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// DefaultCeiling bounds how many consecutive exclusive-create attempts are
// made before the cache is resynchronized with a directory scan.
const DefaultCeiling = 8

// AllocationError indicates an ID could not be allocated or released: either
// the retry ceiling was exhausted even after a rescan, or the filesystem
// refused marker creation outright.
type AllocationError struct {
	Namespace string
	Err       error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocating id in %s: %v", e.Namespace, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

var errCeiling = errors.New("exclusive-create retry ceiling exhausted")

// Allocator hands out IDs from namespace directories. The zero-cost path
// tries cached_highest+1 and walks forward on collisions; a full rescan only
// happens when the cache has drifted (another host allocated a batch, or a
// cleanup removed markers). The mutex covers the in-process cache; the
// cross-process guarantee comes from mkdir being atomic.
type Allocator struct {
	mu      sync.Mutex
	last    map[string]int
	ceiling int
}

// New returns an allocator with the given retry ceiling. Values below one
// fall back to DefaultCeiling.
func New(ceiling int) *Allocator {
	if ceiling < 1 {
		ceiling = DefaultCeiling
	}
	return &Allocator{
		last:    make(map[string]int),
		ceiling: ceiling,
	}
}

// Allocate returns an ID unique among the live IDs of the namespace. The
// marker directory it creates is the durable record that the ID exists.
func (a *Allocator) Allocate(namespace string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	last, seeded := a.last[namespace]
	if !seeded {
		if err := os.MkdirAll(namespace, 0755); err != nil {
			return 0, &AllocationError{Namespace: namespace, Err: err}
		}
		highest, err := scanHighest(namespace)
		if err != nil {
			return 0, &AllocationError{Namespace: namespace, Err: err}
		}
		last = highest
		a.last[namespace] = last
	}

	id, err := a.tryWindow(namespace, last)
	if err == nil {
		a.last[namespace] = id
		return id, nil
	}
	if !errors.Is(err, errCeiling) {
		return 0, err
	}

	// The cache is stale; resynchronize from the directory and try once more.
	highest, err := scanHighest(namespace)
	if err != nil {
		return 0, &AllocationError{Namespace: namespace, Err: err}
	}
	a.last[namespace] = highest

	id, err = a.tryWindow(namespace, highest)
	if err == nil {
		a.last[namespace] = id
		return id, nil
	}
	if errors.Is(err, errCeiling) {
		// Collisions straight through a freshly scanned window mean the
		// volume is not honoring exclusive-create atomicity.
		return 0, &AllocationError{Namespace: namespace, Err: errCeiling}
	}
	return 0, err
}

// tryWindow attempts exclusive creation of from+1 .. from+ceiling. EEXIST
// means another process won that ID and is not an error.
func (a *Allocator) tryWindow(namespace string, from int) (int, error) {
	for i := 1; i <= a.ceiling; i++ {
		id := from + i
		err := os.Mkdir(filepath.Join(namespace, FormatID(id)), 0755)
		if err == nil {
			return id, nil
		}
		if !os.IsExist(err) {
			return 0, &AllocationError{Namespace: namespace, Err: err}
		}
	}
	return 0, errCeiling
}

// Release removes an ID's marker tree, making the ID free for reuse.
// Releasing an ID that is already free is a no-op.
func (a *Allocator) Release(namespace string, id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(namespace, FormatID(id))); err != nil {
		return &AllocationError{Namespace: namespace, Err: err}
	}
	if last, ok := a.last[namespace]; ok && id <= last {
		a.last[namespace] = id - 1
	}
	return nil
}

// FormatID renders an ID as its marker directory name.
func FormatID(id int) string {
	return fmt.Sprintf("%07d", id)
}

// ParseID parses a marker directory name back to its ID.
func ParseID(name string) (int, error) {
	return strconv.Atoi(name)
}

func scanHighest(namespace string) (int, error) {
	entries, err := os.ReadDir(namespace)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, entry := range entries {
		id, err := ParseID(entry.Name())
		if err != nil {
			continue
		}
		if id > highest {
			highest = id
		}
	}
	return highest, nil
}
