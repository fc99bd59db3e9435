// Package memory implements the executable-memory manager (spec.md §4.I):
// page-granular allocation of writable memory, a one-way transition of a
// region to executable once the driver has finished writing machine code
// into it, and bulk release of every region a compilation unit owns.
//
// The target platform is Windows x86-64 (spec.md §1), so the real
// allocator (memory_windows.go) is built on golang.org/x/sys/windows'
// VirtualAlloc/VirtualProtect/VirtualFree. A second, non-Windows build
// (memory_fallback.go) backs the same Manager with plain Go byte slices so
// the bookkeeping logic here — region sizing, state transitions, bulk
// release — can be unit tested on any platform; it never actually marks
// memory executable and must not be used to run emitted code.
package memory

import (
	"sync"

	"github.com/pkg/errors"
)

// PageSize is the allocation granularity every Reserve call rounds up to.
const PageSize = 4096

// ErrMemoryProtectionFailed wraps any OS-level failure to allocate,
// protect, or free a region (spec.md §6's MemoryProtectionFailed).
var ErrMemoryProtectionFailed = errors.New("memory protection failed")

// regionState is a region's position in the write -> execute -> released
// lifecycle (spec.md §4.I).
type regionState byte

const (
	stateWritable regionState = iota
	stateExecutable
	stateReleased
)

// platform abstracts the three OS primitives a Manager needs; satisfied
// differently by memory_windows.go and memory_fallback.go.
type platform interface {
	alloc(size int) (base uintptr, data []byte, err error)
	makeExecutable(base uintptr, size int) error
	free(base uintptr, size int) error
}

// Region is one page-aligned block of memory a function's machine code was
// written into.
type Region struct {
	base  uintptr
	data  []byte
	size  int
	state regionState
}

// Base is the region's start address — the function's entry point once the
// region has been finalised.
func (r *Region) Base() uintptr { return r.base }

// Bytes exposes the region for writing, only while still in the writable
// state (spec.md §4.I's invariant: a region is never written to after
// MakeExecutable).
func (r *Region) Bytes() []byte { return r.data }

// Manager owns every region allocated for one compilation unit and
// releases them together (spec.md §4.H: "Terminated" tears down all code
// memory at once).
type Manager struct {
	mu       sync.Mutex
	platform platform
	regions  []*Region
}

// New returns a Manager backed by the platform-appropriate allocator.
func New() *Manager {
	return &Manager{platform: newPlatform()}
}

// Reserve allocates a writable region at least size bytes long, rounded up
// to a whole number of pages.
func (m *Manager) Reserve(size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.Wrap(ErrMemoryProtectionFailed, "region size must be positive")
	}
	pages := (size + PageSize - 1) / PageSize
	base, data, err := m.platform.alloc(pages * PageSize)
	if err != nil {
		return nil, errors.Wrap(ErrMemoryProtectionFailed, err.Error())
	}
	r := &Region{base: base, data: data, size: pages * PageSize, state: stateWritable}

	m.mu.Lock()
	m.regions = append(m.regions, r)
	m.mu.Unlock()
	return r, nil
}

// MakeExecutable transitions r from writable to executable. It is the
// region-level half of the driver's make_executable operation (spec.md
// §4.H); the driver calls it once per region after patching every branch
// and call site within it.
func (m *Manager) MakeExecutable(r *Region) error {
	if r.state != stateWritable {
		return errors.Wrap(ErrMemoryProtectionFailed, "region is not in the writable state")
	}
	if err := m.platform.makeExecutable(r.base, r.size); err != nil {
		return errors.Wrap(ErrMemoryProtectionFailed, err.Error())
	}
	r.state = stateExecutable
	return nil
}

// ReleaseAll frees every region this Manager has allocated, regardless of
// state — the terminal step of the global Terminated transition.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, r := range m.regions {
		if r.state == stateReleased {
			continue
		}
		if err := m.platform.free(r.base, r.size); err != nil && firstErr == nil {
			firstErr = errors.Wrap(ErrMemoryProtectionFailed, err.Error())
		}
		r.state = stateReleased
	}
	m.regions = nil
	if firstErr != nil {
		return firstErr
	}
	return nil
}
