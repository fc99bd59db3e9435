//go:build !windows

package memory

import "unsafe"

// fallbackPlatform backs Manager with ordinary heap-allocated byte slices
// on non-Windows build targets, so the Manager's bookkeeping (region
// sizing, state transitions, bulk release) is unit-testable in this
// module's CI without a Windows host. makeExecutable is a no-op here: the
// returned address is never actually marked executable, and code built
// with this platform implementation must never be jumped into.
type fallbackPlatform struct{}

func newPlatform() platform { return fallbackPlatform{} }

func (fallbackPlatform) alloc(size int) (uintptr, []byte, error) {
	data := make([]byte, size)
	return uintptr(unsafe.Pointer(&data[0])), data, nil
}

func (fallbackPlatform) makeExecutable(base uintptr, size int) error { return nil }

func (fallbackPlatform) free(base uintptr, size int) error { return nil }
