//go:build windows

package memory

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsPlatform backs Manager with real VirtualAlloc/VirtualProtect/
// VirtualFree calls (spec.md §4.I).
type windowsPlatform struct{}

func newPlatform() platform { return windowsPlatform{} }

func (windowsPlatform) alloc(size int) (uintptr, []byte, error) {
	addr, err := windows.VirtualAlloc(
		0,
		uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return 0, nil, err
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return addr, data, nil
}

func (windowsPlatform) makeExecutable(base uintptr, size int) error {
	var oldProtect uint32
	return windows.VirtualProtect(base, uintptr(size), windows.PAGE_EXECUTE_READ, &oldProtect)
}

func (windowsPlatform) free(base uintptr, _ int) error {
	return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
}
