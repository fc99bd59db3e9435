//go:build !(windows && amd64)

package jit

import "testing"

// The executable harness in scenarios_windows_test.go actually jumps into
// JIT'd code, which requires memory that is both executable and built for
// the Microsoft x64 convention our generators target. internal/memory's
// non-Windows fallback (memory_fallback.go) intentionally never marks its
// regions executable -- it exists only to unit test the Manager's
// bookkeeping -- so there is no safe way to run this suite here.
func TestEndToEndExecution_RequiresWindows(t *testing.T) {
	t.Skip("executable JIT memory and the Microsoft x64 call trampoline are only available on windows")
}
