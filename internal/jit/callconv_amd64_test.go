//go:build windows && amd64

package jit

// callFloat2 invokes a compiled two-float32-argument, float32-returning
// function through the Microsoft x64 convention (arguments in XMM0/XMM1,
// result in XMM0). syscall.SyscallN cannot drive the floating-point
// registers, so this one case needs its own tiny bridge from Go's stack-
// based amd64 assembly ABI; implemented in callconv_amd64_test.s. Test-only
// scaffolding to actually execute JIT'd code rather than just decode it.
func callFloat2(entry uintptr, a, b float32) float32
