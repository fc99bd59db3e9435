package amd64

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes a contiguous span of machine code for diagnostics
// and testing (spec.md §8: "an independent x86-64 disassembler" is the
// oracle the encoder's own output is checked against). It is never
// consulted by the encoder or the JIT driver at run time — only by tests
// and optional human-facing tooling.
func Disassemble(code []byte) ([]string, error) {
	var out []string
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			return out, fmt.Errorf("amd64: decode at offset %d: %w", offset, err)
		}
		out = append(out, x86asm.GNUSyntax(inst, uint64(offset), nil))
		offset += inst.Len
	}
	return out, nil
}

// DisassembleString is a convenience wrapper joining Disassemble's output
// with newlines, for log lines and test failure messages.
func DisassembleString(code []byte) string {
	lines, err := Disassemble(code)
	if err != nil {
		return fmt.Sprintf("<undecodable: %v>", err)
	}
	return strings.Join(lines, "\n")
}
