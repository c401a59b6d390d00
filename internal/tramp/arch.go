package tramp

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest instruction of any supported architecture.
const maxInstLen = 15

// Arch describes how to capture and redirect code on one instruction set.
type Arch struct {
	Name string

	// PatchSize is the length of the absolute jump written at a target.
	PatchSize int

	// Align is the required alignment of targets and instructions.
	Align int

	// NOP fills the captured bytes that the jump does not cover.
	NOP []byte

	// decode returns the length of the instruction at the start of code,
	// or ErrUnrelocatable if it cannot run from another address.
	decode func(code []byte) (int, error)

	// jump encodes an absolute jump to addr of exactly PatchSize bytes.
	jump func(addr uint64) []byte
}

var (
	// AMD64 redirects with jmp qword ptr [rip+0] followed by the address.
	AMD64 = &Arch{
		Name:      "amd64",
		PatchSize: 14,
		Align:     1,
		NOP:       []byte{0x90},
		decode:    decodeAMD64,
		jump:      jumpAMD64,
	}

	// ARM64 redirects with ldr x16, #8; br x16 followed by the address.
	ARM64 = &Arch{
		Name:      "arm64",
		PatchSize: 16,
		Align:     4,
		NOP:       []byte{0x1f, 0x20, 0x03, 0xd5},
		decode:    decodeARM64,
		jump:      jumpARM64,
	}
)

// Native returns the architecture of the running process.
func Native() (*Arch, error) {
	switch runtime.GOARCH {
	case "amd64":
		return AMD64, nil
	case "arm64":
		return ARM64, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, runtime.GOARCH)
	}
}

// Capture returns the length of the shortest run of whole instructions at
// the start of code that covers at least PatchSize bytes.
func (a *Arch) Capture(code []byte) (int, error) {
	n := 0
	for n < a.PatchSize {
		if n >= len(code) {
			return 0, fmt.Errorf("%w: prologue truncated at %d bytes", ErrRegionTooSmall, n)
		}
		l, err := a.decode(code[n:])
		if err != nil {
			return 0, fmt.Errorf("instruction at +%d: %w", n, err)
		}
		n += l
	}
	return n, nil
}

// Jump encodes an absolute jump to addr.
func (a *Arch) Jump(addr uint64) []byte {
	return a.jump(addr)
}

// Redirect returns the bytes written over a captured prologue of length n:
// a jump to addr padded with NOPs.
func (a *Arch) Redirect(addr uint64, n int) []byte {
	out := a.jump(addr)
	for len(out) < n {
		out = append(out, a.NOP...)
	}
	return out[:n]
}

func decodeAMD64(code []byte) (int, error) {
	// endbr64 and endbr32 open most functions on CET builds.
	if len(code) >= 4 && code[0] == 0xf3 && code[1] == 0x0f && code[2] == 0x1e && (code[3] == 0xfa || code[3] == 0xfb) {
		return 4, nil
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	if inst.PCRel != 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnrelocatable, inst)
	}
	for _, arg := range inst.Args {
		switch a := arg.(type) {
		case x86asm.Rel:
			return 0, fmt.Errorf("%w: %s", ErrUnrelocatable, inst)
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				return 0, fmt.Errorf("%w: %s", ErrUnrelocatable, inst)
			}
		}
	}
	return inst.Len, nil
}

func jumpAMD64(addr uint64) []byte {
	out := []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}
	return binary.LittleEndian.AppendUint64(out, addr)
}

func decodeARM64(code []byte) (int, error) {
	if len(code) < 4 {
		return 0, fmt.Errorf("%w: %d trailing bytes", ErrUndecodable, len(code))
	}
	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		return 0, fmt.Errorf("%w: %#08x: %w", ErrUndecodable, binary.LittleEndian.Uint32(code), err)
	}
	for _, arg := range inst.Args {
		if _, ok := arg.(arm64asm.PCRel); ok {
			return 0, fmt.Errorf("%w: %s", ErrUnrelocatable, inst)
		}
	}
	return 4, nil
}

func jumpARM64(addr uint64) []byte {
	var out []byte
	out = binary.LittleEndian.AppendUint32(out, 0x58000050) // ldr x16, #8
	out = binary.LittleEndian.AppendUint32(out, 0xd61f0200) // br x16
	return binary.LittleEndian.AppendUint64(out, addr)
}
