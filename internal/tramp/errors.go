package tramp

import (
	"errors"
	"fmt"
)

var (
	// ErrRegionTooSmall is returned when the target function is shorter
	// than the jump that would be written over it.
	ErrRegionTooSmall = errors.New("target region smaller than patch")

	// ErrAlreadyInstalled is returned when installing or enabling a hook
	// that is already in place.
	ErrAlreadyInstalled = errors.New("trampoline already installed")

	// ErrOverlap is returned when a target lies inside another installed
	// patch.
	ErrOverlap = errors.New("target overlaps an installed patch")

	// ErrMisaligned is returned for targets that violate the instruction
	// alignment of the architecture.
	ErrMisaligned = errors.New("target misaligned")

	// ErrUnrelocatable is returned when the captured prologue contains a
	// PC-relative instruction that would break when run from the stub.
	ErrUnrelocatable = errors.New("prologue not relocatable")

	// ErrUndecodable is returned when the prologue cannot be decoded.
	ErrUndecodable = errors.New("prologue not decodable")

	// ErrInvalidTarget is returned for a zero target or interceptor.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrUnsupportedArch is returned on instruction sets without an Arch.
	ErrUnsupportedArch = errors.New("unsupported architecture")
)

// PatchError reports a failed install, uninstall or enable.
type PatchError struct {
	Op     string
	Target Target
	Err    error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *PatchError) Unwrap() error {
	return e.Err
}
