// Package mem is the narrow boundary through which memprof reads and patches
// the host's address space. Only the trampoline engine writes; everything
// else reads through Reader.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFault is returned when an access touches memory that is not mapped
	// or not readable.
	ErrFault = errors.New("memory fault")

	// ErrUnsupported is returned on platforms without a process memory backend.
	ErrUnsupported = errors.New("process memory access not supported on this platform")
)

// Reader reads bytes from an address space.
type Reader interface {
	Read(addr uintptr, buf []byte) error
}

// Writer writes bytes into an address space. Writes to code pages must be
// visible to instruction fetch once Write returns.
type Writer interface {
	Write(addr uintptr, data []byte) error
}

// Memory is a readable, patchable address space that can hand out small
// executable blocks for trampoline stubs.
type Memory interface {
	Reader
	Writer
	// AllocExec returns the address of size bytes of executable memory.
	// Blocks are never freed: a host thread may still be running inside one.
	AllocExec(size int) (uintptr, error)
	PageSize() int
}

// ReadWord reads a little-endian word of ptrSize (4 or 8) bytes.
func ReadWord(r Reader, addr uintptr, ptrSize int) (uint64, error) {
	var buf [8]byte
	switch ptrSize {
	case 4:
		if err := r.Read(addr, buf[:4]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	case 8:
		if err := r.Read(addr, buf[:8]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:8]), nil
	default:
		return 0, fmt.Errorf("unsupported word size %d", ptrSize)
	}
}

// ReadInt32 reads a little-endian signed 32-bit value.
func ReadInt32(r Reader, addr uintptr) (int32, error) {
	var buf [4]byte
	if err := r.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// AlignDown rounds addr down to a multiple of align (a power of two).
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to a multiple of align (a power of two).
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
