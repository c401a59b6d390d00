//go:build linux

package mem

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// stubAlign keeps stub blocks on cache-line-friendly boundaries.
const stubAlign = 16

const (
	protRX  = unix.PROT_READ | unix.PROT_EXEC
	protRW  = unix.PROT_READ | unix.PROT_WRITE
	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

type selfMemory struct {
	pageSize int
	mprotect func(b []byte, prot int) error
	mmap     func(length, prot int) ([]byte, error)

	// wxorx is set once the kernel refuses writable executable pages
	// (SELinux execmem, PaX). Code pages are then written RW and returned
	// to RX, so they are briefly not executable.
	wxorx atomic.Bool

	mu   sync.Mutex
	pool []byte
	used int
}

// Self returns the address space of the calling process.
func Self() (Memory, error) {
	return &selfMemory{
		pageSize: unix.Getpagesize(),
		mprotect: unix.Mprotect,
		mmap: func(length, prot int) ([]byte, error) {
			return unix.Mmap(-1, 0, length, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
		},
	}, nil
}

// refused reports whether err is the kernel denying a W+X mapping.
func refused(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM)
}

func (m *selfMemory) PageSize() int {
	return m.pageSize
}

// Read copies len(buf) bytes from addr. Faults are reported as ErrFault
// instead of crashing the host.
func (m *selfMemory) Read(addr uintptr, buf []byte) (err error) {
	if len(buf) == 0 {
		return nil
	}
	if addr == 0 {
		return fmt.Errorf("%w: nil address", ErrFault)
	}

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: read %d bytes at %#x: %v", ErrFault, len(buf), addr, r)
		}
	}()

	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))) //nolint:govet // host address
	return nil
}

// Write patches code: the covering pages are made writable, the bytes are
// copied and the pages are returned to read+exec.
func (m *selfMemory) Write(addr uintptr, data []byte) (err error) {
	if len(data) == 0 {
		return nil
	}
	if addr == 0 {
		return fmt.Errorf("%w: nil address", ErrFault)
	}

	page := uintptr(m.pageSize)
	start := AlignDown(addr, page)
	end := AlignUp(addr+uintptr(len(data)), page)
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start) //nolint:govet // host address

	if err := m.makeWritable(region); err != nil {
		return fmt.Errorf("mprotect %#x-%#x writable: %w", start, end, err)
	}
	defer func() {
		if perr := m.mprotect(region, protRX); perr != nil && err == nil {
			err = fmt.Errorf("mprotect rx %#x-%#x: %w", start, end, perr)
		}
	}()

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: write %d bytes at %#x: %v", ErrFault, len(data), addr, r)
		}
	}()

	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data) //nolint:govet // host address
	return nil
}

// makeWritable prefers RWX, so other threads can keep executing the page
// while it is patched, and falls back to RW when W^X is enforced.
func (m *selfMemory) makeWritable(region []byte) error {
	if !m.wxorx.Load() {
		err := m.mprotect(region, protRWX)
		if err == nil || !refused(err) {
			return err
		}
		m.wxorx.Store(true)
	}
	return m.mprotect(region, protRW)
}

func (m *selfMemory) AllocExec(size int) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid stub size %d", size)
	}
	size = int(AlignUp(uintptr(size), stubAlign))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool == nil || m.used+size > len(m.pool) {
		n := int(AlignUp(uintptr(size), uintptr(m.pageSize)))
		// Under W^X the pool starts RW; Write turns it RX.
		prot := protRWX
		if m.wxorx.Load() {
			prot = protRW
		}
		chunk, err := m.mmap(n, prot)
		if err != nil && prot == protRWX && refused(err) {
			m.wxorx.Store(true)
			chunk, err = m.mmap(n, protRW)
		}
		if err != nil {
			return 0, fmt.Errorf("mmap %d bytes of stub memory: %w", n, err)
		}
		m.pool = chunk
		m.used = 0
	}

	addr := uintptr(unsafe.Pointer(&m.pool[m.used]))
	m.used += size
	return addr, nil
}
