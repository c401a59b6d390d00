// Package memtest provides an in-memory address space for tests.
package memtest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coral-mesh/memprof/internal/mem"
)

// ErrInjected is returned by writes failed through FailWrite.
var ErrInjected = errors.New("injected write failure")

const (
	pageSize = 4096
	// execBase is where AllocExec starts handing out stub memory.
	execBase = 0x6000_0000
)

type region struct {
	base uintptr
	data []byte
}

func (r *region) contains(addr uintptr, n int) bool {
	return addr >= r.base && addr+uintptr(n) <= r.base+uintptr(len(r.data))
}

// Sparse is a set of mapped regions. Unmapped accesses fail with mem.ErrFault.
type Sparse struct {
	mu       sync.Mutex
	regions  []*region
	execNext uintptr
	writes   int
	failAt   int
}

var _ mem.Memory = (*Sparse)(nil)

// New returns an empty address space.
func New() *Sparse {
	return &Sparse{execNext: execBase}
}

// Map maps size zeroed bytes at base and returns the backing slice.
func (s *Sparse) Map(base uintptr, size int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &region{base: base, data: make([]byte, size)}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].base < s.regions[j].base })
	return r.data
}

// MapBytes maps a copy of data at base.
func (s *Sparse) MapBytes(base uintptr, data []byte) {
	copy(s.Map(base, len(data)), data)
}

func (s *Sparse) find(addr uintptr, n int) *region {
	for _, r := range s.regions {
		if r.contains(addr, n) {
			return r
		}
	}
	return nil
}

func (s *Sparse) Read(addr uintptr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(addr, len(buf))
	if r == nil {
		return fmt.Errorf("%w: read %d bytes at %#x", mem.ErrFault, len(buf), addr)
	}
	copy(buf, r.data[addr-r.base:])
	return nil
}

func (s *Sparse) Write(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	if s.failAt != 0 && s.writes == s.failAt {
		s.failAt = 0
		return fmt.Errorf("%w at %#x", ErrInjected, addr)
	}

	r := s.find(addr, len(data))
	if r == nil {
		return fmt.Errorf("%w: write %d bytes at %#x", mem.ErrFault, len(data), addr)
	}
	copy(r.data[addr-r.base:], data)
	return nil
}

func (s *Sparse) AllocExec(size int) (uintptr, error) {
	s.mu.Lock()
	addr := s.execNext
	n := (size + 15) &^ 15
	s.execNext += uintptr(n)
	s.mu.Unlock()

	s.Map(addr, n)
	return addr, nil
}

func (s *Sparse) PageSize() int {
	return pageSize
}

// Bytes returns a copy of n bytes at addr, or nil when unmapped.
func (s *Sparse) Bytes(addr uintptr, n int) []byte {
	buf := make([]byte, n)
	if err := s.Read(addr, buf); err != nil {
		return nil
	}
	return buf
}

// PutUint64 stores a little-endian word at addr.
func (s *Sparse) PutUint64(addr uintptr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	s.mustWrite(addr, buf[:])
}

// PutUint32 stores a little-endian 32-bit value at addr.
func (s *Sparse) PutUint32(addr uintptr, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	s.mustWrite(addr, buf[:])
}

func (s *Sparse) mustWrite(addr uintptr, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(addr, len(data))
	if r == nil {
		panic(fmt.Sprintf("memtest: store to unmapped %#x", addr))
	}
	copy(r.data[addr-r.base:], data)
}

// Writes returns the number of Write calls seen so far.
func (s *Sparse) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// FailWrite makes the n-th Write from now fail with ErrInjected.
func (s *Sparse) FailWrite(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = s.writes + n
}
