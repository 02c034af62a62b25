package dma

import (
	"fmt"
	"sync"
	"unsafe"
)

const (
	// SimCoherentBase is the first bus address handed out for coherent buffers.
	// It lies above 4 GiB so that both halves of an address are exercised.
	SimCoherentBase uint64 = 0x1_0000_0000
	// SimMapBase is the first bus address handed out for payload mappings.
	SimMapBase uint64 = 0x2_0000_0000
)

// SimConfig limits a Sim. Zero means unlimited.
type SimConfig struct {
	// MaxBuffers caps the number of live coherent buffers.
	MaxBuffers int
	// MaxMappings caps the number of live payload mappings.
	MaxMappings int
}

// Sim is an Allocator and Mapper backed by ordinary memory with synthetic bus
// addresses. Bus addresses increase monotonically and are never reused, which
// makes use-after-free visible. Sim is safe for concurrent use.
type Sim struct {
	conf SimConfig

	lock     sync.Mutex
	nextBus  uint64
	nextMap  uint64
	buffers  map[uint64]Buffer
	mappings map[uint64][]byte
}

// NewSim creates a simulated DMA allocator.
func NewSim(conf SimConfig) *Sim {
	return &Sim{
		conf:     conf,
		nextBus:  SimCoherentBase,
		nextMap:  SimMapBase,
		buffers:  make(map[uint64]Buffer),
		mappings: make(map[uint64][]byte),
	}
}

// Alloc implements Allocator.
func (s *Sim) Alloc(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, ErrBadSize
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.conf.MaxBuffers > 0 && len(s.buffers) >= s.conf.MaxBuffers {
		return Buffer{}, fmt.Errorf("allocating %d bytes: %w", size, ErrExhausted)
	}

	raw := make([]byte, size+Align-1)
	off := 0
	if mis := int(uintptr(unsafe.Pointer(&raw[0])) % Align); mis != 0 {
		off = Align - mis
	}
	b := Buffer{Mem: raw[off : off+size : off+size], Bus: s.nextBus}
	s.nextBus += uint64(alignUp(size, Align))
	s.buffers[b.Bus] = b
	return b, nil
}

// Free implements Allocator.
func (s *Sim) Free(b Buffer) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.buffers[b.Bus]; !ok {
		return fmt.Errorf("freeing bus address %#x: %w", b.Bus, ErrUnknownBuffer)
	}
	delete(s.buffers, b.Bus)
	return nil
}

// Map implements Mapper. The payload is copied, so later changes to p are not
// visible through the mapping.
func (s *Sim) Map(p []byte) (Mapping, error) {
	if len(p) == 0 {
		return Mapping{}, fmt.Errorf("mapping empty payload: %w", ErrMapFailed)
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.conf.MaxMappings > 0 && len(s.mappings) >= s.conf.MaxMappings {
		return Mapping{}, fmt.Errorf("mapping %d bytes: %w", len(p), ErrMapFailed)
	}
	m := Mapping{Addr: s.nextMap, Len: uint32(len(p))}
	s.nextMap += uint64(alignUp(len(p), Align))
	s.mappings[m.Addr] = append([]byte(nil), p...)
	return m, nil
}

// Unmap implements Mapper.
func (s *Sim) Unmap(m Mapping) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.mappings[m.Addr]; !ok {
		return fmt.Errorf("unmapping bus address %#x: %w", m.Addr, ErrUnknownMap)
	}
	delete(s.mappings, m.Addr)
	return nil
}

// Outstanding returns the number of live coherent buffers and mappings.
func (s *Sim) Outstanding() (buffers, mappings int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.buffers), len(s.mappings)
}

// Coherent returns the memory of the live coherent buffer containing the
// range [bus, bus+size), as the device would see it.
func (s *Sim) Coherent(bus uint64, size int) ([]byte, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for base, b := range s.buffers {
		if bus >= base && bus+uint64(size) <= base+uint64(len(b.Mem)) {
			off := bus - base
			return b.Mem[off : off+uint64(size)], true
		}
	}
	return nil, false
}

// Payload returns the bytes mapped at bus address addr.
func (s *Sim) Payload(addr uint64) ([]byte, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	p, ok := s.mappings[addr]
	return p, ok
}
