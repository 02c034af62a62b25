// Package ring implements a transmit descriptor ring.
//
// A Ring is a fixed-capacity circular array of hardware descriptors that lives
// in coherent DMA memory, plus a parallel array of software slots that track
// which packet and payload mapping each posted descriptor refers to.
//
// The producer index points at the next slot to post; the consumer index at
// the oldest slot still owned by the device. Both only move forward, modulo
// the capacity.
//
// Ring is not safe for concurrent use and requires external synchronization.
package ring

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/romshark/aleth-go/dma"
)

var (
	ErrCapacity    = errors.New("ring capacity must be a positive power of two")
	ErrFull        = errors.New("ring is full")
	ErrEmpty       = errors.New("ring has no posted slots")
	ErrNotPosted   = errors.New("slot was not posted")
	ErrMisaligned  = errors.New("descriptor memory is not 16-byte aligned")
	ErrRingFreed   = errors.New("ring is freed")
	ErrStillPosted = errors.New("ring still has posted slots")
)

// Slot is the software bookkeeping entry of one descriptor.
// It is valid exactly while the descriptor is posted and not yet reclaimed.
type Slot struct {
	// Owner is the ownership handle of the queued packet.
	Owner any
	// Mapping is the payload mapping the descriptor points at.
	Mapping dma.Mapping
	// Len is the mapped length.
	Len uint32

	posted bool
}

// Posted reports whether the slot is currently owned by the device.
func (s *Slot) Posted() bool { return s.posted }

// Ring is a transmit descriptor ring.
type Ring struct {
	alloc dma.Allocator
	mem   dma.Buffer

	descs []Descriptor
	slots []Slot

	// mask is always len(descs)-1.
	mask uint32
	size uint32

	next     uint32 // producer: next slot to post
	clean    uint32 // consumer: oldest posted slot
	inFlight uint32
}

// New allocates a ring of capacity descriptors from alloc.
// On failure nothing is left allocated.
func New(alloc dma.Allocator, capacity uint32) (*Ring, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("capacity %d: %w", capacity, ErrCapacity)
	}

	mem, err := alloc.Alloc(int(capacity) * DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("allocating %d descriptors: %w", capacity, err)
	}
	base := unsafe.Pointer(&mem.Mem[0])
	if uintptr(base)%dma.Align != 0 || mem.Bus%dma.Align != 0 {
		_ = alloc.Free(mem)
		return nil, ErrMisaligned
	}

	return &Ring{
		alloc: alloc,
		mem:   mem,
		descs: unsafe.Slice((*Descriptor)(base), capacity),
		slots: make([]Slot, capacity),
		mask:  capacity - 1,
		size:  capacity,
	}, nil
}

// Free releases the descriptor memory and the bookkeeping array.
// The caller must guarantee that the device no longer accesses the ring and
// must have reclaimed every posted slot.
func (r *Ring) Free() error {
	if r.descs == nil {
		return ErrRingFreed
	}
	if r.inFlight > 0 {
		return fmt.Errorf("%d slots: %w", r.inFlight, ErrStillPosted)
	}
	r.descs, r.slots = nil, nil
	if err := r.alloc.Free(r.mem); err != nil {
		return fmt.Errorf("freeing descriptors: %w", err)
	}
	r.mem = dma.Buffer{}
	return nil
}

// Bus returns the bus address of the first descriptor.
func (r *Ring) Bus() uint64 { return r.mem.Bus }

// Capacity returns the number of descriptors.
func (r *Ring) Capacity() uint32 { return r.size }

// Next returns the producer index.
func (r *Ring) Next() uint32 { return r.next }

// Clean returns the consumer index.
func (r *Ring) Clean() uint32 { return r.clean }

// InFlight returns the number of posted, not yet reclaimed slots.
func (r *Ring) InFlight() uint32 { return r.inFlight }

// Available returns the number of slots free for posting.
func (r *Ring) Available() uint32 { return r.size - r.inFlight }

// Advance returns the index following i.
func (r *Ring) Advance(i uint32) uint32 { return (i + 1) & r.mask }

// Descriptor returns the descriptor at index i.
func (r *Ring) Descriptor(i uint32) *Descriptor { return &r.descs[i&r.mask] }

// Slot returns the bookkeeping entry at index i.
func (r *Ring) Slot(i uint32) *Slot { return &r.slots[i&r.mask] }

// Post records owner and its mapping in the slot at the producer index,
// writes the matching descriptor and advances the producer index.
// It returns the index that was written.
//
// Post does not notify the device; the caller must ring the doorbell after
// all descriptors it posts are written.
func (r *Ring) Post(owner any, m dma.Mapping, flags, meta uint32) (uint32, error) {
	if r.descs == nil {
		return 0, ErrRingFreed
	}
	if r.inFlight == r.size {
		return 0, ErrFull
	}
	idx := r.next

	s := &r.slots[idx]
	s.Owner = owner
	s.Mapping = m
	s.Len = m.Len
	s.posted = true

	r.descs[idx].Set(m.Addr, m.Len, flags, meta)

	r.next = r.Advance(idx)
	r.inFlight++
	return idx, nil
}

// Reclaim returns the slot at the consumer index to software, clears it and
// advances the consumer index. The returned copy is the slot as it was posted.
func (r *Ring) Reclaim() (Slot, error) {
	if r.descs == nil {
		return Slot{}, ErrRingFreed
	}
	if r.inFlight == 0 {
		return Slot{}, ErrEmpty
	}
	idx := r.clean
	s := &r.slots[idx]
	if !s.posted {
		return Slot{}, fmt.Errorf("slot %d: %w", idx, ErrNotPosted)
	}
	out := *s
	*s = Slot{}

	r.clean = r.Advance(idx)
	r.inFlight--
	return out, nil
}
