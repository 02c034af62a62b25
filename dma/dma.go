// Package dma allocates device-visible memory.
//
// Two kinds of memory are handed to a device:
//
//   - Coherent buffers (Allocator): long-lived, contiguous regions such as
//     descriptor rings. Both the CPU and the device access them while they
//     live; their bus address never changes.
//   - Payload mappings (Mapper): short-lived, transmit-direction mappings of
//     packet data. A mapping is created when a packet is posted and must be
//     unmapped when the device is done with it.
package dma

import "errors"

var (
	ErrExhausted     = errors.New("dma memory exhausted")
	ErrMapFailed     = errors.New("dma mapping failed")
	ErrUnknownBuffer = errors.New("unknown dma buffer")
	ErrUnknownMap    = errors.New("unknown dma mapping")
	ErrBadSize       = errors.New("invalid dma size")
)

// Align is the minimum alignment of every coherent buffer and bus address.
// It matches the size of a hardware descriptor.
const Align = 16

// Buffer is a coherent DMA region.
type Buffer struct {
	// Mem is the process-visible memory. It is zeroed on allocation.
	Mem []byte
	// Bus is the address the device uses to reach Mem[0].
	Bus uint64
}

// Mapping is a device-visible mapping of a payload.
type Mapping struct {
	// Addr is the bus address of the first payload byte.
	Addr uint64
	// Len is the number of mapped bytes.
	Len uint32

	frame int
}

// Allocator allocates and frees coherent DMA buffers.
type Allocator interface {
	// Alloc returns a zeroed, contiguous, Align-aligned buffer of size bytes.
	// It returns an error wrapping ErrExhausted when no memory is left.
	Alloc(size int) (Buffer, error)
	// Free releases a buffer returned by Alloc.
	Free(b Buffer) error
}

// Mapper maps payloads for device reads.
type Mapper interface {
	// Map makes p readable by the device. It returns an error wrapping
	// ErrMapFailed when no mapping can be established; the caller must not
	// retry synchronously.
	Map(p []byte) (Mapping, error)
	// Unmap tears down a mapping returned by Map.
	Unmap(m Mapping) error
}

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }
