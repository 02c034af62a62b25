package ring

import (
	"sync/atomic"
	"unsafe"
)

// Descriptor is a transmit descriptor as laid out in device memory.
// It is 16 bytes long and must be 16-byte aligned.
type Descriptor struct {
	// LenAndFlags holds the buffer length in bits [15:0] and control
	// flags in the upper bits.
	LenAndFlags uint32
	// Flags holds metadata flags. No metadata is used by the transmit path.
	Flags uint32
	// Addr is the bus address of the buffer.
	Addr uint64
}

// DescriptorSize is the size of a Descriptor in bytes.
const DescriptorSize = int(unsafe.Sizeof(Descriptor{}))

// Length and control bits of Descriptor.LenAndFlags.
const (
	LenMask        = 0xffff
	FlagFirst      = 1 << 26 // first buffer of a packet
	FlagLast       = 1 << 27 // last buffer of a packet
	FlagIntEnable  = 1 << 28 // raise a completion interrupt
	FlagSinglePkt  = FlagFirst | FlagLast
	MaxBufferLen   = LenMask
	controlFlagMsk = ^uint32(LenMask)
)

// Set writes a complete descriptor. The address and metadata words are
// written first; the length word is published last with an atomic store so
// that the descriptor is never observed with a length but a stale address.
func (d *Descriptor) Set(addr uint64, length uint32, flags, meta uint32) {
	d.Addr = addr
	d.Flags = meta
	atomic.StoreUint32(&d.LenAndFlags, length&LenMask|flags&controlFlagMsk)
}

// Len returns the buffer length.
func (d *Descriptor) Len() uint32 { return atomic.LoadUint32(&d.LenAndFlags) & LenMask }

// Control returns the control flags of the length word.
func (d *Descriptor) Control() uint32 {
	return atomic.LoadUint32(&d.LenAndFlags) & controlFlagMsk
}

// Meta returns the metadata flags word.
func (d *Descriptor) Meta() uint32 { return d.Flags }

// Address returns the buffer bus address.
func (d *Descriptor) Address() uint64 { return d.Addr }

// AddrLo returns the low 32 bits of the buffer address.
func (d *Descriptor) AddrLo() uint32 { lo, _ := SplitAddr(d.Addr); return lo }

// AddrHi returns the high 32 bits of the buffer address.
func (d *Descriptor) AddrHi() uint32 { _, hi := SplitAddr(d.Addr); return hi }

// IsZero reports whether the descriptor has never been written.
func (d *Descriptor) IsZero() bool {
	return atomic.LoadUint32(&d.LenAndFlags) == 0 && d.Flags == 0 && d.Addr == 0
}

// SplitAddr splits a 64-bit bus address into the low and high halves written
// to a register pair.
func SplitAddr(a uint64) (lo, hi uint32) { return uint32(a), uint32(a >> 32) }

// JoinAddr is the inverse of SplitAddr.
func JoinAddr(lo, hi uint32) uint64 { return uint64(hi)<<32 | uint64(lo) }
