// Package mmio provides access to memory-mapped device register blocks.
//
// A Window is a block of 32-bit registers. Every Read32 and Write32 is a
// single atomic 32-bit access: the compiler can neither reorder it against
// other register accesses nor merge or split it, and a Write32 is ordered
// after all memory writes that precede it in program order. This is what makes
// a doorbell write safe after descriptor writes to DMA memory.
package mmio

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var ErrWindowSize = errors.New("window size must be a non-zero multiple of 4")

// Registers is a window of 32-bit device registers addressed by byte offset.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off, val uint32)
}

// Window is a register block backed either by a device mapping or by ordinary
// memory. The zero value is not usable.
type Window struct {
	regs  []uint32
	unmap func() error
}

// NewWindow returns a heap-backed window of size bytes.
// It behaves like device memory that simply latches what is written.
func NewWindow(size int) (*Window, error) {
	if size <= 0 || size%4 != 0 {
		return nil, ErrWindowSize
	}
	return &Window{regs: make([]uint32, size/4)}, nil
}

// fromBytes interprets b as a register window. b must be 4-byte aligned.
func fromBytes(b []byte, unmap func() error) (*Window, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, ErrWindowSize
	}
	if uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return nil, fmt.Errorf("window base %p is not 4-byte aligned", &b[0])
	}
	regs := unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
	return &Window{regs: regs, unmap: unmap}, nil
}

// Len returns the window size in bytes.
func (w *Window) Len() int { return len(w.regs) * 4 }

func (w *Window) index(off uint32) uint32 {
	if off%4 != 0 {
		panic(fmt.Sprintf("mmio: unaligned register offset %#x", off))
	}
	if int(off/4) >= len(w.regs) {
		panic(fmt.Sprintf("mmio: register offset %#x beyond window of %#x bytes", off, w.Len()))
	}
	return off / 4
}

// Read32 loads the register at byte offset off.
func (w *Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32(&w.regs[w.index(off)])
}

// Write32 stores val into the register at byte offset off.
func (w *Window) Write32(off, val uint32) {
	atomic.StoreUint32(&w.regs[w.index(off)], val)
}

// Close releases the device mapping. Closing a heap-backed window is a no-op.
func (w *Window) Close() error {
	if w.unmap == nil {
		return nil
	}
	err := w.unmap()
	w.unmap = nil
	w.regs = nil
	return err
}

// Sub returns a view of r that starts at byte offset base.
func Sub(r Registers, base uint32) Registers {
	if s, ok := r.(subWindow); ok {
		return subWindow{r: s.r, base: s.base + base}
	}
	return subWindow{r: r, base: base}
}

type subWindow struct {
	r    Registers
	base uint32
}

func (s subWindow) Read32(off uint32) uint32 { return s.r.Read32(s.base + off) }
func (s subWindow) Write32(off, val uint32)  { s.r.Write32(s.base+off, val) }
