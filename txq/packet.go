package txq

// Packet is an outbound packet handed to a Queue.
//
// From a successful Enqueue until the device is done with it the queue owns
// the packet, and it calls Release exactly once: with sent=true after the
// descriptor was reclaimed, or with sent=false when the packet is dropped.
// When Enqueue returns ErrRingFull or ErrNotActive the caller keeps ownership.
type Packet interface {
	// Fragments returns the packet's payload buffers. The transmit path
	// supports exactly one fragment.
	Fragments() [][]byte
	// Release hands the packet back to its owner.
	Release(sent bool)
}

// Frame is a single-buffer Packet.
type Frame struct {
	Buf []byte

	// OnRelease, if set, is called when the queue releases the frame.
	OnRelease func(sent bool)
}

func (f *Frame) Fragments() [][]byte { return [][]byte{f.Buf} }

func (f *Frame) Release(sent bool) {
	if f.OnRelease != nil {
		f.OnRelease(sent)
	}
}
