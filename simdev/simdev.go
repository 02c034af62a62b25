// Package simdev simulates the transmit DMA engine of the controller.
//
// A Device stands in for the UDMA register window. It latches register
// writes like device memory, counts doorbell writes per queue, and on Process
// fetches the posted descriptors and payloads from a dma.Sim, records the
// transmitted frames and advances each queue's consumed-descriptor counter.
package simdev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/romshark/aleth-go/dma"
	"github.com/romshark/aleth-go/logging"
	"github.com/romshark/aleth-go/mmio"
	"github.com/romshark/aleth-go/ring"
	"github.com/romshark/aleth-go/txq"
)

var logger = logging.New("simdev")

// WindowSize is the size of the simulated UDMA window.
const WindowSize = txq.RegsBase + MaxQueues*txq.RegsStride

// MaxQueues is the number of queue register blocks the device models.
const MaxQueues = 4

var (
	ErrBadDescriptor = errors.New("bad descriptor")
	ErrNoPayload     = errors.New("descriptor points at unmapped memory")
)

// Frame is a frame the device transmitted.
type Frame struct {
	Queue int
	Data  []byte
	// Packet is Data decoded as Ethernet.
	Packet gopacket.Packet
}

type queueState struct {
	tail uint32 // descriptors announced by doorbell writes, free-running
	head uint32 // descriptors consumed, free-running
}

// Device is a simulated controller UDMA block. It implements mmio.Registers.
type Device struct {
	mem    *dma.Sim
	logger *zap.Logger

	lock   sync.Mutex
	regs   *mmio.Window
	queues [MaxQueues]queueState
	frames []Frame
}

// New creates a device that reads descriptors and payloads from mem.
func New(mem *dma.Sim, l *zap.Logger) *Device {
	regs, err := mmio.NewWindow(WindowSize)
	if err != nil {
		panic(err)
	}
	return &Device{mem: mem, logger: logging.Or(l, logger), regs: regs}
}

// queueReg splits off into a queue index and a per-queue register offset.
func queueReg(off uint32) (int, uint32, bool) {
	if off < txq.RegsBase {
		return 0, 0, false
	}
	rel := off - txq.RegsBase
	return int(rel / txq.RegsStride), rel % txq.RegsStride, true
}

func (d *Device) Read32(off uint32) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	if q, reg, ok := queueReg(off); ok && reg == txq.RegHead {
		return d.queues[q].head
	}
	return d.regs.Read32(off)
}

func (d *Device) Write32(off, val uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.regs.Write32(off, val)

	q, reg, ok := queueReg(off)
	if !ok {
		return
	}
	switch reg {
	case txq.RegDoorbell:
		d.queues[q].tail += val
	case txq.RegControl:
		if val&txq.ControlEnable == 0 {
			// Reset drops whatever was pending.
			d.queues[q] = queueState{}
		}
	}
}

// Pending returns the number of announced, not yet processed descriptors of
// queue q.
func (d *Device) Pending(q int) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.queues[q].tail - d.queues[q].head
}

// Process transmits every pending descriptor of every enabled queue and
// returns how many were processed. A descriptor that cannot be processed
// stops its queue and is reported; its queue stalls like real hardware would.
func (d *Device) Process() (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	var n int
	var errs []error
	for q := range d.queues {
		done, err := d.processQueue(q)
		n += done
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %d: %w", q, err))
		}
	}
	return n, errors.Join(errs...)
}

func (d *Device) processQueue(q int) (int, error) {
	base := txq.RegsOffset(q)
	if d.regs.Read32(base+txq.RegControl)&txq.ControlEnable == 0 {
		return 0, nil
	}
	ringBus := ring.JoinAddr(d.regs.Read32(base+txq.RegBaseLo), d.regs.Read32(base+txq.RegBaseHi))
	length := d.regs.Read32(base + txq.RegLength)
	if length == 0 {
		return 0, nil
	}

	st := &d.queues[q]
	var n int
	for st.head != st.tail {
		idx := st.head % length
		data, err := d.fetch(ringBus + uint64(idx)*uint64(ring.DescriptorSize))
		if err != nil {
			return n, fmt.Errorf("descriptor %d: %w", idx, err)
		}
		d.frames = append(d.frames, Frame{
			Queue:  q,
			Data:   data,
			Packet: gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default),
		})
		st.head++
		n++
	}
	return n, nil
}

// fetch reads the descriptor at bus address bus and returns a copy of the
// payload it points at.
func (d *Device) fetch(bus uint64) ([]byte, error) {
	raw, ok := d.mem.Coherent(bus, ring.DescriptorSize)
	if !ok {
		return nil, fmt.Errorf("%#x outside descriptor memory: %w", bus, ErrBadDescriptor)
	}
	desc := (*ring.Descriptor)(unsafe.Pointer(&raw[0]))

	length := desc.Len()
	if length == 0 || desc.Control()&ring.FlagSinglePkt != ring.FlagSinglePkt {
		return nil, fmt.Errorf("len %d control %#x: %w", length, desc.Control(), ErrBadDescriptor)
	}
	payload, ok := d.mem.Payload(desc.Address())
	if !ok || int(length) > len(payload) {
		return nil, fmt.Errorf("%#x: %w", desc.Address(), ErrNoPayload)
	}
	return append([]byte(nil), payload[:length]...), nil
}

// Frames returns and forgets the frames transmitted so far.
func (d *Device) Frames() []Frame {
	d.lock.Lock()
	defer d.lock.Unlock()
	f := d.frames
	d.frames = nil
	return f
}

// Run calls Process every interval until ctx is done.
func (d *Device) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Process(); err != nil {
			d.logger.Warn("simulated transmit failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
