// Package txq implements a hardware transmit queue.
//
// A Queue owns one descriptor ring and the device's per-queue register block.
// Submitting a packet maps its payload for the device, records it in the
// ring's bookkeeping slot, writes the descriptor and rings the doorbell.
// Reclaiming follows the device's consumed-descriptor counter, unmaps the
// payload and releases the packet.
//
// Queue lifecycle:
//
//	Created -> Active -> Draining -> Destroyed
//
// Queue is safe for concurrent use: the submit sequence (slot, descriptor,
// doorbell) and reclamation run under a per-queue lock.
package txq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/aleth-go/dma"
	"github.com/romshark/aleth-go/logging"
	"github.com/romshark/aleth-go/mmio"
	"github.com/romshark/aleth-go/ring"
)

var logger = logging.New("txq")

// Per-queue register offsets, relative to the queue's register block.
const (
	RegConfig   = 0x20 // queue configuration (W)
	RegBaseLo   = 0x28 // descriptor ring base address, low word (W)
	RegBaseHi   = 0x2c // descriptor ring base address, high word (W)
	RegLength   = 0x30 // descriptor ring length in descriptors (W)
	RegHead     = 0x34 // descriptors consumed by the device, free-running (R)
	RegDoorbell = 0x38 // tail increment: number of new descriptors (W)
	RegControl  = 0xb0 // queue reset/enable (W)
)

const (
	ControlEnable = 1 << 8
	ConfigDefault = 0x30000

	// RegsBase and RegsStride locate queue register blocks in the
	// control-plane window: queue i starts at RegsBase + i*RegsStride.
	RegsBase   = 0x1000
	RegsStride = 0x1000
)

const (
	DefaultCapacity          = 1024
	DefaultDrainTimeout      = time.Second
	DefaultDrainPollInterval = 100 * time.Microsecond
)

var (
	ErrFragmented   = errors.New("multi-fragment packets are not supported")
	ErrLength       = errors.New("packet length out of range")
	ErrMapping      = errors.New("mapping packet payload")
	ErrRingFull     = errors.New("transmit ring is full")
	ErrNotActive    = errors.New("queue is not active")
	ErrOverComplete = errors.New("completing more descriptors than posted")
	ErrDrainTimeout = errors.New("timed out draining transmit ring")
)

// RegsOffset returns the offset of queue index's register block.
func RegsOffset(index int) uint32 { return RegsBase + RegsStride*uint32(index) }

// Config configures a Queue.
type Config struct {
	// Index is the hardware queue index.
	Index int
	// Capacity is the number of descriptors. Must be a power of two.
	Capacity uint32
	// DrainTimeout bounds how long Destroy waits for posted descriptors.
	DrainTimeout time.Duration
	// DrainPollInterval is how often Destroy polls for completions.
	DrainPollInterval time.Duration
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Index < 0 {
		return fmt.Errorf("negative queue index %d", c.Index)
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Capacity&(c.Capacity-1) != 0 {
		return ring.ErrCapacity
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.DrainPollInterval == 0 {
		c.DrainPollInterval = DefaultDrainPollInterval
	}
	return nil
}

// State is the lifecycle state of a Queue.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stats are the counters of a Queue.
type Stats struct {
	Accepted  uint64 // packets posted to the device
	Completed uint64 // packets reclaimed after transmission
	Dropped   uint64 // packets released without being sent
	Bytes     uint64 // payload bytes posted
	Doorbells uint64 // doorbell writes
	InFlight  uint32 // descriptors currently owned by the device
}

// Queue is a transmit queue.
type Queue struct {
	conf   Config
	regs   mmio.Registers
	mapper dma.Mapper
	logger *zap.Logger

	lock  sync.Mutex
	state State
	ring  *ring.Ring
	// done is the free-running count of reclaimed descriptors, compared
	// against the device's RegHead counter.
	done uint32

	accepted  atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
	doorbells atomic.Uint64
}

// Create allocates a descriptor ring from alloc and programs the queue
// registers regs with it. Payloads are mapped through mapper.
// If l is nil the package logger is used.
func Create(
	conf Config,
	regs mmio.Registers,
	alloc dma.Allocator,
	mapper dma.Mapper,
	l *zap.Logger,
) (*Queue, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	l = logging.Or(l, logger).With(zap.Int("queue", conf.Index))

	r, err := ring.New(alloc, conf.Capacity)
	if err != nil {
		l.Error("failed to allocate tx ring", zap.Error(err))
		return nil, fmt.Errorf("creating tx ring %d: %w", conf.Index, err)
	}

	q := &Queue{
		conf:   conf,
		regs:   regs,
		mapper: mapper,
		logger: l,
		state:  StateCreated,
		ring:   r,
	}

	// The device latches the configuration once the queue is enabled and
	// before the first doorbell.
	lo, hi := ring.SplitAddr(r.Bus())
	regs.Write32(RegControl, ControlEnable)
	regs.Write32(RegBaseLo, lo)
	regs.Write32(RegBaseHi, hi)
	regs.Write32(RegLength, r.Capacity())
	regs.Write32(RegConfig, ConfigDefault)
	q.done = regs.Read32(RegHead)

	q.state = StateActive
	l.Info("tx ring created",
		zap.Uint32("capacity", r.Capacity()),
		zap.String("bus", fmt.Sprintf("%#x", r.Bus())),
	)
	return q, nil
}

// Index returns the hardware queue index.
func (q *Queue) Index() int { return q.conf.Index }

// Capacity returns the number of descriptors in the ring.
func (q *Queue) Capacity() uint32 { return q.conf.Capacity }

// State returns the current lifecycle state.
func (q *Queue) State() State {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.state
}

// Enqueue submits p for transmission.
//
// It returns nil when the packet was posted to the device. Packets with more
// than one fragment, an empty or over-long payload, or a payload that cannot
// be mapped are released with sent=false and reported through ErrFragmented,
// ErrLength or ErrMapping; the queue stays usable. When the ring is full even
// after reclaiming completed descriptors, or the queue is not active,
// ErrRingFull or ErrNotActive is returned and the caller keeps ownership of p.
func (q *Queue) Enqueue(p Packet) error {
	frags := p.Fragments()
	if len(frags) != 1 {
		return q.drop(p, fmt.Errorf("%d fragments: %w", len(frags), ErrFragmented))
	}
	buf := frags[0]
	if len(buf) == 0 || len(buf) > ring.MaxBufferLen {
		return q.drop(p, fmt.Errorf("%d bytes: %w", len(buf), ErrLength))
	}

	q.lock.Lock()
	reclaimed, err := q.submitLocked(p, buf)
	q.lock.Unlock()

	for _, r := range reclaimed {
		r.Release(true)
	}
	if errors.Is(err, ErrMapping) {
		return q.drop(p, err)
	}
	return err
}

// submitLocked posts buf on behalf of p. It returns packets reclaimed while
// making room, which the caller must release outside the lock.
func (q *Queue) submitLocked(p Packet, buf []byte) (reclaimed []Packet, err error) {
	if q.state != StateActive {
		return nil, fmt.Errorf("queue %d is %s: %w", q.conf.Index, q.state, ErrNotActive)
	}
	if q.ring.Available() == 0 {
		if reclaimed, err = q.pollLocked(); err != nil {
			q.logger.Warn("reclaiming on full ring", zap.Error(err))
		}
		if q.ring.Available() == 0 {
			return reclaimed, ErrRingFull
		}
	}

	m, err := q.mapper.Map(buf)
	if err != nil {
		return reclaimed, fmt.Errorf("%w (len = %d): %w", ErrMapping, len(buf), err)
	}

	if _, err := q.ring.Post(p, m, ring.FlagSinglePkt, 0); err != nil {
		// Unreachable while Available was checked under the same lock.
		_ = q.mapper.Unmap(m)
		return reclaimed, err
	}

	// Descriptor.Set publishes the length word with an atomic store and
	// Write32 is an atomic store as well, so the device cannot observe the
	// doorbell before the descriptor.
	q.regs.Write32(RegDoorbell, 1)

	q.accepted.Add(1)
	q.bytes.Add(uint64(len(buf)))
	q.doorbells.Add(1)
	return reclaimed, nil
}

func (q *Queue) drop(p Packet, err error) error {
	q.dropped.Add(1)
	q.logger.Debug("dropping tx packet", zap.Error(err))
	p.Release(false)
	return err
}

// Complete reclaims the n oldest posted descriptors: their payloads are
// unmapped and their packets released with sent=true. It is the completion
// event for callers that learn about transmitted descriptors by other means
// than the head counter, such as an interrupt handler.
func (q *Queue) Complete(n int) error {
	q.lock.Lock()
	if q.state == StateDestroyed || q.state == StateCreated {
		q.lock.Unlock()
		return ErrNotActive
	}
	if n < 0 || uint32(n) > q.ring.InFlight() {
		inFlight := q.ring.InFlight()
		q.lock.Unlock()
		return fmt.Errorf("completing %d of %d: %w", n, inFlight, ErrOverComplete)
	}
	pkts, err := q.completeLocked(uint32(n))
	q.completed.Add(uint64(len(pkts)))
	q.lock.Unlock()

	for _, p := range pkts {
		p.Release(true)
	}
	return err
}

// Poll reclaims every descriptor the device reports as consumed and returns
// how many were reclaimed.
func (q *Queue) Poll() (int, error) {
	q.lock.Lock()
	if q.state == StateDestroyed || q.state == StateCreated {
		q.lock.Unlock()
		return 0, ErrNotActive
	}
	pkts, err := q.pollLocked()
	q.lock.Unlock()

	for _, p := range pkts {
		p.Release(true)
	}
	return len(pkts), err
}

func (q *Queue) pollLocked() ([]Packet, error) {
	head := q.regs.Read32(RegHead)
	n := head - q.done
	if n > q.ring.InFlight() {
		q.logger.Warn("device head ahead of posted descriptors",
			zap.Uint32("head", head),
			zap.Uint32("done", q.done),
			zap.Uint32("inFlight", q.ring.InFlight()),
		)
		n = q.ring.InFlight()
	}
	pkts, err := q.completeLocked(n)
	q.completed.Add(uint64(len(pkts)))
	return pkts, err
}

// completeLocked reclaims the n oldest posted slots and returns their packets.
// Counters are left to the caller.
func (q *Queue) completeLocked(n uint32) ([]Packet, error) {
	if n == 0 {
		return nil, nil
	}
	pkts := make([]Packet, 0, n)
	var errs []error
	for j := uint32(0); j < n; j++ {
		s, err := q.ring.Reclaim()
		if err != nil {
			errs = append(errs, err)
			break
		}
		q.done++
		if err := q.mapper.Unmap(s.Mapping); err != nil {
			errs = append(errs, fmt.Errorf("unmapping %#x: %w", s.Mapping.Addr, err))
		}
		pkts = append(pkts, s.Owner.(Packet))
	}
	return pkts, errors.Join(errs...)
}

// Destroy stops accepting packets, waits for the device to consume every
// posted descriptor and frees the ring.
//
// Waiting is bounded by the configured DrainTimeout and by ctx. When either
// expires the queue is disabled, the remaining payloads are unmapped, their
// packets released with sent=false, and an error wrapping ErrDrainTimeout is
// returned; the ring is freed in both cases. Destroying a destroyed queue is
// a no-op.
func (q *Queue) Destroy(ctx context.Context) error {
	q.lock.Lock()
	switch q.state {
	case StateDestroyed:
		q.lock.Unlock()
		return nil
	case StateDraining:
		q.lock.Unlock()
		return fmt.Errorf("queue %d is already draining: %w", q.conf.Index, ErrNotActive)
	}
	q.state = StateDraining
	q.lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, q.conf.DrainTimeout)
	defer cancel()

	drained := q.drain(ctx)

	q.lock.Lock()
	q.regs.Write32(RegControl, 0)

	var errs []error
	var abandoned []Packet
	if !drained {
		inFlight := q.ring.InFlight()
		errs = append(errs, fmt.Errorf("queue %d, %d descriptors in flight: %w",
			q.conf.Index, inFlight, ErrDrainTimeout))
		pkts, err := q.completeLocked(inFlight)
		if err != nil {
			errs = append(errs, err)
		}
		abandoned = pkts
		q.dropped.Add(uint64(len(pkts)))
	}
	if err := q.ring.Free(); err != nil {
		errs = append(errs, err)
	}
	q.state = StateDestroyed
	q.lock.Unlock()

	for _, p := range abandoned {
		p.Release(false)
	}

	err := errors.Join(errs...)
	if err != nil {
		q.logger.Warn("tx ring destroyed", zap.Error(err))
	} else {
		q.logger.Info("tx ring destroyed")
	}
	return err
}

// drain polls completions until nothing is in flight or ctx is done.
func (q *Queue) drain(ctx context.Context) bool {
	ticker := time.NewTicker(q.conf.DrainPollInterval)
	defer ticker.Stop()
	for {
		q.lock.Lock()
		pkts, err := q.pollLocked()
		inFlight := q.ring.InFlight()
		q.lock.Unlock()

		for _, p := range pkts {
			p.Release(true)
		}
		if err != nil {
			q.logger.Warn("reclaiming while draining", zap.Error(err))
		}
		if inFlight == 0 {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	s := Stats{
		Accepted:  q.accepted.Load(),
		Completed: q.completed.Load(),
		Dropped:   q.dropped.Load(),
		Bytes:     q.bytes.Load(),
		Doorbells: q.doorbells.Load(),
	}
	q.lock.Lock()
	if q.state != StateDestroyed {
		s.InFlight = q.ring.InFlight()
	}
	q.lock.Unlock()
	return s
}
