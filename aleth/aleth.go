// Package aleth drives the transmit side of the Annapurna Labs Alpine
// integrated Ethernet controller.
//
// An Adapter is built on three mapped register windows: the UDMA block that
// holds the per-queue ring registers, the MAC configuration block, and the
// Ethernet controller block with the forwarding MAC table. Bring-up reads the
// board info, creates the transmit queues and enables the MAC.
package aleth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/aleth-go/dma"
	"github.com/romshark/aleth-go/logging"
	"github.com/romshark/aleth-go/mmio"
	"github.com/romshark/aleth-go/ring"
	"github.com/romshark/aleth-go/txq"
)

var logger = logging.New("aleth")

// NumQueues is the number of transmit queues an Adapter creates.
const NumQueues = 1

var (
	ErrQueueSelector = errors.New("transmit queue selector out of range")
	ErrNoExternalPHY = errors.New("no external PHY, probably SFP+: unsupported")
)

// Windows are the register blocks of one controller.
type Windows struct {
	UDMA mmio.Registers // BAR 0
	MAC  mmio.Registers // BAR 2
	EC   mmio.Registers // BAR 4
}

// DMA provides descriptor memory and payload mappings.
type DMA struct {
	Alloc  dma.Allocator
	Mapper dma.Mapper
}

// Config configures an Adapter.
type Config struct {
	// RingCapacity is the number of descriptors per transmit ring.
	RingCapacity uint32 `yaml:"ring_capacity"`
	// DrainTimeout bounds how long Close waits for each queue to drain.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// MACAddress, if set, is programmed into the forwarding MAC table at
	// bring-up instead of keeping the address left by the firmware.
	MACAddress string `yaml:"mac_address"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.RingCapacity == 0 {
		c.RingCapacity = txq.DefaultCapacity
	}
	if c.RingCapacity&(c.RingCapacity-1) != 0 {
		return fmt.Errorf("ring capacity %d: %w", c.RingCapacity, ring.ErrCapacity)
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = txq.DefaultDrainTimeout
	}
	if c.MACAddress != "" {
		hw, err := net.ParseMAC(c.MACAddress)
		if err != nil {
			return fmt.Errorf("mac_address: %w", err)
		}
		if len(hw) != 6 {
			return fmt.Errorf("mac_address %q: %w", c.MACAddress, ErrMACAddress)
		}
	}
	return nil
}

// Adapter is a brought-up controller.
type Adapter struct {
	w      Windows
	info   BoardInfo
	queues []*txq.Queue
	logger *zap.Logger

	selectorDrops atomic.Uint64

	lock    sync.Mutex
	closed  bool
	closers []io.Closer
}

// New brings up a controller whose register blocks are mapped at w.
//
// Boards without an external PHY are rejected with ErrNoExternalPHY before
// anything is written. If creating any queue fails, the queues created so far
// are destroyed and the error is returned.
func New(w Windows, d DMA, conf Config, l *zap.Logger) (*Adapter, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	l = logging.Or(l, logger)

	a := &Adapter{
		w:      w,
		info:   ReadBoardInfo(w.MAC),
		logger: l,
	}
	if !a.info.ExternalPHY {
		l.Error("unsupported board", zap.Error(ErrNoExternalPHY))
		return nil, ErrNoExternalPHY
	}

	if conf.MACAddress != "" {
		hw, _ := net.ParseMAC(conf.MACAddress)
		if err := WriteMAC(w.EC, 0, hw); err != nil {
			return nil, err
		}
	}

	for i := 0; i < NumQueues; i++ {
		q, err := txq.Create(txq.Config{
			Index:        i,
			Capacity:     conf.RingCapacity,
			DrainTimeout: conf.DrainTimeout,
		}, mmio.Sub(w.UDMA, txq.RegsOffset(i)), d.Alloc, d.Mapper, l)
		if err != nil {
			if uerr := a.destroyQueues(context.Background()); uerr != nil {
				l.Warn("unwinding tx queues", zap.Error(uerr))
			}
			return nil, fmt.Errorf("creating tx queue %d: %w", i, err)
		}
		a.queues = append(a.queues, q)
	}

	w.MAC.Write32(RegMACEnable, MACEnable)

	l.Info("adapter up",
		zap.Stringer("mac", a.MACAddress()),
		zap.Uint8("mdioAddr", a.info.MDIOAddr),
		zap.Uint8("ifType", a.info.IfType),
		zap.Uint8("mdioFreq", a.info.MDIOFreq),
		zap.Int("queues", len(a.queues)),
	)
	return a, nil
}

// BoardInfo returns the board info read at bring-up.
func (a *Adapter) BoardInfo() BoardInfo { return a.info }

// MACAddress returns the station address from the forwarding MAC table.
func (a *Adapter) MACAddress() net.HardwareAddr { return ReadMAC(a.w.EC, 0) }

// SetMACAddress programs the station address.
func (a *Adapter) SetMACAddress(addr net.HardwareAddr) error {
	return WriteMAC(a.w.EC, 0, addr)
}

// NumQueues returns the number of transmit queues.
func (a *Adapter) NumQueues() int { return len(a.queues) }

// Queue returns transmit queue i.
func (a *Adapter) Queue(i int) *txq.Queue { return a.queues[i] }

// Transmit submits p on transmit queue queue.
//
// A nil error means the packet was posted and will be released with
// sent=true once the device consumed it. A selector outside the queue range
// releases p with sent=false and returns ErrQueueSelector without touching
// any queue. Other errors are those of txq.Queue.Enqueue; with
// txq.ErrRingFull and txq.ErrNotActive the caller keeps p.
func (a *Adapter) Transmit(queue int, p txq.Packet) error {
	if queue < 0 || queue >= len(a.queues) {
		a.selectorDrops.Add(1)
		a.logger.Warn("packet on out of range queue",
			zap.Int("queue", queue),
			zap.Int("max", len(a.queues)),
		)
		p.Release(false)
		return fmt.Errorf("queue %d >= max %d: %w", queue, len(a.queues), ErrQueueSelector)
	}
	return a.queues[queue].Enqueue(p)
}

// Poll reclaims completed descriptors on every queue and returns how many
// packets were released.
func (a *Adapter) Poll() (int, error) {
	var total int
	var errs []error
	for _, q := range a.queues {
		n, err := q.Poll()
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Stats returns the counters of every queue.
func (a *Adapter) Stats() []txq.Stats {
	s := make([]txq.Stats, len(a.queues))
	for i, q := range a.queues {
		s[i] = q.Stats()
	}
	return s
}

// SelectorDrops returns the number of packets dropped by Transmit because
// of an out of range queue selector.
func (a *Adapter) SelectorDrops() uint64 { return a.selectorDrops.Load() }

// Close drains and destroys every queue, then releases the resources Open
// acquired. Closing a closed adapter is a no-op.
func (a *Adapter) Close(ctx context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	errs := []error{a.destroyQueues(ctx)}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("adapter closed", zap.Error(err))
	} else {
		a.logger.Info("adapter closed")
	}
	return err
}

func (a *Adapter) destroyQueues(ctx context.Context) error {
	var errs []error
	for _, q := range a.queues {
		errs = append(errs, q.Destroy(ctx))
	}
	return errors.Join(errs...)
}
