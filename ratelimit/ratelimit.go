// Package ratelimit paces packet transmission to a packet and/or bit rate.
package ratelimit

import (
	"context"
	"time"
)

// Config configures a Throttle. Zero fields are unlimited.
type Config struct {
	// PPS is the packet rate limit in packets per second.
	PPS uint64 `yaml:"pps"`
	// BPS is the bit rate limit in bits per second, counted over the
	// frame bytes handed to the device.
	BPS uint64 `yaml:"bps"`
}

// Throttle limits the average packet and bit rate. Not safe for concurrent
// use. A nil *Throttle never blocks.
type Throttle struct {
	nsPerPacket float64
	nsPerByte   float64

	packets    uint64
	bytes      uint64
	lastCheck  uint64
	checkEvery uint64
	start      time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a throttle for conf, or returns nil if conf sets no limit.
func New(conf Config) *Throttle {
	if conf.PPS == 0 && conf.BPS == 0 {
		return nil
	}
	l := &Throttle{
		now:   time.Now,
		sleep: sleep,
		// Check the clock every ~10ms worth of packets, at least every 32
		// and at most every 1024 packets.
		checkEvery: 32,
	}
	if conf.PPS > 0 {
		l.nsPerPacket = float64(time.Second) / float64(conf.PPS)
		l.checkEvery = min(max(conf.PPS/100, 32), 1024)
	}
	if conf.BPS > 0 {
		l.nsPerByte = 8 * float64(time.Second) / float64(conf.BPS)
	}
	l.start = l.now()
	return l
}

// Wait accounts for n packets totalling size bytes and blocks until sending
// them keeps the average within the limits, or ctx is done. A caller that
// fell behind schedule is not slowed down until it is back on schedule.
func (l *Throttle) Wait(ctx context.Context, n, size uint64) error {
	if l == nil || n == 0 {
		return nil
	}
	l.packets += n
	l.bytes += size
	if l.packets-l.lastCheck < l.checkEvery {
		return nil // Fast path: only check time periodically.
	}
	l.lastCheck = l.packets

	due := max(
		time.Duration(float64(l.packets)*l.nsPerPacket),
		time.Duration(float64(l.bytes)*l.nsPerByte),
	)
	if ahead := due - l.now().Sub(l.start); ahead > 0 {
		return l.sleep(ctx, ahead)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
