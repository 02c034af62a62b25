package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) install(l *Throttle) {
	l.now = func() time.Time { return c.now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		c.slept = append(c.slept, d)
		c.now = c.now.Add(d)
		return nil
	}
	l.start = c.now
}

func TestNilThrottle(t *testing.T) {
	l := New(Config{})
	assert.Nil(t, l)
	assert.NoError(t, l.Wait(context.Background(), 1_000_000, 1<<30))
}

func TestPacketRate(t *testing.T) {
	l := New(Config{PPS: 1000})
	require.NotNil(t, l)
	assert.Equal(t, uint64(32), l.checkEvery)

	c := &fakeClock{now: time.Unix(0, 0)}
	c.install(l)

	for j := 0; j < 31; j++ {
		require.NoError(t, l.Wait(context.Background(), 1, 64))
	}
	assert.Empty(t, c.slept, "clock is only checked every 32 packets")

	require.NoError(t, l.Wait(context.Background(), 1, 64))
	assert.Equal(t, []time.Duration{32 * time.Millisecond}, c.slept)

	// Falling behind means no sleep.
	c.now = c.now.Add(time.Second)
	for j := 0; j < 32; j++ {
		require.NoError(t, l.Wait(context.Background(), 1, 64))
	}
	assert.Len(t, c.slept, 1)
}

func TestBitRate(t *testing.T) {
	// 1 Mbit/s: a 1250 byte frame takes 10ms.
	l := New(Config{BPS: 1_000_000})
	require.NotNil(t, l)
	c := &fakeClock{now: time.Unix(0, 0)}
	c.install(l)

	require.NoError(t, l.Wait(context.Background(), 32, 32*1250))
	assert.Equal(t, []time.Duration{320 * time.Millisecond}, c.slept)
}

func TestBatchCrossesCheckpoint(t *testing.T) {
	l := New(Config{PPS: 100_000})
	assert.Equal(t, uint64(1000), l.checkEvery)
	c := &fakeClock{now: time.Unix(0, 0)}
	c.install(l)

	require.NoError(t, l.Wait(context.Background(), 999, 0))
	assert.Empty(t, c.slept)
	require.NoError(t, l.Wait(context.Background(), 64, 0))
	assert.Equal(t, []time.Duration{10630 * time.Microsecond}, c.slept)
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(Config{PPS: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, 32, 0), context.Canceled)
}
