package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/aleth-go/dma"
	"github.com/romshark/aleth-go/ring"
)

func TestDescriptorSize(t *testing.T) {
	assert.Equal(t, 16, ring.DescriptorSize)
}

func TestDescriptorRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		addr   uint64
		length uint32
		flags  uint32
		meta   uint32
	}{
		{0, 1, ring.FlagSinglePkt, 0},
		{0x1_0000_0000, 64, ring.FlagFirst, 0x5},
		{0xffff_ffff, 1500, ring.FlagLast | ring.FlagIntEnable, 0},
		{0xdead_beef_cafe_f00d, ring.MaxBufferLen, ring.FlagSinglePkt, 0xffff_ffff},
	} {
		var d ring.Descriptor
		d.Set(tc.addr, tc.length, tc.flags, tc.meta)

		assert.Equal(t, tc.length, d.Len())
		assert.Equal(t, tc.flags, d.Control())
		assert.Equal(t, tc.meta, d.Meta())
		assert.Equal(t, tc.addr, d.Address())

		lo, hi := ring.SplitAddr(tc.addr)
		assert.Equal(t, lo, d.AddrLo())
		assert.Equal(t, hi, d.AddrHi())
		assert.Equal(t, tc.addr, ring.JoinAddr(d.AddrLo(), d.AddrHi()))
	}
}

func TestDescriptorLengthDoesNotLeakIntoFlags(t *testing.T) {
	var d ring.Descriptor
	d.Set(0x1000, 0x1_0040, ring.FlagSinglePkt|0x7, 0)
	assert.Equal(t, uint32(0x40), d.Len())
	assert.Equal(t, uint32(ring.FlagSinglePkt), d.Control())
}

func TestSplitAddr(t *testing.T) {
	lo, hi := ring.SplitAddr(0x0000_0001_2345_6780)
	assert.Equal(t, uint32(0x2345_6780), lo)
	assert.Equal(t, uint32(1), hi)
}

func TestNewRejectsBadCapacity(t *testing.T) {
	s := dma.NewSim(dma.SimConfig{})
	for _, c := range []uint32{0, 3, 6, 1000} {
		_, err := ring.New(s, c)
		assert.ErrorIs(t, err, ring.ErrCapacity, "capacity %d", c)
	}
	nb, _ := s.Outstanding()
	assert.Zero(t, nb)
}

func TestNewPropagatesExhaustion(t *testing.T) {
	s := dma.NewSim(dma.SimConfig{MaxBuffers: 1})
	_, err := s.Alloc(16)
	require.NoError(t, err)

	_, err = ring.New(s, 8)
	assert.ErrorIs(t, err, dma.ErrExhausted)
}

func TestCreateFreeLeavesNothingOutstanding(t *testing.T) {
	s := dma.NewSim(dma.SimConfig{})
	for c := uint32(1); c <= 4096; c <<= 1 {
		r, err := ring.New(s, c)
		require.NoError(t, err)
		assert.Equal(t, c, r.Capacity())
		assert.Equal(t, c, r.Available())
		require.NoError(t, r.Free())

		nb, nm := s.Outstanding()
		require.Zero(t, nb, "capacity %d", c)
		require.Zero(t, nm, "capacity %d", c)
	}
}

func TestPostReclaimWraps(t *testing.T) {
	s := dma.NewSim(dma.SimConfig{})
	r, err := ring.New(s, 4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		idx, err := r.Post(i, dma.Mapping{Addr: uint64(0x1000 * (i + 1)), Len: 64}, ring.FlagSinglePkt, 0)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), idx)
	}
	assert.Zero(t, r.Next())
	assert.Zero(t, r.Available())

	_, err = r.Post(4, dma.Mapping{Addr: 0x9000, Len: 1}, 0, 0)
	assert.ErrorIs(t, err, ring.ErrFull)

	for i := 0; i < 4; i++ {
		d := r.Descriptor(uint32(i))
		sl := r.Slot(uint32(i))
		assert.True(t, sl.Posted())
		assert.Equal(t, sl.Mapping.Addr, d.Address())
		assert.Equal(t, sl.Len, d.Len())
	}

	sl, err := r.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, 0, sl.Owner)
	assert.Equal(t, uint32(1), r.Clean())
	assert.False(t, r.Slot(0).Posted())

	idx, err := r.Post(4, dma.Mapping{Addr: 0x5000, Len: 46}, ring.FlagSinglePkt, 0)
	require.NoError(t, err)
	assert.Zero(t, idx)

	assert.ErrorIs(t, r.Free(), ring.ErrStillPosted)
	for r.InFlight() > 0 {
		_, err := r.Reclaim()
		require.NoError(t, err)
	}
	_, err = r.Reclaim()
	assert.ErrorIs(t, err, ring.ErrEmpty)

	require.NoError(t, r.Free())
	assert.ErrorIs(t, r.Free(), ring.ErrRingFreed)
	_, err = r.Post(5, dma.Mapping{}, 0, 0)
	assert.ErrorIs(t, err, ring.ErrRingFreed)
}

func TestAdvance(t *testing.T) {
	r, err := ring.New(dma.NewSim(dma.SimConfig{}), 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.Advance(0))
	assert.Equal(t, uint32(0), r.Advance(7))
}

func TestDescriptorsLiveInCoherentMemory(t *testing.T) {
	s := dma.NewSim(dma.SimConfig{})
	r, err := ring.New(s, 2)
	require.NoError(t, err)

	_, err = r.Post(nil, dma.Mapping{Addr: 0x1_2345_6780, Len: 60}, ring.FlagSinglePkt, 0)
	require.NoError(t, err)

	raw, ok := s.Coherent(r.Bus(), ring.DescriptorSize)
	require.True(t, ok)
	// LenAndFlags, Flags, Addr in little-endian device order.
	assert.Equal(t, []byte{
		60, 0, 0, 0x0c,
		0, 0, 0, 0,
		0x80, 0x67, 0x45, 0x23, 0x01, 0, 0, 0,
	}, raw)
}
