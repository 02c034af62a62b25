//go:build linux

package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHugepagesConfigDefaults(t *testing.T) {
	var c HugepagesConfig
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, DefaultHugepageSize, c.PageSize)
	assert.Equal(t, DefaultNumFrames, c.NumFrames)
	assert.Equal(t, DefaultFrameSize, c.FrameSize)

	bad := HugepagesConfig{FrameSize: 3000}
	assert.ErrorIs(t, bad.ValidateAndSetDefaults(), ErrFrameSize)

	tooBig := HugepagesConfig{PageSize: 4096, FrameSize: 8192}
	assert.ErrorIs(t, tooBig.ValidateAndSetDefaults(), ErrFrameSize)
}

func TestDecodePagemapEntry(t *testing.T) {
	const pageSize = 4096

	phys, err := decodePagemapEntry(1<<63|0x1234, 0x7f00_0000_0abc, pageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234*pageSize+0xabc), phys)

	_, err = decodePagemapEntry(0x1234, 0x1000, pageSize)
	assert.ErrorIs(t, err, ErrPageNotPresent)

	_, err = decodePagemapEntry(1<<63, 0x1000, pageSize)
	assert.ErrorIs(t, err, ErrPagemapNoAccess)

	// Soft-dirty and exclusive bits above the PFN field are ignored.
	phys, err = decodePagemapEntry(1<<63|1<<55|1<<56|7, 0, pageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(7*pageSize), phys)
}

func TestHugepagesUnmapValidates(t *testing.T) {
	h := &Hugepages{
		frames:     [][]byte{make([]byte, 64)},
		frameBus:   []uint64{0x1000},
		frameInUse: []bool{false},
		freeFrames: []int{0},
		freeCount:  1,
		conf:       HugepagesConfig{FrameSize: 64, PageSize: 4096, NumFrames: 1},
	}

	m, err := h.Map([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), m.Addr)
	assert.Equal(t, []byte{1, 2, 3}, h.frames[0][:3])
	assert.Zero(t, h.FreeFrames())

	_, err = h.Map([]byte{4})
	assert.ErrorIs(t, err, ErrMapFailed)

	_, err = h.Map(make([]byte, 65))
	assert.ErrorIs(t, err, ErrMapFailed)

	require.NoError(t, h.Unmap(m))
	assert.Equal(t, 1, h.FreeFrames())
	assert.ErrorIs(t, h.Unmap(m), ErrUnknownMap)
}
