package mmio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/aleth-go/mmio"
)

func TestWindowReadWrite(t *testing.T) {
	w, err := mmio.NewWindow(0x100)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 0x100, w.Len())
	assert.Zero(t, w.Read32(0x10))

	w.Write32(0x10, 0xdeadbeef)
	w.Write32(0xfc, 1)
	assert.Equal(t, uint32(0xdeadbeef), w.Read32(0x10))
	assert.Equal(t, uint32(1), w.Read32(0xfc))
	assert.Zero(t, w.Read32(0x14))
}

func TestWindowRejectsBadSize(t *testing.T) {
	for _, size := range []int{0, -4, 3, 10} {
		_, err := mmio.NewWindow(size)
		assert.ErrorIs(t, err, mmio.ErrWindowSize, "size %d", size)
	}
}

func TestWindowBadOffsetPanics(t *testing.T) {
	w, err := mmio.NewWindow(16)
	require.NoError(t, err)

	assert.Panics(t, func() { w.Read32(2) })
	assert.Panics(t, func() { w.Write32(16, 1) })
}

func TestSub(t *testing.T) {
	w, err := mmio.NewWindow(0x3000)
	require.NoError(t, err)

	q1 := mmio.Sub(w, 0x2000)
	q1.Write32(0x38, 1)
	assert.Equal(t, uint32(1), w.Read32(0x2038))
	assert.Equal(t, uint32(1), q1.Read32(0x38))

	nested := mmio.Sub(mmio.Sub(w, 0x1000), 0x1000)
	nested.Write32(0x28, 7)
	assert.Equal(t, uint32(7), w.Read32(0x2028))
}
