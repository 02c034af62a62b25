//go:build linux

package mmio_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/aleth-go/mmio"
)

func TestMapResourceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource0")
	raw := make([]byte, 4096)
	binary.LittleEndian.PutUint32(raw[0x404:], 0x1234_5678)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	w, err := mmio.Map(path)
	require.NoError(t, err)
	assert.Equal(t, 4096, w.Len())
	assert.Equal(t, uint32(0x1234_5678), w.Read32(0x404))

	w.Write32(0x8, 0x9)
	require.NoError(t, w.Close())

	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x9), binary.LittleEndian.Uint32(raw[0x8:]), "writes reach the shared mapping")
}

func TestMapFailures(t *testing.T) {
	_, err := mmio.Map(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = mmio.Map(empty)
	assert.ErrorIs(t, err, mmio.ErrWindowSize)
}
