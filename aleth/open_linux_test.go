//go:build linux

package aleth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/romshark/aleth-go/pciaddr"
)

func writeSysfsDevice(t *testing.T, root string, addr pciaddr.Addr, vendor, device string) {
	t.Helper()
	dir := addr.DevicePath(root)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor"), []byte(vendor+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device"), []byte(device+"\n"), 0o644))
}

func TestCheckDevice(t *testing.T) {
	root := t.TempDir()
	addr := pciaddr.MustParse("0000:00:01.0")

	assert.Error(t, checkDevice(addr.DevicePath(root)), "missing device")

	writeSysfsDevice(t, root, addr, "0x1c36", "0x0001")
	assert.NoError(t, checkDevice(addr.DevicePath(root)))

	writeSysfsDevice(t, root, addr, "0x1c36", "0x0002")
	assert.NoError(t, checkDevice(addr.DevicePath(root)))

	writeSysfsDevice(t, root, addr, "0x8086", "0x10fb")
	assert.ErrorIs(t, checkDevice(addr.DevicePath(root)), ErrUnsupportedDevice)
}

func TestOpenFailsWithoutBARs(t *testing.T) {
	root := t.TempDir()
	addr := pciaddr.MustParse("0000:00:01.0")
	writeSysfsDevice(t, root, addr, "0x1c36", "0x0001")

	_, err := Open(OpenConfig{Device: addr, SysfsRoot: root}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorContains(t, err, "BAR 0")
}
