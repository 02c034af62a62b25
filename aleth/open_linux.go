//go:build linux

package aleth

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/romshark/aleth-go/dma"
	"github.com/romshark/aleth-go/logging"
	"github.com/romshark/aleth-go/mmio"
	"github.com/romshark/aleth-go/pciaddr"
)

// PCI BARs of the controller.
const (
	BARUDMA = 0
	BARMAC  = 2
	BAREC   = 4
)

// PCI identifiers of supported controllers.
const (
	VendorAnnapurnaLabs = 0x1c36
	DeviceStandardNIC   = 0x0001
	DeviceAdvancedNIC   = 0x0002
)

var ErrUnsupportedDevice = errors.New("unsupported PCI device")

// OpenConfig configures Open.
type OpenConfig struct {
	// Device is the PCI address of the controller.
	Device pciaddr.Addr `yaml:"device"`
	// SysfsRoot overrides pciaddr.SysfsDevices.
	SysfsRoot string               `yaml:"sysfs_root"`
	Hugepages dma.HugepagesConfig `yaml:"hugepages"`
	Adapter   Config              `yaml:",inline"`
}

// Open maps the controller's BARs from sysfs, sets up hugepage DMA memory and
// brings the adapter up. The device must be bound to a driver that exposes
// its resource files, such as vfio-pci or uio_pci_generic, and run without an
// IOMMU. Every resource is released on failure, and by Adapter.Close.
func Open(conf OpenConfig, l *zap.Logger) (a *Adapter, err error) {
	l = logging.Or(l, logger).With(zap.Stringer("device", conf.Device))

	if err := checkDevice(conf.Device.DevicePath(conf.SysfsRoot)); err != nil {
		return nil, err
	}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	var w Windows
	for _, bar := range []struct {
		index int
		regs  *mmio.Registers
	}{
		{BARUDMA, &w.UDMA},
		{BARMAC, &w.MAC},
		{BAREC, &w.EC},
	} {
		win, err := mmio.Map(conf.Device.ResourcePath(conf.SysfsRoot, bar.index))
		if err != nil {
			l.Error("mapping BAR failed", zap.Int("bar", bar.index), zap.Error(err))
			return nil, fmt.Errorf("BAR %d: %w", bar.index, err)
		}
		closers = append(closers, win)
		*bar.regs = win
	}

	hp, err := dma.NewHugepages(conf.Hugepages)
	if err != nil {
		return nil, fmt.Errorf("hugepages: %w", err)
	}
	closers = append(closers, hp)

	a, err = New(w, DMA{Alloc: hp, Mapper: hp}, conf.Adapter, l)
	if err != nil {
		return nil, err
	}
	a.closers = closers
	return a, nil
}

// checkDevice verifies the vendor and device IDs under the sysfs device
// directory dir.
func checkDevice(dir string) error {
	read := func(name string) (uint64, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return 0, err
		}
		return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 16)
	}

	vendor, err := read("vendor")
	if err != nil {
		return fmt.Errorf("reading PCI vendor: %w", err)
	}
	device, err := read("device")
	if err != nil {
		return fmt.Errorf("reading PCI device: %w", err)
	}
	if vendor != VendorAnnapurnaLabs ||
		(device != DeviceStandardNIC && device != DeviceAdvancedNIC) {
		return fmt.Errorf("%04x:%04x: %w", vendor, device, ErrUnsupportedDevice)
	}
	return nil
}
