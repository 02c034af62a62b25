//go:build linux

package mmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map maps a device register block exposed as a file, typically a PCI BAR
// resource file such as /sys/bus/pci/devices/0000:00:01.0/resource0.
// The whole file is mapped shared, read-write.
func Map(path string) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening register resource: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat register resource: %w", err)
	}
	size := st.Size()
	if size <= 0 {
		return nil, fmt.Errorf("register resource %q: %w", path, ErrWindowSize)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap register resource %q: %w", path, err)
	}

	w, err := fromBytes(mem, func() error { return unix.Munmap(mem) })
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return w, nil
}
