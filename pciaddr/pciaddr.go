// Package pciaddr parses PCI addresses and locates device BAR resources in sysfs.
package pciaddr

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// ErrAddress indicates the input PCI address is invalid.
var ErrAddress = errors.New("bad PCI address")

// SysfsDevices is the sysfs directory holding one entry per PCI device.
const SysfsDevices = "/sys/bus/pci/devices"

var rePCI = regexp.MustCompile(`^(?:([[:xdigit:]]{1,4}):)?([[:xdigit:]]{1,2}):([[:xdigit:]]{1,2})\.([0-7])$`)

// Addr is a PCI address in domain:bus:slot.function form.
type Addr struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// String returns the address in 0000:00:01.0 format.
func (a Addr) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	if a.Slot > 0x1f || a.Function > 0x7 {
		return nil, ErrAddress
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) (err error) {
	*a, err = Parse(string(text))
	return err
}

// DevicePath returns the device's sysfs directory under root.
// An empty root means SysfsDevices.
func (a Addr) DevicePath(root string) string {
	if root == "" {
		root = SysfsDevices
	}
	return filepath.Join(root, a.String())
}

// ResourcePath returns the sysfs resource file of BAR bar.
func (a Addr) ResourcePath(root string, bar int) string {
	return filepath.Join(a.DevicePath(root), "resource"+strconv.Itoa(bar))
}

// Parse parses a PCI address. The domain may be omitted.
func Parse(input string) (a Addr, err error) {
	m := rePCI.FindStringSubmatch(input)
	if m == nil {
		return Addr{}, fmt.Errorf("%q: %w", input, ErrAddress)
	}

	field := func(s string, bits int) (uint64, error) {
		u, err := strconv.ParseUint(s, 16, bits)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", input, ErrAddress)
		}
		return u, nil
	}

	if m[1] != "" {
		u, err := field(m[1], 16)
		if err != nil {
			return Addr{}, err
		}
		a.Domain = uint16(u)
	}
	u, err := field(m[2], 8)
	if err != nil {
		return Addr{}, err
	}
	a.Bus = uint8(u)

	if u, err = field(m[3], 5); err != nil {
		return Addr{}, err
	}
	a.Slot = uint8(u)

	if u, err = field(m[4], 3); err != nil {
		return Addr{}, err
	}
	a.Function = uint8(u)
	return a, nil
}

// MustParse parses a PCI address, and panics on failure.
func MustParse(input string) Addr {
	a, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return a
}
