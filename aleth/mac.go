package aleth

import (
	"errors"
	"fmt"
	"net"

	"github.com/romshark/aleth-go/mmio"
)

// Forwarding MAC table in the Ethernet controller block. Entry i starts at
// RegFwdMACBase + i*FwdMACStride.
const (
	RegFwdMACBase = 0x1300
	FwdMACStride  = 0x20
	FwdMACEntries = 32

	fwdMACDataL = 0x0 // address bytes 2..5
	fwdMACDataH = 0x4 // address bytes 0..1
)

var ErrMACAddress = errors.New("MAC address must be 6 bytes")

func fwdMACRegs(ec mmio.Registers, entry int) mmio.Registers {
	if entry < 0 || entry >= FwdMACEntries {
		panic(fmt.Sprintf("aleth: forwarding MAC entry %d out of range", entry))
	}
	return mmio.Sub(ec, RegFwdMACBase+FwdMACStride*uint32(entry))
}

// ReadMAC reads forwarding MAC table entry from ec.
func ReadMAC(ec mmio.Registers, entry int) net.HardwareAddr {
	r := fwdMACRegs(ec, entry)
	hi := r.Read32(fwdMACDataH)
	lo := r.Read32(fwdMACDataL)
	return net.HardwareAddr{
		byte(hi >> 8), byte(hi),
		byte(lo >> 24), byte(lo >> 16), byte(lo >> 8), byte(lo),
	}
}

// WriteMAC programs addr into forwarding MAC table entry of ec.
func WriteMAC(ec mmio.Registers, entry int, addr net.HardwareAddr) error {
	if len(addr) != 6 {
		return fmt.Errorf("%v: %w", addr, ErrMACAddress)
	}
	r := fwdMACRegs(ec, entry)
	r.Write32(fwdMACDataH, uint32(addr[0])<<8|uint32(addr[1]))
	r.Write32(fwdMACDataL, uint32(addr[2])<<24|uint32(addr[3])<<16|
		uint32(addr[4])<<8|uint32(addr[5]))
	return nil
}
