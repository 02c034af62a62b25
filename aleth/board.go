package aleth

import (
	"github.com/romshark/aleth-go/mmio"
)

// MAC configuration block registers.
const (
	RegBoardInfo0 = 0x004 // board strapping: PHY presence, MDIO address, interface (R)
	RegMACEnable  = 0x008 // MAC enable (W)
	RegBoardInfo2 = 0x00c // (R)
	RegBoardInfo1 = 0x404 // (R)

	MACEnable = 0x9
)

const (
	boardExternalPHY  = 1 << 4
	boardMDIOAddrShft = 5
	boardMDIOAddrMask = 0x1f
	boardMDIOFreqShft = 14
	boardIfTypeShft   = 20
	board2BitMask     = 0x3
)

// BoardInfo is the board strapping reported by the MAC configuration block.
type BoardInfo struct {
	// ExternalPHY is set when an MDIO-managed PHY is wired to the MAC.
	// Boards without one (SFP+ cages) are not supported.
	ExternalPHY bool
	MDIOAddr    uint8
	IfType      uint8
	MDIOFreq    uint8

	// Raw holds the three board info registers as read.
	Raw [3]uint32
}

// ReadBoardInfo reads and decodes the board info registers of mac.
func ReadBoardInfo(mac mmio.Registers) BoardInfo {
	r0 := mac.Read32(RegBoardInfo0)
	r1 := mac.Read32(RegBoardInfo1)
	r2 := mac.Read32(RegBoardInfo2)
	return BoardInfo{
		ExternalPHY: r0&boardExternalPHY != 0,
		MDIOAddr:    uint8(r0 >> boardMDIOAddrShft & boardMDIOAddrMask),
		IfType:      uint8(r0 >> boardIfTypeShft & board2BitMask),
		MDIOFreq:    uint8(r0 >> boardMDIOFreqShft & board2BitMask),
		Raw:         [3]uint32{r0, r1, r2},
	}
}
