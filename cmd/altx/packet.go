//go:build linux

package main

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ethLen = 14
	ipLen  = 20
	udpLen = 8
	seqLen = 4

	MinFrameSize = ethLen + ipLen + udpLen + seqLen
	MaxFrameSize = 9018
)

// frameBuilder serializes the UDP flow of a TrafficConfig. The first four
// payload bytes carry a big-endian sequence number.
type frameBuilder struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload []byte
	opts    gopacket.SerializeOptions
}

func newFrameBuilder(t TrafficConfig, srcMAC net.HardwareAddr) (*frameBuilder, error) {
	if t.SrcMAC != "" {
		mac, err := net.ParseMAC(t.SrcMAC)
		if err != nil {
			return nil, err
		}
		srcMAC = mac
	}
	dstMAC, err := net.ParseMAC(t.DstMAC)
	if err != nil {
		return nil, err
	}

	b := &frameBuilder{
		eth: layers.Ethernet{
			SrcMAC:       srcMAC,
			DstMAC:       dstMAC,
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.ParseIP(t.SrcIP).To4(),
			DstIP:    net.ParseIP(t.DstIP).To4(),
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(t.SrcPort),
			DstPort: layers.UDPPort(t.DstPort),
		},
		payload: make([]byte, max(t.Size, MinFrameSize)-(ethLen+ipLen+udpLen)),
		opts:    gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}
	if err := b.udp.SetNetworkLayerForChecksum(&b.ip); err != nil {
		return nil, err
	}
	return b, nil
}

// Build returns a new frame with sequence number seq.
func (b *frameBuilder) Build(seq uint32) ([]byte, error) {
	binary.BigEndian.PutUint32(b.payload, seq)
	b.ip.Id = uint16(seq)

	buf := gopacket.NewSerializeBufferExpectedSize(ethLen+ipLen+udpLen, len(b.payload))
	if err := gopacket.SerializeLayers(buf, b.opts,
		&b.eth, &b.ip, &b.udp, gopacket.Payload(b.payload),
	); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// frameSeq decodes a frame built by frameBuilder and returns its flow and
// sequence number.
func frameSeq(frame []byte) (flow gopacket.Flow, seq uint32, ok bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	udp, isUDP := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !isUDP || len(udp.Payload) < seqLen {
		return gopacket.Flow{}, 0, false
	}
	return pkt.NetworkLayer().NetworkFlow(), binary.BigEndian.Uint32(udp.Payload), true
}
