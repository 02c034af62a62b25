package simdev_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/romshark/aleth-go/dma"
	"github.com/romshark/aleth-go/mmio"
	"github.com/romshark/aleth-go/simdev"
	"github.com/romshark/aleth-go/txq"
)

func udpFrame(t *testing.T, dstPort uint16, payload string) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 4000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func newQueue(t *testing.T, capacity uint32) (*simdev.Device, *dma.Sim, *txq.Queue) {
	t.Helper()
	sim := dma.NewSim(dma.SimConfig{})
	dev := simdev.New(sim, zaptest.NewLogger(t))
	q, err := txq.Create(txq.Config{Capacity: capacity, DrainPollInterval: time.Millisecond},
		mmio.Sub(dev, txq.RegsOffset(0)), sim, sim, zaptest.NewLogger(t))
	require.NoError(t, err)
	return dev, sim, q
}

func TestTransmitAndReclaim(t *testing.T) {
	dev, sim, q := newQueue(t, 4)

	var sent int
	for i := 0; i < 6; i++ {
		if i == 4 {
			// Ring is full: the device has to consume before more fit.
			n, err := dev.Process()
			require.NoError(t, err)
			assert.Equal(t, 4, n)
		}
		require.NoError(t, q.Enqueue(&txq.Frame{
			Buf:       udpFrame(t, uint16(5000+i), "hello"),
			OnRelease: func(ok bool) { assert.True(t, ok); sent++ },
		}))
	}
	assert.Equal(t, uint32(2), dev.Pending(0))

	n, err := dev.Process()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = q.Poll()
	require.NoError(t, err)
	assert.Equal(t, 6, sent)

	frames := dev.Frames()
	require.Len(t, frames, 6)
	for i, f := range frames {
		assert.Zero(t, f.Queue)
		udp, ok := f.Packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		require.True(t, ok, "frame %d decodes as UDP", i)
		assert.Equal(t, layers.UDPPort(5000+i), udp.DstPort)
		assert.Equal(t, []byte("hello"), udp.Payload)
	}
	assert.Empty(t, dev.Frames())

	require.NoError(t, q.Destroy(context.Background()))
	nb, nm := sim.Outstanding()
	assert.Zero(t, nb)
	assert.Zero(t, nm)
}

func TestDoorbellWithoutDescriptor(t *testing.T) {
	dev, _, q := newQueue(t, 4)

	dev.Write32(txq.RegsOffset(0)+txq.RegDoorbell, 1)
	n, err := dev.Process()
	assert.Zero(t, n)
	assert.ErrorIs(t, err, simdev.ErrBadDescriptor)
	assert.Equal(t, uint32(1), dev.Pending(0), "queue stalls on a bad descriptor")

	// Disabling the queue resets it.
	dev.Write32(txq.RegsOffset(0)+txq.RegControl, 0)
	assert.Zero(t, dev.Pending(0))
	n, err = dev.Process()
	assert.Zero(t, n)
	assert.NoError(t, err)
	assert.NoError(t, q.Destroy(context.Background()))
}

func TestRunDrainsQueue(t *testing.T) {
	dev, sim, q := newQueue(t, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dev.Run(ctx, time.Millisecond)

	var sent int
	for j := 0; j < 5; j++ {
		require.NoError(t, q.Enqueue(&txq.Frame{
			Buf:       udpFrame(t, 53, "x"),
			OnRelease: func(ok bool) { assert.True(t, ok); sent++ },
		}))
	}
	require.NoError(t, q.Destroy(context.Background()))
	assert.Equal(t, 5, sent)
	assert.Len(t, dev.Frames(), 5)

	nb, nm := sim.Outstanding()
	assert.Zero(t, nb)
	assert.Zero(t, nm)
}
