//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/romshark/aleth-go/aleth"
	"github.com/romshark/aleth-go/dma"
	"github.com/romshark/aleth-go/mmio"
	"github.com/romshark/aleth-go/simdev"
)

// simBoardInfo reports an external PHY at MDIO address 1.
const simBoardInfo = 0x10 | 1<<5

func init() {
	defineCommand(&cli.Command{
		Name:  "sim",
		Usage: "Transmit a UDP flow on a simulated controller.",
		Flags: append([]cli.Flag{
			&cli.DurationFlag{
				Name:  "tick",
				Value: 100 * time.Microsecond,
				Usage: "simulated device processing `interval`",
			},
			&cli.IntFlag{
				Name:  "show",
				Value: 4,
				Usage: "number of transmitted frames to dump",
			},
		}, trafficFlags...),
		Action: func(c *cli.Context) error {
			if err := conf.applyTrafficFlags(c); err != nil {
				return err
			}
			ctx, cancel := interruptible(c)
			defer cancel()

			mem := dma.NewSim(dma.SimConfig{})
			dev := simdev.New(mem, logger)
			a, err := newSimAdapter(dev, mem)
			if err != nil {
				return err
			}
			printInfo(a)

			devCtx, stopDev := context.WithCancel(context.Background())
			defer stopDev()
			go dev.Run(devCtx, c.Duration("tick"))
			if conf.Metrics != "" {
				serveMetrics(ctx, a, conf.Metrics)
			}

			res, err := runTraffic(ctx, a, conf)
			if err := errors.Join(err, finish(a, res)); err != nil {
				return err
			}
			stopDev()

			checkFrames(dev.Frames(), c.Int("show"))
			b, m := mem.Outstanding()
			logger.Info("simulation done", zap.Int("buffers", b), zap.Int("mappings", m))
			return nil
		},
	})
}

func newSimAdapter(dev *simdev.Device, mem *dma.Sim) (*aleth.Adapter, error) {
	mac, err := mmio.NewWindow(0x1000)
	if err != nil {
		return nil, err
	}
	ec, err := mmio.NewWindow(0x2000)
	if err != nil {
		return nil, err
	}
	mac.Write32(aleth.RegBoardInfo0, simBoardInfo)
	if err := aleth.WriteMAC(ec, 0, net.HardwareAddr{0x02, 0xa1, 0xe7, 0, 0, 1}); err != nil {
		return nil, err
	}
	return aleth.New(aleth.Windows{UDMA: dev, MAC: mac, EC: ec},
		aleth.DMA{Alloc: mem, Mapper: mem}, conf.Adapter, logger)
}

// checkFrames dumps the first show frames and verifies that each flow's
// sequence numbers arrived in order without gaps.
func checkFrames(frames []simdev.Frame, show int) {
	for i, f := range frames[:min(show, len(frames))] {
		fmt.Printf("--- frame %d (queue %d, %d bytes)\n%s", i, f.Queue, len(f.Data), f.Packet.Dump())
	}

	next := make(map[gopacket.Flow]uint32)
	var gaps int
	for _, f := range frames {
		flow, seq, ok := frameSeq(f.Data)
		if !ok {
			gaps++
			continue
		}
		if want, seen := next[flow]; seen && seq != want {
			gaps++
		}
		next[flow] = seq + 1
	}
	fmt.Printf("device transmitted %d frames, %d flows, %d out of order\n", len(frames), len(next), gaps)
}
