//go:build linux

package main

import (
	"errors"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/romshark/aleth-go/aleth"
)

func init() {
	defineCommand(&cli.Command{
		Name:  "send",
		Usage: "Transmit a UDP flow on the controller.",
		Flags: append([]cli.Flag{
			&cli.DurationFlag{
				Name:  "report",
				Value: time.Second,
				Usage: "counter report `interval` (0 disables)",
			},
		}, trafficFlags...),
		Action: func(c *cli.Context) error {
			if err := conf.applyTrafficFlags(c); err != nil {
				return err
			}
			ctx, cancel := interruptible(c)
			defer cancel()

			a, err := aleth.Open(conf.OpenConfig, logger)
			if err != nil {
				return err
			}
			logger.Info("sending",
				zap.Stringer("device", conf.Device),
				zap.Int("queue", conf.Traffic.Queue),
				zap.Uint64("count", conf.Traffic.Count),
				zap.Int("size", conf.Traffic.Size),
			)

			if conf.Metrics != "" {
				serveMetrics(ctx, a, conf.Metrics)
			}
			if d := c.Duration("report"); d > 0 {
				go reportPeriodically(ctx, a, d)
			}

			res, err := runTraffic(ctx, a, conf)
			return errors.Join(err, finish(a, res))
		},
	})
}
