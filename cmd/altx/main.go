//go:build linux

// Command altx drives the transmit path of an Alpine integrated Ethernet
// controller from userspace, or of a simulated one.
package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/romshark/aleth-go/logging"
)

var logger = logging.New("main")

var conf *Config

var app = &cli.App{
	Usage: "Userspace transmit path for the Alpine integrated NIC.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   "altx.yaml",
			Usage:   "`path` to config YAML file (optional)",
			EnvVars: []string{"ALTX_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "device",
			Usage: "PCI `address` of the controller",
		},
		&cli.BoolFlag{
			Name:  "print-config",
			Usage: "print the resolved config",
		},
	},
	Before: func(c *cli.Context) (e error) {
		if conf, e = loadConfig(c); e != nil {
			return e
		}
		if c.Bool("print-config") {
			return conf.Print(os.Stderr)
		}
		return nil
	},
}

// interruptible returns a context canceled on SIGINT or SIGTERM.
func interruptible(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
}

func defineCommand(command *cli.Command) {
	app.Commands = append(app.Commands, command)
}

func main() {
	sort.Sort(cli.CommandsByName(app.Commands))
	if e := app.Run(os.Args); e != nil {
		logger.Fatal("altx exit", zap.Error(e))
	}
}
