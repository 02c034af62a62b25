//go:build linux

package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/romshark/aleth-go/aleth"
)

func init() {
	defineCommand(&cli.Command{
		Name:  "info",
		Usage: "Bring the controller up and show board information.",
		Action: func(c *cli.Context) error {
			a, err := aleth.Open(conf.OpenConfig, logger)
			if err != nil {
				return err
			}
			printInfo(a)
			return a.Close(context.Background())
		},
	})
}

func printInfo(a *aleth.Adapter) {
	info := a.BoardInfo()
	fmt.Printf("mac:          %s\n", a.MACAddress())
	fmt.Printf("external phy: %t\n", info.ExternalPHY)
	fmt.Printf("mdio addr:    %d\n", info.MDIOAddr)
	fmt.Printf("if type:      %d\n", info.IfType)
	fmt.Printf("mdio freq:    %d\n", info.MDIOFreq)
	fmt.Printf("board regs:   %#08x %#08x %#08x\n", info.Raw[0], info.Raw[1], info.Raw[2])
	for i, n := 0, a.NumQueues(); i < n; i++ {
		q := a.Queue(i)
		fmt.Printf("queue %d:      %s, %d descriptors\n", q.Index(), q.State(), q.Capacity())
	}
}
