//go:build linux

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/romshark/aleth-go/aleth"
	"github.com/romshark/aleth-go/pciaddr"
	"github.com/romshark/aleth-go/ratelimit"
)

// Config is the altx.yaml file.
type Config struct {
	aleth.OpenConfig `yaml:",inline"`

	Traffic TrafficConfig    `yaml:"traffic"`
	Rate    ratelimit.Config `yaml:"rate"`

	// Metrics is the listen address of the Prometheus endpoint; empty disables it.
	Metrics string `yaml:"metrics"`
}

// TrafficConfig describes the generated UDP flow.
type TrafficConfig struct {
	Queue   int    `yaml:"queue"`
	SrcMAC  string `yaml:"src-mac"` // Defaults to the adapter's address.
	DstMAC  string `yaml:"dst-mac"`
	SrcIP   string `yaml:"src-ip"`
	DstIP   string `yaml:"dst-ip"`
	SrcPort int    `yaml:"src-port"`
	DstPort int    `yaml:"dst-port"`
	Size    int    `yaml:"size"`
	Count   uint64 `yaml:"count"`
}

const (
	DefaultFrameSize = 1400
	DefaultSrcPort   = 12345
	DefaultDstPort   = 9
)

func (c *TrafficConfig) ValidateAndSetDefaults() error {
	if c.Size == 0 {
		c.Size = DefaultFrameSize
	}
	if c.SrcPort == 0 {
		c.SrcPort = DefaultSrcPort
	}
	if c.DstPort == 0 {
		c.DstPort = DefaultDstPort
	}
	if c.DstMAC == "" {
		c.DstMAC = "ff:ff:ff:ff:ff:ff"
	}
	if c.SrcIP == "" {
		c.SrcIP = "10.0.0.1"
	}
	if c.DstIP == "" {
		c.DstIP = "10.0.0.2"
	}

	if c.SrcMAC != "" {
		if _, err := net.ParseMAC(c.SrcMAC); err != nil {
			return fmt.Errorf("invalid traffic.src-mac %q: %w", c.SrcMAC, err)
		}
	}
	if _, err := net.ParseMAC(c.DstMAC); err != nil {
		return fmt.Errorf("invalid traffic.dst-mac %q: %w", c.DstMAC, err)
	}
	if net.ParseIP(c.SrcIP).To4() == nil {
		return fmt.Errorf("invalid traffic.src-ip %q", c.SrcIP)
	}
	if net.ParseIP(c.DstIP).To4() == nil {
		return fmt.Errorf("invalid traffic.dst-ip %q", c.DstIP)
	}
	if c.SrcPort <= 0 || c.SrcPort > 65535 {
		return errors.New("traffic.src-port must be between 1-65535")
	}
	if c.DstPort <= 0 || c.DstPort > 65535 {
		return errors.New("traffic.dst-port must be between 1-65535")
	}
	if c.Size < MinFrameSize || c.Size > MaxFrameSize {
		return fmt.Errorf("traffic.size must be between %d-%d", MinFrameSize, MaxFrameSize)
	}
	return nil
}

func loadConfig(c *cli.Context) (*Config, error) {
	var conf Config
	path := c.String("config")
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !c.IsSet("config"):
		// Flags only.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Apply CLI overrides if necessary.
	if c.IsSet("device") {
		if conf.Device, err = pciaddr.Parse(c.String("device")); err != nil {
			return nil, err
		}
	}
	return &conf, nil
}

// applyTrafficFlags overrides traffic settings from the flags of a send or
// sim command and validates the result.
func (conf *Config) applyTrafficFlags(c *cli.Context) error {
	t := &conf.Traffic
	if c.IsSet("queue") {
		t.Queue = c.Int("queue")
	}
	if c.IsSet("dst-mac") {
		t.DstMAC = c.String("dst-mac")
	}
	if c.IsSet("src-ip") {
		t.SrcIP = c.String("src-ip")
	}
	if c.IsSet("dst-ip") {
		t.DstIP = c.String("dst-ip")
	}
	if c.IsSet("dst-port") {
		t.DstPort = c.Int("dst-port")
	}
	if c.IsSet("size") {
		t.Size = c.Int("size")
	}
	if c.IsSet("count") {
		t.Count = c.Uint64("count")
	}
	if c.IsSet("pps") {
		conf.Rate.PPS = c.Uint64("pps")
	}
	if c.IsSet("metrics") {
		conf.Metrics = c.String("metrics")
	}
	if t.Count == 0 {
		return errors.New("traffic.count must be > 0 (or use --count)")
	}
	return t.ValidateAndSetDefaults()
}

// Print writes the resolved config as YAML.
func (conf *Config) Print(w io.Writer) error {
	fmt.Fprintf(w, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("encoding final YAML config: %w", err)
	}
	_, err = w.Write(b)
	return err
}

var trafficFlags = []cli.Flag{
	&cli.IntFlag{Name: "queue", Aliases: []string{"q"}, Usage: "transmit queue `index`"},
	&cli.StringFlag{Name: "dst-mac", Aliases: []string{"d"}, Usage: "destination MAC"},
	&cli.StringFlag{Name: "src-ip", Aliases: []string{"s"}, Usage: "source IPv4 address"},
	&cli.StringFlag{Name: "dst-ip", Aliases: []string{"D"}, Usage: "destination IPv4 address"},
	&cli.IntFlag{Name: "dst-port", Aliases: []string{"p"}, Usage: "destination UDP port"},
	&cli.IntFlag{Name: "size", Aliases: []string{"l"}, Usage: "frame size in `bytes`"},
	&cli.Uint64Flag{Name: "count", Aliases: []string{"n"}, Usage: "number of frames"},
	&cli.Uint64Flag{Name: "pps", Usage: "packet rate limit"},
	&cli.StringFlag{Name: "metrics", Usage: "Prometheus listen `address`"},
}
