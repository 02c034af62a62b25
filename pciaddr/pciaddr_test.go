package pciaddr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/romshark/aleth-go/pciaddr"
)

func TestParse(t *testing.T) {
	a, err := pciaddr.Parse("0000:8F:00.0")
	require.NoError(t, err)
	assert.Equal(t, "0000:8f:00.0", a.String())

	a, err = pciaddr.Parse("01:00.0")
	require.NoError(t, err)
	assert.Equal(t, pciaddr.Addr{Bus: 1}, a)

	for _, input := range []string{"bad", "", "00:00.8", "00:20.0", "12345:00:00.0"} {
		_, err = pciaddr.Parse(input)
		assert.ErrorIs(t, err, pciaddr.ErrAddress, input)
	}

	assert.Panics(t, func() { pciaddr.MustParse("bad") })
}

func TestMarshalText(t *testing.T) {
	var conf struct {
		Device pciaddr.Addr `yaml:"device"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("device: 0000:5e:01.0\n"), &conf))
	assert.Equal(t, pciaddr.Addr{Bus: 0x5e, Slot: 1}, conf.Device)

	out, err := yaml.Marshal(conf)
	require.NoError(t, err)
	assert.Contains(t, string(out), "0000:5e:01.0")

	_, err = pciaddr.Addr{Function: 9}.MarshalText()
	assert.ErrorIs(t, err, pciaddr.ErrAddress)
}

func TestResourcePath(t *testing.T) {
	a := pciaddr.MustParse("0000:00:01.0")
	assert.Equal(t, "/sys/bus/pci/devices/0000:00:01.0/resource2", a.ResourcePath("", 2))
	assert.Equal(t, "/tmp/dev/0000:00:01.0/resource0", a.ResourcePath("/tmp/dev", 0))
}
