package config

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/e1000/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "01.yml"), "device:\n  backend: sim\nrings:\n  tx_size: 128\n")
	writeFile(t, filepath.Join(dir, "02.yaml"), "rings:\n  tx_size: 256\nnapi:\n  weight: 32\n")
	writeFile(t, filepath.Join(dir, "nested", "03.yml"), "capture:\n  path: /tmp/x.pcap\n")
	writeFile(t, filepath.Join(dir, "ignored.txt"), "device:\n  backend: vfio\n")

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, "sim", c.GetString("device.backend", ""))
	assert.Equal(t, 256, c.GetInt("rings.tx_size", 0))
	assert.Equal(t, 32, c.GetInt("napi.weight", 0))
	assert.Equal(t, "/tmp/x.pcap", c.GetString("capture.path", ""))

	// a file named directly needs no extension
	single := filepath.Join(dir, "ignored.txt")
	require.NoError(t, c.Load(single))
	assert.Equal(t, "vfio", c.GetString("device.backend", ""))

	assert.ErrorContains(t, c.Load(t.TempDir()), "no config files found")
	assert.Error(t, c.Load(filepath.Join(dir, "missing")))

	writeFile(t, filepath.Join(dir, "bad", "x.yml"), "device: [")
	assert.Error(t, c.Load(filepath.Join(dir, "bad")))
}

func TestConfig_Get(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
device:
  backend: sim
  mac: "52:54:00:12:34:56"
rings:
  tx_size: 64
  bad: nope
sim:
  done_delay: 5ms
  enabled: yes
netstack:
  address: 10.0.0.1/24
`))

	assert.Equal(t, "sim", c.GetString("device.backend", "vfio"))
	assert.Equal(t, "x", c.GetString("device.nope", "x"))
	assert.Equal(t, 64, c.GetInt("rings.tx_size", 0))
	assert.Equal(t, 7, c.GetInt("rings.bad", 7))
	assert.Equal(t, uint32(64), c.GetUint32("rings.tx_size", 0))
	assert.Equal(t, 5*time.Millisecond, c.GetDuration("sim.done_delay", 0))
	assert.True(t, c.GetBool("sim.enabled", false))
	assert.True(t, c.IsSet("device"))
	assert.False(t, c.IsSet("device.nope"))
	assert.Nil(t, c.Get("device.backend.deeper"))

	mac, err := c.GetHardwareAddr("device.mac", nil)
	require.NoError(t, err)
	assert.Equal(t, net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, mac)
	mac, err = c.GetHardwareAddr("device.other", net.HardwareAddr{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, net.HardwareAddr{1, 2, 3, 4, 5, 6}, mac)
	_, err = c.GetHardwareAddr("device.backend", nil)
	assert.ErrorContains(t, err, "device.backend")

	p, err := c.GetPrefix("netstack.address", netip.Prefix{})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.1/24"), p)
	_, err = c.GetPrefix("device.backend", netip.Prefix{})
	assert.Error(t, err)

	assert.Error(t, c.LoadString(""))
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(test.NewLogger())
	for v, want := range map[string]bool{"true": true, "y": true, "yes": true, "false": false, "n": false, "no": false, "1": true} {
		c.Settings["bool"] = v
		assert.Equal(t, want, c.GetBool("bool", !want), v)
	}
	c.Settings["bool"] = "maybe"
	assert.True(t, c.GetBool("bool", true))
}

func TestConfig_HasChanged(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("logging:\n  level: info\nnapi:\n  weight: 64\n"))
	assert.False(t, c.HasChanged(""))

	var calls int
	c.RegisterReloadCallback(func(c *C) {
		calls++
	})
	require.NoError(t, c.ReloadConfigString("logging:\n  level: debug\nnapi:\n  weight: 64\n"))

	assert.Equal(t, 1, calls)
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("logging"))
	assert.True(t, c.HasChanged("logging.level"))
	assert.False(t, c.HasChanged("napi"))
	assert.True(t, c.HasChanged(""))
}

func TestConfig_ReloadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e1000.yml")
	writeFile(t, path, "logging:\n  level: info\n")

	c := NewC(test.NewLogger())
	require.NoError(t, c.Load(path))
	assert.Equal(t, "info", c.GetString("logging.level", ""))

	done := make(chan struct{}, 1)
	c.RegisterReloadCallback(func(c *C) {
		done <- struct{}{}
	})

	writeFile(t, path, "logging:\n  level: debug\n")
	c.ReloadConfig()
	<-done
	assert.Equal(t, "debug", c.GetString("logging.level", ""))

	// a broken file keeps the old settings and skips callbacks
	writeFile(t, path, "logging: [")
	c.ReloadConfig()
	assert.Equal(t, "debug", c.GetString("logging.level", ""))
	assert.Empty(t, done)
}
