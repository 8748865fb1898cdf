// Package config loads yaml configuration from a file or a directory of
// files and tells interested parties when it was reloaded.
package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads every yaml file at path in lexical order and merges them, later
// files winning.
func (c *C) Load(path string) error {
	c.path = path

	raw, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	var m map[string]any
	for i, r := range raw {
		var nm map[string]any
		if err := yaml.Unmarshal([]byte(r), &nm); err != nil {
			return fmt.Errorf("config file %d at %s: %w", i, path, err)
		}

		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return err
		}
		m = nm
	}

	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
	return nil
}

func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("Empty configuration")
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
	return nil
}

// RegisterReloadCallback stores a function to be called after a reload.
// Callbacks should use HasChanged to skip work and return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true until the first reload.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged compares the yaml rendering of k before and after the last
// reload. An empty k compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the original path on every SIGHUP until
// ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) snapshot() {
	c.oldSettings = make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		c.oldSettings[k] = v
	}
}

func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshot()
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	for _, v := range c.callbacks {
		v(c)
	}
}

func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.snapshot()
	if err := c.LoadString(raw); err != nil {
		return err
	}

	for _, v := range c.callbacks {
		v(c)
	}
	return nil
}

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.Atoi(r)
	if err != nil {
		return d
	}

	return v
}

// GetUint32 will get the uint32 for k or return the default d if not found or invalid
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > uint64(math.MaxUint32) {
		return d
	}
	return uint32(r)
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

// GetHardwareAddr parses a MAC address at k. A missing key yields d, an
// unparsable one an error.
func (c *C) GetHardwareAddr(k string, d net.HardwareAddr) (net.HardwareAddr, error) {
	r := c.GetString(k, "")
	if r == "" {
		return d, nil
	}

	mac, err := net.ParseMAC(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k, err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("%s: %q is not an ethernet address", k, r)
	}
	return mac, nil
}

// GetPrefix parses an address with prefix length, like 10.0.0.1/24, at k.
func (c *C) GetPrefix(k string, d netip.Prefix) (netip.Prefix, error) {
	r := c.GetString(k, "")
	if r == "" {
		return d, nil
	}

	p, err := netip.ParsePrefix(r)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%s: %w", k, err)
	}
	return p, nil
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	parts := strings.Split(k, ".")
	for _, p := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}
