// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestConfigValidDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Valid())
	assert.Equal(t, DefaultResponseTimeout, cfg.ResponseTimeout)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultPollQueueThreshold, cfg.PollQueueThreshold)
	assert.Equal(t, DefaultMaxPayloadLen, cfg.MaxPayloadLen)
	assert.Zero(t, cfg.MaxQueueSize)
}

func TestConfigValidRanges(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"timeout too short", func(c *Config) { c.ResponseTimeout = time.Millisecond }},
		{"timeout too long", func(c *Config) { c.ResponseTimeout = 2 * time.Minute }},
		{"poll interval too short", func(c *Config) { c.PollInterval = time.Millisecond }},
		{"negative threshold", func(c *Config) { c.PollQueueThreshold = -1 }},
		{"negative queue size", func(c *Config) { c.MaxQueueSize = -1 }},
		{"payload too long", func(c *Config) { c.MaxPayloadLen = 256 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			assert.Error(t, cfg.Valid())
		})
	}
	var nilCfg *Config
	assert.Error(t, nilCfg.Valid())
}

func TestSerialConfigValid(t *testing.T) {
	cfg := SerialConfig{Address: "/dev/ttyACM0", BaudRate: 19200}
	require.NoError(t, cfg.Valid())
	assert.Equal(t, 8, cfg.DataBits)

	assert.Error(t, (&SerialConfig{BaudRate: 9600}).Valid())
	assert.Error(t, (&SerialConfig{Address: "COM3"}).Valid())
	assert.Error(t, (&SerialConfig{Address: "COM3", BaudRate: 9600, DataBits: 9}).Valid())

	assert.Equal(t, serial.EvenParity, MapParity(2))
	assert.Equal(t, serial.NoParity, MapParity(7))
	assert.Equal(t, serial.TwoStopBits, MapStopBits(2))
	assert.Equal(t, serial.OneStopBit, MapStopBits(0))
}

func TestOptionSetConfig(t *testing.T) {
	sc := SerialConfig{Address: "/dev/ttyUSB1", BaudRate: 38400}
	o := NewOption().SetSerialConfig(sc)

	cfg := DefaultConfig()
	cfg.ResponseTimeout = 250 * time.Millisecond
	o.SetConfig(cfg)
	assert.Equal(t, 250*time.Millisecond, o.Config().ResponseTimeout)
	assert.Equal(t, sc, o.Config().Serial)

	cfg.ResponseTimeout = time.Hour
	o.SetConfig(cfg)
	assert.Equal(t, DefaultResponseTimeout, o.Config().ResponseTimeout)
	assert.Equal(t, sc, o.Config().Serial)

	o.SetReconnectInterval(0)
	assert.Equal(t, DefaultReconnectInterval, o.reconnectInterval)
}
