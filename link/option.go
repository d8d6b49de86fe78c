// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"time"
)

// Option link configuration options
type Option struct {
	config            Config
	autoReconnect     bool          // Whether to attempt reconnection on serial port errors
	reconnectInterval time.Duration // Reconnection attempt interval
	observer          Observer
}

// NewOption creates a new Option with the default link config.
// Note: SerialConfig within the default config needs to be set explicitly using SetSerialConfig.
func NewOption() *Option {
	return &Option{
		config:            DefaultConfig(),
		autoReconnect:     true,
		reconnectInterval: DefaultReconnectInterval,
	}
}

// SetConfig sets the link configuration. Uses DefaultConfig() if the provided cfg is invalid.
// The serial settings already present are kept when cfg has none.
func (sf *Option) SetConfig(cfg Config) *Option {
	if cfg.Serial.Address == "" {
		cfg.Serial = sf.config.Serial
	}
	if err := cfg.Valid(); err != nil {
		serialCfg := sf.config.Serial
		sf.config = DefaultConfig()
		sf.config.Serial = serialCfg
	} else {
		sf.config = cfg
	}
	return sf
}

// SetSerialConfig sets the serial port configuration within the main config.
func (sf *Option) SetSerialConfig(serialCfg SerialConfig) *Option {
	sf.config.Serial = serialCfg
	return sf
}

// SetReconnectInterval sets the interval for attempting reconnection after a connection failure.
func (sf *Option) SetReconnectInterval(t time.Duration) *Option {
	if t > 0 {
		sf.reconnectInterval = t
	}
	return sf
}

// SetAutoReconnect enables or disables automatic reconnection attempts.
func (sf *Option) SetAutoReconnect(b bool) *Option {
	sf.autoReconnect = b
	return sf
}

// SetObserver installs a receiver for dispatcher events such as metrics.
func (sf *Option) SetObserver(o Observer) *Option {
	sf.observer = o
	return sf
}

// Config returns a copy of the configuration.
func (sf *Option) Config() Config {
	return sf.config
}
