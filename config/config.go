// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package config loads the serialcmd application configuration from a YAML
// file, SERIALCMD_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/riclolsen/go-serialcmd/evbox"
	"github.com/riclolsen/go-serialcmd/link"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix of every environment variable, e.g. SERIALCMD_MQTT_BROKER.
const EnvPrefix = "serialcmd"

// AppConfig is the whole application configuration.
type AppConfig struct {
	General  GeneralConfig
	Link     LinkConfig
	USBRLY82 []RelayBoardConfig
	EVBox    []ChargerConfig
	UDP      UDPConfig
	MQTT     MQTTConfig
	Metrics  MetricsConfig
}

type GeneralConfig struct {
	LogLevel string
}

// LinkConfig holds the dispatcher settings shared by all serial devices.
type LinkConfig struct {
	ResponseTimeout    time.Duration
	PollInterval       time.Duration
	PollQueueThreshold int
	MaxQueueSize       int
	MaxPayloadLen      int
	ReconnectInterval  time.Duration
}

// SerialOverrides replaces the line settings a device driver defaults to.
// Parity is 0 none, 1 odd, 2 even; stop bits are 1 or 2.
type SerialOverrides struct {
	BaudRate int   `mapstructure:"baud_rate"`
	Parity   *byte `mapstructure:"parity"`
	StopBits *byte `mapstructure:"stop_bits"`
}

func (o SerialOverrides) valid() error {
	if o.BaudRate < 0 {
		return fmt.Errorf("baud rate %d", o.BaudRate)
	}
	if o.Parity != nil && *o.Parity > 2 {
		return fmt.Errorf("parity %d not in 0..2", *o.Parity)
	}
	if o.StopBits != nil && (*o.StopBits < 1 || *o.StopBits > 2) {
		return fmt.Errorf("stop bits %d not 1 or 2", *o.StopBits)
	}
	return nil
}

// Apply returns base with every configured override applied.
func (o SerialOverrides) Apply(base link.SerialConfig) link.SerialConfig {
	if o.BaudRate > 0 {
		base.BaudRate = o.BaudRate
	}
	if o.Parity != nil {
		base.Parity = link.MapParity(*o.Parity)
	}
	if o.StopBits != nil {
		base.StopBits = link.MapStopBits(*o.StopBits)
	}
	return base
}

type RelayBoardConfig struct {
	Name            string `mapstructure:"name"`
	Port            string `mapstructure:"port"`
	SerialOverrides `mapstructure:",squash"`
}

type ChargerConfig struct {
	Name            string        `mapstructure:"name"`
	Port            string        `mapstructure:"port"`
	SerialOverrides `mapstructure:",squash"`
	Serial          string        `mapstructure:"serial"`
	MaxCurrent      float64       `mapstructure:"max_current"`
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout"`
	KeepAlive       string        `mapstructure:"keep_alive"`
}

type UDPConfig struct {
	Inputs  []UDPInputConfig
	Outputs []UDPOutputConfig
}

type UDPInputConfig struct {
	Name    string `mapstructure:"name"`
	Port    int    `mapstructure:"port"`
	Command string `mapstructure:"command"`
}

type UDPOutputConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

type MetricsConfig struct {
	Address string
}

// Flags returns the command line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("serialcmd", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "configuration file (default: ./serialcmd.yaml or /etc/serialcmd/serialcmd.yaml)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883; empty disables MQTT")
	fs.String("metrics-address", "", "listen address of the /metrics endpoint; empty disables it")
	return fs
}

var flagKeys = map[string]string{
	"log-level":       "general.log_level",
	"mqtt-broker":     "mqtt.broker",
	"metrics-address": "metrics.address",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("link.response_timeout", link.DefaultResponseTimeout)
	v.SetDefault("link.poll_interval", link.DefaultPollInterval)
	v.SetDefault("link.poll_queue_threshold", link.DefaultPollQueueThreshold)
	v.SetDefault("link.max_queue_size", link.DefaultMaxQueueSize)
	v.SetDefault("link.max_payload_len", link.DefaultMaxPayloadLen)
	v.SetDefault("link.reconnect_interval", link.DefaultReconnectInterval)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "serialcmd")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.prefix", "serialcmd")
	v.SetDefault("metrics.address", "")
}

// Load reads the configuration. flags may be nil; a flag set on the command
// line overrides the environment, which overrides the file.
func Load(flags *pflag.FlagSet) (AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	configFile := ""
	if flags != nil {
		configFile, _ = flags.GetString("config")
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return AppConfig{}, err
				}
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("serialcmd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/serialcmd")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return AppConfig{}, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := AppConfig{
		General: GeneralConfig{
			LogLevel: v.GetString("general.log_level"),
		},
		Link: LinkConfig{
			ResponseTimeout:    v.GetDuration("link.response_timeout"),
			PollInterval:       v.GetDuration("link.poll_interval"),
			PollQueueThreshold: v.GetInt("link.poll_queue_threshold"),
			MaxQueueSize:       v.GetInt("link.max_queue_size"),
			MaxPayloadLen:      v.GetInt("link.max_payload_len"),
			ReconnectInterval:  v.GetDuration("link.reconnect_interval"),
		},
		MQTT: MQTTConfig{
			Broker:   v.GetString("mqtt.broker"),
			ClientID: v.GetString("mqtt.client_id"),
			Username: v.GetString("mqtt.username"),
			Password: v.GetString("mqtt.password"),
			Prefix:   v.GetString("mqtt.prefix"),
		},
		Metrics: MetricsConfig{
			Address: v.GetString("metrics.address"),
		},
	}
	for key, out := range map[string]any{
		"usbrly82":    &cfg.USBRLY82,
		"evbox":       &cfg.EVBox,
		"udp.inputs":  &cfg.UDP.Inputs,
		"udp.outputs": &cfg.UDP.Outputs,
	} {
		if err := v.UnmarshalKey(key, out); err != nil {
			return AppConfig{}, fmt.Errorf("config %s: %w", key, err)
		}
	}
	for i := range cfg.EVBox {
		c := &cfg.EVBox[i]
		if c.MaxCurrent == 0 {
			c.MaxCurrent = evbox.DefaultMaxCurrent
		}
		if c.FallbackTimeout == 0 {
			c.FallbackTimeout = evbox.DefaultFallbackTimeout
		}
		if c.KeepAlive == "" {
			c.KeepAlive = evbox.DefaultKeepAliveSchedule
		}
	}
	return cfg, cfg.Valid()
}

// Valid checks the device lists.
func (c AppConfig) Valid() error {
	names := make(map[string]bool)
	unique := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("%s without a name", kind)
		}
		if names[name] {
			return fmt.Errorf("duplicate device name %q", name)
		}
		names[name] = true
		return nil
	}
	for _, d := range c.USBRLY82 {
		if err := unique("usbrly82", d.Name); err != nil {
			return err
		}
		if d.Port == "" {
			return fmt.Errorf("usbrly82 %q: port must be set", d.Name)
		}
		if err := d.SerialOverrides.valid(); err != nil {
			return fmt.Errorf("usbrly82 %q: %w", d.Name, err)
		}
	}
	for _, d := range c.EVBox {
		if err := unique("evbox", d.Name); err != nil {
			return err
		}
		if d.Port == "" {
			return fmt.Errorf("evbox %q: port must be set", d.Name)
		}
		if err := d.SerialOverrides.valid(); err != nil {
			return fmt.Errorf("evbox %q: %w", d.Name, err)
		}
	}
	ports := make(map[int]bool)
	for _, d := range c.UDP.Inputs {
		if err := unique("udp input", d.Name); err != nil {
			return err
		}
		if ports[d.Port] {
			return fmt.Errorf("udp input %q: port %d used twice", d.Name, d.Port)
		}
		ports[d.Port] = true
	}
	for _, d := range c.UDP.Outputs {
		if err := unique("udp output", d.Name); err != nil {
			return err
		}
	}
	return nil
}

// LinkOption builds the link options of a device on the serial port.
func (c LinkConfig) LinkOption(serialCfg link.SerialConfig) *link.Option {
	cfg := link.DefaultConfig()
	cfg.ResponseTimeout = c.ResponseTimeout
	cfg.PollInterval = c.PollInterval
	cfg.PollQueueThreshold = c.PollQueueThreshold
	cfg.MaxQueueSize = c.MaxQueueSize
	cfg.MaxPayloadLen = c.MaxPayloadLen
	o := link.NewOption().SetConfig(cfg).SetSerialConfig(serialCfg)
	if c.ReconnectInterval > 0 {
		o.SetReconnectInterval(c.ReconnectInterval)
	}
	return o
}
