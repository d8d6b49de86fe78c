// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riclolsen/go-serialcmd/clog"
	"github.com/riclolsen/go-serialcmd/config"
	"github.com/riclolsen/go-serialcmd/evbox"
	"github.com/riclolsen/go-serialcmd/metrics"
	"github.com/riclolsen/go-serialcmd/mqtt"
	"github.com/riclolsen/go-serialcmd/state"
	"github.com/riclolsen/go-serialcmd/udpcommander"
	"github.com/riclolsen/go-serialcmd/usbrly82"
	"github.com/spf13/cobra"
)

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Run every configured device until interrupted",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(cmdRun)
}

// app holds the running devices and the bridges they report to.
type app struct {
	cfg     config.AppConfig
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	client  mqtt.Client
	closers []func() error
	clog.Clog
}

func loadConfig(cmd *cobra.Command) (config.AppConfig, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return cfg, err
	}
	if err := clog.SetLevel(cfg.General.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a := &app{
		cfg:  cfg,
		reg:  prometheus.NewRegistry(),
		Clog: clog.NewLogger("serialcmd => "),
	}
	a.Clog.LogMode(true)
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.reg, nil)
	defer a.close()

	if cfg.MQTT.Broker != "" {
		client, err := mqtt.NewPahoClient(mqtt.ClientOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			return err
		}
		a.client = client
		a.closers = append(a.closers, func() error { client.Disconnect(); return nil })
	}

	if err := a.startDevices(); err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		if err := a.serveMetrics(cfg.Metrics.Address); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.Info("Running, press Ctrl-C to stop")
	<-ctx.Done()
	a.Info("Shutting down")
	return nil
}

func (a *app) bridge(name string, c *state.Cache, setter mqtt.Setter) error {
	if a.client == nil {
		return nil
	}
	b := mqtt.NewBridge(a.client, a.cfg.MQTT.Prefix, name)
	a.closers = append(a.closers, func() error { b.Close(); return nil })
	return b.Attach(c, setter)
}

func (a *app) startDevices() error {
	for _, d := range a.cfg.USBRLY82 {
		o := a.cfg.Link.LinkOption(d.SerialOverrides.Apply(usbrly82.SerialConfig(d.Port))).SetObserver(a.metrics.Observer(d.Name))
		b := usbrly82.NewBoard(o)
		a.metrics.TrackAvailability(d.Name, usbrly82.SignalAvailable, b.Cache())
		if err := a.bridge(d.Name, b.Cache(), b); err != nil {
			return err
		}
		if err := b.Start(); err != nil {
			return err
		}
		a.closers = append(a.closers, b.Close)
	}

	for _, d := range a.cfg.EVBox {
		o := a.cfg.Link.LinkOption(d.SerialOverrides.Apply(evbox.SerialConfig(d.Port))).SetObserver(a.metrics.Observer(d.Name))
		c, err := evbox.NewCharger(o, d.Serial)
		if err != nil {
			return err
		}
		c.SetKeepAliveSchedule(d.KeepAlive).
			SetFallbackTimeout(d.FallbackTimeout).
			SetInitialCurrent(d.MaxCurrent)
		a.metrics.TrackAvailability(d.Name, evbox.SignalAvailable, c.Cache())
		if err := a.bridge(d.Name, c.Cache(), c); err != nil {
			return err
		}
		if err := c.Start(); err != nil {
			return err
		}
		a.closers = append(a.closers, c.Close)
	}

	registry := udpcommander.NewRegistry()
	a.closers = append(a.closers, registry.Close)
	for _, d := range a.cfg.UDP.Inputs {
		in, err := udpcommander.NewInput(d.Port, d.Command)
		if err != nil {
			return err
		}
		name := d.Name
		in.SetCommandHandler(func(from *net.UDPAddr) {
			a.Info("Command %q received from %s", name, from)
		})
		if err := a.bridge(name, in.Cache(), nil); err != nil {
			return err
		}
		if err := registry.Add(in); err != nil {
			return err
		}
	}
	for _, d := range a.cfg.UDP.Outputs {
		out, err := udpcommander.NewOutput(d.Address, d.Port)
		if err != nil {
			return err
		}
		if err := a.bridge(d.Name, state.NewCache(d.Name, nil), out); err != nil {
			return err
		}
		a.closers = append(a.closers, out.Close)
	}
	return nil
}

func (a *app) serveMetrics(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Error("Metrics server: %v", err)
		}
	}()
	a.Info("Serving metrics on http://%s/metrics", ln.Addr())
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Warn("Shutdown: %v", err)
		}
	}
}
