// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package metrics exports dispatcher and device activity to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riclolsen/go-serialcmd/link"
	"github.com/riclolsen/go-serialcmd/state"
)

// Config names the exported series.
type Config struct {
	Namespace     string
	SubDispatcher string
	SubDevice     string
}

// DefaultConfig returns the default series names.
func DefaultConfig() *Config {
	return &Config{
		Namespace:     "serialcmd",
		SubDispatcher: "dispatcher",
		SubDevice:     "device",
	}
}

// Metrics holds every collector, labelled by device.
type Metrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	enqueued    *prometheus.CounterVec
	malformed   *prometheus.CounterVec
	unexpected  *prometheus.CounterVec
	pollSkipped *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	available   *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer, config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: config.SubDispatcher, Name: "requests_total", Help: "Finished requests by result"}, []string{"device", "opcode", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace, Subsystem: config.SubDispatcher, Name: "request_duration_seconds", Help: "Time from write to resolution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5}}, []string{"device"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: config.SubDispatcher, Name: "enqueued_total", Help: "Admitted commands"}, []string{"device"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: config.SubDispatcher, Name: "malformed_frames_total", Help: "Discarded corrupt frames"}, []string{"device"}),
		unexpected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: config.SubDispatcher, Name: "unexpected_bytes_total", Help: "Bytes received with no request waiting"}, []string{"device"}),
		pollSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: config.SubDispatcher, Name: "polls_skipped_total", Help: "Poll rounds shed because the queue was deep"}, []string{"device"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubDispatcher, Name: "queue_depth", Help: "Queued commands not yet written"}, []string{"device"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubDevice, Name: "available", Help: "1 while the device is connected and answered its startup"}, []string{"device"}),
	}
	reg.MustRegister(m.requests, m.latency, m.enqueued, m.malformed, m.unexpected, m.pollSkipped, m.queueDepth, m.available)
	return m
}

// Observer returns a dispatcher observer reporting as device.
func (m *Metrics) Observer(device string) link.Observer {
	return &deviceObserver{m: m, device: device}
}

// TrackAvailability mirrors the available signal of c into the available
// gauge of device.
func (m *Metrics) TrackAvailability(device, signal string, c *state.Cache) {
	g := m.available.WithLabelValues(device)
	set := func(v any) {
		if b, _ := v.(bool); b {
			g.Set(1)
		} else {
			g.Set(0)
		}
	}
	v, _ := c.Get(signal)
	set(v)
	c.OnSignalChanged(func(name string, v any) {
		if name == signal {
			set(v)
		}
	})
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type deviceObserver struct {
	m      *Metrics
	device string
}

func (o *deviceObserver) RequestEnqueued(link.Command) {
	o.m.enqueued.WithLabelValues(o.device).Inc()
}

func (o *deviceObserver) RequestFinished(cmd link.Command, s link.State, elapsed time.Duration) {
	o.m.requests.WithLabelValues(o.device, fmt.Sprintf("0x%02X", cmd.Opcode), s.String()).Inc()
	if elapsed > 0 {
		o.m.latency.WithLabelValues(o.device).Observe(elapsed.Seconds())
	}
}

func (o *deviceObserver) MalformedFrames(n int) {
	o.m.malformed.WithLabelValues(o.device).Add(float64(n))
}

func (o *deviceObserver) UnexpectedData(n int) {
	o.m.unexpected.WithLabelValues(o.device).Add(float64(n))
}

func (o *deviceObserver) QueueDepth(depth int) {
	o.m.queueDepth.WithLabelValues(o.device).Set(float64(depth))
}

func (o *deviceObserver) PollSkipped() {
	o.m.pollSkipped.WithLabelValues(o.device).Inc()
}
