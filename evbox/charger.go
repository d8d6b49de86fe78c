// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package evbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/riclolsen/go-serialcmd/clog"
	"github.com/riclolsen/go-serialcmd/link"
	"github.com/riclolsen/go-serialcmd/state"
	"github.com/robfig/cron/v3"
)

// Defaults of a charger
const (
	DefaultKeepAliveSchedule = "@every 5s"
	DefaultFallbackTimeout   = 30 * time.Second
	DefaultMaxCurrent        = 6.0
)

var ErrReadOnly = errors.New("evbox: signal is read-only")

// Charger controls one station. After the station identified itself, its
// current setpoint is re-sent on a cron schedule so it never falls back to
// the safe current; every answer refreshes the station status.
type Charger struct {
	session *link.Session
	cache   *state.Cache
	serial  string

	mu              sync.Mutex
	maxCurrent      float64
	fallbackTimeout time.Duration
	schedule        string
	cron            *cron.Cron

	clog.Clog
}

// NewCharger creates a charger for the station serialNo on the bus set in o.
func NewCharger(o *link.Option, serialNo string) (*Charger, error) {
	if err := checkSerial(serialNo); err != nil {
		return nil, err
	}
	if o == nil {
		o = link.NewOption()
	}
	query, _ := QueryCommand(serialNo)

	c := &Charger{
		cache:           state.NewCache(serialNo, Defaults()),
		serial:          serialNo,
		maxCurrent:      DefaultMaxCurrent,
		fallbackTimeout: DefaultFallbackTimeout,
		schedule:        DefaultKeepAliveSchedule,
		Clog:            clog.NewLogger(fmt.Sprintf("evbox [%s] => ", serialNo)),
	}
	RegisterDecoders(c.cache)

	c.session = link.NewSession(o, NewCodec).
		SetStartup(link.NewSequence(link.Step{
			Name:    "identify",
			Command: query,
			Handle: func(p []byte) error {
				got, err := ParseIdentity(p)
				if err != nil {
					return err
				}
				if got != serialNo {
					return fmt.Errorf("%w: %q", ErrSerialMismatch, got)
				}
				return nil
			},
		})).
		SetResponseHandler(c.onResponse).
		SetOnConnectHandler(func(*link.Session) {
			c.Info("Station %s available", serialNo)
			c.cache.Set(SignalAvailable, true)
			c.KeepAlive()
		}).
		SetConnectionLostHandler(func(_ *link.Session, err error) {
			c.Warn("Station unavailable: %v", err)
			c.cache.Reset()
		})
	c.Clog.LogMode(true)
	return c, nil
}

// SetTransportFactory replaces the serial transport.
func (c *Charger) SetTransportFactory(f func() link.Transport) *Charger {
	c.session.SetTransportFactory(f)
	return c
}

// SetKeepAliveSchedule sets the cron spec of the keep-alive, e.g. "@every 5s".
// It takes effect on the next Start.
func (c *Charger) SetKeepAliveSchedule(spec string) *Charger {
	c.mu.Lock()
	c.schedule = spec
	c.mu.Unlock()
	return c
}

// SetFallbackTimeout sets how long the station keeps the setpoint without
// hearing from us.
func (c *Charger) SetFallbackTimeout(d time.Duration) *Charger {
	c.mu.Lock()
	c.fallbackTimeout = d
	c.mu.Unlock()
	return c
}

// SetInitialCurrent sets the setpoint sent when the station connects.
func (c *Charger) SetInitialCurrent(amps float64) *Charger {
	c.mu.Lock()
	c.maxCurrent = amps
	c.mu.Unlock()
	return c
}

// Start schedules the keep-alive and connects in the background.
func (c *Charger) Start() error {
	c.mu.Lock()
	if c.cron != nil {
		c.mu.Unlock()
		return errors.New("charger already started")
	}
	cr := cron.New()
	if _, err := cr.AddFunc(c.schedule, c.KeepAlive); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("keep-alive schedule %q: %w", c.schedule, err)
	}
	c.cron = cr
	c.mu.Unlock()

	if err := c.session.Start(); err != nil {
		return err
	}
	cr.Start()
	return nil
}

// Close stops the keep-alive and disconnects.
func (c *Charger) Close() error {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr != nil {
		<-cr.Stop().Done()
	}
	err := c.session.Close()
	c.cache.Reset()
	return err
}

// Cache returns the station's signal cache.
func (c *Charger) Cache() *state.Cache {
	return c.cache
}

// Serial returns the configured station serial.
func (c *Charger) Serial() string {
	return c.serial
}

// Available reports whether the station identified itself and the link is up.
func (c *Charger) Available() bool {
	v, _ := state.Value[bool](c.cache, SignalAvailable)
	return v
}

func (c *Charger) onResponse(cmd link.Command, payload []byte) {
	if err := c.cache.ApplyResponse(cmd.Tag, payload); err != nil {
		c.Warn("Discarding response to %s: %v", cmd, err)
	}
}

func (c *Charger) setpoint() (link.Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SetCurrentCommand(c.serial, c.maxCurrent, c.fallbackTimeout)
}

// KeepAlive re-sends the current setpoint. It does nothing while the
// station is not connected.
func (c *Charger) KeepAlive() {
	if !c.session.IsConnected() {
		return
	}
	cmd, err := c.setpoint()
	if err != nil {
		c.Error("Keep-alive: %v", err)
		return
	}
	c.session.Enqueue(cmd).OnComplete(func(res link.Result) {
		if !res.OK() {
			c.Warn("Keep-alive failed: %v", res.Err)
		}
	})
}

// SetMaxChargingCurrent changes the setpoint in amps and returns the
// station status of the answer.
func (c *Charger) SetMaxChargingCurrent(ctx context.Context, amps float64) (Status, error) {
	c.mu.Lock()
	cmd, err := SetCurrentCommand(c.serial, amps, c.fallbackTimeout)
	if err == nil {
		c.maxCurrent = amps
	}
	c.mu.Unlock()
	if err != nil {
		return Status{}, err
	}

	res, err := c.session.Enqueue(cmd).Wait(ctx)
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(res.Payload)
}

// SetSignal sets the max charging current by signal name.
func (c *Charger) SetSignal(ctx context.Context, name string, value any) error {
	if name != SignalMaxChargingCurrent {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	var amps float64
	switch v := value.(type) {
	case float64:
		amps = v
	case int:
		amps = float64(v)
	default:
		return fmt.Errorf("%w: %s wants a number, got %T", ErrInvalidCurrent, name, value)
	}
	_, err := c.SetMaxChargingCurrent(ctx, amps)
	return err
}

// Discover asks whichever station is on the bus behind t for its serial.
// t is opened and closed by Discover.
func Discover(ctx context.Context, t link.Transport, o *link.Option) (string, error) {
	if err := t.Open(); err != nil {
		return "", err
	}
	defer t.Close()

	d := link.NewDispatcher(t, NewCodec(), o)
	if err := d.Start(); err != nil {
		return "", err
	}
	defer d.Close()

	query, _ := QueryCommand(BroadcastSerial)
	res, err := d.Enqueue(query).Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("discovery: %w", err)
	}
	return ParseIdentity(res.Payload)
}
