// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/riclolsen/go-serialcmd/clog"
	"github.com/riclolsen/go-serialcmd/state"
)

// DefaultSetTimeout bounds how long a set message may wait for the device.
const DefaultSetTimeout = 5 * time.Second

// pending signal changes per bridge; changes beyond it are dropped
const publishBacklog = 256

// Setter writes a signal on a device.
type Setter interface {
	SetSignal(ctx context.Context, name string, value any) error
}

// Bridge publishes every signal change of one device to
// <prefix>/<device>/<signal> and routes JSON values received on
// <prefix>/<device>/set/<signal> to the device. Changes are published in
// order from a background goroutine.
type Bridge struct {
	client     Client
	prefix     string
	device     string
	setTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	updates chan state.Signal
	done    chan struct{}
	clog.Clog
}

// NewBridge creates a bridge for device.
func NewBridge(client Client, prefix, device string) *Bridge {
	b := &Bridge{
		client:     client,
		prefix:     strings.TrimSuffix(prefix, "/"),
		device:     device,
		setTimeout: DefaultSetTimeout,
		updates:    make(chan state.Signal, publishBacklog),
		done:       make(chan struct{}),
		Clog:       clog.NewLogger(fmt.Sprintf("mqtt bridge [%s] => ", device)),
	}
	b.Clog.LogMode(true)
	go b.publishLoop()
	return b
}

// Close stops publishing after the queued changes went out.
func (b *Bridge) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.updates)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Bridge) publishLoop() {
	defer close(b.done)
	for s := range b.updates {
		b.publish(s.Name, s.Value)
	}
}

func (b *Bridge) enqueue(name string, v any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.updates <- state.Signal{Name: name, Value: v}:
	default:
		b.Warn("Publish backlog full, dropping %s = %v", name, v)
	}
}

// SetSetTimeout changes DefaultSetTimeout.
func (b *Bridge) SetSetTimeout(d time.Duration) *Bridge {
	if d > 0 {
		b.setTimeout = d
	}
	return b
}

// Topic returns the state topic of signal.
func (b *Bridge) Topic(signal string) string {
	return b.prefix + "/" + b.device + "/" + signal
}

func (b *Bridge) setTopic() string {
	return b.prefix + "/" + b.device + "/set/"
}

// Attach publishes the current values of c, follows its changes and, when
// setter is not nil, subscribes to set messages.
func (b *Bridge) Attach(c *state.Cache, setter Setter) error {
	snap := c.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.publish(name, snap[name])
	}
	c.OnSignalChanged(b.enqueue)

	if setter == nil {
		return nil
	}
	return b.client.Subscribe(b.setTopic()+"+", 1, func(_ Client, msg Message) {
		b.handleSet(setter, msg)
	})
}

func (b *Bridge) publish(name string, v any) {
	if err := b.client.Publish(b.Topic(name), true, v); err != nil {
		b.Warn("Publishing %s failed: %v", name, err)
	}
}

func (b *Bridge) handleSet(setter Setter, msg Message) {
	defer msg.Ack()
	name := strings.TrimPrefix(msg.Topic(), b.setTopic())
	if name == "" || name == msg.Topic() {
		return
	}
	var value any
	if err := json.Unmarshal(msg.Payload(), &value); err != nil {
		b.Warn("Ignoring set %s: payload is not JSON: %v", name, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.setTimeout)
	defer cancel()
	if err := setter.SetSignal(ctx, name, value); err != nil {
		b.Warn("Set %s = %v failed: %v", name, value, err)
		return
	}
	b.Debug("Set %s = %v", name, value)
}
