// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/riclolsen/go-serialcmd/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]MessageHandler
	subErr    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]MessageHandler)}
}

func (f *fakeClient) Subscribe(topic string, _ byte, callback MessageHandler) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.mu.Lock()
	f.handlers[topic] = callback
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Publish(topic string, retained bool, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, published{topic, retained, string(b)})
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Disconnect() {}

func (f *fakeClient) deliver(filter, topic, payload string) *fakeMessage {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	msg := &fakeMessage{topic: topic, payload: []byte(payload)}
	h(f, msg)
	return msg
}

func (f *fakeClient) take() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.published
	f.published = nil
	return out
}

type fakeMessage struct {
	topic   string
	payload []byte
	acked   bool
}

func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked = true }

type setCall struct {
	name  string
	value any
}

type fakeSetter struct {
	calls []setCall
	err   error
}

func (s *fakeSetter) SetSignal(ctx context.Context, name string, value any) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	s.calls = append(s.calls, setCall{name, value})
	return s.err
}

func TestBridgePublishes(t *testing.T) {
	client := newFakeClient()
	c := state.NewCache("test", map[string]any{"available": false, "relay1Power": false})
	b := NewBridge(client, "serialcmd/", "relay")
	b.LogMode(false)
	require.NoError(t, b.Attach(c, nil))

	assert.Equal(t, []published{
		{"serialcmd/relay/available", true, "false"},
		{"serialcmd/relay/relay1Power", true, "false"},
	}, client.take())

	c.Set("relay1Power", true)
	c.Set("relay1Power", true)
	c.Set("analogInput1", uint16(512))
	b.Close()
	c.Set("analogInput1", uint16(513))
	assert.Equal(t, []published{
		{"serialcmd/relay/relay1Power", true, "true"},
		{"serialcmd/relay/analogInput1", true, "512"},
	}, client.take())
	assert.Empty(t, client.handlers)
}

func TestBridgeRoutesSet(t *testing.T) {
	client := newFakeClient()
	setter := &fakeSetter{}
	b := NewBridge(client, "serialcmd", "charger")
	b.LogMode(false)
	defer b.Close()
	require.NoError(t, b.Attach(state.NewCache("test", nil), setter))
	require.Contains(t, client.handlers, "serialcmd/charger/set/+")

	msg := client.deliver("serialcmd/charger/set/+", "serialcmd/charger/set/maxChargingCurrent", "16")
	assert.True(t, msg.acked)
	client.deliver("serialcmd/charger/set/+", "serialcmd/charger/set/relay1Power", "true")
	client.deliver("serialcmd/charger/set/+", "serialcmd/charger/set/relay2Power", "not json")
	client.deliver("serialcmd/charger/set/+", "other/topic", "1")

	assert.Equal(t, []setCall{
		{"maxChargingCurrent", 16.0},
		{"relay1Power", true},
	}, setter.calls)

	setter.err = errors.New("read-only")
	msg = client.deliver("serialcmd/charger/set/+", "serialcmd/charger/set/serial", `"x"`)
	assert.True(t, msg.acked)
}

func TestBridgeSubscribeError(t *testing.T) {
	client := newFakeClient()
	client.subErr = errors.New("not connected")
	b := NewBridge(client, "serialcmd", "charger")
	b.LogMode(false)
	defer b.Close()
	assert.ErrorContains(t, b.Attach(state.NewCache("test", nil), &fakeSetter{}), "not connected")
}
