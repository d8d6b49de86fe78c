// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBattery = []Command{
	{Opcode: 0x5E, Tag: "inputs"},
	{Opcode: 0x80, Tag: "adc"},
}

func TestPollerSkipsWhenQueueDeep(t *testing.T) {
	obs := &countingObserver{}
	o := testOption(nil).SetObserver(obs)
	d, _ := newTestDispatcher(t, RawCodec{}, o)
	for i := 0; i < 11; i++ {
		d.Enqueue(Command{Opcode: byte(i)})
	}
	p := NewPoller(d, o.Config(), testBattery...)

	assert.False(t, p.Poll())
	assert.Equal(t, 11, d.Depth())
	assert.Equal(t, int32(1), obs.skipped.Load())
}

func TestPollerEnqueuesAtThreshold(t *testing.T) {
	o := testOption(nil)
	d, _ := newTestDispatcher(t, RawCodec{}, o)
	for i := 0; i < 10; i++ {
		d.Enqueue(Command{Opcode: byte(i)})
	}
	p := NewPoller(d, o.Config(), testBattery...)

	assert.True(t, p.Poll())
	assert.Equal(t, 12, d.Depth())
}

func TestPollerClosedDispatcherIsNotShed(t *testing.T) {
	obs := &countingObserver{}
	o := testOption(nil).SetObserver(obs)
	d, _ := newTestDispatcher(t, RawCodec{}, o)
	require.NoError(t, d.Start())
	require.NoError(t, d.Close())
	p := NewPoller(d, o.Config(), testBattery...)

	assert.False(t, p.Poll())
	assert.Zero(t, obs.skipped.Load())
}

func TestPollerRun(t *testing.T) {
	o := testOption(nil)
	d, ft := newTestDispatcher(t, RawCodec{}, o)
	require.NoError(t, d.Start())

	results := make(chan Command, 64)
	p := NewPoller(d, o.Config(), testBattery...).SetResultHandler(func(cmd Command, res Result) {
		if res.OK() {
			results <- cmd
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go p.Run(ctx, func() { close(stopped) })

	assert.Equal(t, []byte{0x5E}, ft.NextWrite(t))
	assert.Equal(t, []byte{0x80}, ft.NextWrite(t))
	for _, tag := range []string{"inputs", "adc"} {
		select {
		case cmd := <-results:
			assert.Equal(t, tag, cmd.Tag)
		case <-time.After(waitFor):
			require.FailNow(t, "no poll result")
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		require.FailNow(t, "poller did not stop")
	}
}

func TestPollerStopsWithDispatcher(t *testing.T) {
	o := testOption(nil)
	d, _ := newTestDispatcher(t, RawCodec{}, o)
	require.NoError(t, d.Start())

	stopped := make(chan struct{})
	go NewPoller(d, o.Config(), testBattery...).Run(context.Background(), func() { close(stopped) })
	require.NoError(t, d.Close())

	select {
	case <-stopped:
	case <-time.After(waitFor):
		require.FailNow(t, "poller did not stop")
	}
}

func TestSequenceRunsInOrder(t *testing.T) {
	d, ft := newTestDispatcher(t, RawCodec{}, nil)
	require.NoError(t, d.Start())

	var version []byte
	seq := NewSequence(
		Step{Name: "serial", Command: Command{Opcode: 0x38, ExpectsResponse: true}},
		Step{Name: "version", Command: Command{Opcode: 0x5A, ExpectsResponse: true}, Handle: func(p []byte) error {
			version = p
			return nil
		}},
	)
	assert.Equal(t, 2, seq.Len())

	done := make(chan error, 1)
	go func() { done <- seq.Run(context.Background(), d) }()

	assert.Equal(t, []byte{0x38}, ft.NextWrite(t))
	ft.Inject([]byte("12345678"))
	assert.Equal(t, []byte{0x5A}, ft.NextWrite(t))
	ft.Inject([]byte{0x04, 0x02})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "sequence did not finish")
	}
	assert.Equal(t, []byte{0x04, 0x02}, version)
}

func TestSequenceStopsAtFirstFailure(t *testing.T) {
	d, ft := newTestDispatcher(t, RawCodec{}, testOption(func(c *Config) {
		c.ResponseTimeout = 30 * time.Millisecond
	}))
	require.NoError(t, d.Start())

	errBad := errors.New("bad reply")
	seq := NewSequence(
		Step{Name: "serial", Command: Command{Opcode: 0x38, ExpectsResponse: true}, Handle: func([]byte) error {
			return errBad
		}},
		Step{Name: "version", Command: Command{Opcode: 0x5A, ExpectsResponse: true}},
	)
	done := make(chan error, 1)
	go func() { done <- seq.Run(context.Background(), d) }()
	ft.NextWrite(t)
	ft.Inject([]byte{0x00})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errBad)
		assert.ErrorContains(t, err, "step serial")
	case <-time.After(waitFor):
		require.FailNow(t, "sequence did not finish")
	}
	ft.NoWrite(t, 20*time.Millisecond)

	go func() { done <- NewSequence(seq.steps[1]).Run(context.Background(), d) }()
	ft.NextWrite(t)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorContains(t, err, "step version")
	case <-time.After(waitFor):
		require.FailNow(t, "sequence did not finish")
	}
}
