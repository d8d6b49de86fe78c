// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/riclolsen/go-serialcmd/link/linktest"
	"github.com/stretchr/testify/require"
)

const waitFor = linktest.WaitTimeout

type countingObserver struct {
	enqueued   atomic.Int32
	finished   atomic.Int32
	malformed  atomic.Int32
	unexpected atomic.Int32
	skipped    atomic.Int32
	depth      atomic.Int32
}

func (o *countingObserver) RequestEnqueued(Command) { o.enqueued.Add(1) }
func (o *countingObserver) RequestFinished(Command, State, time.Duration) {
	o.finished.Add(1)
}
func (o *countingObserver) MalformedFrames(n int) { o.malformed.Add(int32(n)) }
func (o *countingObserver) UnexpectedData(int)    { o.unexpected.Add(1) }
func (o *countingObserver) QueueDepth(d int)      { o.depth.Store(int32(d)) }
func (o *countingObserver) PollSkipped()          { o.skipped.Add(1) }

func testOption(mod func(*Config)) *Option {
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 500 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	cfg.MaxQueueSize = 0
	if mod != nil {
		mod(&cfg)
	}
	o := NewOption().SetConfig(cfg)
	return o
}

// newTestDispatcher builds an unstarted dispatcher on a fake transport.
func newTestDispatcher(t *testing.T, codec Codec, o *Option) (*Dispatcher, *linktest.Transport) {
	t.Helper()
	if o == nil {
		o = testOption(nil)
	}
	ft := linktest.NewTransport()
	d := NewDispatcher(ft, codec, o)
	d.LogMode(false)
	t.Cleanup(func() { _ = d.Close() })
	return d, ft
}

func waitResult(t *testing.T, r *Request) Result {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(waitFor):
		require.FailNowf(t, "request did not resolve", "%s", r.Command())
	}
	res, ok := r.Result()
	require.True(t, ok)
	return res
}
