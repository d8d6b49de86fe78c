// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"context"
	"errors"
	"time"
)

// Poller enqueues a fixed battery of status queries on every tick. A cycle is
// shed when the dispatcher queue is deeper than the threshold.
type Poller struct {
	dispatcher *Dispatcher
	interval   time.Duration
	threshold  int
	battery    []Command
	onResult   func(cmd Command, res Result)
}

// NewPoller creates a poller for d using the interval and threshold of cfg.
func NewPoller(d *Dispatcher, cfg Config, battery ...Command) *Poller {
	if err := cfg.Valid(); err != nil {
		cfg = DefaultConfig()
	}
	return &Poller{
		dispatcher: d,
		interval:   cfg.PollInterval,
		threshold:  cfg.PollQueueThreshold,
		battery:    battery,
		onResult:   func(Command, Result) {},
	}
}

// SetResultHandler sets the handler called with the outcome of every poll.
func (sf *Poller) SetResultHandler(f func(cmd Command, res Result)) *Poller {
	if f != nil {
		sf.onResult = f
	}
	return sf
}

// Poll runs one cycle. It reports false when nothing was queued, either
// because the cycle was shed or because the dispatcher is closed.
func (sf *Poller) Poll() bool {
	reqs, err := sf.dispatcher.EnqueueIfBelow(sf.threshold, sf.battery...)
	switch {
	case errors.Is(err, ErrQueueBusy):
		sf.dispatcher.Debug("Poll skipped, queue depth %d", sf.dispatcher.Depth())
		sf.dispatcher.observer.PollSkipped()
		return false
	case err != nil:
		sf.dispatcher.Debug("Poll not queued: %v", err)
		return false
	}
	for _, r := range reqs {
		cmd := r.Command()
		r.OnComplete(func(res Result) {
			sf.onResult(cmd, res)
		})
	}
	return true
}

// Run polls until ctx is done, then calls done.
func (sf *Poller) Run(ctx context.Context, done func()) {
	defer done()
	ticker := time.NewTicker(sf.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sf.dispatcher.Done():
			return
		case <-ticker.C:
			sf.Poll()
		}
	}
}
