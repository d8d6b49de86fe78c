// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"time"
)

// Transport owns the physical link. Only the Dispatcher bound to it may write.
type Transport interface {
	Open() error
	Close() error
	Write(p []byte) (int, error)
	// SetReceiveHandler installs the callback for received bytes.
	// The slice passed to the callback is owned by the callee.
	SetReceiveHandler(func([]byte))
	// SetErrorHandler installs the callback for link failures.
	SetErrorHandler(func(error))
}

// Codec serializes commands and turns received bytes into response frames.
type Codec interface {
	Encode(cmd Command) ([]byte, error)
	// Decode consumes data and returns every complete frame found so far,
	// plus the number of candidate frames discarded as corrupt.
	Decode(data []byte) (frames []Frame, malformed int)
	// Reset drops any buffered partial data.
	Reset()
}

// Observer receives dispatcher events. Implementations must not block.
type Observer interface {
	RequestEnqueued(cmd Command)
	RequestFinished(cmd Command, state State, elapsed time.Duration)
	MalformedFrames(n int)
	UnexpectedData(n int)
	QueueDepth(depth int)
	PollSkipped()
}

type nopObserver struct{}

func (nopObserver) RequestEnqueued(Command)                      {}
func (nopObserver) RequestFinished(Command, State, time.Duration) {}
func (nopObserver) MalformedFrames(int)                          {}
func (nopObserver) UnexpectedData(int)                           {}
func (nopObserver) QueueDepth(int)                               {}
func (nopObserver) PollSkipped()                                 {}
