// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"errors"
	"time"
)

// Constants defining default values and ranges for the dispatcher and poller.
const (
	// Deadline for a response-expecting request once it is written.
	DefaultResponseTimeout = 1000 * time.Millisecond
	ResponseTimeoutMin     = 10 * time.Millisecond
	ResponseTimeoutMax     = 60 * time.Second

	// Period of the poll driver.
	DefaultPollInterval = 100 * time.Millisecond
	PollIntervalMin     = 10 * time.Millisecond
	PollIntervalMax     = time.Hour

	// A poll cycle is skipped when more than this many requests are queued.
	DefaultPollQueueThreshold = 10

	// Upper bound of the queue, 0 means unbounded.
	DefaultMaxQueueSize = 100

	// Largest payload written to or accepted from a link.
	DefaultMaxPayloadLen = 250
	MaxPayloadLenMax     = 255
)

// Config defines the behaviour of one serial link.
type Config struct {
	// Serial port settings
	Serial SerialConfig

	// Timeout waiting for the response to a response-expecting command.
	// Range [10ms, 60s], default 1s.
	ResponseTimeout time.Duration

	// Poll driver period. Range [10ms, 1h], default 100ms.
	PollInterval time.Duration

	// Queue depth above which a poll cycle is skipped.
	PollQueueThreshold int

	// Maximum number of queued requests, 0 disables the cap.
	MaxQueueSize int

	// Maximum payload length of a command, and of a framed response.
	MaxPayloadLen int
}

// Valid applies defaults and checks configuration validity.
// The serial settings are checked separately by the session that opens the port.
func (sf *Config) Valid() error {
	if sf == nil {
		return errors.New("invalid nil config")
	}

	if sf.ResponseTimeout == 0 {
		sf.ResponseTimeout = DefaultResponseTimeout
	} else if sf.ResponseTimeout < ResponseTimeoutMin || sf.ResponseTimeout > ResponseTimeoutMax {
		return errors.New("response timeout out of range [10ms, 60s]")
	}

	if sf.PollInterval == 0 {
		sf.PollInterval = DefaultPollInterval
	} else if sf.PollInterval < PollIntervalMin || sf.PollInterval > PollIntervalMax {
		return errors.New("poll interval out of range [10ms, 1h]")
	}

	if sf.PollQueueThreshold == 0 {
		sf.PollQueueThreshold = DefaultPollQueueThreshold
	} else if sf.PollQueueThreshold < 0 {
		return errors.New("poll queue threshold must be positive")
	}

	if sf.MaxQueueSize < 0 {
		return errors.New("MaxQueueSize must be positive")
	}

	if sf.MaxPayloadLen == 0 {
		sf.MaxPayloadLen = DefaultMaxPayloadLen
	} else if sf.MaxPayloadLen < 1 || sf.MaxPayloadLen > MaxPayloadLenMax {
		return errors.New("max payload length out of range [1, 255]")
	}

	return nil
}

// DefaultConfig provides a default link configuration.
// NOTE: SerialConfig needs to be set explicitly.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout:    DefaultResponseTimeout,
		PollInterval:       DefaultPollInterval,
		PollQueueThreshold: DefaultPollQueueThreshold,
		MaxQueueSize:       DefaultMaxQueueSize,
		MaxPayloadLen:      DefaultMaxPayloadLen,
	}
}
