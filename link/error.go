// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"errors"
)

// error defined
var (
	ErrUseClosedConnection = errors.New("use of closed connection")
	ErrNotActive           = errors.New("dispatcher or session is not active")
	ErrQueueFull           = errors.New("command queue is full")
	ErrQueueBusy           = errors.New("queue depth above threshold")
)

// Request outcome errors
var (
	ErrTimeout      = errors.New("response timeout")
	ErrMalformed    = errors.New("malformed response")
	ErrDisconnected = errors.New("link disconnected")
)

// Frame decoding errors
var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrFrameLenExceeded = errors.New("frame length exceeds maximum")
)
