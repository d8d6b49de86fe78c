// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"fmt"
)

// Command is one request to the device. It is copied on Enqueue and not
// modified afterwards.
type Command struct {
	// Opcode identifies the request on the wire.
	Opcode byte
	// Payload holds the optional parameters.
	Payload []byte
	// ExpectsResponse arms the response timeout and places the command in
	// the high priority band.
	ExpectsResponse bool
	// Urgent places a command in the high priority band even when no
	// response is expected, e.g. a relay switch that must beat routine polls.
	Urgent bool
	// ResponseLen is the expected reply width. Zero accepts any length.
	ResponseLen int
	// Tag selects the state decoder for the response.
	Tag string
}

func (c Command) highPriority() bool {
	return c.ExpectsResponse || c.Urgent
}

func (c Command) clone() Command {
	if c.Payload != nil {
		c.Payload = append([]byte(nil), c.Payload...)
	}
	return c
}

// String provides a string representation of the command.
func (c Command) String() string {
	tag := ""
	if c.Tag != "" {
		tag = " " + c.Tag
	}
	resp := ""
	if c.ExpectsResponse {
		resp = " RESP"
	}
	return fmt.Sprintf("CMD<0x%02X%s%s [% X]>", c.Opcode, tag, resp, c.Payload)
}

// Result is the outcome of a request.
type Result struct {
	Payload []byte
	Err     error
}

// OK reports whether the request completed successfully.
func (r Result) OK() bool {
	return r.Err == nil
}
