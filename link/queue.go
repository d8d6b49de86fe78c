// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

// commandQueue holds queued requests in two FIFO bands. The high band
// (response-expecting or urgent commands) is always drained first.
type commandQueue struct {
	high []*Request
	low  []*Request
}

func (q *commandQueue) push(r *Request) {
	if r.cmd.highPriority() {
		q.high = append(q.high, r)
	} else {
		q.low = append(q.low, r)
	}
}

// pop removes the head of the highest non-empty band.
func (q *commandQueue) pop() *Request {
	if len(q.high) > 0 {
		r := q.high[0]
		q.high[0] = nil
		q.high = q.high[1:]
		return r
	}
	if len(q.low) > 0 {
		r := q.low[0]
		q.low[0] = nil
		q.low = q.low[1:]
		return r
	}
	return nil
}

func (q *commandQueue) len() int {
	return len(q.high) + len(q.low)
}

// drain empties both bands in dispatch order.
func (q *commandQueue) drain() []*Request {
	out := make([]*Request, 0, q.len())
	out = append(out, q.high...)
	out = append(out, q.low...)
	q.high, q.low = nil, nil
	return out
}
