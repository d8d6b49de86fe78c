// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"context"
	"fmt"
)

// Step is one command of a Sequence. Handle, when set, inspects the response
// and may fail the step.
type Step struct {
	Name    string
	Command Command
	Handle  func(payload []byte) error
}

// Sequence runs commands one after another and stops at the first failure.
type Sequence struct {
	steps []Step
}

// NewSequence creates a sequence from steps.
func NewSequence(steps ...Step) *Sequence {
	return &Sequence{steps: steps}
}

// Len returns the number of steps.
func (sf *Sequence) Len() int {
	return len(sf.steps)
}

// Run executes all steps on d. The returned error names the failed step.
func (sf *Sequence) Run(ctx context.Context, d *Dispatcher) error {
	for _, step := range sf.steps {
		res, err := d.Enqueue(step.Command).Wait(ctx)
		if err != nil {
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
		if step.Handle == nil {
			continue
		}
		if err := step.Handle(res.Payload); err != nil {
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
	}
	return nil
}
