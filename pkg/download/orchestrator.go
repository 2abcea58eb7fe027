/*
Copyright © 2022 - 2023 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package download

import (
	"time"
)

// Result is the outcome of one download run.
type Result struct {
	Success         bool
	Reason          string
	BytesDownloaded uint64
}

// Orchestrator owns the top-level poll loop.
type Orchestrator struct {
	ctx   *Context
	state State
	// pollInterval throttles busy states; tests shrink it.
	pollInterval time.Duration
}

func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		ctx:          newContext(cfg),
		state:        &initState{},
		pollInterval: time.Millisecond,
	}
}

// StateName exposes the current state for progress display.
func (o *Orchestrator) StateName() string {
	return o.state.Name()
}

// Step advances the machine by one transition.
func (o *Orchestrator) Step() StepResult {
	next, result := o.state.Step(o.ctx)
	if next.Name() != o.state.Name() {
		o.ctx.cfg.Log.Debugf("state %s -> %s", o.state.Name(), next.Name())
	}
	o.state = next
	return result
}

// Run steps until a terminal state and returns the outcome.
func (o *Orchestrator) Run() Result {
	for {
		switch o.Step() {
		case Finished:
			return Result{Success: true, BytesDownloaded: o.ctx.bytesDownloaded}
		case Failure:
			reason := "failed"
			if f, ok := o.state.(*failure); ok {
				reason = f.reason
			}
			return Result{Reason: reason, BytesDownloaded: o.ctx.bytesDownloaded}
		case Continue:
			time.Sleep(o.pollInterval)
		}
	}
}
