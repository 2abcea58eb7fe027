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

package mocks

// FakeClock is a deterministic tick source. Every Ticks call advances
// the counter by StepPerCall, so deadline loops progress without real
// time passing.
type FakeClock struct {
	Now         uint64
	StepPerCall uint64
	Freq        uint64
}

func NewFakeClock(freq, stepPerCall uint64) *FakeClock {
	return &FakeClock{Freq: freq, StepPerCall: stepPerCall}
}

func (c *FakeClock) Ticks() uint64 {
	c.Now += c.StepPerCall
	return c.Now
}

func (c *FakeClock) Frequency() uint64 {
	return c.Freq
}

// Advance jumps the clock forward.
func (c *FakeClock) Advance(ticks uint64) {
	c.Now += ticks
}
