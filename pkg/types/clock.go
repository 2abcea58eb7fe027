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

package types

import "time"

// Clock abstracts the TSC-derived time source every deadline-driven poll
// loop runs on. Ticks counts at Frequency ticks per second.
type Clock interface {
	Ticks() uint64
	Frequency() uint64
}

// TicksToMillis converts a tick count to milliseconds for a given clock.
func TicksToMillis(c Clock, ticks uint64) int64 {
	freq := c.Frequency()
	if freq == 0 {
		return 0
	}
	return int64(ticks / (freq / 1000))
}

// SystemClock is the production clock, counting nanoseconds since start.
type SystemClock struct {
	start time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Ticks() uint64 {
	return uint64(time.Since(c.start))
}

func (c *SystemClock) Frequency() uint64 {
	return uint64(time.Second)
}
