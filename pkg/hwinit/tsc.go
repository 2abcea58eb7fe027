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

package hwinit

const (
	pitChannel2 = 0x42
	pitCommand  = 0x43
	pitControl  = 0x61

	pitFrequency = 1193182

	// Calibration interval: 1/20 s.
	calibrationDivisor = pitFrequency / 20
	calibrationScale   = 20

	// DefaultTscFrequency is the fallback when the PIT never fires.
	DefaultTscFrequency = 2_000_000_000

	// pollCap bounds the gate-bit wait so a dead PIT cannot hang boot.
	pollCap = 1_000_000
)

// CalibrateTsc measures the timestamp-counter frequency by gating PIT
// channel 2 over a known interval and bracketing it with tick reads.
// Returns DefaultTscFrequency when the PIT is absent or stuck.
func CalibrateTsc(io PortIO, ticks TickSource) uint64 {
	// Enable the channel-2 gate, speaker off.
	gate := io.Inb(pitControl)
	io.Outb(pitControl, gate&0xFC|0x01)

	// Channel 2, lobyte/hibyte, mode 0 (interrupt on terminal count).
	io.Outb(pitCommand, 0xB0)
	div := uint16(calibrationDivisor)
	io.Outb(pitChannel2, uint8(div))
	io.Outb(pitChannel2, uint8(div>>8))

	start := ticks()
	fired := false
	for i := 0; i < pollCap; i++ {
		if io.Inb(pitControl)&0x20 != 0 {
			fired = true
			break
		}
	}
	end := ticks()

	// Restore the gate bits.
	io.Outb(pitControl, gate)

	if !fired || end <= start {
		return DefaultTscFrequency
	}
	return (end - start) * calibrationScale
}
