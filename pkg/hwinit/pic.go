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
	pic1Cmd  = 0x20
	pic1Data = 0x21
	pic2Cmd  = 0xA0
	pic2Data = 0xA1

	icw1Init = 0x11 // edge triggered, cascade, expect ICW4
	icw48086 = 0x01

	ocw3ReadIsr = 0x0B
	eoi         = 0x20
)

// Pic drives the legacy 8259 pair.
type Pic struct {
	io PortIO
}

// NewPic remaps the controllers so IRQ 0-15 land on vectors 0x20-0x2F
// and masks every line; IRQs are enabled individually on demand.
func NewPic(io PortIO) *Pic {
	p := &Pic{io: io}

	// ICW1: start initialization on both controllers.
	io.Outb(pic1Cmd, icw1Init)
	io.Outb(pic2Cmd, icw1Init)
	// ICW2: vector offsets.
	io.Outb(pic1Data, IrqBase)
	io.Outb(pic2Data, IrqBase+8)
	// ICW3: master has the slave on line 2, slave has cascade id 2.
	io.Outb(pic1Data, 0x04)
	io.Outb(pic2Data, 0x02)
	// ICW4: 8086 mode.
	io.Outb(pic1Data, icw48086)
	io.Outb(pic2Data, icw48086)
	// Mask everything until a driver asks.
	io.Outb(pic1Data, 0xFF)
	io.Outb(pic2Data, 0xFF)
	return p
}

// EnableIrq unmasks one line.
func (p *Pic) EnableIrq(irq uint8) {
	port := uint16(pic1Data)
	if irq >= 8 {
		port = pic2Data
		irq -= 8
	}
	mask := p.io.Inb(port)
	p.io.Outb(port, mask&^(1<<irq))
}

// DisableIrq masks one line.
func (p *Pic) DisableIrq(irq uint8) {
	port := uint16(pic1Data)
	if irq >= 8 {
		port = pic2Data
		irq -= 8
	}
	mask := p.io.Inb(port)
	p.io.Outb(port, mask|1<<irq)
}

// SendEoi acknowledges an interrupt; slave lines also acknowledge the
// master cascade.
func (p *Pic) SendEoi(irq uint8) {
	if irq >= 8 {
		p.io.Outb(pic2Cmd, eoi)
	}
	p.io.Outb(pic1Cmd, eoi)
}

// IsSpurious detects spurious IRQ7/IRQ15 by checking the in-service
// register: a spurious interrupt has no ISR bit set. Spurious IRQ15
// still needs an EOI on the master for the cascade line.
func (p *Pic) IsSpurious(irq uint8) bool {
	switch irq {
	case 7:
		p.io.Outb(pic1Cmd, ocw3ReadIsr)
		return p.io.Inb(pic1Cmd)&0x80 == 0
	case 15:
		p.io.Outb(pic2Cmd, ocw3ReadIsr)
		if p.io.Inb(pic2Cmd)&0x80 == 0 {
			p.io.Outb(pic1Cmd, eoi)
			return true
		}
		return false
	default:
		return false
	}
}
