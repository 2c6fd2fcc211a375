package hw

import (
	"devsim/emu/log"
	"devsim/hw/hwio"
)

// Port register offsets.
const (
	PortCtrl   = 0x00 // rw: bit0 enable
	PortData   = 0x04 // wo: pushes one value into the port buffer
	PortStatus = 0x08 // ro: number of buffered values
	PortEvents = 0x0C // rc: bit0 overflow, bit1 data-seen
)

// Port event bits.
const (
	PortEvOverflow = 1 << 0
	PortEvData     = 1 << 1
)

// Port is a minimal peripheral: values written to its write-only DATA
// register accumulate in an internal buffer. It stands in for a real
// protocol peripheral as a fixed-address DMA target.
type Port struct {
	BaseDev

	buf []uint32
	cap int
}

func NewPort(name string, base uint32, master int, depth int) *Port {
	p := &Port{cap: depth}
	p.Init(name, base, 0x10, master)

	regs := p.Regs()
	regs.MustDefine(hwio.Reg32{Offset: PortCtrl, Name: "CTRL", Reset: 0x1, Mask: 0x1})
	regs.MustDefine(hwio.Reg32{Offset: PortData, Name: "DATA", Access: hwio.WriteOnly, WriteCb: p.writeData})
	regs.MustDefine(hwio.Reg32{Offset: PortStatus, Name: "STATUS", Access: hwio.ReadOnly, ReadCb: p.readStatus})
	regs.MustDefine(hwio.Reg32{Offset: PortEvents, Name: "EVENTS", Access: hwio.ReadClear})
	return p
}

// writeData runs under the device lock (register callback).
func (p *Port) writeData(_ uint32, val uint32) {
	ctrl, _ := p.regs.Read(PortCtrl, 4)
	if ctrl&0x1 == 0 {
		return
	}

	ev := p.regs.Lookup(PortEvents)
	if len(p.buf) >= p.cap {
		hwio.SetBits(&ev.Value, PortEvOverflow)
		log.ModDev.WarnZ("port overflow").String("dev", p.name).End()
		return
	}
	p.buf = append(p.buf, val)
	hwio.SetBits(&ev.Value, PortEvData)
}

func (p *Port) readStatus(_ uint32, _ uint32) uint32 {
	return uint32(len(p.buf))
}

// Drain returns and clears the buffered values.
func (p *Port) Drain() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.buf
	p.buf = nil
	return out
}

func (p *Port) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
	p.regs.Reset()
}
