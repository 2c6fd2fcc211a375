package hw

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"devsim/emu/log"
	"devsim/hw/bus"
	"devsim/hw/hwio"
)

var (
	ErrOutOfRange = errors.New("address out of device range")
	ErrDisabled   = errors.New("device is disabled")
)

// BaseDev carries the identity and plumbing every device shares: bus address
// range, master id, enable flag and an optional register file capability.
// Devices embed it and either rely on the default register-file dispatch or
// override Read/Write entirely (the memory device does).
//
// The device mutex serializes all accesses; register callbacks run with it
// held and may access other registers of the same file directly.
type BaseDev struct {
	name   string
	base   uint32
	size   uint32
	master int

	mu      sync.Mutex
	enabled bool
	regs    *hwio.RegFile

	// bus is atomic so that register callbacks (which run under mu) and
	// worker goroutines can fetch it without taking the device lock.
	bus atomic.Pointer[bus.Bus]
}

// Init sets up an embedded BaseDev in place. Devices call it from their
// constructors before defining registers.
func (d *BaseDev) Init(name string, base, size uint32, master int) {
	d.name = name
	d.base = base
	d.size = size
	d.master = master
	d.enabled = true
	d.regs = hwio.NewRegFile(name)
}

func (d *BaseDev) Name() string  { return d.name }
func (d *BaseDev) Base() uint32  { return d.base }
func (d *BaseDev) Size() uint32  { return d.size }
func (d *BaseDev) MasterID() int { return d.master }

// Regs exposes the register file for map definition at device init.
func (d *BaseDev) Regs() *hwio.RegFile { return d.regs }

func (d *BaseDev) Attach(b *bus.Bus) { d.bus.Store(b) }

func (d *BaseDev) Detach() { d.bus.Store(nil) }

// Bus returns the bus this device is attached to, or nil.
func (d *BaseDev) Bus() *bus.Bus { return d.bus.Load() }

func (d *BaseDev) Enable() {
	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()
}

func (d *BaseDev) Disable() {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
}

func (d *BaseDev) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// offset translates an absolute bus address into a device-local offset.
// The bound is checked inclusively on the last byte so a range ending flush
// at the top of the address space (base+size wrapping to 0) still works.
func (d *BaseDev) offset(addr uint32, width int) (uint32, error) {
	last := addr + uint32(width) - 1
	if addr < d.base || last < addr || last-d.base >= d.size {
		return 0, fmt.Errorf("%w: %08x (%s)", ErrOutOfRange, addr, d.name)
	}
	return addr - d.base, nil
}

// Read implements the default register-file dispatch.
func (d *BaseDev) Read(addr uint32, width int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return 0, fmt.Errorf("%w: %s", ErrDisabled, d.name)
	}
	off, err := d.offset(addr, width)
	if err != nil {
		return 0, err
	}
	return d.regs.Read(off, width)
}

// Write implements the default register-file dispatch.
func (d *BaseDev) Write(addr uint32, val uint32, width int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, d.name)
	}
	off, err := d.offset(addr, width)
	if err != nil {
		return err
	}
	return d.regs.Write(off, val, width)
}

// Reset restores every register to its reset value.
func (d *BaseDev) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.ModDev.DebugZ("reset").String("dev", d.name).End()
	d.regs.Reset()
}

// SendIRQ raises an interrupt on the attached bus.
func (d *BaseDev) SendIRQ(index int) error {
	b := d.Bus()
	if b == nil {
		return fmt.Errorf("device %s not attached to a bus", d.name)
	}
	return b.SendIRQ(d.master, index)
}
