package bus

import (
	"fmt"
	"sort"
	"sync"

	"devsim/emu/log"
	"devsim/hw/hwio"
)

// Device is the contract a bus-addressable unit must implement. Read/Write
// receive absolute bus addresses; the device translates to local offsets.
type Device interface {
	Name() string
	Base() uint32
	Size() uint32
	MasterID() int

	Read(addr uint32, width int) (uint32, error)
	Write(addr uint32, val uint32, width int) error
	Reset()

	// Attach/Detach are called by the bus on add/remove so that devices
	// acting as bus masters can issue their own transactions.
	Attach(b *Bus)
	Detach()
}

type mapEntry struct {
	start, end uint32 // inclusive
	dev        Device
}

// Bus routes reads, writes and interrupts to the device owning the target
// address. The internal lock guards only the device table and address map:
// dispatch to a device happens outside of it, so a device that is also a bus
// master (e.g. a DMA engine) can re-enter the bus without deadlocking.
type Bus struct {
	Name string

	mu      sync.Mutex
	devices map[int]Device
	masters map[int]string // all known master ids, devices included
	addrmap []mapEntry     // sorted by start, non-overlapping

	irqmu    sync.Mutex
	handlers map[irqKey]IRQHandler
	irqSink  func(index int)

	tracer Tracer
}

// New creates a bus. A nil tracer disables transaction tracing.
func New(name string, tracer Tracer) *Bus {
	if tracer == nil {
		tracer = NopTracer{}
	}
	return &Bus{
		Name:     name,
		devices:  make(map[int]Device),
		masters:  make(map[int]string),
		handlers: make(map[irqKey]IRQHandler),
		tracer:   tracer,
	}
}

// AddDevice attaches a device to the bus. It fails on a duplicate master id
// or an overlapping address range, leaving the bus unchanged.
func (b *Bus) AddDevice(d Device) error {
	if d.Size() == 0 {
		return fmt.Errorf("%w: %s has zero size", ErrBadRange, d.Name())
	}
	start, end := d.Base(), d.Base()+d.Size()-1
	if end < start {
		return fmt.Errorf("%w: %s wraps around", ErrBadRange, d.Name())
	}

	b.mu.Lock()
	if prev, ok := b.masters[d.MasterID()]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d used by %s", ErrMasterInUse, d.MasterID(), prev)
	}
	for _, e := range b.addrmap {
		if start <= e.end && e.start <= end {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s [%08x-%08x] vs %s [%08x-%08x]",
				ErrOverlap, d.Name(), start, end, e.dev.Name(), e.start, e.end)
		}
	}

	b.devices[d.MasterID()] = d
	b.masters[d.MasterID()] = d.Name()
	i := sort.Search(len(b.addrmap), func(i int) bool { return b.addrmap[i].start > start })
	b.addrmap = append(b.addrmap, mapEntry{})
	copy(b.addrmap[i+1:], b.addrmap[i:])
	b.addrmap[i] = mapEntry{start: start, end: end, dev: d}
	b.mu.Unlock()

	log.ModBus.InfoZ("device attached").
		String("bus", b.Name).
		String("dev", d.Name()).
		Hex32("base", start).
		Hex32("end", end).
		Int("master", d.MasterID()).
		End()

	d.Attach(b)
	return nil
}

// RemoveDevice detaches the device with the given master id.
func (b *Bus) RemoveDevice(master int) error {
	b.mu.Lock()
	d, ok := b.devices[master]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownMaster, master)
	}
	delete(b.devices, master)
	delete(b.masters, master)
	for i, e := range b.addrmap {
		if e.dev.MasterID() == master {
			b.addrmap = append(b.addrmap[:i], b.addrmap[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	d.Detach()
	return nil
}

// RegisterMaster declares a bus master that is not itself an addressable
// device, such as a host CPU model. Devices are registered automatically.
func (b *Bus) RegisterMaster(id int, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.masters[id]; ok {
		return fmt.Errorf("%w: %d used by %s", ErrMasterInUse, id, prev)
	}
	b.masters[id] = name
	return nil
}

// lookup validates the master id and finds the device mapped at addr.
func (b *Bus) lookup(master int, addr uint32) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.masters[master]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMaster, master)
	}
	i := sort.Search(len(b.addrmap), func(i int) bool { return b.addrmap[i].end >= addr })
	if i < len(b.addrmap) && b.addrmap[i].start <= addr {
		return b.addrmap[i].dev, nil
	}
	return nil, fmt.Errorf("%w: %08x", ErrUnmapped, addr)
}

// Read performs a bus read transaction on behalf of master.
func (b *Bus) Read(master int, addr uint32, width int) (uint32, error) {
	if _, err := hwio.WidthMask(width); err != nil {
		return 0, err
	}

	d, err := b.lookup(master, addr)
	if err != nil {
		b.tracer.Transaction(Transaction{Bus: b.Name, Master: master, Addr: addr, Width: width, Err: err})
		return 0, err
	}

	val, err := d.Read(addr, width)
	if err != nil {
		fault := &DeviceFault{Device: d.Name(), Err: err}
		b.tracer.Transaction(Transaction{Bus: b.Name, Master: master, Addr: addr, Width: width, Device: d.Name(), Err: fault})
		log.ModBus.WarnZ("read failed").
			String("bus", b.Name).
			Int("master", master).
			Hex32("addr", addr).
			Error("err", err).
			End()
		return 0, fault
	}

	b.tracer.Transaction(Transaction{Bus: b.Name, Master: master, Addr: addr, Value: val, Width: width, Device: d.Name()})
	return val, nil
}

// Write performs a bus write transaction on behalf of master.
func (b *Bus) Write(master int, addr uint32, val uint32, width int) error {
	if _, err := hwio.WidthMask(width); err != nil {
		return err
	}

	d, err := b.lookup(master, addr)
	if err != nil {
		b.tracer.Transaction(Transaction{Bus: b.Name, Master: master, Addr: addr, Write: true, Value: val, Width: width, Err: err})
		return err
	}

	if err := d.Write(addr, val, width); err != nil {
		fault := &DeviceFault{Device: d.Name(), Err: err}
		b.tracer.Transaction(Transaction{Bus: b.Name, Master: master, Addr: addr, Write: true, Value: val, Width: width, Device: d.Name(), Err: fault})
		log.ModBus.WarnZ("write failed").
			String("bus", b.Name).
			Int("master", master).
			Hex32("addr", addr).
			Hex32("val", val).
			Error("err", err).
			End()
		return fault
	}

	b.tracer.Transaction(Transaction{Bus: b.Name, Master: master, Addr: addr, Write: true, Value: val, Width: width, Device: d.Name()})
	return nil
}

// MapEntry is one row of the decoded address map.
type MapEntry struct {
	Start, End uint32
	Device     string
	Master     int
}

// AddressMap returns a snapshot of the address map, sorted by start address.
func (b *Bus) AddressMap() []MapEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]MapEntry, len(b.addrmap))
	for i, e := range b.addrmap {
		out[i] = MapEntry{Start: e.start, End: e.end, Device: e.dev.Name(), Master: e.dev.MasterID()}
	}
	return out
}

// Devices returns the attached devices in master id order.
func (b *Bus) Devices() []Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	masters := make([]int, 0, len(b.devices))
	for id := range b.devices {
		masters = append(masters, id)
	}
	sort.Ints(masters)

	out := make([]Device, len(masters))
	for i, id := range masters {
		out[i] = b.devices[id]
	}
	return out
}

// Reset resets every attached device.
func (b *Bus) Reset() {
	for _, d := range b.Devices() {
		d.Reset()
	}
}
