package bus

import (
	"fmt"

	"devsim/emu/log"
)

// IRQHandler is invoked synchronously in the caller's context when the
// device identified by master raises interrupt index.
type IRQHandler func(master, index int)

type irqKey struct {
	master, index int
}

// RegisterIRQHandler installs a handler for (master, index), replacing any
// previous one.
func (b *Bus) RegisterIRQHandler(master, index int, h IRQHandler) {
	b.irqmu.Lock()
	b.handlers[irqKey{master, index}] = h
	b.irqmu.Unlock()
}

// UnregisterIRQHandler removes the handler for (master, index).
func (b *Bus) UnregisterIRQHandler(master, index int) {
	b.irqmu.Lock()
	delete(b.handlers, irqKey{master, index})
	b.irqmu.Unlock()
}

// RegisterIRQSink installs the single global sink, called for every
// interrupt after the per-(master, index) handler. A nil sink removes it.
func (b *Bus) RegisterIRQSink(sink func(index int)) {
	b.irqmu.Lock()
	b.irqSink = sink
	b.irqmu.Unlock()
}

// SendIRQ raises interrupt index on behalf of master. Handler panics are
// isolated: they are logged and do not abort the bus.
func (b *Bus) SendIRQ(master, index int) error {
	b.mu.Lock()
	name, ok := b.masters[master]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMaster, master)
	}

	b.tracer.IRQ(IRQEvent{Bus: b.Name, Master: master, Index: index, Device: name})
	log.ModIRQ.DebugZ("irq").
		String("bus", b.Name).
		String("dev", name).
		Int("index", index).
		End()

	b.irqmu.Lock()
	h := b.handlers[irqKey{master, index}]
	sink := b.irqSink
	b.irqmu.Unlock()

	if h != nil {
		invokeIsolated(func() { h(master, index) }, "irq handler")
	}
	if sink != nil {
		invokeIsolated(func() { sink(index) }, "irq sink")
	}
	return nil
}

func invokeIsolated(fn func(), what string) {
	defer func() {
		if r := recover(); r != nil {
			log.ModIRQ.Errorf("%s panic: %v", what, r)
		}
	}()
	fn()
}
