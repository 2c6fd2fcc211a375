package main

import (
	"fmt"
	"time"

	"devsim/hw"
	"devsim/hw/bus"
)

// hostMaster is the bus master id the demo drives transactions from, playing
// the role of a CPU programming the devices.
const hostMaster = 0

func defaultTopology() *hw.Topology {
	return &hw.Topology{
		Bus: hw.BusConfig{Name: "demo"},
		Devices: []hw.DeviceConfig{
			{Type: "ram", Name: "sram", Base: 0x2000_0000, Size: 0x1_0000, Master: 1},
			{Type: "dma", Name: "dma0", Base: 0x4000_0000, Master: 2, Channels: 16},
			{Type: "port", Name: "uart0", Base: 0x5000_0000, Master: 3, Depth: 64},
		},
	}
}

func loadOrDefaultTopology(path string) *hw.Topology {
	if path == "" {
		return defaultTopology()
	}
	topo, err := hw.LoadTopology(path)
	checkf(err, "failed to load topology")
	return topo
}

func runDemo(cfg Demo) {
	topo := loadOrDefaultTopology(cfg.Topology)

	var tracer bus.Tracer
	if cfg.Trace != nil {
		tracer = bus.NewJSONTracer(cfg.Trace.w)
		defer cfg.Trace.close()
	}

	sys, err := hw.BuildSystem(topo, tracer)
	checkf(err, "failed to build system")
	defer sys.Close()

	var (
		dma  *hw.DMA
		ram  *hw.Memory
		port *hw.Port
	)
	for _, d := range sys.Bus.Devices() {
		switch dev := d.(type) {
		case *hw.DMA:
			dma = dev
		case *hw.Memory:
			ram = dev
		case *hw.Port:
			port = dev
		}
	}
	if dma == nil || ram == nil {
		fatalf("demo needs at least one dma and one ram device")
	}

	check(sys.Bus.RegisterMaster(hostMaster, "host"))
	printMap(sys.Bus)

	memToMem(sys.Bus, dma, ram)
	if port != nil {
		memToPort(sys.Bus, dma, ram, port)
	}

	// IRQ_STATUS is read-and-clear: the second read must come back empty.
	pend, err := sys.Bus.Read(hostMaster, dma.Base()+hw.DmaIrqStatus, 4)
	check(err)
	again, err := sys.Bus.Read(hostMaster, dma.Base()+hw.DmaIrqStatus, 4)
	check(err)
	fmt.Printf("IRQ_STATUS %08x, after clear %08x\n", pend, again)
}

// memToMem copies a pattern between two regions of the same RAM device and
// verifies the destination over the bus.
func memToMem(b *bus.Bus, dma *hw.DMA, ram *hw.Memory) {
	const (
		nbytes = 256
		ch     = 0
	)
	src := ram.Base()
	dst := ram.Base() + 0x1000

	for i := uint32(0); i < nbytes; i += 4 {
		check(b.Write(hostMaster, src+i, 0xA0B0_0000|i, 4))
	}

	complete := make(chan struct{}, 1)
	b.RegisterIRQHandler(dma.MasterID(), hw.IRQVector(ch, hw.IRQVecComplete), func(master, index int) {
		complete <- struct{}{}
	})
	defer b.UnregisterIRQHandler(dma.MasterID(), hw.IRQVector(ch, hw.IRQVecComplete))

	regs := dma.Base() + hw.DmaChanBase + uint32(ch)*hw.DmaChanStride
	check(b.Write(hostMaster, dma.Base()+hw.DmaIrqEnable, 1<<ch|1<<(16+ch), 4))
	check(b.Write(hostMaster, regs+hw.ChSrc, src, 4))
	check(b.Write(hostMaster, regs+hw.ChDst, dst, 4))
	check(b.Write(hostMaster, regs+hw.ChLen, nbytes, 4))

	ctrl := uint32(hw.CtrlEnable | 2<<6 | 2<<12) // high priority, 32-bit beats
	check(b.Write(hostMaster, regs+hw.ChCtrl, ctrl, 4))
	check(b.Write(hostMaster, regs+hw.ChCtrl, ctrl|hw.CtrlStart, 4))

	select {
	case <-complete:
	case <-time.After(2 * time.Second):
		fatalf("mem2mem transfer timed out")
	}

	for i := uint32(0); i < nbytes; i += 4 {
		got, err := b.Read(hostMaster, dst+i, 4)
		check(err)
		if want := 0xA0B0_0000 | i; got != want {
			fatalf("mem2mem mismatch at +%03x: got %08x, want %08x", i, got, want)
		}
	}

	moved, err := b.Read(hostMaster, regs+hw.ChXferred, 4)
	check(err)
	state, err := b.Read(hostMaster, regs+hw.ChState, 4)
	check(err)
	fmt.Printf("mem2mem: %d bytes %08x -> %08x, state %s: OK\n",
		moved, src, dst, hw.ChanState(state))
}

// memToPort streams RAM into the port's write-only DATA register with a
// fixed destination address.
func memToPort(b *bus.Bus, dma *hw.DMA, ram *hw.Memory, port *hw.Port) {
	const (
		nbytes = 64
		ch     = 1
	)
	src := ram.Base()
	dst := port.Base() + hw.PortData

	complete := make(chan struct{}, 1)
	b.RegisterIRQHandler(dma.MasterID(), hw.IRQVector(ch, hw.IRQVecComplete), func(master, index int) {
		complete <- struct{}{}
	})
	defer b.UnregisterIRQHandler(dma.MasterID(), hw.IRQVector(ch, hw.IRQVecComplete))

	regs := dma.Base() + hw.DmaChanBase + uint32(ch)*hw.DmaChanStride
	check(b.Write(hostMaster, dma.Base()+hw.DmaIrqEnable, 1<<ch|1<<(16+ch), 4))
	check(b.Write(hostMaster, regs+hw.ChSrc, src, 4))
	check(b.Write(hostMaster, regs+hw.ChDst, dst, 4))
	check(b.Write(hostMaster, regs+hw.ChLen, nbytes, 4))

	ctrl := uint32(hw.CtrlEnable | hw.CtrlDstFix | 1<<4 | 2<<12) // mem2peri
	check(b.Write(hostMaster, regs+hw.ChCtrl, ctrl, 4))
	check(b.Write(hostMaster, regs+hw.ChCtrl, ctrl|hw.CtrlStart, 4))

	select {
	case <-complete:
	case <-time.After(2 * time.Second):
		fatalf("mem2peri transfer timed out")
	}

	words := port.Drain()
	fmt.Printf("mem2peri: streamed %d words into %s: OK\n", len(words), port.Name())
}

func runMap(cfg Map) {
	topo, err := hw.LoadTopology(cfg.Topology)
	checkf(err, "failed to load topology")

	sys, err := hw.BuildSystem(topo, nil)
	checkf(err, "failed to build system")
	defer sys.Close()

	printMap(sys.Bus)
}

func printMap(b *bus.Bus) {
	fmt.Printf("bus %s\n", b.Name)
	for _, e := range b.AddressMap() {
		fmt.Printf("  %08x-%08x  master %-2d  %s\n", e.Start, e.End, e.Master, e.Device)
	}
}
