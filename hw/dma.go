package hw

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"devsim/emu/log"
	"devsim/hw/hwio"
)

// DMA register map. The global block sits at the bottom of the device range;
// each channel owns a 0x40-byte block starting at DmaChanBase.
const (
	DmaTopRst    = 0x000 // w: bit0 warm reset, bit1 hard reset; r: bit0 all-idle
	DmaIrqEnable = 0x004 // rw: bits 15:0 completion enables, 31:16 error enables
	DmaIrqStatus = 0x008 // rc: bits 15:0 completion pending, 31:16 error pending

	DmaChanBase   = 0x040
	DmaChanStride = 0x40

	ChCtrl     = 0x00 // rw
	ChStatus   = 0x04 // ro: channel flag bits
	ChSrc      = 0x08 // rw
	ChDst      = 0x0C // rw
	ChLen      = 0x10 // rw: transfer length in bytes, 1..0x7FFF
	ChSrcStart = 0x14 // rw: circular wrap target for the source side
	ChSrcEnd   = 0x18 // rw: circular wrap bound for the source side
	ChDstStart = 0x1C // rw
	ChDstEnd   = 0x20 // rw
	ChOffset   = 0x24 // rw: bits 15:0 source stride, 31:16 destination stride
	ChXferred  = 0x28 // ro: bytes moved in the current cycle
	ChState    = 0x2C // ro: ChanState value
)

// CHn_CTRL bit layout.
const (
	CtrlEnable   = 1 << 0
	CtrlStart    = 1 << 1
	CtrlPause    = 1 << 2
	CtrlStop     = 1 << 3
	CtrlSrcFix   = 1 << 8
	CtrlDstFix   = 1 << 9
	CtrlCircular = 1 << 10

	ctrlModeShift  = 4 // bits 5:4, XferMode
	ctrlPrioShift  = 6 // bits 7:6, Priority
	ctrlWidthShift = 12
)

// TOP_RST bits.
const (
	TopRstWarm = 1 << 0
	TopRstHard = 1 << 1
	TopRstIdle = 1 << 0 // read side
)

// Per-channel interrupt vectors: channel n raises n*4 + vector.
const (
	IRQVecHalf     = 1
	IRQVecComplete = 2
	IRQVecError    = 3
)

// IRQVector returns the bus interrupt index for a channel event.
func IRQVector(ch, vec int) int { return ch*4 + vec }

const (
	stopTimeout      = 500 * time.Millisecond
	warmResetTimeout = time.Second
	pausePoll        = time.Millisecond
)

// DMA is a multi-channel transfer engine. It is both a device (its register
// map drives the channels) and a bus master (transfers are issued as regular
// bus transactions under its own master id).
//
// A single admit loop pops requests from the arbiter in priority order and
// hands each one to its own worker goroutine, so channels progress in
// parallel while the beats of one channel stay strictly ordered.
type DMA struct {
	BaseDev

	channels []*channel
	arb      *arbiter
	seq      atomic.Uint64
	workers  sync.WaitGroup

	irqEn     atomic.Uint32
	irqPend   atomic.Uint32
	beatDelay atomic.Int64 // pacing between beats, nanoseconds

	admitmu  sync.Mutex
	admitted []int

	loopDone  chan struct{}
	closeOnce sync.Once
}

// NewDMA creates an engine with nchan channels and starts its admit loop.
// Call Close when done with it.
func NewDMA(name string, base uint32, master, nchan int) *DMA {
	size := uint32(DmaChanBase + nchan*DmaChanStride)
	dma := &DMA{
		channels: make([]*channel, nchan),
		arb:      newArbiter(),
		loopDone: make(chan struct{}),
	}
	dma.Init(name, base, size, master)
	for i := range dma.channels {
		dma.channels[i] = &channel{id: i}
	}

	regs := dma.Regs()
	regs.MustDefine(hwio.Reg32{Offset: DmaTopRst, Name: "TOP_RST",
		ReadCb: dma.readTopRst, WriteCb: dma.writeTopRst})
	regs.MustDefine(hwio.Reg32{Offset: DmaIrqEnable, Name: "IRQ_ENABLE",
		WriteCb: func(_ uint32, val uint32) { dma.irqEn.Store(val) }})
	regs.MustDefine(hwio.Reg32{Offset: DmaIrqStatus, Name: "IRQ_STATUS",
		Access: hwio.ReadClear, ReadCb: dma.readIrqStatus})

	for ch := 0; ch < nchan; ch++ {
		b := chanRegBase(ch)
		regs.MustDefine(hwio.Reg32{Offset: b + ChCtrl, Name: fmt.Sprintf("CH%d_CTRL", ch),
			WriteCb: dma.writeChanCtrl})
		regs.MustDefine(hwio.Reg32{Offset: b + ChStatus, Name: fmt.Sprintf("CH%d_STATUS", ch),
			Access: hwio.ReadOnly, ReadCb: dma.readChanStatus})
		regs.MustDefine(hwio.Reg32{Offset: b + ChSrc, Name: fmt.Sprintf("CH%d_SRC", ch)})
		regs.MustDefine(hwio.Reg32{Offset: b + ChDst, Name: fmt.Sprintf("CH%d_DST", ch)})
		regs.MustDefine(hwio.Reg32{Offset: b + ChLen, Name: fmt.Sprintf("CH%d_LEN", ch), Mask: maxXferLen})
		regs.MustDefine(hwio.Reg32{Offset: b + ChSrcStart, Name: fmt.Sprintf("CH%d_SSTART", ch)})
		regs.MustDefine(hwio.Reg32{Offset: b + ChSrcEnd, Name: fmt.Sprintf("CH%d_SEND", ch)})
		regs.MustDefine(hwio.Reg32{Offset: b + ChDstStart, Name: fmt.Sprintf("CH%d_DSTART", ch)})
		regs.MustDefine(hwio.Reg32{Offset: b + ChDstEnd, Name: fmt.Sprintf("CH%d_DEND", ch)})
		regs.MustDefine(hwio.Reg32{Offset: b + ChOffset, Name: fmt.Sprintf("CH%d_OFFSET", ch)})
		regs.MustDefine(hwio.Reg32{Offset: b + ChXferred, Name: fmt.Sprintf("CH%d_XFERRED", ch),
			Access: hwio.ReadOnly, ReadCb: dma.readChanXferred})
		regs.MustDefine(hwio.Reg32{Offset: b + ChState, Name: fmt.Sprintf("CH%d_STATE", ch),
			Access: hwio.ReadOnly, ReadCb: dma.readChanState})
	}

	go dma.admitLoop()
	return dma
}

func chanRegBase(ch int) uint32 { return DmaChanBase + uint32(ch)*DmaChanStride }

// chanID recovers the channel addressed by a register offset.
func chanID(off uint32) int { return int((off - DmaChanBase) / DmaChanStride) }

// NumChannels returns the number of channels of this engine.
func (dma *DMA) NumChannels() int { return len(dma.channels) }

// SetBeatDelay sets the artificial pacing between transfer beats. Zero runs
// transfers as fast as the bus allows.
func (dma *DMA) SetBeatDelay(d time.Duration) { dma.beatDelay.Store(int64(d)) }

// Close shuts down the admit loop and cancels any running transfer.
func (dma *DMA) Close() {
	dma.closeOnce.Do(func() {
		dma.arb.close()
		for _, c := range dma.channels {
			c.requestCancel()
		}
		<-dma.loopDone
		dma.workers.Wait()
	})
}

// ChannelState returns the current state of a channel.
func (dma *DMA) ChannelState(ch int) ChanState {
	c := dma.channels[ch]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChannelStatus returns the flag bits of a channel.
func (dma *DMA) ChannelStatus(ch int) uint32 {
	c := dma.channels[ch]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Transferred returns the bytes moved by a channel in its current cycle.
func (dma *DMA) Transferred(ch int) uint32 {
	c := dma.channels[ch]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferred
}

/*
 * Register callbacks. All of them run under the device lock and derive the
 * channel id from the register offset.
 */

func (dma *DMA) readIrqStatus(_ uint32, _ uint32) uint32 {
	return dma.irqPend.Swap(0)
}

func (dma *DMA) readTopRst(_ uint32, _ uint32) uint32 {
	for _, c := range dma.channels {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st == ChanRunning || st == ChanPaused {
			return 0
		}
	}
	return TopRstIdle
}

func (dma *DMA) writeTopRst(_ uint32, val uint32) {
	if val&TopRstHard != 0 {
		dma.hardReset()
	} else if val&TopRstWarm != 0 {
		dma.warmReset()
	}
}

func (dma *DMA) readChanStatus(off uint32, _ uint32) uint32 {
	return dma.ChannelStatus(chanID(off))
}

func (dma *DMA) readChanXferred(off uint32, _ uint32) uint32 {
	return dma.Transferred(chanID(off))
}

func (dma *DMA) readChanState(off uint32, _ uint32) uint32 {
	return uint32(dma.ChannelState(chanID(off)))
}

func (dma *DMA) writeChanCtrl(off uint32, val uint32) {
	ch := chanID(off)
	c := dma.channels[ch]

	if val&CtrlStop != 0 {
		dma.stopChannel(ch)
		return
	}

	// Clearing the enable bit always brings the channel back to IDLE,
	// including from COMPLETED and ERROR.
	if val&CtrlEnable == 0 {
		c.mu.Lock()
		idle := c.state == ChanIdle
		c.mu.Unlock()
		if !idle {
			dma.stopChannel(ch)
		}
		return
	}

	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	// A channel in ERROR keeps its fault flags until a stop, disable or
	// reset brings it back to IDLE.
	if st == ChanIdle || st == ChanCompleted || st == ChanConfigured {
		dma.configureChannel(ch, val)
	}

	if val&CtrlPause != 0 {
		c.mu.Lock()
		if c.state == ChanRunning {
			c.state = ChanPaused
			log.ModDMA.InfoZ("channel paused").Int("ch", ch).End()
		}
		c.mu.Unlock()
		return
	}

	if val&CtrlStart != 0 {
		c.mu.Lock()
		switch c.state {
		case ChanPaused:
			c.state = ChanRunning
			log.ModDMA.InfoZ("channel resumed").Int("ch", ch).End()
		case ChanConfigured:
			req := transferRequest{ch: ch, cfg: c.cfg, gen: c.gen, seq: dma.seq.Add(1)}
			c.mu.Unlock()
			dma.arb.submit(req)
			log.ModDMA.DebugZ("transfer armed").
				Int("ch", ch).
				String("prio", req.cfg.prio.String()).
				Hex32("src", req.cfg.src).
				Hex32("dst", req.cfg.dst).
				Int("len", int(req.cfg.length)).
				End()
			return
		}
		c.mu.Unlock()
	}
}

// configureChannel snapshots the channel registers into the channel struct
// and validates the configuration. Runs under the device lock, so the raw
// register values can be read directly.
func (dma *DMA) configureChannel(ch int, ctrl uint32) {
	base := chanRegBase(ch)
	rv := func(off uint32) uint32 { return dma.regs.Lookup(base + off).Value }

	width := widthFromCode((ctrl >> ctrlWidthShift) & 3)
	offs := rv(ChOffset)
	srcOff, dstOff := offs&0xFFFF, offs>>16
	if srcOff == 0 {
		srcOff = uint32(width)
	}
	if dstOff == 0 {
		dstOff = uint32(width)
	}

	cfg := xferConfig{
		src:      rv(ChSrc),
		dst:      rv(ChDst),
		srcStart: rv(ChSrcStart),
		srcEnd:   rv(ChSrcEnd),
		dstStart: rv(ChDstStart),
		dstEnd:   rv(ChDstEnd),
		srcOff:   srcOff,
		dstOff:   dstOff,
		length:   rv(ChLen),
		width:    width,
		mode:     XferMode((ctrl >> ctrlModeShift) & 3),
		prio:     Priority((ctrl >> ctrlPrioShift) & 3),
		circular: ctrl&CtrlCircular != 0,
		srcFix:   ctrl&CtrlSrcFix != 0,
		dstFix:   ctrl&CtrlDstFix != 0,
	}

	c := dma.channels[ch]
	c.configure(cfg)

	c.mu.Lock()
	bad := c.state == ChanError
	flags := c.status
	c.mu.Unlock()

	if bad {
		log.ModDMA.WarnZ("bad channel config").
			Int("ch", ch).
			Hex32("flags", flags).
			End()
		dma.raiseError(ch)
		return
	}
	log.ModDMA.DebugZ("channel configured").
		Int("ch", ch).
		String("mode", cfg.mode.String()).
		Int("width", cfg.width).
		End()
}

func widthFromCode(code uint32) int {
	switch code {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

// stopChannel cancels any in-flight transfer with a bounded wait and forces
// the channel back to IDLE.
func (dma *DMA) stopChannel(ch int) {
	c := dma.channels[ch]

	done := c.requestCancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopTimeout):
			log.ModDMA.WarnZ("stop timed out").Int("ch", ch).End()
		}
	}
	c.forceIdle()
	log.ModDMA.InfoZ("channel stopped").Int("ch", ch).End()
}

// warmReset lets in-flight transfers finish (bounded), then drops the queue
// and idles every channel. Interrupt enables are preserved.
func (dma *DMA) warmReset() {
	log.ModDMA.InfoZ("warm reset").String("dev", dma.name).End()
	dma.arb.hold()
	defer dma.arb.release()

	deadline := time.Now().Add(warmResetTimeout)
	for _, c := range dma.channels {
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-time.After(time.Until(deadline)):
			log.ModDMA.WarnZ("warm reset timed out").Int("ch", c.id).End()
			c.requestCancel()
		}
	}

	dma.arb.purge()
	for _, c := range dma.channels {
		c.forceIdle()
	}
	dma.irqPend.Store(0)
}

// hardReset cancels everything immediately and restores the power-on state.
// It never waits: orphaned workers notice the generation bump and exit.
func (dma *DMA) hardReset() {
	log.ModDMA.InfoZ("hard reset").String("dev", dma.name).End()
	dma.arb.hold()
	dma.arb.purge()
	for _, c := range dma.channels {
		c.requestCancel()
		c.forceIdle()
	}
	dma.irqPend.Store(0)
	dma.irqEn.Store(0)
	// Keep the register readback in sync with the effective mask. Safe
	// without extra locking: TOP_RST writes run under the device lock.
	dma.regs.Lookup(DmaIrqEnable).Value = 0
	dma.arb.release()
}

// Reset implements the device-level reset: hard reset plus register file
// restore.
func (dma *DMA) Reset() {
	dma.mu.Lock()
	defer dma.mu.Unlock()
	dma.hardReset()
	dma.regs.Reset()
}

/*
 * Transfer execution.
 */

func (dma *DMA) admitLoop() {
	defer close(dma.loopDone)
	for {
		req, ok := dma.arb.next()
		if !ok {
			return
		}
		dma.admitmu.Lock()
		dma.admitted = append(dma.admitted, req.ch)
		dma.admitmu.Unlock()
		log.ModDMA.DebugZ("transfer admitted").
			Int("ch", req.ch).
			String("prio", req.cfg.prio.String()).
			Uint64("seq", req.seq).
			End()

		dma.workers.Add(1)
		go func() {
			defer dma.workers.Done()
			dma.execute(req)
		}()
	}
}

// admissionOrder returns the channel ids in the order their transfers were
// admitted. Debug surface, snapshot.
func (dma *DMA) admissionOrder() []int {
	dma.admitmu.Lock()
	defer dma.admitmu.Unlock()
	out := make([]int, len(dma.admitted))
	copy(out, dma.admitted)
	return out
}

// execute runs one transfer to completion, error or cancellation. It is
// called from the admit loop and never holds the device lock, so registers
// stay readable while a transfer is in flight.
func (dma *DMA) execute(req transferRequest) {
	c := dma.channels[req.ch]

	c.mu.Lock()
	if c.gen != req.gen || c.state != ChanConfigured || !c.enabled {
		c.mu.Unlock()
		log.ModDMA.DebugZ("stale request dropped").Int("ch", req.ch).End()
		return
	}
	gen := c.gen
	c.state = ChanRunning
	cancel := make(chan struct{})
	done := make(chan struct{})
	c.cancel = cancel
	c.cancelled = false
	c.done = done
	c.mu.Unlock()
	defer close(done)

	b := dma.Bus()
	if b == nil {
		dma.fail(c, gen, StSrcBusErr)
		return
	}

	cfg := req.cfg
	w := uint32(cfg.width)
	halfSent := false

	for {
		select {
		case <-cancel:
			return
		default:
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		st := c.state
		src, dst := c.curSrc, c.curDst
		c.mu.Unlock()

		if st == ChanPaused {
			select {
			case <-cancel:
				return
			case <-time.After(pausePoll):
			}
			continue
		}

		val, err := b.Read(dma.master, src, cfg.width)
		if err != nil {
			dma.fail(c, gen, StSrcBusErr)
			return
		}
		if err := b.Write(dma.master, dst, val, cfg.width); err != nil {
			dma.fail(c, gen, StDstBusErr)
			return
		}

		var half, complete bool
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.transferred += w
		if !cfg.srcFix {
			c.curSrc += cfg.srcOff
			if cfg.circular && cfg.srcEnd != 0 && c.curSrc >= cfg.srcEnd {
				c.curSrc = wrapTarget(cfg.srcStart, cfg.src)
			}
		}
		if !cfg.dstFix {
			c.curDst += cfg.dstOff
			if cfg.circular && cfg.dstEnd != 0 && c.curDst >= cfg.dstEnd {
				c.curDst = wrapTarget(cfg.dstStart, cfg.dst)
			}
		}
		if !halfSent && c.transferred*2 >= cfg.length {
			half = true
			halfSent = true
			c.status |= StHalf
		}
		if c.transferred >= cfg.length {
			complete = true
			c.status |= StComplete
			if cfg.circular {
				c.transferred = 0
				c.curSrc = wrapTarget(cfg.srcStart, cfg.src)
				c.curDst = wrapTarget(cfg.dstStart, cfg.dst)
				halfSent = false
				// Per-cycle flags do not carry into the next lap.
				c.status &^= StComplete | StHalf
			} else {
				c.state = ChanCompleted
				c.enabled = false
			}
		}
		c.mu.Unlock()

		if half {
			dma.raiseIRQ(req.ch, IRQVecHalf)
		}
		if complete {
			dma.irqPend.Or(1 << uint(req.ch))
			dma.raiseIRQ(req.ch, IRQVecComplete)
			if !cfg.circular {
				log.ModDMA.InfoZ("transfer complete").
					Int("ch", req.ch).
					Int("len", int(cfg.length)).
					End()
				return
			}
		}

		if d := dma.beatDelay.Load(); d > 0 {
			time.Sleep(time.Duration(d))
		} else {
			runtime.Gosched()
		}
	}
}

func wrapTarget(start, fallback uint32) uint32 {
	if start != 0 {
		return start
	}
	return fallback
}

// fail moves the channel to ERROR with the given flag and raises the error
// interrupt.
func (dma *DMA) fail(c *channel, gen uint64, flag uint32) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.status |= flag
	c.state = ChanError
	c.enabled = false
	c.mu.Unlock()

	log.ModDMA.WarnZ("transfer failed").
		Int("ch", c.id).
		Hex32("flags", flag).
		End()
	dma.raiseError(c.id)
}

func (dma *DMA) raiseError(ch int) {
	dma.irqPend.Or(1 << uint(16+ch))
	dma.raiseIRQ(ch, IRQVecError)
}

// raiseIRQ delivers a channel event on the bus if the matching enable bit is
// set. Pending bits are latched by the callers regardless of the enables.
func (dma *DMA) raiseIRQ(ch, vec int) {
	en := dma.irqEn.Load()
	bit := uint32(1) << uint(ch)
	if vec == IRQVecError {
		bit = 1 << uint(16+ch)
	}
	if en&bit == 0 {
		return
	}

	b := dma.Bus()
	if b == nil {
		return
	}
	if err := b.SendIRQ(dma.master, IRQVector(ch, vec)); err != nil {
		log.ModIRQ.Warnf("dma irq delivery failed: %v", err)
	}
}
