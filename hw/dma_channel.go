package hw

import (
	"fmt"
	"sync"
)

// ChanState is the lifecycle state of a DMA channel.
type ChanState uint32

const (
	ChanIdle ChanState = iota
	ChanConfigured
	ChanRunning
	ChanPaused
	ChanCompleted
	ChanError
)

func (s ChanState) String() string {
	switch s {
	case ChanIdle:
		return "idle"
	case ChanConfigured:
		return "configured"
	case ChanRunning:
		return "running"
	case ChanPaused:
		return "paused"
	case ChanCompleted:
		return "completed"
	case ChanError:
		return "error"
	}
	return fmt.Sprintf("ChanState(%d)", uint32(s))
}

// Priority is the 4-level channel priority. Higher wins arbitration.
type Priority uint32

const (
	PrioLow Priority = iota
	PrioMedium
	PrioHigh
	PrioVeryHigh
)

func (p Priority) String() string {
	switch p {
	case PrioLow:
		return "low"
	case PrioMedium:
		return "medium"
	case PrioHigh:
		return "high"
	case PrioVeryHigh:
		return "veryhigh"
	}
	return fmt.Sprintf("Priority(%d)", uint32(p))
}

// XferMode selects which sides of a transfer target memory or a peripheral.
// Mechanically all sides go through the bus; the mode is recorded for
// drivers and defaults the fixed-address behavior of peripheral sides.
type XferMode uint32

const (
	Mem2Mem XferMode = iota
	Mem2Peri
	Peri2Mem
	Peri2Peri
)

func (m XferMode) String() string {
	switch m {
	case Mem2Mem:
		return "mem2mem"
	case Mem2Peri:
		return "mem2peri"
	case Peri2Mem:
		return "peri2mem"
	case Peri2Peri:
		return "peri2peri"
	}
	return fmt.Sprintf("XferMode(%d)", uint32(m))
}

// Channel status flag bits, mirrored verbatim in the CHn_STATUS register.
const (
	StComplete   = 1 << 0
	StHalf       = 1 << 1
	StDstBusErr  = 1 << 2
	StSrcBusErr  = 1 << 3
	StDstOffErr  = 1 << 4
	StSrcOffErr  = 1 << 5
	StDstAddrErr = 1 << 6
	StSrcAddrErr = 1 << 7
	StLenErr     = 1 << 8
)

const maxXferLen = 0x7FFF

// xferConfig is the immutable part of a channel configuration, snapshotted
// into a transferRequest when the channel is armed.
type xferConfig struct {
	src, dst         uint32
	srcStart, srcEnd uint32
	dstStart, dstEnd uint32
	srcOff, dstOff   uint32
	length           uint32
	width            int
	mode             XferMode
	prio             Priority
	circular         bool
	srcFix, dstFix   bool
}

// validate checks alignment and length bounds, returning the status flags of
// everything wrong with the configuration (0 means valid).
func (cfg *xferConfig) validate() uint32 {
	var flags uint32
	w := uint32(cfg.width)

	if cfg.src%w != 0 {
		flags |= StSrcAddrErr
	}
	if cfg.dst%w != 0 {
		flags |= StDstAddrErr
	}
	if cfg.srcOff%w != 0 {
		flags |= StSrcOffErr
	}
	if cfg.dstOff%w != 0 {
		flags |= StDstOffErr
	}
	if cfg.length == 0 || cfg.length > maxXferLen || cfg.length%w != 0 {
		flags |= StLenErr
	}
	return flags
}

// channel is one entry of the engine's channel arena. All callbacks and
// workers address channels by explicit id, never by captured reference.
type channel struct {
	id int

	mu      sync.Mutex
	state   ChanState
	enabled bool

	cfg            xferConfig
	curSrc, curDst uint32
	transferred    uint32
	status         uint32

	// gen increments on every stop/reset so that a stale worker can detect
	// it no longer owns the channel.
	gen uint64

	cancel    chan struct{} // closed to request cooperative stop
	cancelled bool
	done      chan struct{} // closed by the worker on exit, nil when no worker
}

// transferRequest is submitted to the arbiter once per arm event.
type transferRequest struct {
	ch  int
	cfg xferConfig
	gen uint64
	seq uint64 // submission sequence, tie-break at equal priority
}

// configure loads cfg into the channel, validates it, and moves to
// CONFIGURED, or directly to ERROR with the matching flags set.
func (c *channel) configure(cfg xferConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ChanRunning || c.state == ChanPaused {
		return
	}

	c.cfg = cfg
	c.curSrc = cfg.src
	c.curDst = cfg.dst
	c.transferred = 0
	c.status = 0

	if flags := cfg.validate(); flags != 0 {
		c.status = flags
		c.state = ChanError
		c.enabled = false
		return
	}
	c.state = ChanConfigured
	c.enabled = true
}

// forceIdle resets the channel bookkeeping to IDLE. Any worker still alive
// is orphaned by the generation bump and exits at its next chunk boundary.
func (c *channel) forceIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceIdleLocked()
}

func (c *channel) forceIdleLocked() {
	c.gen++
	c.state = ChanIdle
	c.enabled = false
	c.transferred = 0
	c.status = 0
	c.curSrc = 0
	c.curDst = 0
	c.cancel = nil
	c.cancelled = false
	c.done = nil
}

// requestCancel asks the running worker to stop at the next chunk boundary.
// Returns the worker's done channel, or nil if no worker is active.
func (c *channel) requestCancel() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil && !c.cancelled {
		close(c.cancel)
		c.cancelled = true
	}
	return c.done
}
