package bus

import (
	"io"
	"sync"

	"github.com/go-faster/jx"
)

// Transaction describes one bus access, successful or not.
type Transaction struct {
	Bus    string
	Master int
	Addr   uint32
	Write  bool
	Value  uint32
	Width  int
	Device string // empty if no device answered
	Err    error  // nil on success
}

// IRQEvent describes one interrupt delivery.
type IRQEvent struct {
	Bus    string
	Master int
	Index  int
	Device string
}

// Tracer receives every bus transaction and IRQ event. Implementations must
// be safe for concurrent use: bus masters call from their own goroutines.
type Tracer interface {
	Transaction(tx Transaction)
	IRQ(ev IRQEvent)
}

// NopTracer discards all events. It is the default when no tracer is
// injected at bus creation.
type NopTracer struct{}

func (NopTracer) Transaction(Transaction) {}
func (NopTracer) IRQ(IRQEvent)            {}

// JSONTracer writes one JSON object per event to w.
type JSONTracer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONTracer(w io.Writer) *JSONTracer {
	return &JSONTracer{w: w}
}

func (t *JSONTracer) Transaction(tx Transaction) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("ev", func(e *jx.Encoder) { e.Str("tx") })
		e.Field("bus", func(e *jx.Encoder) { e.Str(tx.Bus) })
		e.Field("master", func(e *jx.Encoder) { e.Int(tx.Master) })
		e.Field("addr", func(e *jx.Encoder) { e.UInt32(tx.Addr) })
		op := "read"
		if tx.Write {
			op = "write"
		}
		e.Field("op", func(e *jx.Encoder) { e.Str(op) })
		e.Field("value", func(e *jx.Encoder) { e.UInt32(tx.Value) })
		e.Field("width", func(e *jx.Encoder) { e.Int(tx.Width) })
		e.Field("device", func(e *jx.Encoder) { e.Str(tx.Device) })
		e.Field("ok", func(e *jx.Encoder) { e.Bool(tx.Err == nil) })
		if tx.Err != nil {
			e.Field("error", func(e *jx.Encoder) { e.Str(tx.Err.Error()) })
		}
	})
	t.writeLine(e.Bytes())
}

func (t *JSONTracer) IRQ(ev IRQEvent) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("ev", func(e *jx.Encoder) { e.Str("irq") })
		e.Field("bus", func(e *jx.Encoder) { e.Str(ev.Bus) })
		e.Field("master", func(e *jx.Encoder) { e.Int(ev.Master) })
		e.Field("index", func(e *jx.Encoder) { e.Int(ev.Index) })
		e.Field("device", func(e *jx.Encoder) { e.Str(ev.Device) })
	})
	t.writeLine(e.Bytes())
}

func (t *JSONTracer) writeLine(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Write(append(b, '\n'))
}
