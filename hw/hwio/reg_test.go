package hwio

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegFileDefine(t *testing.T) {
	rf := NewRegFile("dev")

	if err := rf.Define(Reg32{Offset: 0x00, Name: "CTRL", Reset: 0x1}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	if err := rf.Define(Reg32{Offset: 0x00, Name: "DUP"}); !errors.Is(err, ErrRegExists) {
		t.Errorf("duplicate Define: got %v, want ErrRegExists", err)
	}

	reg := rf.Lookup(0x00)
	if reg == nil {
		t.Fatal("Lookup(0x00) = nil")
	}
	if reg.Value != 0x1 {
		t.Errorf("initial value: got %08x, want reset value 1", reg.Value)
	}
	if reg.Mask != 0xFFFF_FFFF {
		t.Errorf("default mask: got %08x, want ffffffff", reg.Mask)
	}
}

func TestRegFileOffsets(t *testing.T) {
	rf := NewRegFile("dev")
	for _, off := range []uint32{0x10, 0x00, 0x08} {
		rf.MustDefine(Reg32{Offset: off})
	}

	want := []uint32{0x00, 0x08, 0x10}
	if diff := cmp.Diff(want, rf.Offsets()); diff != "" {
		t.Errorf("Offsets() mismatch (-want +got):\n%s", diff)
	}
}

func TestRegAccess(t *testing.T) {
	rf := NewRegFile("dev")
	rf.MustDefine(Reg32{Offset: 0x00, Name: "RW"})
	rf.MustDefine(Reg32{Offset: 0x04, Name: "RO", Access: ReadOnly, Reset: 0xCAFE})
	rf.MustDefine(Reg32{Offset: 0x08, Name: "WO", Access: WriteOnly})
	rf.MustDefine(Reg32{Offset: 0x0C, Name: "RC", Access: ReadClear, Reset: 0xFF})

	if err := rf.Write(0x04, 1, 4); !errors.Is(err, ErrReadOnly) {
		t.Errorf("write to ro: got %v, want ErrReadOnly", err)
	}
	if _, err := rf.Read(0x08, 4); !errors.Is(err, ErrWriteOnly) {
		t.Errorf("read from wo: got %v, want ErrWriteOnly", err)
	}
	if _, err := rf.Read(0x100, 4); !errors.Is(err, ErrNoReg) {
		t.Errorf("read unmapped: got %v, want ErrNoReg", err)
	}

	// Read-clear returns the stored value once, then zero.
	val, err := rf.Read(0x0C, 4)
	if err != nil || val != 0xFF {
		t.Fatalf("rc first read: got %08x, %v", val, err)
	}
	val, err = rf.Read(0x0C, 4)
	if err != nil || val != 0 {
		t.Errorf("rc second read: got %08x, %v, want 0", val, err)
	}
}

func TestRegWriteMask(t *testing.T) {
	rf := NewRegFile("dev")
	rf.MustDefine(Reg32{Offset: 0x00, Mask: 0x0000_00FF})

	if err := rf.Write(0x00, 0xFFFF_FFFF, 4); err != nil {
		t.Fatal(err)
	}
	val, _ := rf.Read(0x00, 4)
	if val != 0xFF {
		t.Errorf("masked write: got %08x, want ff", val)
	}
}

func TestRegWidths(t *testing.T) {
	rf := NewRegFile("dev")
	rf.MustDefine(Reg32{Offset: 0x00, Reset: 0x1234_5678})

	tests := []struct {
		width int
		want  uint32
	}{
		{1, 0x78},
		{2, 0x5678},
		{4, 0x1234_5678},
	}
	for _, tt := range tests {
		val, err := rf.Read(0x00, tt.width)
		if err != nil {
			t.Fatalf("width %d: %v", tt.width, err)
		}
		if val != tt.want {
			t.Errorf("width %d: got %08x, want %08x", tt.width, val, tt.want)
		}
	}

	if _, err := rf.Read(0x00, 3); !errors.Is(err, ErrBadWidth) {
		t.Errorf("width 3: got %v, want ErrBadWidth", err)
	}
}

func TestRegCallbacks(t *testing.T) {
	rf := NewRegFile("dev")

	var wrote []uint32
	rf.MustDefine(Reg32{Offset: 0x00, Mask: 0xFFFF,
		WriteCb: func(off, val uint32) { wrote = append(wrote, val) }})
	rf.MustDefine(Reg32{Offset: 0x04, Reset: 0x2,
		ReadCb: func(off, val uint32) uint32 { return val * 3 }})

	// The write callback sees the masked value.
	if err := rf.Write(0x00, 0xABCD_1234, 4); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0x1234}, wrote); diff != "" {
		t.Errorf("write callback values (-want +got):\n%s", diff)
	}

	val, _ := rf.Read(0x04, 4)
	if val != 6 {
		t.Errorf("read callback: got %d, want 6", val)
	}
}

func TestRegFileReset(t *testing.T) {
	rf := NewRegFile("dev")
	called := false
	rf.MustDefine(Reg32{Offset: 0x00, Reset: 0xAA,
		WriteCb: func(off, val uint32) { called = true }})

	rf.Write(0x00, 0x55, 4)
	called = false
	rf.Reset()

	val, _ := rf.Read(0x00, 4)
	if val != 0xAA {
		t.Errorf("after reset: got %08x, want aa", val)
	}
	if called {
		t.Error("reset must not run write callbacks")
	}
}

func TestBitOps(t *testing.T) {
	var v uint32
	SetBits(&v, 0x30)
	SetBit(&v, 0)
	if v != 0x31 {
		t.Fatalf("set: got %08x, want 31", v)
	}
	if !GetBit32(v, 4) || GetBit32(v, 1) {
		t.Error("GetBit32 wrong")
	}
	ClearBit(&v, 0)
	ClearBits(&v, 0x10)
	if v != 0x20 {
		t.Errorf("clear: got %08x, want 20", v)
	}
}
