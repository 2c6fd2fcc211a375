package hw

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"devsim/hw/hwio"
)

func TestMemoryLittleEndian(t *testing.T) {
	m := NewMemory("ram", 0x1000, 0x100, 1)

	if err := m.Write(0x1010, 0x1122_3344, 4); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr  uint32
		width int
		want  uint32
	}{
		{0x1010, 1, 0x44},
		{0x1011, 1, 0x33},
		{0x1010, 2, 0x3344},
		{0x1012, 2, 0x1122},
		{0x1010, 4, 0x1122_3344},
	}
	for _, tt := range tests {
		got, err := m.Read(tt.addr, tt.width)
		if err != nil {
			t.Fatalf("read %08x/%d: %v", tt.addr, tt.width, err)
		}
		if got != tt.want {
			t.Errorf("read %08x/%d: got %08x, want %08x", tt.addr, tt.width, got, tt.want)
		}
	}
}

func TestMemoryBounds(t *testing.T) {
	m := NewMemory("ram", 0x1000, 0x100, 1)

	if _, err := m.Read(0x0FFF, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("below range: got %v", err)
	}
	if _, err := m.Read(0x10FE, 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("straddling the end: got %v", err)
	}
	if err := m.Write(0x1100, 0, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("past the end: got %v", err)
	}
}

func TestMemoryAtTopOfAddressSpace(t *testing.T) {
	m := NewMemory("top", 0xFFFF_F000, 0x1000, 1)

	if err := m.Write(0xFFFF_FFFC, 0xDEAD_BEEF, 4); err != nil {
		t.Fatalf("write of the last word: %v", err)
	}
	got, err := m.Read(0xFFFF_FFFC, 4)
	if err != nil {
		t.Fatalf("read of the last word: %v", err)
	}
	if got != 0xDEAD_BEEF {
		t.Errorf("read = %08x, want deadbeef", got)
	}

	// An access whose last byte wraps past the top is out of range.
	if err := m.Write(0xFFFF_FFFE, 0, 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("write wrapping the top: got %v", err)
	}
	if _, err := m.Read(0xFFFF_FFFE, 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read wrapping the top: got %v", err)
	}
}

func TestMemoryDisabled(t *testing.T) {
	m := NewMemory("ram", 0x1000, 0x100, 1)
	m.Disable()

	if _, err := m.Read(0x1000, 4); !errors.Is(err, ErrDisabled) {
		t.Errorf("read disabled: got %v", err)
	}
	m.Enable()
	if _, err := m.Read(0x1000, 4); err != nil {
		t.Errorf("read enabled: %v", err)
	}
}

func TestROM(t *testing.T) {
	img := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	m := NewROM("rom", 0x0000, 0x10, 1, img)

	got, err := m.Read(0x0000, 4)
	if err != nil || got != 0xEFBE_ADDE {
		t.Fatalf("rom read: got %08x, %v", got, err)
	}
	if err := m.Write(0x0000, 1, 4); !errors.Is(err, hwio.ErrReadOnly) {
		t.Errorf("rom write: got %v, want ErrReadOnly", err)
	}

	// Reset must not wipe ROM contents.
	m.Reset()
	data, err := m.Bytes(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(img, data); diff != "" {
		t.Errorf("rom after reset (-want +got):\n%s", diff)
	}
}

func TestMemoryLoadAndBytes(t *testing.T) {
	m := NewMemory("ram", 0x1000, 0x20, 1)

	if err := m.Load(0x8, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := m.Load(0x1E, []byte{1, 2, 3}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("oversized load: got %v", err)
	}

	data, err := m.Bytes(0x8, 3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, data); diff != "" {
		t.Errorf("bytes (-want +got):\n%s", diff)
	}
}

func TestPortBuffering(t *testing.T) {
	p := NewPort("uart", 0x5000, 1, 2)

	for _, v := range []uint32{10, 20, 30} {
		if err := p.Write(0x5000+PortData, v, 4); err != nil {
			t.Fatal(err)
		}
	}

	// Capacity is 2: the third write overflows.
	n, err := p.Read(0x5000+PortStatus, 4)
	if err != nil || n != 2 {
		t.Fatalf("status: got %d, %v, want 2 buffered", n, err)
	}
	ev, err := p.Read(0x5000+PortEvents, 4)
	if err != nil {
		t.Fatal(err)
	}
	if ev&PortEvOverflow == 0 || ev&PortEvData == 0 {
		t.Errorf("events: got %02x, want overflow and data bits", ev)
	}

	// EVENTS is read-and-clear.
	ev, _ = p.Read(0x5000+PortEvents, 4)
	if ev != 0 {
		t.Errorf("events after clear: got %02x, want 0", ev)
	}

	if diff := cmp.Diff([]uint32{10, 20}, p.Drain()); diff != "" {
		t.Errorf("drained values (-want +got):\n%s", diff)
	}
}

func TestPortGatedByEnable(t *testing.T) {
	p := NewPort("uart", 0x5000, 1, 8)

	if err := p.Write(0x5000+PortCtrl, 0, 4); err != nil {
		t.Fatal(err)
	}
	if err := p.Write(0x5000+PortData, 99, 4); err != nil {
		t.Fatal(err)
	}
	if got := p.Drain(); len(got) != 0 {
		t.Errorf("disabled port buffered %v", got)
	}

	p.Write(0x5000+PortCtrl, 1, 4)
	p.Write(0x5000+PortData, 99, 4)
	if diff := cmp.Diff([]uint32{99}, p.Drain()); diff != "" {
		t.Errorf("enabled port (-want +got):\n%s", diff)
	}
}

func TestPortAccessRules(t *testing.T) {
	p := NewPort("uart", 0x5000, 1, 8)

	if _, err := p.Read(0x5000+PortData, 4); !errors.Is(err, hwio.ErrWriteOnly) {
		t.Errorf("read of DATA: got %v, want ErrWriteOnly", err)
	}
	if err := p.Write(0x5000+PortStatus, 1, 4); !errors.Is(err, hwio.ErrReadOnly) {
		t.Errorf("write of STATUS: got %v, want ErrReadOnly", err)
	}
}
