package hw

import (
	"fmt"

	"devsim/hw/hwio"
)

// Memory is a flat byte-addressable RAM or ROM area. Multi-byte accesses are
// little-endian. It has no registers; Read/Write bypass the register file
// and address the backing buffer directly.
type Memory struct {
	BaseDev

	data     []byte
	fill     byte
	readonly bool
}

func NewMemory(name string, base, size uint32, master int) *Memory {
	m := &Memory{data: make([]byte, size)}
	m.Init(name, base, size, master)
	return m
}

// NewROM creates a read-only memory preloaded with data (zero-padded or
// truncated to size).
func NewROM(name string, base, size uint32, master int, data []byte) *Memory {
	m := NewMemory(name, base, size, master)
	copy(m.data, data)
	m.readonly = true
	return m
}

func (m *Memory) Read(addr uint32, width int) (uint32, error) {
	wmask, err := hwio.WidthMask(width)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return 0, fmt.Errorf("%w: %s", ErrDisabled, m.name)
	}
	off, err := m.offset(addr, width)
	if err != nil {
		return 0, err
	}

	var val uint32
	for i := 0; i < width; i++ {
		val |= uint32(m.data[off+uint32(i)]) << (8 * i)
	}
	return val & wmask, nil
}

func (m *Memory) Write(addr uint32, val uint32, width int) error {
	if _, err := hwio.WidthMask(width); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, m.name)
	}
	if m.readonly {
		return fmt.Errorf("%w: %s", hwio.ErrReadOnly, m.name)
	}
	off, err := m.offset(addr, width)
	if err != nil {
		return err
	}

	for i := 0; i < width; i++ {
		m.data[off+uint32(i)] = byte(val >> (8 * i))
	}
	return nil
}

// Load copies data into memory at the given local offset, ignoring the
// read-only flag (backdoor for tests and ROM images).
func (m *Memory) Load(off uint32, data []byte) error {
	if off+uint32(len(data)) > m.size {
		return fmt.Errorf("%w: load of %d bytes at %08x", ErrOutOfRange, len(data), off)
	}
	m.mu.Lock()
	copy(m.data[off:], data)
	m.mu.Unlock()
	return nil
}

// Bytes returns a copy of length bytes starting at the given local offset.
func (m *Memory) Bytes(off, length uint32) ([]byte, error) {
	if off+length > m.size {
		return nil, fmt.Errorf("%w: dump of %d bytes at %08x", ErrOutOfRange, length, off)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, length)
	copy(out, m.data[off:])
	return out, nil
}

// Reset refills the memory with its fill byte. ROM contents are preserved.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readonly {
		return
	}
	for i := range m.data {
		m.data[i] = m.fill
	}
}
