package hwio

import (
	"errors"
	"fmt"
)

// Access determines how a register reacts to bus reads and writes.
type Access uint8

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
	// ReadClear registers return their stored value and atomically zero it.
	ReadClear
)

func (a Access) String() string {
	switch a {
	case ReadWrite:
		return "rw"
	case ReadOnly:
		return "ro"
	case WriteOnly:
		return "wo"
	case ReadClear:
		return "rc"
	}
	return fmt.Sprintf("Access(%d)", a)
}

var (
	ErrReadOnly  = errors.New("register is read-only")
	ErrWriteOnly = errors.New("register is write-only")
	ErrNoReg     = errors.New("no register at offset")
	ErrRegExists = errors.New("register already defined at offset")
	ErrBadWidth  = errors.New("invalid access width")
)

// WidthMask returns the value mask for a 1, 2 or 4 byte access.
func WidthMask(width int) (uint32, error) {
	switch width {
	case 1:
		return 0x0000_00FF, nil
	case 2:
		return 0x0000_FFFF, nil
	case 4:
		return 0xFFFF_FFFF, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrBadWidth, width)
}

// Reg32 is a single 32-bit register cell.
//
// The zero value is a read-write register with a full mask once defined
// through RegFile.Define, which is the only supported way to create one.
type Reg32 struct {
	Name   string
	Offset uint32
	Value  uint32
	Reset  uint32 // value restored by RegFile.Reset
	Mask   uint32 // bits writable from the bus

	Access  Access
	ReadCb  func(offset uint32, val uint32) uint32
	WriteCb func(offset uint32, val uint32)
}

func (reg Reg32) String() string {
	s := fmt.Sprintf("%s{%08x,%s", reg.Name, reg.Value, reg.Access)
	if reg.ReadCb != nil {
		s += ",r!"
	}
	if reg.WriteCb != nil {
		s += ",w!"
	}
	return s + "}"
}

func (reg *Reg32) read(width int) (uint32, error) {
	if reg.Access == WriteOnly {
		return 0, fmt.Errorf("%w: %s", ErrWriteOnly, reg.Name)
	}
	wmask, err := WidthMask(width)
	if err != nil {
		return 0, err
	}

	val := reg.Value & wmask
	if reg.ReadCb != nil {
		val = reg.ReadCb(reg.Offset, val)
	}
	if reg.Access == ReadClear {
		reg.Value = 0
	}
	return val, nil
}

func (reg *Reg32) write(val uint32, width int) error {
	if reg.Access == ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, reg.Name)
	}
	wmask, err := WidthMask(width)
	if err != nil {
		return err
	}

	masked := val & reg.Mask & wmask
	if reg.Access != WriteOnly {
		reg.Value = masked
	}
	if reg.WriteCb != nil {
		reg.WriteCb(reg.Offset, masked)
	}
	return nil
}
