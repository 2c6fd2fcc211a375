package hwio

import (
	"fmt"
	"slices"

	"devsim/emu/log"
)

// RegFile is the offset-addressed register map of a device.
//
// RegFile performs no locking on its own: the owning device serializes
// accesses, and register callbacks run under that device's lock so they can
// freely access other registers of the same file.
type RegFile struct {
	Name string

	regs map[uint32]*Reg32
}

func NewRegFile(name string) *RegFile {
	return &RegFile{
		Name: name,
		regs: make(map[uint32]*Reg32),
	}
}

// Define adds a register to the file. It fails if a register already exists
// at the given offset.
func (rf *RegFile) Define(reg Reg32) error {
	if _, ok := rf.regs[reg.Offset]; ok {
		return fmt.Errorf("%w: %s+0x%03x", ErrRegExists, rf.Name, reg.Offset)
	}
	if reg.Mask == 0 {
		reg.Mask = 0xFFFF_FFFF
	}
	reg.Value = reg.Reset
	rf.regs[reg.Offset] = &reg

	log.ModHwIo.DebugZ("define reg").
		String("file", rf.Name).
		String("name", reg.Name).
		Hex32("offset", reg.Offset).
		String("access", reg.Access.String()).
		End()
	return nil
}

// MustDefine is like Define but panics on error. Register maps are static,
// so a definition error is a programming mistake.
func (rf *RegFile) MustDefine(reg Reg32) {
	if err := rf.Define(reg); err != nil {
		panic(err)
	}
}

// Lookup returns the register defined at offset, or nil.
func (rf *RegFile) Lookup(offset uint32) *Reg32 {
	return rf.regs[offset]
}

func (rf *RegFile) Read(offset uint32, width int) (uint32, error) {
	reg, ok := rf.regs[offset]
	if !ok {
		return 0, fmt.Errorf("%w: %s+0x%03x", ErrNoReg, rf.Name, offset)
	}
	return reg.read(width)
}

func (rf *RegFile) Write(offset uint32, val uint32, width int) error {
	reg, ok := rf.regs[offset]
	if !ok {
		return fmt.Errorf("%w: %s+0x%03x", ErrNoReg, rf.Name, offset)
	}
	return reg.write(val, width)
}

// Reset restores every register to its reset value. Callbacks do not run.
func (rf *RegFile) Reset() {
	for _, reg := range rf.regs {
		reg.Value = reg.Reset
	}
}

// Offsets returns the defined offsets in ascending order.
func (rf *RegFile) Offsets() []uint32 {
	offs := make([]uint32, 0, len(rf.regs))
	for off := range rf.regs {
		offs = append(offs, off)
	}
	slices.Sort(offs)
	return offs
}
