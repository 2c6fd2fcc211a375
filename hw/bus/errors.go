package bus

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors, reported synchronously at topology setup.
	ErrMasterInUse = errors.New("master id already assigned")
	ErrOverlap     = errors.New("address range overlap")
	ErrBadRange    = errors.New("invalid address range")

	// Transaction errors.
	ErrUnknownMaster = errors.New("unknown bus master")
	ErrUnmapped      = errors.New("unmapped bus address")
)

// DeviceFault wraps an error returned by a device during a bus transaction.
// The bus tables are left untouched; only the transaction fails.
type DeviceFault struct {
	Device string
	Err    error
}

func (f *DeviceFault) Error() string {
	return fmt.Sprintf("device %s: %v", f.Device, f.Err)
}

func (f *DeviceFault) Unwrap() error { return f.Err }
