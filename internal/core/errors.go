package core

import (
	"errors"
	"fmt"
)

// ErrNoData means no device produced a single usable event. Writing empty
// rollups would overwrite good reports with misleading ones, so it is fatal.
var ErrNoData = errors.New("no usable usage events found in any device")

// RecordParseError describes one malformed record. It is recovered locally:
// the record is skipped and counted.
type RecordParseError struct {
	Path string
	Line int
	Err  error
}

func (e *RecordParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *RecordParseError) Unwrap() error { return e.Err }

// DeviceUnavailableError means a device's data root is missing or unreadable.
// The device contributes zero events and the run continues.
type DeviceUnavailableError struct {
	Device string
	Path   string
	Err    error
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("device %q unavailable at %s: %v", e.Device, e.Path, e.Err)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// OutputWriteError means a report destination could not be written.
type OutputWriteError struct {
	Path string
	Err  error
}

func (e *OutputWriteError) Error() string {
	return fmt.Sprintf("write output %s: %v", e.Path, e.Err)
}

func (e *OutputWriteError) Unwrap() error { return e.Err }
