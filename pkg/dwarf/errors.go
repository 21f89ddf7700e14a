package dwarf

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when a command is issued while the
	// command channel is down.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionClosed resolves every request still pending when the
	// command channel drops.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestPending is returned when a request is issued while
	// another request with the same module/cmd key is in flight.
	ErrRequestPending = errors.New("another request with this key is already pending")
)

// CommandError is a non-zero status code returned by the device.
type CommandError struct {
	ModuleID uint32
	Cmd      uint32
	Code     int32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %d/%d failed with code %d", e.ModuleID, e.Cmd, e.Code)
}

// TimeoutError is returned when the device does not answer a request
// within its deadline.
type TimeoutError struct {
	ModuleID uint32
	Cmd      uint32
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %d/%d timed out after %s", e.ModuleID, e.Cmd, e.Timeout)
}
