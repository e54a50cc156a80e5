package can

import (
	"errors"
	"time"

	"isobus-core/internal/models"
)

// DefaultFaultThreshold is the number of consecutive I/O failures after
// which a driver transitions to Faulted.
const DefaultFaultThreshold = 3

var (
	// ErrTimeout reports that no frame arrived within the Recv deadline.
	// It is routine and never counts toward the fault threshold.
	ErrTimeout = errors.New("can: receive timeout")

	// ErrIOFailure reports a read or write error on the channel. Repeated
	// failures trip the driver into Faulted; the pool decides on retry or
	// failover, the driver never swallows the error itself.
	ErrIOFailure = errors.New("can: i/o failure")

	// ErrNotOpen reports a call on a driver that is not in the Open state.
	ErrNotOpen = errors.New("can: driver not open")
)

// Driver owns one physical or virtual CAN channel.
//
// Lifecycle: Closed -> Opening -> Open -> Closing -> Closed, with
// Open -> Faulted after the fault threshold is crossed and Faulted -> Open
// only through an explicit Reset from the pool's health checker.
type Driver interface {
	// Recv blocks up to timeout for the next frame. Returns ErrTimeout on
	// expiry and ErrIOFailure on a malformed or failed read.
	Recv(timeout time.Duration) (models.CANFrame, error)

	// Send transmits a frame on the channel.
	Send(frame models.CANFrame) error

	// State returns the current lifecycle state.
	State() models.DriverState

	// Reset recovers a Faulted driver back to Open.
	Reset() error

	// Channel returns the channel name the driver is bound to.
	Channel() string

	Close() error
}

// faultCounter tracks consecutive I/O failures against a threshold.
// Callers hold their own lock; this is plain bookkeeping.
type faultCounter struct {
	consecutive int
	threshold   int
}

func newFaultCounter(threshold int) faultCounter {
	if threshold <= 0 {
		threshold = DefaultFaultThreshold
	}
	return faultCounter{threshold: threshold}
}

// fail records one failure and reports whether the threshold was crossed.
func (f *faultCounter) fail() bool {
	f.consecutive++
	return f.consecutive >= f.threshold
}

func (f *faultCounter) ok() { f.consecutive = 0 }
