package mux

import (
	"errors"
	"fmt"

	"github.com/gogpu/mux/internal/pool"
	"github.com/gogpu/mux/muxcore"
)

// Scheduler errors. Every error returned by this package matches exactly
// one of the first four sentinels under errors.Is; see ResultOf.
var (
	// ErrOutOfResources is returned when a pool or the device cannot supply
	// a command buffer, semaphore, fence or buffer, even after completed
	// batches were reclaimed.
	ErrOutOfResources = errors.New("mux: out of resources")

	// ErrDeviceError marks a failure reported by the hardware.
	ErrDeviceError = errors.New("mux: device error")

	// ErrInvalidOperation is returned for calls that are not valid in the
	// current state of their object.
	ErrInvalidOperation = errors.New("mux: invalid operation")

	// ErrInvalidValue is returned for malformed arguments.
	ErrInvalidValue = errors.New("mux: invalid value")

	// ErrWaitListFailed is the error of a command that never executed
	// because an event it waited on failed. It wraps the upstream error.
	ErrWaitListFailed = errors.New("mux: event in wait list failed")

	// ErrReleased is returned when using a released context or queue.
	ErrReleased = errors.New("mux: released")
)

// UserEventError is the error of a user event failed with a negative status.
type UserEventError struct {
	Code int32
}

func (e *UserEventError) Error() string {
	return fmt.Sprintf("mux: user event failed with status %d", e.Code)
}

// Result classifies an error into the outcomes callers act on.
type Result int

// Result values.
const (
	Success Result = iota
	OutOfResources
	DeviceError
	InvalidOperation
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case OutOfResources:
		return "out-of-resources"
	case DeviceError:
		return "device-error"
	case InvalidOperation:
		return "invalid-operation"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ResultOf classifies err. Failed dependencies and failed user events are
// device errors for the commands that waited on them.
func ResultOf(err error) Result {
	var se *UserEventError
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrOutOfResources),
		errors.Is(err, pool.ErrExhausted),
		errors.Is(err, muxcore.ErrOutOfMemory):
		return OutOfResources
	case errors.Is(err, ErrDeviceError),
		errors.Is(err, ErrWaitListFailed),
		errors.Is(err, muxcore.ErrExecutionFailed),
		errors.Is(err, muxcore.ErrDeviceLost),
		errors.As(err, &se):
		return DeviceError
	default:
		return InvalidOperation
	}
}

// waitListError wraps the error of a failed dependency once.
func waitListError(err error) error {
	if errors.Is(err, ErrWaitListFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrWaitListFailed, err)
}

// deviceError wraps a hardware failure so it classifies as DeviceError.
func deviceError(err error) error {
	if err == nil || ResultOf(err) == DeviceError {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeviceError, err)
}

// resourceError reports a failed acquisition of what.
func resourceError(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrOutOfResources, what, err)
}

// recordError classifies a failure to record a command into a command
// buffer. Backends reject malformed input before touching the buffer.
func recordError(err error) error {
	switch {
	case errors.Is(err, muxcore.ErrOutOfMemory):
		return resourceError("record", err)
	case errors.Is(err, muxcore.ErrDeviceLost):
		return fmt.Errorf("%w: %w", ErrDeviceError, err)
	case errors.Is(err, muxcore.ErrUnsupported),
		errors.Is(err, muxcore.ErrOutOfBounds):
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}
}
