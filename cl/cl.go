// Package cl is an OpenCL-flavoured front end for mux: cl_int status
// codes, event execution statuses, queue properties and enqueue calls
// shaped like their OpenCL counterparts.
//
// Calls return Go errors; ErrorCode converts any error to the cl_int an
// OpenCL entry point would return.
//
//	q, err := cl.CreateCommandQueue(ctx, cl.QueueProfilingEnable)
//	ev, err := q.EnqueueWriteBuffer(buf, false, 0, data, nil)
//	code := cl.ErrorCode(err)
package cl

import (
	"errors"
	"fmt"

	"github.com/gogpu/mux"
)

// Status codes (cl_int).
const (
	Success                            int32 = 0
	DeviceNotAvailable                 int32 = -2
	OutOfResources                     int32 = -5
	OutOfHostMemory                    int32 = -6
	ProfilingInfoNotAvailable          int32 = -7
	ExecStatusErrorForEventsInWaitList int32 = -14
	InvalidValue                       int32 = -30
	InvalidContext                     int32 = -34
	InvalidCommandQueue                int32 = -36
	InvalidMemObject                   int32 = -38
	InvalidKernel                      int32 = -48
	InvalidWorkDimension               int32 = -53
	InvalidEventWaitList               int32 = -57
	InvalidEvent                       int32 = -58
	InvalidOperation                   int32 = -59
	InvalidGlobalWorkSize              int32 = -63
)

// Event execution statuses. They share their values with mux.EventStatus.
const (
	Complete  int32 = 0
	Running   int32 = 1
	Submitted int32 = 2
	Queued    int32 = 3
)

// Command queue properties.
const (
	QueueOutOfOrderExecModeEnable uint64 = 1 << 0
	QueueProfilingEnable          uint64 = 1 << 1
)

// Profiling info names.
const (
	ProfilingCommandQueued uint32 = 0x1280
	ProfilingCommandSubmit uint32 = 0x1281
	ProfilingCommandStart  uint32 = 0x1282
	ProfilingCommandEnd    uint32 = 0x1283
)

// Errors with a dedicated status code. Each wraps the mux sentinel it
// refines.
var (
	ErrInvalidWorkDimension      = fmt.Errorf("cl: invalid work dimension: %w", mux.ErrInvalidValue)
	ErrInvalidGlobalWorkSize     = fmt.Errorf("cl: invalid global work size: %w", mux.ErrInvalidValue)
	ErrInvalidEventWaitList      = fmt.Errorf("cl: invalid event wait list: %w", mux.ErrInvalidValue)
	ErrInvalidMemObject          = fmt.Errorf("cl: invalid memory object: %w", mux.ErrInvalidValue)
	ErrInvalidKernel             = fmt.Errorf("cl: invalid kernel: %w", mux.ErrInvalidValue)
	ErrProfilingInfoNotAvailable = fmt.Errorf("cl: profiling info not available: %w", mux.ErrInvalidOperation)
	ErrInvalidCommandQueue       = fmt.Errorf("cl: invalid command queue: %w", mux.ErrInvalidValue)
	errInvalidQueueProperties    = fmt.Errorf("cl: unknown queue properties: %w", mux.ErrInvalidValue)
	errInvalidUserEventStatus    = fmt.Errorf("cl: user event status must be complete or negative: %w", mux.ErrInvalidValue)
	errUnsupportedProfilingParam = fmt.Errorf("cl: unknown profiling info: %w", mux.ErrInvalidValue)
)

// ErrorCode returns the cl_int an OpenCL entry point reports for err.
func ErrorCode(err error) int32 {
	var se *mux.UserEventError
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidWorkDimension):
		return InvalidWorkDimension
	case errors.Is(err, ErrInvalidGlobalWorkSize):
		return InvalidGlobalWorkSize
	case errors.Is(err, ErrInvalidEventWaitList):
		return InvalidEventWaitList
	case errors.Is(err, ErrInvalidMemObject):
		return InvalidMemObject
	case errors.Is(err, ErrInvalidKernel):
		return InvalidKernel
	case errors.Is(err, ErrInvalidCommandQueue):
		return InvalidCommandQueue
	case errors.Is(err, ErrProfilingInfoNotAvailable):
		return ProfilingInfoNotAvailable
	case errors.Is(err, mux.ErrWaitListFailed):
		return ExecStatusErrorForEventsInWaitList
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, mux.ErrInvalidValue):
		return InvalidValue
	}

	switch mux.ResultOf(err) {
	case mux.OutOfResources:
		return OutOfResources
	case mux.DeviceError:
		return DeviceNotAvailable
	default:
		return InvalidOperation
	}
}

// EventStatus returns the execution status of ev as OpenCL reports it:
// one of Complete, Running, Submitted or Queued, or a negative error code
// for a failed event.
func EventStatus(ev *mux.Event) int32 {
	s := ev.Status()
	if s != mux.StatusError {
		return int32(s)
	}
	if code := ErrorCode(ev.Err()); code < 0 {
		return code
	}
	return InvalidOperation
}
