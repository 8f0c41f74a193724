// Package vk is a Vulkan-flavoured front end for mux. Work is recorded
// into command buffers and submitted in batches that wait on and signal
// binary semaphores; a fence reports when a whole submission completes.
//
//	sem := dev.CreateSemaphore()
//	err := q1.Submit([]vk.SubmitInfo{{CommandBuffers: []*vk.CommandBuffer{upload}, SignalSemaphores: []*vk.Semaphore{sem}}}, nil)
//	err = q2.Submit([]vk.SubmitInfo{{WaitSemaphores: []*vk.Semaphore{sem}, CommandBuffers: []*vk.CommandBuffer{compute}}}, fence)
//	err = fence.Wait(time.Second)
package vk

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/mux"
)

// Result is a VkResult value.
type Result int32

// Result codes.
const (
	Success                   Result = 0
	NotReady                  Result = 1
	Timeout                   Result = 2
	ErrorOutOfHostMemory      Result = -1
	ErrorOutOfDeviceMemory    Result = -2
	ErrorInitializationFailed Result = -3
	ErrorDeviceLost           Result = -4
	ErrorUnknown              Result = -13
	ErrorValidationFailed     Result = -1000011001
)

func (r Result) String() string {
	switch r {
	case Success:
		return "VK_SUCCESS"
	case NotReady:
		return "VK_NOT_READY"
	case Timeout:
		return "VK_TIMEOUT"
	case ErrorOutOfHostMemory:
		return "VK_ERROR_OUT_OF_HOST_MEMORY"
	case ErrorOutOfDeviceMemory:
		return "VK_ERROR_OUT_OF_DEVICE_MEMORY"
	case ErrorInitializationFailed:
		return "VK_ERROR_INITIALIZATION_FAILED"
	case ErrorDeviceLost:
		return "VK_ERROR_DEVICE_LOST"
	case ErrorUnknown:
		return "VK_ERROR_UNKNOWN"
	case ErrorValidationFailed:
		return "VK_ERROR_VALIDATION_FAILED_EXT"
	default:
		return fmt.Sprintf("VkResult(%d)", int32(r))
	}
}

var (
	// ErrNotReady is returned by status queries on unfinished work.
	ErrNotReady = errors.New("vk: not ready")

	// ErrTimeout is returned when a wait times out.
	ErrTimeout = errors.New("vk: timeout")

	// ErrValidation marks API misuse, such as waiting on a semaphore that
	// has no pending signal.
	ErrValidation = fmt.Errorf("vk: validation failed: %w", mux.ErrInvalidOperation)
)

// ResultOf returns the VkResult reported for err.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrNotReady):
		return NotReady
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	switch mux.ResultOf(err) {
	case mux.OutOfResources:
		return ErrorOutOfDeviceMemory
	case mux.DeviceError:
		return ErrorDeviceLost
	case mux.InvalidOperation:
		return ErrorValidationFailed
	default:
		return ErrorUnknown
	}
}
