// Package muxcore defines the hardware-abstraction contract the mux
// scheduler drives: devices, buffers, recordable command buffers,
// semaphores, fences and the asynchronous hardware queue.
//
// Backends (see backend/software and backend/native) implement these
// interfaces. The scheduler never touches backend types directly.
package muxcore

import (
	"errors"
	"time"
)

// Errors returned by backends.
var (
	// ErrOutOfMemory is returned when the device cannot allocate a handle.
	ErrOutOfMemory = errors.New("muxcore: out of device memory")

	// ErrDeviceLost is returned once a device has failed irrecoverably.
	ErrDeviceLost = errors.New("muxcore: device lost")

	// ErrExecutionFailed is reported through completion callbacks when a
	// command buffer faulted during execution.
	ErrExecutionFailed = errors.New("muxcore: execution failed")

	// ErrOutOfBounds is returned when recording an access past a buffer end.
	ErrOutOfBounds = errors.New("muxcore: access out of bounds")

	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("muxcore: unsupported operation")

	// ErrDestroyed is returned when using a destroyed device or queue.
	ErrDestroyed = errors.New("muxcore: destroyed")

	// ErrForeignHandle is returned when a handle from another backend is passed in.
	ErrForeignHandle = errors.New("muxcore: handle belongs to another device")
)

// DeviceInfo describes a device.
type DeviceInfo struct {
	Name    string
	Backend string
}

// Device creates hardware handles and queues.
type Device interface {
	Info() DeviceInfo

	CreateBuffer(size uint64) (Buffer, error)
	DestroyBuffer(b Buffer)

	CreateCommandBuffer() (CommandBuffer, error)
	DestroyCommandBuffer(cb CommandBuffer)

	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(s Semaphore)

	CreateFence() (Fence, error)
	DestroyFence(f Fence)

	// NewQueue returns a new hardware queue on this device.
	NewQueue() (HardwareQueue, error)

	// Destroy releases the device. Queues must be destroyed first.
	Destroy()
}

// Buffer is a region of device memory.
type Buffer interface {
	Size() uint64
}

// CommandBuffer records operations for later execution. Recorded contents
// replay on every dispatch until Reset.
//
// Operations are executed in recording order. ReadBuffer copies into data
// when the buffer executes, not when it is recorded. WriteBuffer captures
// data at recording time.
type CommandBuffer interface {
	WriteBuffer(dst Buffer, offset uint64, data []byte) error
	ReadBuffer(src Buffer, offset uint64, data []byte) error
	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64) error
	FillBuffer(dst Buffer, offset, size uint64, pattern []byte) error
	DispatchKernel(k Kernel, nd NDRange, bindings []Binding) error
	Barrier() error

	// Len returns the number of recorded operations.
	Len() int

	// Reset discards all recorded operations.
	Reset() error
}

// Semaphore orders dispatches on the device without host involvement.
// Signal is available to the host so that waiters of a dispatch that never
// reached the hardware are not stranded.
type Semaphore interface {
	Signal()
	Reset() error
}

// Fence lets the host observe completion of one dispatch.
type Fence interface {
	Reset() error
}

// Dispatch is one command buffer submission.
type Dispatch struct {
	CommandBuffer CommandBuffer

	// Fence is signaled when the command buffer finishes executing.
	Fence Fence

	// Wait semaphores must all be signaled before execution begins.
	Wait []Semaphore

	// Signal semaphores are signaled after execution ends, successful or not.
	Signal []Semaphore

	// OnStart is called when execution begins. Optional.
	OnStart func()

	// OnComplete is called once after execution ends, with the execution
	// error if the command buffer faulted.
	OnComplete func(err error)
}

// HardwareQueue is a single asynchronous execution queue.
//
// Dispatch never invokes OnStart or OnComplete synchronously; callbacks run
// on a backend-owned goroutine and may race with any caller.
type HardwareQueue interface {
	Dispatch(d Dispatch) error

	// TryWait waits up to timeout for f. A negative timeout waits forever
	// and zero polls. Once f is signaled the dispatch's execution error,
	// if any, is returned alongside true.
	TryWait(f Fence, timeout time.Duration) (bool, error)

	// WaitAll blocks until every dispatched command buffer has completed.
	WaitAll() error

	// Destroy stops the queue. In-flight work completes first.
	Destroy()
}
