// Package native implements a mux device on a gogpu/wgpu HAL device.
//
// Buffers are HAL storage buffers. Command buffers record operations on
// the host and re-encode them into HAL command encoders each time they
// execute, so one recording can be replayed any number of times:
//
//	ops ──► segment ──► CommandEncoder ──► Queue.Submit(fence)
//	         │                                   │
//	         └── write/fill/barrier close ◄── backoff fence poll
//
// Writes and fills go through Queue.WriteBuffer and close the open
// segment first; reads copy into a staging buffer that is mapped after
// its segment's fence signals. Kernels are compiled once per distinct
// source, entry point and argument layout and cached on the device.
//
// Scheduling of dispatches, semaphores and completion callbacks is done
// on the host by the shared driver loop, one goroutine per queue; the
// HAL queue itself is used by one dispatch at a time.
//
// Open uses the Vulkan HAL backend (unless built with the nogpu tag),
// OpenNoop the no-op backend, and NewFromProvider a device shared by a
// host application through gpucontext.
package native
