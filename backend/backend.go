package backend

import (
	"errors"

	"github.com/gogpu/mux/muxcore"
)

// Well-known backend names.
const (
	// Vulkan drives a Vulkan adapter through the gogpu/wgpu HAL.
	Vulkan = "vulkan"

	// Noop drives the gogpu/wgpu no-op HAL device. Useful for tests.
	Noop = "noop"

	// Software executes host kernels on goroutines.
	Software = "software"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNoBackend is returned when no registered backend could open a device.
	ErrNoBackend = errors.New("backend: no backend could open a device")
)

// Factory opens a device for a backend.
type Factory func() (muxcore.Device, error)
