//go:build !nogpu

package native

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/mux/backend"
	"github.com/gogpu/mux/muxcore"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func init() {
	backend.Register(backend.Vulkan, func() (muxcore.Device, error) {
		return Open()
	})
}

// Open opens a device on the Vulkan HAL backend, preferring a discrete or
// integrated GPU.
func Open(opts ...Option) (*Device, error) {
	b, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan", ErrBackendUnavailable)
	}
	return openAdapter(b, backend.Vulkan, opts)
}
