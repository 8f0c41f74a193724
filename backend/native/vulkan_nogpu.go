//go:build nogpu

package native

import "fmt"

// Open always fails in nogpu builds.
func Open(...Option) (*Device, error) {
	return nil, fmt.Errorf("%w: vulkan (built with nogpu)", ErrBackendUnavailable)
}
