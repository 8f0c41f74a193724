// Package backend provides a registry of mux device backends.
//
// Backends register a factory from an init() function and are selected
// at runtime by name or by priority:
//
//	import (
//		_ "github.com/gogpu/mux/backend/native"
//		_ "github.com/gogpu/mux/backend/software"
//	)
//
//	// Best available device: Vulkan if present, otherwise software.
//	dev, err := backend.OpenDefault()
//
//	// Or a specific backend
//	dev, err := backend.Open(backend.Software)
//
// The software backend has no external requirements and is always
// available once imported. The native backends drive gogpu/wgpu HAL
// devices.
package backend
