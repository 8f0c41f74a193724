// Package kernel provides executables and kernels for mux command queues.
//
// An Executable wraps a WGSL compute module. Kernels are entry points of an
// executable, optionally paired with a host implementation that the
// software backend runs per work-item. The scheduler treats both as opaque
// payloads of a kernel launch.
//
// Example:
//
//	exe := kernel.NewExecutable("scale", scaleWGSL)
//	k, err := exe.Kernel("main", scaleHost)
//	if err != nil {
//	    return err
//	}
//	k64, err := k.Specialize([3]uint32{64, 1, 1})
package kernel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/naga"

	"github.com/gogpu/mux/muxcore"
)

// Errors returned by this package.
var (
	// ErrNoEntryPoint is returned when creating a kernel without an entry point.
	ErrNoEntryPoint = errors.New("kernel: empty entry point")

	// ErrNoImplementation is returned when a kernel has neither WGSL
	// source nor a host function.
	ErrNoImplementation = errors.New("kernel: no WGSL source and no host function")

	// ErrInvalidLocalSize is returned by Specialize for a zero dimension.
	ErrInvalidLocalSize = errors.New("kernel: invalid local size")
)

// spirvMagic is the first word of every SPIR-V module.
const spirvMagic = 0x07230203

// Executable is a compiled program bound to no particular device.
// It is safe for concurrent use.
type Executable struct {
	name   string
	source string

	once  sync.Once
	spirv []byte
	err   error
}

// NewExecutable creates an executable from WGSL source. Compilation is
// deferred until SPIRV is first called. source may be empty for
// host-only executables.
func NewExecutable(name, source string) *Executable {
	return &Executable{name: name, source: source}
}

// Name returns the executable name.
func (e *Executable) Name() string { return e.name }

// Source returns the WGSL source.
func (e *Executable) Source() string { return e.source }

// SPIRV compiles the WGSL source with naga and returns the SPIR-V binary.
// The result is cached.
func (e *Executable) SPIRV() ([]byte, error) {
	e.once.Do(func() {
		if e.source == "" {
			e.err = fmt.Errorf("kernel %s: %w", e.name, ErrNoImplementation)
			return
		}
		out, err := naga.Compile(e.source)
		if err != nil {
			e.err = fmt.Errorf("kernel %s: compile: %w", e.name, err)
			return
		}
		if len(out) < 4 || len(out)%4 != 0 {
			e.err = fmt.Errorf("kernel %s: compile produced %d bytes", e.name, len(out))
			return
		}
		if magic := uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24; magic != spirvMagic {
			e.err = fmt.Errorf("kernel %s: bad SPIR-V magic %#08x", e.name, magic)
			return
		}
		e.spirv = out
	})
	return e.spirv, e.err
}

// Kernel creates a kernel for entry. host may be nil for device-only kernels.
func (e *Executable) Kernel(entry string, host muxcore.HostFunc) (*Kernel, error) {
	if entry == "" {
		return nil, ErrNoEntryPoint
	}
	if e.source == "" && host == nil {
		return nil, fmt.Errorf("kernel %s.%s: %w", e.name, entry, ErrNoImplementation)
	}
	return &Kernel{exe: e, entry: entry, host: host}, nil
}

// Kernel is an entry point of an Executable.
type Kernel struct {
	exe   *Executable
	entry string
	host  muxcore.HostFunc
	local [3]uint32
}

var _ muxcore.Kernel = (*Kernel)(nil)

// Name returns "executable.entry".
func (k *Kernel) Name() string { return k.exe.name + "." + k.entry }

// EntryPoint returns the entry point name.
func (k *Kernel) EntryPoint() string { return k.entry }

// Source returns the executable's WGSL source.
func (k *Kernel) Source() string { return k.exe.source }

// Host returns the host implementation, or nil.
func (k *Kernel) Host() muxcore.HostFunc { return k.host }

// LocalSize returns the scheduled work-group size, zero if unscheduled.
func (k *Kernel) LocalSize() [3]uint32 { return k.local }

// Executable returns the owning executable.
func (k *Kernel) Executable() *Executable { return k.exe }

// Specialize returns a scheduled variant of k with a fixed work-group
// size that overrides the local size of each launch.
func (k *Kernel) Specialize(local [3]uint32) (*Kernel, error) {
	for i, n := range local {
		if n == 0 {
			return nil, fmt.Errorf("%w: dimension %d is zero", ErrInvalidLocalSize, i)
		}
	}
	s := *k
	s.local = local
	return &s, nil
}

// IsSpecialized reports whether k has a scheduled work-group size.
func (k *Kernel) IsSpecialized() bool { return k.local != [3]uint32{} }
