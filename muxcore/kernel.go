package muxcore

import "fmt"

// NDRange describes an N-dimensional iteration space.
type NDRange struct {
	Dims   int
	Offset [3]uint64
	Global [3]uint64

	// Local is the work-group size per dimension. Zero entries let the
	// backend pick.
	Local [3]uint64
}

// Validate checks that the range is well formed.
func (r NDRange) Validate() error {
	if r.Dims < 1 || r.Dims > 3 {
		return fmt.Errorf("ndrange: dims %d out of range [1,3]", r.Dims)
	}
	for i := range r.Dims {
		if r.Global[i] == 0 {
			return fmt.Errorf("ndrange: global size of dimension %d is zero", i)
		}
		if r.Local[i] != 0 && r.Global[i]%r.Local[i] != 0 {
			return fmt.Errorf("ndrange: global size %d not divisible by local size %d in dimension %d",
				r.Global[i], r.Local[i], i)
		}
	}
	return nil
}

// Groups returns the work-group count per dimension for the given
// effective local size.
func (r NDRange) Groups(local [3]uint64) [3]uint64 {
	g := [3]uint64{1, 1, 1}
	for i := range r.Dims {
		l := local[i]
		if l == 0 {
			l = 1
		}
		g[i] = (r.Global[i] + l - 1) / l
	}
	return g
}

// EffectiveLocal resolves the work-group size: the kernel's scheduled size
// wins, then the launch's, then one.
func EffectiveLocal(k Kernel, r NDRange) [3]uint64 {
	local := [3]uint64{1, 1, 1}
	ks := k.LocalSize()
	for i := range 3 {
		switch {
		case i >= r.Dims:
			local[i] = 1
		case ks[i] != 0:
			local[i] = uint64(ks[i])
		case r.Local[i] != 0:
			local[i] = r.Local[i]
		}
	}
	return local
}

// Binding is one kernel argument. Exactly one of Buffer, LocalSize or
// Value is set.
type Binding struct {
	Buffer Buffer

	// LocalSize requests work-group local memory of this many bytes.
	LocalSize uint64

	// Value is plain-old-data passed by value.
	Value []byte
}

// WorkItem identifies one kernel invocation.
type WorkItem struct {
	Global    [3]uint64
	Local     [3]uint64
	Group     [3]uint64
	LocalSize [3]uint64
	Range     NDRange
}

// HostFunc runs one work-item on the host. args holds one byte slice per
// binding: buffer memory, work-group local memory or the value bytes.
type HostFunc func(item WorkItem, args [][]byte) error

// Kernel is a compiled entry point of an executable. The scheduler treats
// it as an opaque payload.
type Kernel interface {
	Name() string
	EntryPoint() string

	// Source returns the WGSL module source, empty if none.
	Source() string

	// Host returns the host implementation, nil if none.
	Host() HostFunc

	// LocalSize returns the scheduled work-group size, zero entries if
	// the launch decides.
	LocalSize() [3]uint32
}
