package native

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/mux/kernel"
	"github.com/gogpu/mux/muxcore"
)

// executableKernel is implemented by kernel.Kernel: its executable
// compiles to SPIR-V through naga.
type executableKernel interface {
	Executable() *kernel.Executable
}

// computePipeline is every HAL object needed to launch one kernel with
// one argument layout.
type computePipeline struct {
	module         hal.ShaderModule
	layout         hal.BindGroupLayout
	pipelineLayout hal.PipelineLayout
	pipeline       hal.ComputePipeline
}

func (p *computePipeline) destroy(device hal.Device) {
	if p.pipeline != nil {
		device.DestroyComputePipeline(p.pipeline)
	}
	if p.pipelineLayout != nil {
		device.DestroyPipelineLayout(p.pipelineLayout)
	}
	if p.layout != nil {
		device.DestroyBindGroupLayout(p.layout)
	}
	if p.module != nil {
		device.DestroyShaderModule(p.module)
	}
}

// pipelineCache caches compute pipelines by kernel and argument layout.
//
// Pipeline creation compiles and validates shaders, so lookups take a
// read lock first and creation double-checks under the write lock.
type pipelineCache struct {
	mu      sync.RWMutex
	entries map[uint64]*computePipeline

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newPipelineCache() *pipelineCache {
	return &pipelineCache{entries: make(map[uint64]*computePipeline)}
}

// signature describes the argument layout: 's' for a storage buffer and
// 'u' for a uniform value.
func signature(bindings []binding) string {
	sig := make([]byte, len(bindings))
	for i, b := range bindings {
		if b.buf != nil {
			sig[i] = 's'
		} else {
			sig[i] = 'u'
		}
	}
	return string(sig)
}

// pipelineKey hashes the kernel identity with the argument layout.
func pipelineKey(k muxcore.Kernel, sig string) uint64 {
	h := fnv.New64a()
	for _, s := range []string{k.Name(), k.EntryPoint(), k.Source(), sig} {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func (c *pipelineCache) getOrCreate(device hal.Device, k muxcore.Kernel, bindings []binding) (*computePipeline, error) {
	sig := signature(bindings)
	key := pipelineKey(k, sig)

	c.mu.RLock()
	if p, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[key]; ok {
		c.hits.Add(1)
		return p, nil
	}
	p, err := createComputePipeline(device, k, sig)
	if err != nil {
		return nil, err
	}
	c.entries[key] = p
	c.misses.Add(1)
	return p, nil
}

func (c *pipelineCache) stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *pipelineCache) destroyAll(device hal.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.entries {
		p.destroy(device)
	}
	c.entries = make(map[uint64]*computePipeline)
}

// shaderSource prefers naga-compiled SPIR-V and falls back to handing the
// WGSL source to the HAL.
func shaderSource(k muxcore.Kernel) (hal.ShaderSource, error) {
	if ek, ok := k.(executableKernel); ok {
		spirv, err := ek.Executable().SPIRV()
		if err != nil {
			return hal.ShaderSource{}, err
		}
		words := make([]uint32, len(spirv)/4)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(spirv[i*4:])
		}
		return hal.ShaderSource{SPIRV: words}, nil
	}
	if k.Source() == "" {
		return hal.ShaderSource{}, fmt.Errorf("%w: %s", ErrNoDeviceCode, k.Name())
	}
	return hal.ShaderSource{WGSL: k.Source()}, nil
}

func createComputePipeline(device hal.Device, k muxcore.Kernel, sig string) (_ *computePipeline, err error) {
	src, err := shaderSource(k)
	if err != nil {
		return nil, err
	}

	p := &computePipeline{}
	defer func() {
		if err != nil {
			p.destroy(device)
		}
	}()

	p.module, err = device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  k.Name(),
		Source: src,
	})
	if err != nil {
		return nil, fmt.Errorf("native: %s: create shader module: %w", k.Name(), err)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(sig))
	for i, kind := range []byte(sig) {
		typ := gputypes.BufferBindingTypeStorage
		if kind == 'u' {
			typ = gputypes.BufferBindingTypeUniform
		}
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: typ},
		}
	}
	p.layout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   k.Name() + "_layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("native: %s: create bind group layout: %w", k.Name(), err)
	}

	p.pipelineLayout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            k.Name() + "_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.layout},
	})
	if err != nil {
		return nil, fmt.Errorf("native: %s: create pipeline layout: %w", k.Name(), err)
	}

	p.pipeline, err = device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  k.Name(),
		Layout: p.pipelineLayout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: k.EntryPoint(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("native: %s: create compute pipeline: %w", k.Name(), err)
	}
	return p, nil
}
