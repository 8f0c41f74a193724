package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/gogpu/mux"
	"github.com/gogpu/mux/kernel"
	"github.com/gogpu/mux/muxcore"
)

const defaultTimeout = 30 * time.Second

// scaleWGSL doubles every element of src into dst.
const scaleWGSL = `
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    dst[id.x] = src[id.x] * 2u;
}
`

// scaleHost is the host rendition of scaleWGSL for the software backend.
func scaleHost(item muxcore.WorkItem, args [][]byte) error {
	i := item.Global[0] * 4
	binary.LittleEndian.PutUint32(args[1][i:], binary.LittleEndian.Uint32(args[0][i:])*2)
	return nil
}

type pipelineConfig struct {
	Elements uint32
	Replays  int
	Profile  bool
	Timeout  time.Duration
}

type pipelineResult struct {
	Backend  string
	Device   muxcore.DeviceInfo
	Elements uint32
	Replays  int
	Elapsed  time.Duration
	Kernel   time.Duration // last replay, profiling only
	Stats    mux.Stats
}

func (r pipelineResult) print(w io.Writer) {
	fmt.Fprintf(w, "backend:  %s (%s)\n", r.Backend, r.Device.Name)
	fmt.Fprintf(w, "elements: %d\n", r.Elements)
	fmt.Fprintf(w, "replays:  %d\n", r.Replays)
	fmt.Fprintf(w, "elapsed:  %v\n", r.Elapsed)
	if r.Kernel > 0 {
		fmt.Fprintf(w, "kernel:   %v\n", r.Kernel)
	}
	fmt.Fprintf(w, "pools:    %v\n", r.Stats)
}

// runPipeline uploads 0..n-1, replays a recorded doubling kernel and reads
// the result back, verifying every element.
func runPipeline(dev muxcore.Device, cfg pipelineConfig, opts ...mux.Option) (res pipelineResult, err error) {
	if cfg.Elements == 0 {
		return res, fmt.Errorf("%w: no elements", mux.ErrInvalidValue)
	}
	if cfg.Replays < 1 {
		cfg.Replays = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	mc, err := mux.NewContext(dev, opts...)
	if err != nil {
		return res, err
	}
	defer func() {
		if rerr := mc.Release(ctx); err == nil {
			err = rerr
		}
	}()

	qopts := []mux.QueueOption{mux.WithLabel("muxrun")}
	if cfg.Profile {
		qopts = append(qopts, mux.WithProfiling())
	}
	q, err := mc.NewQueue(qopts...)
	if err != nil {
		return res, err
	}

	size := uint64(cfg.Elements) * 4
	src, err := mc.CreateBuffer(size)
	if err != nil {
		return res, err
	}
	defer src.Release()
	dst, err := mc.CreateBuffer(size)
	if err != nil {
		return res, err
	}
	defer dst.Release()

	k, err := kernel.NewExecutable("scale", scaleWGSL).Kernel("main", scaleHost)
	if err != nil {
		return res, err
	}

	start := time.Now()
	input := make([]byte, size)
	for i := range cfg.Elements {
		binary.LittleEndian.PutUint32(input[i*4:], i)
	}
	if _, err := q.Submit(mux.WriteBuffer{Buffer: src, Data: input}); err != nil {
		return res, fmt.Errorf("upload: %w", err)
	}

	cb, err := q.NewCommandBuffer()
	if err != nil {
		return res, err
	}
	defer cb.Release()
	if err := cb.Record(mux.KernelLaunch{
		Kernel: k,
		Range:  muxcore.NDRange{Dims: 1, Global: [3]uint64{uint64(cfg.Elements)}},
		Args:   []mux.Arg{mux.BufferArg(src), mux.BufferArg(dst)},
	}); err != nil {
		return res, fmt.Errorf("record: %w", err)
	}
	if err := cb.Finalize(); err != nil {
		return res, err
	}

	var last *mux.Event
	for i := range cfg.Replays {
		ev, err := q.Submit(mux.Replay{CommandBuffer: cb})
		if err != nil {
			return res, fmt.Errorf("replay %d: %w", i, err)
		}
		// One replay of a command buffer may be in flight at a time.
		if err := ev.Wait(ctx); err != nil {
			return res, fmt.Errorf("replay %d: %w", i, err)
		}
		last = ev
	}

	output := make([]byte, size)
	read, err := q.Submit(mux.ReadBuffer{Buffer: dst, Data: output, Blocking: true})
	if err != nil {
		return res, fmt.Errorf("readback: %w", err)
	}
	if err := read.Wait(ctx); err != nil {
		return res, fmt.Errorf("readback: %w", err)
	}
	res.Elapsed = time.Since(start)

	for i := range cfg.Elements {
		if got, want := binary.LittleEndian.Uint32(output[i*4:]), i*2; got != want {
			return res, fmt.Errorf("element %d = %d, want %d", i, got, want)
		}
	}

	if cfg.Profile {
		p, err := last.Profile()
		if err != nil {
			return res, err
		}
		res.Kernel = p.Ended.Sub(p.Started)
	}
	res.Device = dev.Info()
	res.Elements = cfg.Elements
	res.Replays = cfg.Replays
	res.Stats = mc.Stats()
	return res, nil
}
