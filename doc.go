// Package mux schedules compute and transfer commands onto hardware queues.
//
// Commands submitted to a Queue are not dispatched one by one. The
// scheduler batches consecutive commands into a recording command buffer
// and hands the batch to the hardware when the queue is flushed, when a
// blocking command needs its result, or when a dependency forces a split.
// Every submission returns an Event that advances through
//
//	Queued ──► Submitted ──► Running ──► Complete
//	   └───────────┴────────────┴──────► Error
//
// and never moves backwards.
//
// # Dependencies
//
// A command may wait on events from any queue of the same Context. Waits
// on events the scheduler can order in hardware (the recording batch, or
// an earlier batch on the same in-order queue) are satisfied by batching
// or semaphores. Waits on user events, or on commands that are themselves
// still held back, park the command in a gate until every blocker has
// resolved. A failed dependency fails every command that waits on it
// without executing any of them.
//
// # Resources
//
// Command buffers, semaphores and fences come from bounded per-Context
// pools. When a pool is exhausted the scheduler reclaims completed
// batches once and retries before reporting ErrOutOfResources.
//
// # Quick Start
//
//	dev, name, err := backend.OpenDefault()
//	ctx, err := mux.NewContext(dev)
//	q, err := ctx.NewQueue()
//
//	buf, _ := ctx.CreateBuffer(1024)
//	w, _ := q.Submit(mux.WriteBuffer{Buffer: buf, Data: input})
//	l, _ := q.Submit(mux.KernelLaunch{Kernel: kern, Range: nd, Args: args})
//	r, _ := q.Submit(mux.ReadBuffer{Buffer: buf, Data: out, Blocking: true})
//
// The cl and vk packages layer OpenCL-style and Vulkan-style front ends
// over the same scheduler.
package mux
