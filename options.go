package mux

// Option configures a Context during creation.
//
// Example:
//
//	ctx, err := mux.NewContext(dev,
//	    mux.WithMaxCommandBuffers(64),
//	    mux.WithMetrics(),
//	)
type Option func(*options)

type options struct {
	cmdbufCache int
	semCache    int
	fenceCache  int

	maxCmdbufs int
	maxSems    int
	maxFences  int

	metrics bool
}

func defaultOptions() options {
	return options{
		cmdbufCache: 8,
		semCache:    16,
		fenceCache:  8,
	}
}

// WithCommandBufferCache sets how many idle command buffers are kept for
// reuse. Zero uses the pool default and negative disables caching.
func WithCommandBufferCache(n int) Option {
	return func(o *options) {
		o.cmdbufCache = n
	}
}

// WithSemaphoreCache sets how many idle semaphores are kept for reuse.
func WithSemaphoreCache(n int) Option {
	return func(o *options) {
		o.semCache = n
	}
}

// WithFenceCache sets how many idle fences are kept for reuse.
func WithFenceCache(n int) Option {
	return func(o *options) {
		o.fenceCache = n
	}
}

// WithMaxCommandBuffers bounds the number of live command buffers. When
// the bound is hit, submissions reclaim completed batches and retry once
// before failing with ErrOutOfResources. Zero means unbounded.
func WithMaxCommandBuffers(n int) Option {
	return func(o *options) {
		o.maxCmdbufs = n
	}
}

// WithMaxSemaphores bounds the number of live semaphores.
func WithMaxSemaphores(n int) Option {
	return func(o *options) {
		o.maxSems = n
	}
}

// WithMaxFences bounds the number of live fences.
func WithMaxFences(n int) Option {
	return func(o *options) {
		o.maxFences = n
	}
}

// WithMetrics registers the scheduler's Prometheus collectors with the
// default registry. Counters are maintained either way.
func WithMetrics() Option {
	return func(o *options) {
		o.metrics = true
	}
}

// QueueOption configures a Queue during creation.
type QueueOption func(*queueOptions)

type queueOptions struct {
	outOfOrder bool
	profiling  bool
	label      string
}

// OutOfOrder lets commands on the queue run in any order that respects
// their explicit wait lists and barriers.
func OutOfOrder() QueueOption {
	return func(o *queueOptions) {
		o.outOfOrder = true
	}
}

// WithProfiling records timestamps on every event of the queue.
func WithProfiling() QueueOption {
	return func(o *queueOptions) {
		o.profiling = true
	}
}

// WithLabel names the queue in logs and metrics.
func WithLabel(label string) QueueOption {
	return func(o *queueOptions) {
		o.label = label
	}
}
