package mux

import (
	"sync"

	"github.com/gogpu/mux/internal/arena"
	"github.com/gogpu/mux/muxcore"
)

type recordState int

const (
	stateRecording recordState = iota
	statePending
	stateRunning
	stateCompleted
)

func (s recordState) String() string {
	switch s {
	case stateRecording:
		return "recording"
	case statePending:
		return "pending"
	case stateRunning:
		return "running"
	default:
		return "completed"
	}
}

// dispatchRecord tracks one hardware command buffer from its first
// recorded command until its completion has been processed. Records live
// in the context's arena; everything else refers to them by ID.
type dispatchRecord struct {
	id     arena.ID
	queue  *Queue
	cmdbuf muxcore.CommandBuffer
	owner  *CommandBuffer // non-nil for replays of a persistent buffer
	fence  muxcore.Fence
	signal muxcore.Semaphore
	sealed bool

	// Guarded by queue.mu. waitLists[i] holds the wait-list events of
	// events[i] recorded outside this batch.
	events    []*Event
	waitLists [][]*Event
	cleanups  []func()
	deps     []arena.ID
	commands int

	mu    sync.Mutex
	state recordState
	waits []muxcore.Semaphore
}

func (r *dispatchRecord) addDep(id arena.ID) {
	if id == r.id {
		return
	}
	for _, d := range r.deps {
		if d == id {
			return
		}
	}
	r.deps = append(r.deps, id)
}

func (r *dispatchRecord) stateOf() recordState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *dispatchRecord) setState(s recordState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
