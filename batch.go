package mux

// batchChoice is where an admitted command is recorded.
type batchChoice int

const (
	// newBuffer starts a fresh recording command buffer.
	newBuffer batchChoice = iota

	// extendRecording appends to the recording buffer; the command has no
	// explicit waits.
	extendRecording

	// extendDependency appends to the recording buffer because every
	// explicit wait is already ordered before it.
	extendDependency
)

func (c batchChoice) String() string {
	switch c {
	case extendRecording:
		return "extend-recording"
	case extendDependency:
		return "extend-dependency"
	default:
		return "new-buffer"
	}
}

// batchInputs is what the batching decision depends on.
type batchInputs struct {
	// hasRecording is set when the queue has a recording buffer.
	hasRecording bool

	// sealed is set when the recording buffer must not be extended.
	sealed bool

	// replay is set for commands that bring their own command buffer.
	replay bool

	// explicitWaits counts wait-list events still in flight.
	explicitWaits int

	// foreign counts in-flight dependencies that the recording buffer
	// does not already order, such as batches of other queues.
	foreign int
}

// chooseBatch decides where a command is recorded:
//
//	replay  recording    foreign  waits  choice
//	yes     any          any      any    newBuffer
//	no      none/sealed  any      any    newBuffer
//	no      open         >0       any    newBuffer
//	no      open         0        0      extendRecording
//	no      open         0        >0     extendDependency
func chooseBatch(in batchInputs) batchChoice {
	switch {
	case in.replay, !in.hasRecording, in.sealed, in.foreign > 0:
		return newBuffer
	case in.explicitWaits == 0:
		return extendRecording
	default:
		return extendDependency
	}
}
