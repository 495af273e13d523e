package infer

// State is the lifecycle state of a pipeline instance.
//
// The only cycle is Stopped -> Running -> Draining -> Stopped: a stop
// request stops admitting frames, both workers drain their queues to
// completion and exit, and only then the instance is stopped again.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	}
	return "<unknown>"
}
