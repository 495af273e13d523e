package types

// ProcessMode defines what a batch item is cropped from.
type ProcessMode int

const (
	// ProcessModeUndefined indicates that no mode has been set.
	ProcessModeUndefined ProcessMode = iota
	// ProcessModeFullFrame infers on the whole frame (primary detectors).
	ProcessModeFullFrame
	// ProcessModeObjects infers on objects found by an upstream
	// component (secondary classifiers and detectors).
	ProcessModeObjects
)

func (m ProcessMode) String() string {
	switch m {
	case ProcessModeUndefined:
		return "<undefined>"
	case ProcessModeFullFrame:
		return "full-frame"
	case ProcessModeObjects:
		return "objects"
	}
	return "<unknown>"
}
