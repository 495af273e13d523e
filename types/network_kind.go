package types

// NetworkKind defines what kind of structured output the inference
// engine produces for a sample.
type NetworkKind int

const (
	// NetworkKindUndefined indicates that no kind has been set.
	NetworkKindUndefined NetworkKind = iota
	// NetworkKindDetector produces per-frame bounding boxes.
	NetworkKindDetector
	// NetworkKindClassifier produces per-object attribute labels.
	NetworkKindClassifier
	// NetworkKindSegmentation produces a dense per-pixel class map.
	NetworkKindSegmentation
)

func (k NetworkKind) String() string {
	switch k {
	case NetworkKindUndefined:
		return "<undefined>"
	case NetworkKindDetector:
		return "detector"
	case NetworkKindClassifier:
		return "classifier"
	case NetworkKindSegmentation:
		return "segmentation"
	}
	return "<unknown>"
}
