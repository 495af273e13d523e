package types

import (
	"strings"
)

// Attribute is one classifier output slot. An empty Label means the
// classifier left the slot unset for this sample.
type Attribute struct {
	Label      string
	Confidence float32
}

// IsSet reports whether the classifier produced a value for this slot.
func (a Attribute) IsSet() bool {
	return a.Label != ""
}

// ClassificationInfo is the structured output of a classifier for one
// object: one attribute per slot plus a display label.
type ClassificationInfo struct {
	Attributes []Attribute
	Label      string
}

func (info ClassificationInfo) String() string {
	labels := make([]string, 0, len(info.Attributes))
	for _, attr := range info.Attributes {
		if !attr.IsSet() {
			labels = append(labels, "<unset>")
			continue
		}
		labels = append(labels, attr.Label)
	}
	return strings.Join(labels, "/")
}

// MergeClassification merges a freshly collected classifier output into
// the previously cached one, slot by slot: the new result wins unless it
// leaves the slot unset, in which case the previous value (and its
// confidence) is kept.
func MergeClassification(prev, next ClassificationInfo) ClassificationInfo {
	numSlots := len(next.Attributes)
	if len(prev.Attributes) > numSlots {
		numSlots = len(prev.Attributes)
	}

	merged := ClassificationInfo{
		Attributes: make([]Attribute, numSlots),
		Label:      next.Label,
	}
	if merged.Label == "" {
		merged.Label = prev.Label
	}
	for slot := 0; slot < numSlots; slot++ {
		if slot < len(next.Attributes) && next.Attributes[slot].IsSet() {
			merged.Attributes[slot] = next.Attributes[slot]
			continue
		}
		if slot < len(prev.Attributes) {
			merged.Attributes[slot] = prev.Attributes[slot]
		}
	}
	return merged
}
