// Package policy implements the decision whether an object needs a
// fresh inference this frame, or whether its cached result is still
// good enough.
package policy

import (
	"fmt"
	"math"
	"slices"

	"github.com/xaionaro-go/inferpipeline/history"
	"github.com/xaionaro-go/inferpipeline/types"
)

// DefaultReinferAreaThreshold: tracked objects are reinferred only when
// their area in terms of pixels grows by this ratio.
const DefaultReinferAreaThreshold = 0.2

// NeverReinfer disables the frame-gap reinference criterion.
const NeverReinfer = types.FrameNum(math.MaxInt64)

// Config is the set of filters and thresholds applied to candidate
// objects before they are accepted into a batch.
type Config struct {
	// MinObjectWidth/MinObjectHeight reject objects that are too small
	// to produce a meaningful inference.
	MinObjectWidth  float64
	MinObjectHeight float64

	// MaxObjectWidth/MaxObjectHeight reject objects that are too large;
	// zero means no upper limit.
	MaxObjectWidth  float64
	MaxObjectHeight float64

	// OperateOnClassIDs is an allow-list of object class ids; empty
	// allows every class.
	OperateOnClassIDs []int

	// OperateOnComponentID accepts only objects emitted by the upstream
	// component with this unique id; -1 accepts any.
	OperateOnComponentID int

	// ReinferInterval is the maximum number of frames a classifier
	// result may stay unrefreshed for a tracked object.
	ReinferInterval types.FrameNum

	// ReinferAreaThreshold overrides DefaultReinferAreaThreshold when
	// non-zero.
	ReinferAreaThreshold float64
}

func (cfg *Config) Validate() error {
	if cfg.MinObjectWidth < 0 || cfg.MinObjectHeight < 0 {
		return fmt.Errorf("negative minimum object dimensions: %vx%v", cfg.MinObjectWidth, cfg.MinObjectHeight)
	}
	if cfg.ReinferAreaThreshold < 0 {
		return fmt.Errorf("negative reinference area threshold: %v", cfg.ReinferAreaThreshold)
	}
	return nil
}

func (cfg *Config) areaThreshold() float64 {
	if cfg.ReinferAreaThreshold == 0 {
		return DefaultReinferAreaThreshold
	}
	return cfg.ReinferAreaThreshold
}

// ShouldInfer decides if the object must be (re)inferred at frameNum.
//
// Filters apply first, independent of history. For detectors the
// history is irrelevant: whatever passes the filters is inferred. For
// classifiers with a history record, a fresh inference is required only
// when the object's area outgrew the last inferred geometry by the area
// threshold, or the result is older than ReinferInterval frames.
func ShouldInfer(
	cfg *Config,
	kind types.NetworkKind,
	obj *types.ObjectMeta,
	frameNum types.FrameNum,
	hist *history.Record,
) bool {
	if cfg.OperateOnComponentID > -1 &&
		obj.ComponentID != cfg.OperateOnComponentID {
		return false
	}

	if obj.Rect.Width < cfg.MinObjectWidth {
		return false
	}
	if obj.Rect.Height < cfg.MinObjectHeight {
		return false
	}
	if cfg.MaxObjectWidth > 0 && obj.Rect.Width > cfg.MaxObjectWidth {
		return false
	}
	if cfg.MaxObjectHeight > 0 && obj.Rect.Height > cfg.MaxObjectHeight {
		return false
	}

	if len(cfg.OperateOnClassIDs) != 0 &&
		!slices.Contains(cfg.OperateOnClassIDs, obj.ClassID) {
		return false
	}

	// History is irrelevant for detectors.
	if hist == nil || kind != types.NetworkKindClassifier {
		return true
	}

	if hist.LastInferredRect.Area()*(1+cfg.areaThreshold()) < obj.Rect.Area() {
		return true
	}
	if frameNum-hist.LastInferredFrame > cfg.ReinferInterval {
		return true
	}
	return false
}
