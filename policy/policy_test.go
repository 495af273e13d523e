package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/inferpipeline/history"
	"github.com/xaionaro-go/inferpipeline/types"
)

func TestShouldInferFilters(t *testing.T) {
	cfg := Config{
		MinObjectWidth:       32,
		MinObjectHeight:      32,
		MaxObjectWidth:       512,
		MaxObjectHeight:      512,
		OperateOnClassIDs:    []int{0, 2},
		OperateOnComponentID: 1,
		ReinferInterval:      NeverReinfer,
	}

	base := types.ObjectMeta{
		ID:          1,
		ClassID:     0,
		ComponentID: 1,
		Rect:        types.Rect{Left: 10, Top: 10, Width: 100, Height: 100},
	}

	tests := []struct {
		name     string
		mutate   func(obj *types.ObjectMeta)
		expected bool
	}{
		{
			name:     "passes all filters",
			mutate:   func(obj *types.ObjectMeta) {},
			expected: true,
		},
		{
			name:     "too narrow",
			mutate:   func(obj *types.ObjectMeta) { obj.Rect.Width = 31 },
			expected: false,
		},
		{
			name:     "too short",
			mutate:   func(obj *types.ObjectMeta) { obj.Rect.Height = 31 },
			expected: false,
		},
		{
			name:     "too wide",
			mutate:   func(obj *types.ObjectMeta) { obj.Rect.Width = 513 },
			expected: false,
		},
		{
			name:     "class not operated on",
			mutate:   func(obj *types.ObjectMeta) { obj.ClassID = 1 },
			expected: false,
		},
		{
			name:     "wrong upstream component",
			mutate:   func(obj *types.ObjectMeta) { obj.ComponentID = 2 },
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := base
			tt.mutate(&obj)
			result := ShouldInfer(&cfg, types.NetworkKindDetector, &obj, 100, nil)
			require.Equal(t, tt.expected, result)
		})
	}
}

func TestShouldInferAnyComponent(t *testing.T) {
	cfg := Config{
		OperateOnComponentID: -1,
		ReinferInterval:      NeverReinfer,
	}
	obj := types.ObjectMeta{
		ComponentID: 42,
		Rect:        types.Rect{Width: 100, Height: 100},
	}
	require.True(t, ShouldInfer(&cfg, types.NetworkKindDetector, &obj, 1, nil))
}

func TestShouldInferClassifierReuse(t *testing.T) {
	cfg := Config{
		OperateOnComponentID: -1,
		ReinferInterval:      30,
	}

	// The object was inferred at frame 10 while covering 10x10 pixels.
	hist := history.Record{
		LastInferredFrame: 10,
		LastInferredRect:  types.Rect{Width: 10, Height: 10},
	}

	tests := []struct {
		name     string
		frameNum types.FrameNum
		area     float64
		expected bool
	}{
		{
			name:     "slightly grown, result fresh",
			frameNum: 20,
			area:     105,
			expected: false,
		},
		{
			name:     "result became stale",
			frameNum: 41,
			area:     105,
			expected: true,
		},
		{
			name:     "grown past the area threshold",
			frameNum: 20,
			area:     130,
			expected: true,
		},
		{
			name:     "exactly at the area threshold",
			frameNum: 20,
			area:     120,
			expected: false,
		},
		{
			name:     "interval boundary is inclusive",
			frameNum: 40,
			area:     100,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := types.ObjectMeta{
				ID:   7,
				Rect: types.Rect{Width: tt.area / 10, Height: 10},
			}
			result := ShouldInfer(&cfg, types.NetworkKindClassifier, &obj, tt.frameNum, &hist)
			require.Equal(t, tt.expected, result)
		})
	}
}

func TestShouldInferClassifierWithoutHistory(t *testing.T) {
	cfg := Config{
		OperateOnComponentID: -1,
		ReinferInterval:      NeverReinfer,
	}
	obj := types.ObjectMeta{
		ID:   1,
		Rect: types.Rect{Width: 100, Height: 100},
	}
	// A never-seen object is always inferred, regardless of thresholds.
	require.True(t, ShouldInfer(&cfg, types.NetworkKindClassifier, &obj, 1, nil))
}

func TestShouldInferDetectorIgnoresHistory(t *testing.T) {
	cfg := Config{
		OperateOnComponentID: -1,
		ReinferInterval:      NeverReinfer,
	}
	obj := types.ObjectMeta{
		ID:   1,
		Rect: types.Rect{Width: 100, Height: 100},
	}
	hist := history.Record{
		LastInferredFrame: 1,
		LastInferredRect:  obj.Rect,
	}
	require.True(t, ShouldInfer(&cfg, types.NetworkKindDetector, &obj, 2, &hist))
}
