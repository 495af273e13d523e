// Package bufferpool provides the fixed-size pool of batch conversion
// surfaces. The pool allocates all of its surfaces at start and keeps
// reusing them; an exhausted pool blocks the acquirer, which is the one
// designed backpressure point of the pipeline.
package bufferpool

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/atomic"

	"github.com/xaionaro-go/inferpipeline/logger"
)

// DefaultSize is the default amount of surfaces in a pool.
const DefaultSize = 3

// Surface is one conversion buffer: room for up to one batch worth of
// network-input-sized samples. It is reference-counted; the last Unref
// returns it to its pool.
type Surface struct {
	// Samples are the pre-allocated per-item scratch images, each sized
	// to the network input resolution.
	Samples []*image.RGBA

	pool *Pool
	refs atomic.Int32
}

// Ref takes an additional reference on the surface.
func (s *Surface) Ref() *Surface {
	if s.refs.Inc() <= 1 {
		panic("Ref on a released surface")
	}
	return s
}

// Unref drops one reference; the surface returns to the pool when the
// last reference is gone (for a submitted batch that is the engine's
// completion callback).
func (s *Surface) Unref() {
	refs := s.refs.Dec()
	switch {
	case refs > 0:
	case refs == 0:
		s.pool.put(s)
	default:
		panic("Unref of an already released surface")
	}
}

// Pool is a fixed-size pool of Surfaces.
type Pool struct {
	surfaces  chan *Surface
	closeOnce sync.Once
	closedCh  chan struct{}
}

// New allocates a pool of `size` surfaces, each holding `batchSize`
// samples of `width`x`height` pixels.
func New(size, batchSize, width, height int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid pool size: %d", size)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d", batchSize)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid sample dimensions: %dx%d", width, height)
	}

	p := &Pool{
		surfaces: make(chan *Surface, size),
		closedCh: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		surface := &Surface{
			Samples: make([]*image.RGBA, batchSize),
			pool:    p,
		}
		for j := range surface.Samples {
			surface.Samples[j] = image.NewRGBA(image.Rect(0, 0, width, height))
		}
		p.surfaces <- surface
	}
	return p, nil
}

// Acquire blocks until a free surface is available (or ctx is done) and
// hands it out with one reference held.
func (p *Pool) Acquire(ctx context.Context) (*Surface, error) {
	select {
	case surface := <-p.surfaces:
		surface.refs.Store(1)
		return surface, nil
	default:
	}

	logger.Debugf(ctx, "the surface pool is exhausted, blocking")
	select {
	case surface := <-p.surfaces:
		surface.refs.Store(1)
		return surface, nil
	case <-p.closedCh:
		return nil, fmt.Errorf("the pool is closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) put(s *Surface) {
	select {
	case p.surfaces <- s:
	default:
		// Returning more surfaces than were allocated is a bug.
		panic("surface pool overflow")
	}
}

// Free reports how many surfaces are currently available without
// blocking.
func (p *Pool) Free() int {
	return len(p.surfaces)
}

// Close unblocks every pending and future Acquire. Surfaces still
// referenced stay valid until their last Unref.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closedCh)
	})
}
