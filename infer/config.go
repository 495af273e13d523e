package infer

import (
	"fmt"

	"github.com/xaionaro-go/inferpipeline/bufferpool"
	"github.com/xaionaro-go/inferpipeline/policy"
	"github.com/xaionaro-go/inferpipeline/types"
)

const (
	// DefaultMaxBatchSize is the batch size used when none is configured.
	DefaultMaxBatchSize = 1

	// DefaultQueueSize is the capacity of the two stage queues. The
	// queues are not the backpressure point (the surface pool is), so
	// the capacity just needs to be large enough to never matter.
	DefaultQueueSize = 64
)

// Config is the static configuration of one pipeline instance. It is
// validated once, before any worker starts.
type Config struct {
	// UniqueID tags attached classifier results with the identity of
	// this pipeline instance.
	UniqueID uint

	Kind types.NetworkKind
	Mode types.ProcessMode

	// MaxBatchSize is the hard cap on items per submitted batch.
	MaxBatchSize int

	// Interval skips this many frames between full-frame inferences
	// (0 infers on every frame). Only meaningful in full-frame mode.
	Interval uint

	// ClassifierAsync selects the fire-and-forget asynchronous mode:
	// frames are forwarded downstream right after selection and results
	// are applied opportunistically via the history cache. Requires a
	// classifier in objects mode.
	ClassifierAsync bool

	// Policy configures the object filters and the reinference rule.
	Policy policy.Config

	// NetworkInputWidth/NetworkInputHeight is the sample resolution the
	// engine expects; every accepted region is scaled to it.
	NetworkInputWidth  int
	NetworkInputHeight int

	// PoolSize is the amount of batch conversion surfaces; exhausting
	// them blocks frame submission (the designed backpressure point).
	PoolSize int

	// QueueSize overrides DefaultQueueSize when non-zero.
	QueueSize int
}

func (cfg *Config) setDefaults() {
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = bufferpool.DefaultSize
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Policy.ReinferInterval == 0 {
		cfg.Policy.ReinferInterval = policy.NeverReinfer
	}
	// Upstream component ids are conventionally non-zero, so the zero
	// value means "not configured" and matches any component.
	if cfg.Policy.OperateOnComponentID == 0 {
		cfg.Policy.OperateOnComponentID = -1
	}
}

func (cfg *Config) Validate() error {
	if cfg.Kind == types.NetworkKindUndefined {
		return fmt.Errorf("the network kind is not set")
	}
	if cfg.Mode == types.ProcessModeUndefined {
		return fmt.Errorf("the process mode is not set")
	}
	if cfg.MaxBatchSize < 1 {
		return fmt.Errorf("invalid max batch size: %d", cfg.MaxBatchSize)
	}
	if cfg.NetworkInputWidth <= 0 || cfg.NetworkInputHeight <= 0 {
		return fmt.Errorf("invalid network input resolution: %dx%d", cfg.NetworkInputWidth, cfg.NetworkInputHeight)
	}
	if cfg.PoolSize < 1 {
		return fmt.Errorf("invalid surface pool size: %d", cfg.PoolSize)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}
