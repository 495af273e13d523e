//go:build with_cv
// +build with_cv

// Package dnn adapts an OpenCV DNN network to the engine contract.
// The forward pass runs synchronously inside SubmitBatch (OpenCV nets
// are not reentrant), so submission order trivially equals output
// order, as the contract requires.
package dnn

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/xaionaro-go/inferpipeline/engine"
	"github.com/xaionaro-go/inferpipeline/logger"
)

// ParseFunc converts the raw forward-pass output of one sample into a
// structured SampleOutput. The Mat is only valid during the call.
type ParseFunc func(prob gocv.Mat) engine.SampleOutput

type Config struct {
	ModelPath  string
	ConfigPath string

	// MeanScale and Mean are the blob normalization parameters.
	MeanScale float64
	Mean      gocv.Scalar
	SwapRB    bool

	Parse ParseFunc

	// QueueSize bounds how many completed outputs may await retrieval.
	QueueSize int
}

type Engine struct {
	cfg Config
	net gocv.Net

	locker   sync.Mutex
	outputCh chan *engine.BatchOutput
}

var _ engine.Engine = (*Engine)(nil)

func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("no model path")
	}
	if cfg.Parse == nil {
		return nil, fmt.Errorf("no output parser")
	}
	if cfg.MeanScale == 0 {
		cfg.MeanScale = 1.0 / 255.0
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}

	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("unable to read the network from '%s'", cfg.ModelPath)
	}

	return &Engine{
		cfg:      cfg,
		net:      net,
		outputCh: make(chan *engine.BatchOutput, cfg.QueueSize),
	}, nil
}

func (e *Engine) String() string {
	return fmt.Sprintf("DNN(%s)", e.cfg.ModelPath)
}

func (e *Engine) SubmitBatch(ctx context.Context, input engine.BatchInput) (_err error) {
	logger.Tracef(ctx, "SubmitBatch: %d samples", len(input.Samples))
	defer func() { logger.Tracef(ctx, "/SubmitBatch: %v", _err) }()

	samples := make([]engine.SampleOutput, 0, len(input.Samples))

	e.locker.Lock()
	for _, sample := range input.Samples {
		output, err := e.forward(ctx, sample)
		if err != nil {
			e.locker.Unlock()
			return fmt.Errorf("forward pass failed: %w", err)
		}
		samples = append(samples, output)
	}
	e.locker.Unlock()

	select {
	case e.outputCh <- engine.NewBatchOutput(samples, nil):
	case <-ctx.Done():
		return ctx.Err()
	}

	// The blobs are built; the pipeline may reuse the surfaces.
	if input.ReturnFunc != nil {
		input.ReturnFunc()
	}
	return nil
}

func (e *Engine) forward(ctx context.Context, sample *image.RGBA) (engine.SampleOutput, error) {
	mat, err := gocv.ImageToMatRGB(sample)
	if err != nil {
		return engine.SampleOutput{}, fmt.Errorf("unable to convert the sample to a Mat: %w", err)
	}
	defer mat.Close()

	bounds := sample.Bounds()
	blob := gocv.BlobFromImage(
		mat, e.cfg.MeanScale,
		image.Pt(bounds.Dx(), bounds.Dy()),
		e.cfg.Mean, e.cfg.SwapRB, false,
	)
	defer blob.Close()

	e.net.SetInput(blob, "")
	prob := e.net.Forward("")
	defer prob.Close()

	return e.cfg.Parse(prob), nil
}

func (e *Engine) RetrieveOutput(ctx context.Context) (*engine.BatchOutput, error) {
	select {
	case output, ok := <-e.outputCh:
		if !ok {
			return nil, fmt.Errorf("the engine is closed")
		}
		return output, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) Close(ctx context.Context) error {
	close(e.outputCh)
	return e.net.Close()
}
