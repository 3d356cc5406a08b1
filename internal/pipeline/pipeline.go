// Package pipeline turns an uploaded image into ranked class predictions:
// normalize, decode, project to RGB, build the tensor, infer, rank. The
// stages run strictly in order and the first failure ends the run.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/imaging"
	"github.com/example/image-classifier/internal/inference"
	"github.com/example/image-classifier/internal/ranking"
)

// ModelProvider hands out leases on the shared model resource. Each lease
// is released when the run is done with it.
type ModelProvider interface {
	Get(ctx context.Context) (*inference.Resource, error)
}

// Config fixes the canonical input size and the per-run deadline.
type Config struct {
	Width    int
	Height   int
	Deadline time.Duration
}

// Pipeline is safe for concurrent use; each Run owns its buffers.
type Pipeline struct {
	cfg        Config
	normalizer imaging.Normalizer
	decoders   *imaging.Registry
	models     ModelProvider
	logger     *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithNormalizer replaces the default bilinear normalizer.
func WithNormalizer(n imaging.Normalizer) Option {
	return func(p *Pipeline) { p.normalizer = n }
}

// New builds a pipeline. A nil registry means imaging.DefaultRegistry.
func New(cfg Config, decoders *imaging.Registry, models ModelProvider, logger *zap.Logger, opts ...Option) *Pipeline {
	if decoders == nil {
		decoders = imaging.DefaultRegistry()
	}
	p := &Pipeline{
		cfg:        cfg,
		normalizer: imaging.DefaultNormalizer(),
		decoders:   decoders,
		models:     models,
		logger:     logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Supports reports whether mimetype has a registered decoder.
func (p *Pipeline) Supports(mimetype string) bool {
	return p.decoders.Supports(mimetype)
}

// run carries one invocation's intermediate values between stages.
type run struct {
	requestID string
	data      []byte
	mimetype  string
	k         int

	normalized *imaging.Normalized
	pixels     imaging.PixelBuffer
	rgb        imaging.ChannelBuffer
	tensor     inference.Tensor
	probs      []float32
	labels     []string
	ranked     []ranking.Prediction
}

type step struct {
	stage Stage
	fn    func(ctx context.Context, r *run) error
}

// Run classifies data, declared as mimetype, and returns the top k
// predictions. Failures are *StageError values wrapping an errdefs kind.
func (p *Pipeline) Run(ctx context.Context, data []byte, mimetype string, k int) ([]ranking.Prediction, error) {
	if p.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Deadline)
		defer cancel()
	}

	r := &run{
		requestID: RequestIDFromContext(ctx),
		data:      data,
		mimetype:  mimetype,
		k:         k,
	}

	steps := []step{
		{StageNormalize, p.normalize},
		{StageDecode, p.decode},
		{StageProject, p.project},
		{StageTensor, p.buildTensor},
		{StageInfer, p.infer},
		{StageRank, p.rank},
	}
	if err := p.chain(ctx, r, steps); err != nil {
		return nil, err
	}
	return r.ranked, nil
}

// chain runs steps in order and stops at the first failure.
func (p *Pipeline) chain(ctx context.Context, r *run, steps []step) error {
	logger := p.logger.With(zap.String("request_id", r.requestID), zap.String("mimetype", r.mimetype))
	start := time.Now()

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			logger.Warn("pipeline aborted", zap.String("stage", string(s.stage)), zap.Error(err))
			return &StageError{Stage: s.stage, RequestID: r.requestID, Err: err}
		}

		stageStart := time.Now()
		if err := s.fn(ctx, r); err != nil {
			logger.Warn("pipeline stage failed", zap.String("stage", string(s.stage)), zap.Error(err))
			return &StageError{Stage: s.stage, RequestID: r.requestID, Err: err}
		}
		logger.Debug("pipeline stage done",
			zap.String("stage", string(s.stage)),
			zap.Duration("elapsed", time.Since(stageStart)))
	}

	logger.Debug("pipeline done", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Pipeline) normalize(_ context.Context, r *run) error {
	out, err := p.normalizer.Normalize(r.data, p.cfg.Width, p.cfg.Height)
	if err != nil {
		return err
	}
	r.normalized = out
	return nil
}

func (p *Pipeline) decode(_ context.Context, r *run) error {
	pixels, err := p.decoders.Decode(r.normalized.Data, r.mimetype)
	if err != nil {
		return err
	}
	r.pixels = pixels
	r.normalized = nil
	return nil
}

func (p *Pipeline) project(_ context.Context, r *run) error {
	rgb, err := imaging.ProjectRGB(r.pixels)
	if err != nil {
		return err
	}
	r.rgb = rgb
	r.pixels = imaging.PixelBuffer{}
	return nil
}

func (p *Pipeline) buildTensor(_ context.Context, r *run) error {
	tensor, err := inference.BuildTensor(r.rgb.Pix, r.rgb.Height, r.rgb.Width)
	if err != nil {
		return err
	}
	r.tensor = tensor
	return nil
}

func (p *Pipeline) infer(ctx context.Context, r *run) error {
	res, err := p.models.Get(ctx)
	if err != nil {
		return err
	}
	defer res.Release()

	probs, err := res.Model.Run(ctx, r.tensor)
	if err != nil {
		return err
	}
	r.probs = probs
	r.labels = res.Labels
	return nil
}

func (p *Pipeline) rank(_ context.Context, r *run) error {
	ranked, err := ranking.Rank(r.probs, r.labels, r.k)
	if err != nil {
		return err
	}
	r.ranked = ranked
	return nil
}
