package inference

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoaderConfig names where the model and its labels live.
type LoaderConfig struct {
	ModelLocation  string
	LabelsLocation string
	ONNX           ONNXConfig
}

// NewONNXLoader returns a Loader that fetches the artifacts through f and
// opens the model with ONNX Runtime.
func NewONNXLoader(cfg LoaderConfig, f *Fetcher, logger *zap.Logger) Loader {
	logger = logger.Named("model_loader")
	return func(ctx context.Context) (*Resource, error) {
		logger.Info("fetching model",
			zap.String("model", cfg.ModelLocation),
			zap.String("labels", cfg.LabelsLocation))

		modelPath, err := f.Fetch(ctx, cfg.ModelLocation)
		if err != nil {
			return nil, err
		}
		labelsPath, err := f.Fetch(ctx, cfg.LabelsLocation)
		if err != nil {
			return nil, err
		}

		labels, err := LoadLabels(labelsPath)
		if err != nil {
			return nil, err
		}

		model, err := LoadONNX(modelPath, cfg.ModelLocation, cfg.ONNX)
		if err != nil {
			return nil, err
		}

		return &Resource{
			Model:    model,
			Labels:   labels,
			LoadedAt: time.Now().UTC(),
		}, nil
	}
}
