package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/cache"
	"github.com/example/image-classifier/internal/inference"
	"github.com/example/image-classifier/internal/logging"
	"github.com/example/image-classifier/internal/pipeline"
	"github.com/example/image-classifier/internal/ranking"
	"github.com/example/image-classifier/internal/repository"
	"github.com/example/image-classifier/internal/retry"
	"github.com/example/image-classifier/internal/search"
)

var (
	// ErrNotFound is returned when no outcome exists for a request id.
	ErrNotFound = repository.ErrNotFound
	// ErrPersistenceDisabled is returned by queries that need the database
	// when none is configured.
	ErrPersistenceDisabled = errors.New("prediction persistence is disabled")
)

// Classifier runs the classification pipeline.
type Classifier interface {
	Run(ctx context.Context, data []byte, mimetype string, k int) ([]ranking.Prediction, error)
}

// ModelStore exposes the shared model resource. Resources returned by Get
// and Reload are leases that must be released.
type ModelStore interface {
	Get(ctx context.Context) (*inference.Resource, error)
	Reload(ctx context.Context) (*inference.Resource, error)
	Loaded() bool
}

// Searcher looks up a label.
type Searcher interface {
	Search(ctx context.Context, term string) ([]search.Result, error)
}

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	ListRecent(ctx context.Context, requester string, limit int) ([]*repository.PredictionLog, error)
	AggregateStats(ctx context.Context) (*repository.Stats, error)
}

// Config tunes the use case.
type Config struct {
	DefaultK  int
	ResultTTL time.Duration
	Retry     retry.Policy
}

// Outcome is the result of one classification request.
type Outcome struct {
	RequestID     string               `json:"request_id"`
	Requester     string               `json:"requester,omitempty"`
	SHA1Hash      string               `json:"sha1_hash"`
	Mimetype      string               `json:"mimetype"`
	Predictions   []ranking.Prediction `json:"predictions"`
	SearchTerm    string               `json:"search_term,omitempty"`
	SearchResults []search.Result      `json:"search_results,omitempty"`
	SearchError   string               `json:"search_error,omitempty"`
	Cached        bool                 `json:"cached"`
	LatencyMs     int64                `json:"latency_ms"`
	CreatedAt     time.Time            `json:"created_at"`
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	inference.Summary
	Classes  int       `json:"classes"`
	LoadedAt time.Time `json:"loaded_at"`
}

// ClassificationUseCase encapsulates the classify, search, persist flow.
type ClassificationUseCase struct {
	classifier Classifier
	models     ModelStore
	repo       PredictionRepository
	cache      cache.Cache
	searcher   Searcher
	cfg        Config
	logger     *zap.Logger
}

// NewClassificationUseCase constructs a use case. repo and searcher may be
// nil; a nil cache stores nothing.
func NewClassificationUseCase(classifier Classifier, models ModelStore, repo PredictionRepository, c cache.Cache, searcher Searcher, cfg Config, logger *zap.Logger) *ClassificationUseCase {
	if c == nil {
		c = cache.NopCache{}
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 3
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &ClassificationUseCase{
		classifier: classifier,
		models:     models,
		repo:       repo,
		cache:      c,
		searcher:   searcher,
		cfg:        cfg,
		logger:     logger.Named("classification_usecase"),
	}
}

func resultKey(requestID string) string {
	return "prediction:" + requestID
}

func digestKey(modelID, hash, mimetype string, k int) string {
	return fmt.Sprintf("classification:%s|%s|%s|%d", modelID, hash, mimetype, k)
}

func searchKey(term string) string {
	return "search:" + term
}

// Classify runs the pipeline on data and enriches the top prediction with
// search results. k <= 0 selects the configured default.
func (uc *ClassificationUseCase) Classify(ctx context.Context, requester string, data []byte, mimetype string, k int) (*Outcome, error) {
	start := time.Now()
	requestID := uuid.NewString()
	ctx = pipeline.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)

	if k <= 0 {
		k = uc.cfg.DefaultK
	}

	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])

	outcome := &Outcome{
		RequestID: requestID,
		Requester: requester,
		SHA1Hash:  hash,
		Mimetype:  mimetype,
	}

	// Predictions are cached per model load so a reload never serves the
	// previous model's answers.
	modelID := uc.modelID(ctx)
	var cached []ranking.Prediction
	if modelID != "" && uc.cacheGet(ctx, requestID, "cache.get.digest", digestKey(modelID, hash, mimetype, k), &cached) {
		opLogger.Debug("classification served from cache", zap.String("sha1", hash))
		outcome.Predictions = cached
		outcome.Cached = true
	} else {
		preds, err := uc.classifier.Run(ctx, data, mimetype, k)
		if err != nil {
			opLogger.Warn("classification failed", zap.Error(err))
			return nil, err
		}
		outcome.Predictions = preds
		if modelID != "" && uc.modelID(ctx) == modelID {
			uc.cacheSet(ctx, requestID, "cache.set.digest", digestKey(modelID, hash, mimetype, k), preds)
		}
	}

	if len(outcome.Predictions) > 0 {
		outcome.SearchTerm = outcome.Predictions[0].Label
		results, err := uc.lookup(ctx, requestID, outcome.SearchTerm)
		if err != nil {
			opLogger.Warn("search failed", zap.String("term", outcome.SearchTerm), zap.Error(err))
			outcome.SearchError = err.Error()
		}
		outcome.SearchResults = results
	}

	outcome.LatencyMs = time.Since(start).Milliseconds()
	outcome.CreatedAt = time.Now().UTC()

	if uc.repo != nil {
		log := &repository.PredictionLog{
			RequestID: requestID,
			Requester: requester,
			SHA1Hash:  hash,
			Mimetype:  mimetype,
			LatencyMs: outcome.LatencyMs,
			CreatedAt: outcome.CreatedAt,
		}
		if err := log.SetPredictions(outcome.Predictions); err != nil {
			return nil, retry.Wrap("usecase.encode_predictions", requestID, err)
		}
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist prediction log", zap.Error(err))
			return nil, retry.Wrap("usecase.save_log", requestID, err)
		}
	}

	uc.cacheSet(ctx, requestID, "cache.set.result", resultKey(requestID), outcome)

	opLogger.Info("classification completed",
		zap.String("top_label", outcome.SearchTerm),
		zap.Bool("cached", outcome.Cached),
		zap.Int64("latency_ms", outcome.LatencyMs))
	return outcome, nil
}

func (uc *ClassificationUseCase) lookup(ctx context.Context, requestID, term string) ([]search.Result, error) {
	if uc.searcher == nil {
		return nil, nil
	}
	var results []search.Result
	if uc.cacheGet(ctx, requestID, "cache.get.search", searchKey(term), &results) {
		return results, nil
	}
	results, err := uc.searcher.Search(ctx, term)
	if err != nil {
		return nil, err
	}
	uc.cacheSet(ctx, requestID, "cache.set.search", searchKey(term), results)
	return results, nil
}

// GetResult retrieves a stored outcome, from the cache first and then from
// the database. A non-empty requester only sees its own results.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, requester, requestID string) (*Outcome, error) {
	var outcome Outcome
	if uc.cacheGet(ctx, requestID, "cache.get.result", resultKey(requestID), &outcome) {
		if requester != "" && outcome.Requester != requester {
			return nil, ErrNotFound
		}
		return &outcome, nil
	}

	if uc.repo == nil {
		return nil, ErrNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if requester != "" && log.Requester != requester {
		return nil, ErrNotFound
	}
	return outcomeFromLog(log)
}

// ListRecent returns the newest stored outcomes.
func (uc *ClassificationUseCase) ListRecent(ctx context.Context, requester string, limit int) ([]*Outcome, error) {
	if uc.repo == nil {
		return nil, ErrPersistenceDisabled
	}
	logs, err := uc.repo.ListRecent(ctx, requester, limit)
	if err != nil {
		return nil, err
	}
	outcomes := make([]*Outcome, 0, len(logs))
	for _, log := range logs {
		o, err := outcomeFromLog(log)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func outcomeFromLog(log *repository.PredictionLog) (*Outcome, error) {
	preds, err := log.DecodePredictions()
	if err != nil {
		return nil, retry.Wrap("usecase.decode_predictions", log.RequestID, err)
	}
	return &Outcome{
		RequestID:   log.RequestID,
		Requester:   log.Requester,
		SHA1Hash:    log.SHA1Hash,
		Mimetype:    log.Mimetype,
		Predictions: preds,
		SearchTerm:  log.TopLabel,
		LatencyMs:   log.LatencyMs,
		CreatedAt:   log.CreatedAt,
	}, nil
}

// ModelSummary describes the model, loading it if necessary.
func (uc *ClassificationUseCase) ModelSummary(ctx context.Context) (*ModelInfo, error) {
	res, err := uc.models.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer res.Release()
	return modelInfo(res), nil
}

// ReloadModel discards the current model and loads a fresh one.
func (uc *ClassificationUseCase) ReloadModel(ctx context.Context) (*ModelInfo, error) {
	res, err := uc.models.Reload(ctx)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.reload_model", "").Error("model reload failed", zap.Error(err))
		return nil, err
	}
	defer res.Release()
	return modelInfo(res), nil
}

// ModelLoaded reports whether a model is resident.
func (uc *ClassificationUseCase) ModelLoaded() bool {
	return uc.models.Loaded()
}

// modelID identifies the resident model load, or is empty when none can
// be loaded.
func (uc *ClassificationUseCase) modelID(ctx context.Context) string {
	res, err := uc.models.Get(ctx)
	if err != nil || res == nil {
		return ""
	}
	defer res.Release()
	return res.ID()
}

func modelInfo(res *inference.Resource) *ModelInfo {
	return &ModelInfo{
		Summary:  res.Model.Summary(),
		Classes:  len(res.Labels),
		LoadedAt: res.LoadedAt,
	}
}

// cacheGet reports whether key was found and decoded into dst. Cache
// failures other than a miss are logged and treated as a miss.
func (uc *ClassificationUseCase) cacheGet(ctx context.Context, requestID, operation, key string, dst interface{}) bool {
	err := uc.cfg.Retry.Do(ctx, uc.logger, operation, requestID, func() error {
		return cache.GetJSON(ctx, uc.cache, key, dst)
	})
	if err == nil {
		return true
	}
	if !errors.Is(err, cache.ErrMiss) {
		logging.WithOperation(uc.logger, operation, requestID).Warn("cache read failed", zap.Error(err))
	}
	return false
}

func (uc *ClassificationUseCase) cacheSet(ctx context.Context, requestID, operation, key string, v interface{}) {
	err := uc.cfg.Retry.Do(ctx, uc.logger, operation, requestID, func() error {
		return cache.SetJSON(ctx, uc.cache, key, v, uc.cfg.ResultTTL)
	})
	if err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("cache write failed", zap.Error(err))
	}
}
