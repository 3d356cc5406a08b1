package usecase

import "context"

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalRequests         int64   `json:"total_requests"`
	AverageTopProbability float64 `json:"average_top_probability"`
	AverageLatencyMs      float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates metrics from persisted prediction logs.
func (uc *ClassificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrPersistenceDisabled
	}
	stats, err := uc.repo.AggregateStats(ctx)
	if err != nil {
		return nil, err
	}
	return &MetricsSummary{
		TotalRequests:         stats.TotalCount,
		AverageTopProbability: stats.AverageTopProbability,
		AverageLatencyMs:      stats.AverageLatencyMs,
	}, nil
}
