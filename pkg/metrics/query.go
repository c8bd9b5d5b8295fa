// Package metrics provides services for querying and aggregating metrics data.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics represents aggregated LLM usage for one engine run.
type RunMetrics struct {
	RunID            string  `json:"run_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetRunMetrics retrieves aggregated token and cost metrics for a specific run.
// This queries Prometheus for all LLM requests associated with the run ID and
// aggregates the results across both sides of the pair plus the judge.
func (q *QueryService) GetRunMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	metrics := &RunMetrics{
		RunID: runID,
	}

	// Query for prompt tokens
	promptTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="prompt"})`, runID)
	promptResult, _, err := q.queryAPI.Query(ctx, promptTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}

	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		metrics.PromptTokens = int64(vector[0].Value)
	}

	// Query for completion tokens
	completionTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="completion"})`, runID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}

	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		metrics.CompletionTokens = int64(vector[0].Value)
	}

	// Calculate total tokens
	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	// Query for total cost
	costQuery := fmt.Sprintf(`sum(llm_costs_total{run_id=%q})`, runID)
	costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}

	if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
		metrics.TotalCost = float64(vector[0].Value)
	}

	return metrics, nil
}

// GetRunMetricsByRole retrieves metrics broken down by pair role for a
// specific run. This shows how usage splits between the executor, the
// reviewer, and the consensus judge.
func (q *QueryService) GetRunMetricsByRole(ctx context.Context, runID string) (map[string]*RunMetrics, error) {
	return q.metricsByLabel(ctx, runID, "role")
}

// GetRunMetricsByModel retrieves metrics broken down by model for a specific
// run. This provides more granular data showing which models were used and
// their individual costs.
func (q *QueryService) GetRunMetricsByModel(ctx context.Context, runID string) (map[string]*RunMetrics, error) {
	return q.metricsByLabel(ctx, runID, "model")
}

// metricsByLabel aggregates run metrics grouped by one label dimension.
func (q *QueryService) metricsByLabel(ctx context.Context, runID, label string) (map[string]*RunMetrics, error) {
	result := make(map[string]*RunMetrics)

	// Query for all label values seen in this run
	valuesQuery := fmt.Sprintf(`group by (%s) (llm_tokens_total{run_id=%q})`, label, runID)
	valuesResult, _, err := q.queryAPI.Query(ctx, valuesQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s values: %w", label, err)
	}

	// Extract unique label values
	var values []string
	if vector, ok := valuesResult.(model.Vector); ok {
		for _, sample := range vector {
			if value, ok := sample.Metric[model.LabelName(label)]; ok {
				values = append(values, string(value))
			}
		}
	}

	// Get metrics for each label value
	for _, value := range values {
		metrics := &RunMetrics{
			RunID: runID,
		}

		// Query prompt tokens for this label value
		promptQuery := fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, %s=%q, type="prompt"})`, runID, label, value)
		promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for %s %s: %w", label, value, err)
		}

		if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
			metrics.PromptTokens = int64(vector[0].Value)
		}

		// Query completion tokens for this label value
		completionQuery := fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, %s=%q, type="completion"})`, runID, label, value)
		completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for %s %s: %w", label, value, err)
		}

		if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
			metrics.CompletionTokens = int64(vector[0].Value)
		}

		// Calculate total tokens
		metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

		// Query cost for this label value
		costQuery := fmt.Sprintf(`sum(llm_costs_total{run_id=%q, %s=%q})`, runID, label, value)
		costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for %s %s: %w", label, value, err)
		}

		if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
			metrics.TotalCost = float64(vector[0].Value)
		}

		result[value] = metrics
	}

	return result, nil
}
