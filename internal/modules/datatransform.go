package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentry/internal/metrics"
	"agentry/internal/transform"
	"agentry/pkg/models"
)

// RowSource loads staged dataset rows for an owner. Implemented by the
// dataset store.
type RowSource interface {
	Rows(ctx context.Context, ownerID, datasetID uint) ([]transform.Row, error)
}

// DataTransformModule runs rule-based ETL pipelines over inline rows or
// a staged dataset.
type DataTransformModule struct {
	engine   *transform.Engine
	datasets RowSource
}

// NewDataTransformModule wires the transform engine. The dataset source
// may be nil when dataset staging is disabled.
func NewDataTransformModule(engine *transform.Engine, datasets RowSource) *DataTransformModule {
	return &DataTransformModule{engine: engine, datasets: datasets}
}

func (m *DataTransformModule) Descriptor() Descriptor {
	return Descriptor{
		Key:         "data-transform",
		Name:        "Data Transform",
		Version:     "1.0.0",
		Category:    "data",
		CreditCost:  2,
		Description: "Runs a declarative transform pipeline (filter, map, aggregate, ...) over rows.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pipeline":   map[string]interface{}{"type": "object"},
				"rows":       map[string]interface{}{"type": "array"},
				"dataset_id": map[string]interface{}{"type": "integer"},
				"use_cache":  map[string]interface{}{"type": "boolean"},
			},
			"required": []string{"pipeline"},
		},
	}
}

func (m *DataTransformModule) Invoke(ctx context.Context, agent *models.Agent, input map[string]interface{}) (map[string]interface{}, error) {
	pipeline, err := parsePipeline(input["pipeline"])
	if err != nil {
		return nil, err
	}
	if useCache, ok := input["use_cache"].(bool); ok {
		pipeline.UseCache = useCache
	}

	rows, err := m.resolveRows(ctx, agent, input)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := m.engine.Execute(ctx, pipeline, rows)
	if err != nil {
		metrics.Get().RecordPipelineExecution("error", time.Since(start), len(rows), 0)
		return nil, err
	}
	metrics.Get().RecordPipelineExecution("success", time.Since(start), result.Stats.InRows, result.Stats.OutRows)
	for _, step := range result.Stats.Steps {
		metrics.Get().RecordPipelineStep(step.Op)
	}

	return map[string]interface{}{
		"rows":  result.Rows,
		"stats": result.Stats,
	}, nil
}

func (m *DataTransformModule) resolveRows(ctx context.Context, agent *models.Agent, input map[string]interface{}) ([]transform.Row, error) {
	if raw, ok := input["rows"]; ok && raw != nil {
		return coerceRows(raw)
	}
	if raw, ok := input["dataset_id"]; ok && raw != nil {
		if m.datasets == nil {
			return nil, fmt.Errorf("dataset staging is not configured")
		}
		id, ok := intValue(raw)
		if !ok || id <= 0 {
			return nil, fmt.Errorf("dataset_id must be a positive integer")
		}
		return m.datasets.Rows(ctx, agent.OwnerID, uint(id))
	}
	return nil, fmt.Errorf("either rows or dataset_id is required")
}

func parsePipeline(raw interface{}) (*transform.Pipeline, error) {
	if raw == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	var pipeline transform.Pipeline
	if err := json.Unmarshal(encoded, &pipeline); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	if len(pipeline.Steps) == 0 {
		return nil, fmt.Errorf("pipeline must have at least one step")
	}
	return &pipeline, nil
}

func coerceRows(raw interface{}) ([]transform.Row, error) {
	switch v := raw.(type) {
	case []transform.Row:
		return v, nil
	case []map[string]interface{}:
		rows := make([]transform.Row, len(v))
		for i := range v {
			rows[i] = v[i]
		}
		return rows, nil
	case []interface{}:
		rows := make([]transform.Row, 0, len(v))
		for i, item := range v {
			row, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("row %d is not an object", i)
			}
			rows = append(rows, row)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("rows must be an array of objects")
	}
}

func intValue(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
		return 0, false
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
