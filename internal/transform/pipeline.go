package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// LookupFunc resolves an enrichment key against an external source, such
// as a connector client. Implementations should honor ctx cancellation.
type LookupFunc func(ctx context.Context, key string) (interface{}, error)

// Step is one operator invocation inside a pipeline.
type Step struct {
	Op     string          `json:"op"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Pipeline is an ordered list of operators applied to rows.
type Pipeline struct {
	Name     string `json:"name,omitempty"`
	Steps    []Step `json:"steps"`
	UseCache bool   `json:"use_cache,omitempty"`
}

// StepStat reports row counts and timing for one executed step.
type StepStat struct {
	Op         string `json:"op"`
	InRows     int    `json:"in_rows"`
	OutRows    int    `json:"out_rows"`
	DurationMs int64  `json:"duration_ms"`
}

// Stats summarizes a pipeline execution.
type Stats struct {
	InRows     int        `json:"in_rows"`
	OutRows    int        `json:"out_rows"`
	DurationMs int64      `json:"duration_ms"`
	CacheHit   bool       `json:"cache_hit"`
	Steps      []StepStat `json:"steps,omitempty"`
}

// Result carries the output rows and execution stats.
type Result struct {
	Rows  []Row  `json:"rows"`
	Stats *Stats `json:"stats"`
}

// EngineConfig bounds pipeline executions.
type EngineConfig struct {
	MaxRows  int // per-execution input row cap
	MaxSteps int
	Cache    *CacheConfig
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxRows:  100000,
		MaxSteps: 32,
		Cache:    DefaultCacheConfig(),
	}
}

// Engine executes pipelines. It is safe for concurrent use.
type Engine struct {
	maxRows  int
	maxSteps int
	cache    *ResultCache

	mu      sync.RWMutex
	lookups map[string]LookupFunc
}

// NewEngine creates an engine. A nil config uses defaults.
func NewEngine(config *EngineConfig) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	e := &Engine{
		maxRows:  config.MaxRows,
		maxSteps: config.MaxSteps,
		lookups:  make(map[string]LookupFunc),
	}
	if config.Cache != nil {
		e.cache = NewResultCache(config.Cache)
	}
	return e
}

// RegisterLookup makes a lookup source available to enrich steps.
func (e *Engine) RegisterLookup(name string, fn LookupFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lookups[name] = fn
}

func (e *Engine) lookup(name string) (LookupFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.lookups[name]
	return fn, ok
}

func (e *Engine) hasLookup(name string) bool {
	_, ok := e.lookup(name)
	return ok
}

// Validate builds and validates every step without touching any rows.
func (e *Engine) Validate(p *Pipeline) error {
	_, err := e.buildOperators(p)
	return err
}

func (e *Engine) buildOperators(p *Pipeline) ([]Operator, error) {
	if p == nil || len(p.Steps) == 0 {
		return nil, ErrEmptyPipeline
	}
	if e.maxSteps > 0 && len(p.Steps) > e.maxSteps {
		return nil, fmt.Errorf("%w: %d steps (max %d)", ErrInvalidConfig, len(p.Steps), e.maxSteps)
	}

	ops := make([]Operator, len(p.Steps))
	for i, step := range p.Steps {
		op, err := buildOperator(e, step.Op, step.Config)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		ops[i] = op
	}
	return ops, nil
}

// Execute runs a pipeline over the input rows. Every step is validated
// before the first one runs; input rows are never mutated.
func (e *Engine) Execute(ctx context.Context, p *Pipeline, rows []Row) (*Result, error) {
	if e.maxRows > 0 && len(rows) > e.maxRows {
		return nil, fmt.Errorf("%w: %d rows (max %d)", ErrTooManyRows, len(rows), e.maxRows)
	}

	ops, err := e.buildOperators(p)
	if err != nil {
		return nil, err
	}

	var cacheKey uint64
	cacheable := false
	if p.UseCache && e.cache != nil {
		if key, keyErr := e.cacheKey(p, rows); keyErr == nil {
			cacheKey = key
			cacheable = true
			if cached, ok := e.cache.Get(cacheKey); ok {
				var out []Row
				if jsonErr := json.Unmarshal(cached, &out); jsonErr == nil {
					return &Result{
						Rows: out,
						Stats: &Stats{
							InRows:   len(rows),
							OutRows:  len(out),
							CacheHit: true,
						},
					}, nil
				}
			}
		}
	}

	start := time.Now()
	stats := &Stats{InRows: len(rows), Steps: make([]StepStat, 0, len(ops))}

	current := rows
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline canceled at step %d: %w", i+1, err)
		}

		stepStart := time.Now()
		next, err := op.Apply(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, op.Name(), err)
		}
		stats.Steps = append(stats.Steps, StepStat{
			Op:         op.Name(),
			InRows:     len(current),
			OutRows:    len(next),
			DurationMs: time.Since(stepStart).Milliseconds(),
		})
		current = next
	}

	stats.OutRows = len(current)
	stats.DurationMs = time.Since(start).Milliseconds()

	if cacheable {
		if encoded, err := json.Marshal(current); err == nil {
			e.cache.Set(cacheKey, encoded)
		}
	}

	return &Result{Rows: current, Stats: stats}, nil
}

// CacheStats exposes result-cache counters for metrics.
func (e *Engine) CacheStats() CacheStats {
	if e.cache == nil {
		return CacheStats{}
	}
	return e.cache.Stats()
}

func (e *Engine) cacheKey(p *Pipeline, rows []Row) (uint64, error) {
	pipelineJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return 0, err
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return 0, err
	}
	return cacheKeyFor(pipelineJSON, rowsJSON), nil
}
