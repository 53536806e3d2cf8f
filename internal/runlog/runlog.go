// Package runlog is the append-only record of stage outputs keyed by run
// identifier. It is the sole channel through which parallel stages exchange
// data: each stage writes its own disjoint row, so concurrent Phase-1
// writers need no coordination beyond the store.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/ports"
)

// Log appends and reads stage results through the persistence collaborator.
type Log struct {
	store ports.Store
}

// New wires the run log to a store.
func New(store ports.Store) *Log {
	return &Log{store: store}
}

// Append records one stage's output for a run. The payload must marshal to
// JSON; records are never mutated after this write.
func (l *Log) Append(ctx context.Context, runID uuid.UUID, stage domain.StageName, payload any, summary string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", stage, err)
	}

	res := domain.StageResult{
		RunID:     runID,
		Stage:     stage,
		Payload:   raw,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.AppendStageResult(ctx, res); err != nil {
		return fmt.Errorf("append %s result: %w", stage, err)
	}
	return nil
}

// ForRun returns every stage result recorded under one run identifier, in
// insertion order.
func (l *Log) ForRun(ctx context.Context, runID uuid.UUID) ([]domain.StageResult, error) {
	results, err := l.store.StageResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load stage results: %w", err)
	}
	return results, nil
}

// Payload finds the result for one stage of a run and decodes its payload
// into out. The second return reports whether the stage wrote anything.
func Payload(results []domain.StageResult, stage domain.StageName, out any) (bool, error) {
	for _, res := range results {
		if res.Stage != stage {
			continue
		}
		if err := json.Unmarshal(res.Payload, out); err != nil {
			return true, fmt.Errorf("decode %s payload: %w", stage, err)
		}
		return true, nil
	}
	return false, nil
}
