package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StageName identifies one analysis unit inside a run.
type StageName string

const (
	StageInventory       StageName = "inventory"
	StageShortageMonitor StageName = "shortage_monitor"
	StageRiskScanner     StageName = "risk_scanner"
	StageOverseer        StageName = "overseer"
	StageSubstitutes     StageName = "substitute_resolver"
	StageOrders          StageName = "order_resolver"
)

// StageStatus reports how a stage settled within a run.
type StageStatus string

const (
	StageOK       StageStatus = "ok"
	StageDegraded StageStatus = "degraded"
	StageFailed   StageStatus = "failed"
	StageSkipped  StageStatus = "skipped"
)

// StageResult is one append-only run-log record. Written exactly once per
// stage per run and never mutated afterwards.
type StageResult struct {
	RunID     uuid.UUID
	Stage     StageName
	Payload   json.RawMessage
	Summary   string
	CreatedAt time.Time
}

// RunOutcome summarizes one end-to-end pipeline execution.
type RunOutcome struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Stages     map[StageName]StageStatus
	Alerts     []Alert
	Errors     []string
}

// Status collapses per-stage outcomes into one word for operators.
func (o RunOutcome) Status() string {
	failed, degraded := 0, 0
	for _, s := range o.Stages {
		switch s {
		case StageFailed:
			failed++
		case StageDegraded:
			degraded++
		}
	}
	switch {
	case failed > 0:
		return "completed_with_errors"
	case degraded > 0:
		return "completed_degraded"
	default:
		return "success"
	}
}
