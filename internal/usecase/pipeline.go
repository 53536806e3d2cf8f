// Package usecase orchestrates the three-phase pipeline run. Phase 1 fans
// out the independent analyzers, Phase 2 synthesizes their run-log output
// into decisions, and Phase 3 runs the conditional resolvers the decisions
// call for.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/overseer"
	"pharmasentinel/internal/ports"
	"pharmasentinel/internal/runlog"
	"pharmasentinel/internal/stage"
)

// PipelineDeps wires the stages and collaborators into the orchestrator.
type PipelineDeps struct {
	Store       ports.Store
	Log         *runlog.Log
	Inventory   *stage.Inventory
	Shortages   *stage.ShortageMonitor
	Risk        *stage.RiskScanner
	Overseer    *overseer.Overseer
	Substitutes *stage.SubstituteResolver
	Orders      *stage.OrderResolver
	Logger      *slog.Logger
}

// Pipeline implements the run workflow behind a single execution slot.
type Pipeline struct {
	store       ports.Store
	log         *runlog.Log
	inventory   *stage.Inventory
	shortages   *stage.ShortageMonitor
	risk        *stage.RiskScanner
	overseer    *overseer.Overseer
	substitutes *stage.SubstituteResolver
	orders      *stage.OrderResolver
	logger      *slog.Logger
	gate        runGate
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		store:       deps.Store,
		log:         deps.Log,
		inventory:   deps.Inventory,
		shortages:   deps.Shortages,
		risk:        deps.Risk,
		overseer:    deps.Overseer,
		substitutes: deps.Substitutes,
		orders:      deps.Orders,
		logger:      deps.Logger,
	}
}

// Busy reports whether a run currently occupies the execution slot.
func (p *Pipeline) Busy() bool {
	return p.gate.busy()
}

// RunOnce executes one complete pipeline run. A second caller while a run
// is active gets ErrRunInProgress immediately.
func (p *Pipeline) RunOnce(ctx context.Context) (domain.RunOutcome, error) {
	if !p.gate.tryAcquire() {
		return domain.RunOutcome{}, ErrRunInProgress
	}
	defer p.gate.release()
	return p.run(ctx, uuid.New())
}

// TryStart claims the execution slot and runs the pipeline in the
// background, returning the run identifier for polling. The run detaches
// from the caller's context so an aborted trigger request cannot cancel it.
func (p *Pipeline) TryStart() (uuid.UUID, error) {
	if !p.gate.tryAcquire() {
		return uuid.Nil, ErrRunInProgress
	}
	runID := uuid.New()
	go func() {
		defer p.gate.release()
		if _, err := p.run(context.Background(), runID); err != nil {
			p.logger.Error("background run failed", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

func (p *Pipeline) run(ctx context.Context, runID uuid.UUID) (domain.RunOutcome, error) {
	outcome := domain.RunOutcome{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Stages:    map[domain.StageName]domain.StageStatus{},
	}
	logger := p.logger.With("run_id", runID)
	logger.Info("pipeline run started")

	// The only fatal precondition: with no inventory at all there is
	// nothing any stage could analyze.
	drugs, err := p.store.Drugs(ctx)
	if err != nil {
		outcome.FinishedAt = time.Now().UTC()
		return outcome, fmt.Errorf("inventory precheck: %w", err)
	}
	if len(drugs) == 0 {
		outcome.FinishedAt = time.Now().UTC()
		outcome.Errors = append(outcome.Errors, domain.ErrNoInventory.Error())
		return outcome, domain.ErrNoInventory
	}

	p.runPhaseOne(ctx, runID, &outcome, logger)
	decision := p.runPhaseTwo(ctx, runID, &outcome, logger)
	p.runPhaseThree(ctx, runID, decision, &outcome, logger)

	outcome.FinishedAt = time.Now().UTC()
	logger.Info("pipeline run finished",
		"status", outcome.Status(),
		"alerts", len(outcome.Alerts),
		"duration", outcome.FinishedAt.Sub(outcome.StartedAt))
	return outcome, nil
}

// phaseOneStage is the uniform shape of the independent analyzers.
type phaseOneStage interface {
	Name() domain.StageName
	Run(ctx context.Context, runID uuid.UUID) (domain.StageStatus, error)
}

// runPhaseOne fans the analyzers out concurrently. Stage goroutines always
// return nil to the group so one failure never cancels its siblings; the
// hard join guarantees every run-log write lands before Phase 2 reads.
func (p *Pipeline) runPhaseOne(ctx context.Context, runID uuid.UUID, outcome *domain.RunOutcome, logger *slog.Logger) {
	stages := []phaseOneStage{p.inventory, p.shortages, p.risk}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range stages {
		st := st
		g.Go(func() error {
			status, err := p.runStage(gctx, runID, st.Name(), func() (domain.StageStatus, error) {
				return st.Run(gctx, runID)
			}, logger)
			mu.Lock()
			outcome.Stages[st.Name()] = status
			if err != nil {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %v", st.Name(), err))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) runPhaseTwo(ctx context.Context, runID uuid.UUID, outcome *domain.RunOutcome, logger *slog.Logger) overseer.Decision {
	decision, err := p.overseer.Synthesize(ctx, runID)
	if err != nil {
		logger.Error("stage failed", "stage", domain.StageOverseer, "error", err)
		outcome.Stages[domain.StageOverseer] = domain.StageFailed
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %v", domain.StageOverseer, err))
		p.recordFailure(ctx, runID, domain.StageOverseer, err, logger)
		return overseer.Decision{}
	}
	outcome.Stages[domain.StageOverseer] = domain.StageOK
	outcome.Alerts = decision.Alerts
	return decision
}

func (p *Pipeline) runPhaseThree(ctx context.Context, runID uuid.UUID, decision overseer.Decision, outcome *domain.RunOutcome, logger *slog.Logger) {
	if len(decision.NeedSubstitutes) == 0 {
		outcome.Stages[domain.StageSubstitutes] = domain.StageSkipped
	} else {
		status, err := p.runStage(ctx, runID, domain.StageSubstitutes, func() (domain.StageStatus, error) {
			return p.substitutes.Run(ctx, runID, decision.NeedSubstitutes)
		}, logger)
		outcome.Stages[domain.StageSubstitutes] = status
		if err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %v", domain.StageSubstitutes, err))
		}
	}

	if len(decision.NeedOrders) == 0 {
		outcome.Stages[domain.StageOrders] = domain.StageSkipped
	} else {
		status, err := p.runStage(ctx, runID, domain.StageOrders, func() (domain.StageStatus, error) {
			return p.orders.Run(ctx, runID, decision.NeedOrders)
		}, logger)
		outcome.Stages[domain.StageOrders] = status
		if err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %v", domain.StageOrders, err))
		}
	}
}

// runStage executes one stage body with panic containment, and records an
// error-tagged run-log entry when the stage failed before writing its own.
func (p *Pipeline) runStage(ctx context.Context, runID uuid.UUID, name domain.StageName, body func() (domain.StageStatus, error), logger *slog.Logger) (status domain.StageStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = domain.StageFailed
			err = fmt.Errorf("panic in %s: %v", name, r)
			logger.Error("stage panicked", "stage", name, "panic", r)
			p.recordFailure(ctx, runID, name, err, logger)
		}
	}()

	status, err = body()
	if err != nil {
		logger.Error("stage failed", "stage", name, "error", err)
		p.recordFailure(ctx, runID, name, err, logger)
		return status, err
	}
	logger.Info("stage finished", "stage", name, "status", status)
	return status, nil
}

func (p *Pipeline) recordFailure(ctx context.Context, runID uuid.UUID, name domain.StageName, stageErr error, logger *slog.Logger) {
	payload := map[string]any{
		"status": "failed",
		"error":  stageErr.Error(),
	}
	summary := fmt.Sprintf("Stage %s failed: %v", name, stageErr)
	if err := p.log.Append(ctx, runID, name, payload, summary); err != nil {
		logger.Error("cannot record stage failure", "stage", name, "error", err)
	}
}
