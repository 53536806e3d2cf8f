package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pharmasentinel/internal/config"
	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/infrastructure/storage"
	"pharmasentinel/internal/overseer"
	"pharmasentinel/internal/runlog"
	"pharmasentinel/internal/stage"
)

type scriptedCaller struct {
	mu      sync.Mutex
	respond func(rolePrompt string) (string, error)
	block   chan struct{}
}

func (f *scriptedCaller) Call(ctx context.Context, rolePrompt string, schema any, payload any, out any) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return &domain.ExternalCallError{Collaborator: "llm", Err: context.DeadlineExceeded}
	}
	content, err := respond(rolePrompt)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(content), out)
}

type emptyFeed struct{}

func (emptyFeed) Query(ctx context.Context, drugName string) ([]domain.RawShortageSignal, error) {
	return nil, nil
}

type emptySearcher struct{}

func (emptySearcher) Search(ctx context.Context, query string, windowDays int) ([]domain.Article, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipeline(store *storage.MemoryStore, caller *scriptedCaller) *Pipeline {
	monitored := []config.MonitoredDrug{
		{Rank: 2, Name: "Oxygen", Type: "Respiratory Support"},
		{Rank: 4, Name: "Propofol", Type: "Anesthetic"},
	}
	rules := []config.SubstitutionRule{
		{Drug: "Propofol", Candidates: []config.SubstituteCandidate{{Name: "Ketamine", Notes: "Alternative."}}},
		{Drug: "Oxygen", Candidates: nil},
	}
	suppliers := []config.Supplier{
		{Name: "St. Mary's Regional", Type: "NEARBY_HOSPITAL", Drugs: []string{"Oxygen", "Propofol"}, DeliveryDays: 0, Reliability: 0.99},
	}
	log := runlog.New(store)
	logger := testLogger()
	return NewPipeline(PipelineDeps{
		Store:       store,
		Log:         log,
		Inventory:   stage.NewInventory(store, caller, log, monitored, 30, logger),
		Shortages:   stage.NewShortageMonitor(store, caller, emptyFeed{}, log, monitored, []string{"Propofol"}, 180, logger),
		Risk:        stage.NewRiskScanner(store, caller, emptySearcher{}, log, monitored, nil, 7, logger),
		Overseer:    overseer.New(store, log, monitored, logger),
		Substitutes: stage.NewSubstituteResolver(store, caller, log, rules, logger),
		Orders:      stage.NewOrderResolver(store, caller, log, suppliers, logger),
		Logger:      logger,
	})
}

func TestRunOnceEmptyInventoryAborts(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	p := testPipeline(store, &scriptedCaller{})

	_, err := p.RunOnce(context.Background())
	if !errors.Is(err, domain.ErrNoInventory) {
		t.Fatalf("expected ErrNoInventory, got %v", err)
	}
}

func TestRunOnceDegradedStillCompletes(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	// Oxygen at 4.2 days forces a restock order even with every collaborator down
	store.SeedDrugs([]domain.Drug{{Name: "Oxygen", StockQuantity: 500, DailyUsageRate: 120}})
	p := testPipeline(store, &scriptedCaller{}) // caller always fails

	outcome, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Stages[domain.StageInventory] != domain.StageDegraded {
		t.Fatalf("inventory should degrade, got %s", outcome.Stages[domain.StageInventory])
	}
	if outcome.Stages[domain.StageOverseer] != domain.StageOK {
		t.Fatalf("overseer is deterministic and must succeed, got %s", outcome.Stages[domain.StageOverseer])
	}
	// no shortage, so no substitution work; orders run in degraded mode
	if outcome.Stages[domain.StageSubstitutes] != domain.StageSkipped {
		t.Fatalf("expected substitutes skipped, got %s", outcome.Stages[domain.StageSubstitutes])
	}
	if outcome.Stages[domain.StageOrders] != domain.StageDegraded {
		t.Fatalf("expected degraded order resolver, got %s", outcome.Stages[domain.StageOrders])
	}
	if outcome.Status() != "completed_degraded" {
		t.Fatalf("unexpected status: %s", outcome.Status())
	}
	if len(outcome.Alerts) == 0 {
		t.Fatal("expected a restock alert")
	}

	// every executed stage left a run-log record
	results, err := runlog.New(store).ForRun(context.Background(), outcome.RunID)
	if err != nil {
		t.Fatalf("run log: %v", err)
	}
	seen := map[domain.StageName]bool{}
	for _, res := range results {
		seen[res.Stage] = true
	}
	for _, st := range []domain.StageName{domain.StageInventory, domain.StageShortageMonitor, domain.StageRiskScanner, domain.StageOverseer, domain.StageOrders} {
		if !seen[st] {
			t.Fatalf("missing run-log record for %s", st)
		}
	}
	if seen[domain.StageSubstitutes] {
		t.Fatal("skipped stages must not write run-log records")
	}
}

func TestRunOncePhaseOrdering(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	store.SeedDrugs([]domain.Drug{{Name: "Propofol", StockQuantity: 200, DailyUsageRate: 2}}) // 100 days, quiet
	caller := &scriptedCaller{respond: func(rolePrompt string) (string, error) {
		return `{"drug_analysis":[{"drug_name":"Propofol","risk_level":"LOW"}],"shortages_found":[],"risk_signals":[],"summary":"ok"}`, nil
	}}
	p := testPipeline(store, caller)

	outcome, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	results, _ := runlog.New(store).ForRun(context.Background(), outcome.RunID)
	// the overseer record always lands after every Phase-1 record
	overseerIdx := -1
	for i, res := range results {
		if res.Stage == domain.StageOverseer {
			overseerIdx = i
		}
	}
	if overseerIdx != len(results)-1 {
		t.Fatalf("overseer must be the last record in a quiet run, got index %d of %d", overseerIdx, len(results))
	}
	if outcome.Stages[domain.StageSubstitutes] != domain.StageSkipped || outcome.Stages[domain.StageOrders] != domain.StageSkipped {
		t.Fatalf("healthy stock skips Phase 3, got %+v", outcome.Stages)
	}
	if len(outcome.Alerts) != 0 {
		t.Fatalf("healthy stock raises no alerts, got %+v", outcome.Alerts)
	}
}

func TestConcurrentRunsRejected(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	store.SeedDrugs([]domain.Drug{{Name: "Propofol", StockQuantity: 200, DailyUsageRate: 2}})
	block := make(chan struct{})
	caller := &scriptedCaller{block: block}
	p := testPipeline(store, caller)

	runID, err := p.TryStart()
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if runID.String() == "" {
		t.Fatal("expected a run id")
	}

	// slot is held while stages are blocked on the collaborator
	deadline := time.After(2 * time.Second)
	for !p.Busy() {
		select {
		case <-deadline:
			t.Fatal("pipeline never became busy")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if _, err := p.TryStart(); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if _, err := p.RunOnce(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress from RunOnce, got %v", err)
	}

	close(block)
	// the background run eventually releases the slot
	deadline = time.After(2 * time.Second)
	for p.Busy() {
		select {
		case <-deadline:
			t.Fatal("pipeline never released the slot")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestStagePanicIsContained(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	store.SeedDrugs([]domain.Drug{{Name: "Propofol", StockQuantity: 200, DailyUsageRate: 2}})
	caller := &scriptedCaller{respond: func(string) (string, error) {
		panic("boom")
	}}
	p := testPipeline(store, caller)

	outcome, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("a stage panic must not abort the run: %v", err)
	}
	if outcome.Stages[domain.StageInventory] != domain.StageFailed {
		t.Fatalf("expected failed inventory stage, got %s", outcome.Stages[domain.StageInventory])
	}
	if outcome.Status() != "completed_with_errors" {
		t.Fatalf("unexpected status: %s", outcome.Status())
	}
	if len(outcome.Errors) == 0 {
		t.Fatal("expected the panic recorded in outcome errors")
	}
}
