package stage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"pharmasentinel/internal/config"
	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/infrastructure/storage"
	"pharmasentinel/internal/runlog"
)

// fakeCaller scripts the structured-output collaborator. A nil respond
// function simulates an outage.
type fakeCaller struct {
	respond func(rolePrompt string, payload any) (string, error)
	calls   int
}

func (f *fakeCaller) Call(ctx context.Context, rolePrompt string, schema any, payload any, out any) error {
	f.calls++
	if f.respond == nil {
		return &domain.ExternalCallError{Collaborator: "llm", Err: context.DeadlineExceeded}
	}
	content, err := f.respond(rolePrompt, payload)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(content), out)
}

type fakeFeed struct {
	signals map[string][]domain.RawShortageSignal
	err     error
}

func (f *fakeFeed) Query(ctx context.Context, drugName string) ([]domain.RawShortageSignal, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.signals[drugName], nil
}

type fakeSearcher struct {
	articles map[string][]domain.Article
	err      error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, windowDays int) ([]domain.Article, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.articles[query], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMonitored() []config.MonitoredDrug {
	return []config.MonitoredDrug{
		{Rank: 1, Name: "Epinephrine", Type: "Anaphylaxis/Cardiac"},
		{Rank: 2, Name: "Oxygen", Type: "Respiratory Support"},
		{Rank: 4, Name: "Propofol", Type: "Anesthetic"},
		{Rank: 7, Name: "Heparin", Type: "Anticoagulant"},
	}
}

func stagePayload[T any](t *testing.T, log *runlog.Log, runID uuid.UUID, stage domain.StageName) T {
	t.Helper()
	results, err := log.ForRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("load run log: %v", err)
	}
	var out T
	found, err := runlog.Payload(results, stage, &out)
	if err != nil {
		t.Fatalf("decode %s payload: %v", stage, err)
	}
	if !found {
		t.Fatalf("no %s record in run log", stage)
	}
	return out
}

func seededStore(drugs ...domain.Drug) *storage.MemoryStore {
	store := storage.NewMemoryStore()
	store.SeedDrugs(drugs)
	return store
}
