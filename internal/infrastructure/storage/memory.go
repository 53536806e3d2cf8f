package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/ports"
)

// MemoryStore is an in-process Store used by tests and by deployments that
// run without a database DSN.
type MemoryStore struct {
	mu            sync.RWMutex
	drugs         map[string]domain.Drug // keyed by name
	drugOrder     []string
	shortages     map[string]domain.ShortageRecord // keyed by id
	shortageKeys  map[string]string                // dedup key -> id
	substitutions map[string]domain.SubstitutionMapping
	alerts        []domain.Alert
	stageResults  []domain.StageResult
	surgeries     []domain.SurgeryDemand
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drugs:         map[string]domain.Drug{},
		shortages:     map[string]domain.ShortageRecord{},
		shortageKeys:  map[string]string{},
		substitutions: map[string]domain.SubstitutionMapping{},
	}
}

// SeedDrugs replaces the drug snapshot, assigning IDs where missing.
func (m *MemoryStore) SeedDrugs(drugs []domain.Drug) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drugs = map[string]domain.Drug{}
	m.drugOrder = m.drugOrder[:0]
	for _, d := range drugs {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		m.drugs[d.Name] = d
		m.drugOrder = append(m.drugOrder, d.Name)
	}
}

// SeedSurgeries replaces the surgery schedule.
func (m *MemoryStore) SeedSurgeries(surgeries []domain.SurgeryDemand) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surgeries = append([]domain.SurgeryDemand(nil), surgeries...)
}

func (m *MemoryStore) Drugs(ctx context.Context) ([]domain.Drug, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Drug, 0, len(m.drugOrder))
	for _, name := range m.drugOrder {
		out = append(out, m.drugs[name])
	}
	return out, nil
}

func (m *MemoryStore) UpdateDrugPrediction(ctx context.Context, drugName string, patch domain.DrugPrediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drugs[drugName]
	if !ok {
		return fmt.Errorf("drug %s: %w", drugName, ErrNotFound)
	}
	d.PredictedUsageRate = patch.PredictedUsageRate
	d.BurnRateDays = patch.BurnRateDays
	d.PredictedBurnRateDays = patch.PredictedBurnRateDays
	d.UpdatedAt = time.Now().UTC()
	m.drugs[drugName] = d
	return nil
}

func (m *MemoryStore) UnresolvedShortages(ctx context.Context, since time.Time) ([]domain.ShortageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ShortageRecord
	for _, rec := range m.shortages {
		if !rec.Resolved && !rec.ReportedDate.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertShortage(ctx context.Context, rec domain.ShortageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.DedupKey()
	if id, ok := m.shortageKeys[key]; ok {
		rec.ID = id
		m.shortages[id] = rec
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.shortages[rec.ID] = rec
	m.shortageKeys[key] = rec.ID
	return nil
}

func (m *MemoryStore) UpdateShortage(ctx context.Context, id string, rec domain.ShortageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.shortages[id]
	if !ok {
		return fmt.Errorf("shortage %s: %w", id, ErrNotFound)
	}
	delete(m.shortageKeys, old.DedupKey())
	rec.ID = id
	m.shortages[id] = rec
	m.shortageKeys[rec.DedupKey()] = id
	return nil
}

func (m *MemoryStore) UpsertSubstitution(ctx context.Context, sub domain.SubstitutionMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.UpdatedAt = time.Now().UTC()
	m.substitutions[sub.DrugName+"|"+sub.SubstituteName] = sub
	return nil
}

func (m *MemoryStore) Substitutions(ctx context.Context, drugName string) ([]domain.SubstitutionMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SubstitutionMapping
	for _, sub := range m.substitutions {
		if drugName == "" || sub.DrugName == drugName {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertAlerts(ctx context.Context, alerts []domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range alerts {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		m.alerts = append(m.alerts, a)
	}
	return nil
}

func (m *MemoryStore) Alerts(ctx context.Context, limit int) ([]domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]domain.Alert(nil), m.alerts...)
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AcknowledgeAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Acknowledged = true
			return nil
		}
	}
	return fmt.Errorf("alert %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) AppendStageResult(ctx context.Context, res domain.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stageResults = append(m.stageResults, res)
	return nil
}

func (m *MemoryStore) StageResults(ctx context.Context, runID uuid.UUID) ([]domain.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.StageResult
	for _, res := range m.stageResults {
		if res.RunID == runID {
			out = append(out, res)
		}
	}
	return out, nil
}

func (m *MemoryStore) ScheduledSurgeries(ctx context.Context, until time.Time) ([]domain.SurgeryDemand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SurgeryDemand
	for _, s := range m.surgeries {
		if s.Status == domain.SurgeryScheduled && !s.ScheduledDate.After(until) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
