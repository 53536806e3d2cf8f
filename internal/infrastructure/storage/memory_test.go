package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"pharmasentinel/internal/domain"
)

func TestUpsertShortageDeduplicates(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	rec := domain.ShortageRecord{
		DrugName:     "Heparin",
		Origin:       domain.OriginRegulatory,
		Source:       "FDA Drug Shortages",
		Severity:     domain.ImpactMedium,
		ReportedDate: day,
	}
	if err := store.UpsertShortage(ctx, rec); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	rec.Severity = domain.ImpactHigh
	if err := store.UpsertShortage(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.UnresolvedShortages(ctx, day.AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one record after duplicate upsert, got %d", len(got))
	}
	if got[0].Severity != domain.ImpactHigh {
		t.Fatalf("expected severity updated to HIGH, got %s", got[0].Severity)
	}

	// a different source is a different shortage
	rec.Source = "News Media"
	rec.Origin = domain.OriginNews
	if err := store.UpsertShortage(ctx, rec); err != nil {
		t.Fatalf("news upsert: %v", err)
	}
	got, err = store.UnresolvedShortages(ctx, day.AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two records across sources, got %d", len(got))
	}
}

func TestUnresolvedShortagesWindow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	recent := domain.ShortageRecord{DrugName: "Insulin", Source: "FDA Drug Shortages", ReportedDate: now.AddDate(0, 0, -10)}
	stale := domain.ShortageRecord{DrugName: "Morphine", Source: "FDA Drug Shortages", ReportedDate: now.AddDate(0, 0, -200)}
	resolved := domain.ShortageRecord{DrugName: "Propofol", Source: "FDA Drug Shortages", ReportedDate: now.AddDate(0, 0, -5), Resolved: true}
	for _, rec := range []domain.ShortageRecord{recent, stale, resolved} {
		if err := store.UpsertShortage(ctx, rec); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := store.UnresolvedShortages(ctx, now.AddDate(0, 0, -180))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].DrugName != "Insulin" {
		t.Fatalf("expected only the recent unresolved record, got %+v", got)
	}
}

func TestUpdateShortageRekeys(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	rec := domain.ShortageRecord{DrugName: "Penicillin", Source: "FDA Drug Shortages", ReportedDate: day}
	if err := store.UpsertShortage(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	listed, err := store.UnresolvedShortages(ctx, day.AddDate(0, 0, -1))
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one record, got %v (%v)", listed, err)
	}

	// the whole record moves with the update, origin and source included
	updated := listed[0]
	updated.Origin = domain.OriginNews
	updated.Source = "News Media"
	if err := store.UpdateShortage(ctx, listed[0].ID, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	listed, err = store.UnresolvedShortages(ctx, day.AddDate(0, 0, -1))
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one record after source change, got %v (%v)", listed, err)
	}
	if listed[0].Origin != domain.OriginNews || listed[0].Source != "News Media" {
		t.Fatalf("expected replaced origin and source, got %+v", listed[0])
	}

	updated = listed[0]
	updated.Resolved = true
	if err := store.UpdateShortage(ctx, listed[0].ID, updated); err != nil {
		t.Fatalf("update: %v", err)
	}

	listed, err = store.UnresolvedShortages(ctx, day.AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no unresolved records after resolve, got %d", len(listed))
	}

	if err := store.UpdateShortage(ctx, "missing-id", updated); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestUpsertSubstitutionOverwritesInPlace(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	first := domain.SubstitutionMapping{
		DrugName:         "Propofol",
		SubstituteName:   "Etomidate",
		PreferenceRank:   2,
		EquivalenceNotes: "Slower onset.",
	}
	if err := store.UpsertSubstitution(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	first.PreferenceRank = 1
	first.EquivalenceNotes = "Preferred when hemodynamically unstable."
	if err := store.UpsertSubstitution(ctx, first); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	subs, err := store.Substitutions(ctx, "Propofol")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected one mapping after duplicate upsert, got %d", len(subs))
	}
	if subs[0].PreferenceRank != 1 || subs[0].EquivalenceNotes != "Preferred when hemodynamically unstable." {
		t.Fatalf("expected rank and notes overwritten, got %+v", subs[0])
	}
	if subs[0].UpdatedAt.IsZero() {
		t.Fatal("expected updated timestamp set")
	}
}

func TestAlertsNewestFirstAndAcknowledge(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	alerts := []domain.Alert{
		{Kind: domain.AlertShortageWarning, DrugName: "Heparin", Title: "first"},
		{Kind: domain.AlertRestockNow, DrugName: "Oxygen", Title: "second"},
	}
	if err := store.InsertAlerts(ctx, alerts); err != nil {
		t.Fatalf("insert: %v", err)
	}

	listed, err := store.Alerts(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].Title != "second" {
		t.Fatalf("expected newest first, got %+v", listed)
	}
	if listed[0].ID == "" {
		t.Fatal("expected assigned alert id")
	}

	if err := store.AcknowledgeAlert(ctx, listed[0].ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	listed, _ = store.Alerts(ctx, 10)
	if !listed[0].Acknowledged {
		t.Fatal("expected alert acknowledged")
	}

	if err := store.AcknowledgeAlert(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateDrugPrediction(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	store.SeedDrugs([]domain.Drug{{Name: "Propofol", StockQuantity: 80, DailyUsageRate: 6}})

	predicted := 8.0
	burn := 10.0
	patch := domain.DrugPrediction{PredictedUsageRate: &predicted, PredictedBurnRateDays: &burn}
	if err := store.UpdateDrugPrediction(ctx, "Propofol", patch); err != nil {
		t.Fatalf("update: %v", err)
	}

	drugs, err := store.Drugs(ctx)
	if err != nil || len(drugs) != 1 {
		t.Fatalf("drugs: %v (%v)", drugs, err)
	}
	if drugs[0].PredictedBurnRateDays == nil || *drugs[0].PredictedBurnRateDays != burn {
		t.Fatalf("expected predicted burn persisted, got %+v", drugs[0])
	}

	if err := store.UpdateDrugPrediction(ctx, "Unknown", patch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduledSurgeriesFiltersStatusAndWindow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	store.SeedSurgeries([]domain.SurgeryDemand{
		{SurgeryType: "Cardiac Bypass", ScheduledDate: now.Add(24 * time.Hour), Status: domain.SurgeryScheduled},
		{SurgeryType: "Appendectomy", ScheduledDate: now.Add(24 * time.Hour), Status: domain.SurgeryCancelled},
		{SurgeryType: "Hip Replacement", ScheduledDate: now.Add(120 * time.Hour), Status: domain.SurgeryScheduled},
	})

	got, err := store.ScheduledSurgeries(ctx, now.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].SurgeryType != "Cardiac Bypass" {
		t.Fatalf("expected only the near scheduled surgery, got %+v", got)
	}
}
