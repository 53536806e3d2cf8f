package stage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/runlog"
)

func TestShortageMonitorPersistsNewFindings(t *testing.T) {
	t.Parallel()

	store := seededStore(domain.Drug{Name: "Heparin", StockQuantity: 300, DailyUsageRate: 10})
	log := runlog.New(store)
	feed := &fakeFeed{signals: map[string][]domain.RawShortageSignal{
		"Heparin": {{GenericName: "HEPARIN SODIUM", Status: "Current", Reason: "Demand increase"}},
	}}
	caller := &fakeCaller{respond: func(string, any) (string, error) {
		return `{"shortages_found":[
			{"drug_name":"Heparin","feed_drug_name":"HEPARIN SODIUM","status":"ONGOING","impact_severity":"HIGH","reason":"Demand increase"}
		],"summary":"one shortage"}`, nil
	}}

	mon := NewShortageMonitor(store, caller, feed, log, testMonitored(), []string{"Heparin"}, 180, testLogger())
	runID := uuid.New()
	status, err := mon.Run(context.Background(), runID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != domain.StageOK {
		t.Fatalf("expected ok, got %s", status)
	}

	recs, err := store.UnresolvedShortages(context.Background(), time.Now().UTC().AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Origin != domain.OriginRegulatory || rec.Source != "FDA Drug Shortages" {
		t.Fatalf("unexpected provenance: %+v", rec)
	}
	if rec.Severity != domain.ImpactHigh {
		t.Fatalf("expected HIGH severity, got %s", rec.Severity)
	}

	// re-running against identical inputs must not duplicate
	if _, err := mon.Run(context.Background(), uuid.New()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	recs, _ = store.UnresolvedShortages(context.Background(), time.Now().UTC().AddDate(0, 0, -1))
	if len(recs) != 1 {
		t.Fatalf("expected one record after rerun, got %d", len(recs))
	}
}

func TestShortageMonitorUpdatesExistingAndResolves(t *testing.T) {
	t.Parallel()

	store := seededStore(domain.Drug{Name: "Propofol", StockQuantity: 80, DailyUsageRate: 6})
	reported := time.Now().UTC().AddDate(0, 0, -30).Truncate(24 * time.Hour)
	if err := store.UpsertShortage(context.Background(), domain.ShortageRecord{
		DrugName:     "Propofol",
		Origin:       domain.OriginRegulatory,
		Source:       "FDA Drug Shortages",
		Severity:     domain.ImpactMedium,
		ReportedDate: reported,
	}); err != nil {
		t.Fatalf("seed shortage: %v", err)
	}
	log := runlog.New(store)
	feed := &fakeFeed{}
	caller := &fakeCaller{respond: func(string, any) (string, error) {
		return `{"shortages_found":[
			{"drug_name":"Propofol","status":"RESOLVED","impact_severity":"MEDIUM","reason":"Supply restored"}
		],"summary":"resolved"}`, nil
	}}

	mon := NewShortageMonitor(store, caller, feed, log, testMonitored(), []string{"Propofol"}, 180, testLogger())
	if _, err := mon.Run(context.Background(), uuid.New()); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs, _ := store.UnresolvedShortages(context.Background(), time.Now().UTC().AddDate(0, 0, -180))
	if len(recs) != 0 {
		t.Fatalf("expected record resolved, still unresolved: %+v", recs)
	}
}

func TestShortageMonitorCarriesForwardOnOutage(t *testing.T) {
	t.Parallel()

	store := seededStore(domain.Drug{Name: "Heparin", StockQuantity: 300, DailyUsageRate: 10})
	reported := time.Now().UTC().AddDate(0, 0, -10).Truncate(24 * time.Hour)
	if err := store.UpsertShortage(context.Background(), domain.ShortageRecord{
		DrugName:     "Heparin",
		Origin:       domain.OriginRegulatory,
		Source:       "FDA Drug Shortages",
		Severity:     domain.ImpactHigh,
		ReportedDate: reported,
	}); err != nil {
		t.Fatalf("seed shortage: %v", err)
	}
	log := runlog.New(store)
	feed := &fakeFeed{signals: map[string][]domain.RawShortageSignal{
		"Heparin": {{GenericName: "HEPARIN SODIUM", Status: "Current"}},
	}}
	caller := &fakeCaller{} // outage

	mon := NewShortageMonitor(store, caller, feed, log, testMonitored(), []string{"Heparin"}, 180, testLogger())
	runID := uuid.New()
	status, err := mon.Run(context.Background(), runID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != domain.StageDegraded {
		t.Fatalf("expected degraded, got %s", status)
	}

	payload := stagePayload[ShortagePayload](t, log, runID, domain.StageShortageMonitor)
	if !payload.Degraded {
		t.Fatal("expected degraded flag")
	}
	if len(payload.ShortagesFound) != 1 || payload.ShortagesFound[0].DrugName != "Heparin" {
		t.Fatalf("expected existing record carried forward, got %+v", payload.ShortagesFound)
	}
	if payload.ShortagesFound[0].ImpactSeverity != domain.ImpactHigh {
		t.Fatalf("carry-forward must preserve severity, got %s", payload.ShortagesFound[0].ImpactSeverity)
	}

	// the record itself keeps its original reported date
	recs, _ := store.UnresolvedShortages(context.Background(), time.Now().UTC().AddDate(0, 0, -180))
	if len(recs) != 1 || !recs[0].ReportedDate.Equal(reported) {
		t.Fatalf("expected original reported date preserved, got %+v", recs)
	}
}

func TestShortageMonitorFeedDownDegrades(t *testing.T) {
	t.Parallel()

	store := seededStore(domain.Drug{Name: "Heparin", StockQuantity: 300, DailyUsageRate: 10})
	log := runlog.New(store)
	feed := &fakeFeed{err: &domain.ExternalCallError{Collaborator: "fda", Err: context.DeadlineExceeded}}
	caller := &fakeCaller{respond: func(string, any) (string, error) {
		return `{"shortages_found":[],"summary":"none"}`, nil
	}}

	mon := NewShortageMonitor(store, caller, feed, log, testMonitored(), []string{"Heparin", "Propofol"}, 180, testLogger())
	status, err := mon.Run(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != domain.StageDegraded {
		t.Fatalf("total feed outage should degrade the stage, got %s", status)
	}
}
