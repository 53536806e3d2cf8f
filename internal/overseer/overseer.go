// Package overseer synthesizes run-log evidence into alerts and follow-up
// work. The rules are deterministic: the same stage outputs always produce
// the same alert set, so every decision can be audited from the run log.
package overseer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"pharmasentinel/internal/config"
	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/ports"
	"pharmasentinel/internal/runlog"
	"pharmasentinel/internal/stage"
)

// Threshold bands over days of remaining supply.
const (
	criticalBurnDays = 3.0
	restockBurnDays  = 7.0
	warningBurnDays  = 14.0
	watchBurnDays    = 30.0

	orderCoverageDays   = 30.0
	scheduleRiskHorizon = 48 * time.Hour
	shortageLookback    = 180
)

// Overseer reads the run log and the current store state and decides what
// the hospital should do about each monitored drug.
type Overseer struct {
	store     ports.Store
	log       *runlog.Log
	monitored []config.MonitoredDrug
	logger    *slog.Logger
}

// New wires the overseer.
func New(store ports.Store, log *runlog.Log, monitored []config.MonitoredDrug, logger *slog.Logger) *Overseer {
	return &Overseer{store: store, log: log, monitored: monitored, logger: logger}
}

// Decision is the overseer's output: alerts to record plus the work the
// conditional resolvers must pick up.
type Decision struct {
	Alerts          []domain.Alert
	NeedSubstitutes []string
	NeedOrders      []domain.OrderRequest
}

// decisionLine is the per-drug audit entry in the overseer payload.
type decisionLine struct {
	DrugName     string   `json:"drug_name"`
	BurnRateDays *float64 `json:"burn_rate_days"`
	Alerts       []string `json:"alerts,omitempty"`
	Ordered      bool     `json:"ordered,omitempty"`
}

// Payload is the overseer's run-log contract.
type Payload struct {
	AlertsGenerated int            `json:"alerts_generated"`
	Decisions       []decisionLine `json:"decisions"`
	MissingStages   []string       `json:"missing_stages,omitempty"`
	Summary         string         `json:"summary"`
}

func (o *Overseer) Name() domain.StageName { return domain.StageOverseer }

// Synthesize evaluates the decision rules for one run. Missing Phase-1
// results narrow the evidence but never abort the synthesis; the gap is
// recorded in the payload instead.
func (o *Overseer) Synthesize(ctx context.Context, runID uuid.UUID) (Decision, error) {
	results, err := o.log.ForRun(ctx, runID)
	if err != nil {
		return Decision{}, err
	}

	var missing []string
	var riskPayload stage.RiskPayload
	for _, st := range []domain.StageName{domain.StageInventory, domain.StageShortageMonitor, domain.StageRiskScanner} {
		var probe json.RawMessage
		found, err := runlog.Payload(results, st, &probe)
		if err != nil {
			o.logger.Warn("unreadable stage payload", "stage", st, "error", err)
		}
		if !found {
			missing = append(missing, string(st))
		}
	}
	if _, err := runlog.Payload(results, domain.StageRiskScanner, &riskPayload); err != nil {
		riskPayload = stage.RiskPayload{}
	}

	drugs, err := o.store.Drugs(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load inventory: %w", err)
	}
	since := time.Now().UTC().AddDate(0, 0, -shortageLookback)
	shortages, err := o.store.UnresolvedShortages(ctx, since)
	if err != nil {
		return Decision{}, fmt.Errorf("load shortages: %w", err)
	}
	surgeries, err := o.store.ScheduledSurgeries(ctx, time.Now().UTC().Add(scheduleRiskHorizon))
	if err != nil {
		return Decision{}, fmt.Errorf("load surgery schedule: %w", err)
	}

	decision, payload := o.evaluate(runID, drugs, shortages, surgeries, riskPayload)
	payload.MissingStages = missing

	if err := o.log.Append(ctx, runID, o.Name(), payload, payload.Summary); err != nil {
		return Decision{}, err
	}
	if len(decision.Alerts) > 0 {
		if err := o.store.InsertAlerts(ctx, decision.Alerts); err != nil {
			return Decision{}, fmt.Errorf("insert alerts: %w", err)
		}
	}
	return decision, nil
}

func (o *Overseer) evaluate(runID uuid.UUID, drugs []domain.Drug, shortages []domain.ShortageRecord, surgeries []domain.SurgeryDemand, risk stage.RiskPayload) (Decision, Payload) {
	shortageByDrug := map[string]domain.ShortageRecord{}
	for _, s := range shortages {
		shortageByDrug[s.DrugName] = s
	}
	// only HIGH and CRITICAL news impact counts as an actionable signal;
	// MEDIUM stays below the noise floor
	riskByDrug := map[string]bool{}
	for _, sig := range risk.RiskSignals {
		if sig.DrugName == "" {
			continue
		}
		switch sig.SupplyChainImpact {
		case domain.ImpactHigh, domain.ImpactCritical:
			riskByDrug[sig.DrugName] = true
		}
	}
	rankByName := make(map[string]int, len(o.monitored))
	for _, m := range o.monitored {
		rankByName[m.Name] = m.Rank
	}

	builder := newAlertSet(runID)
	var decision Decision
	var lines []decisionLine

	for _, drug := range drugs {
		rank, monitored := rankByName[drug.Name]
		if !monitored {
			continue
		}
		line := decisionLine{DrugName: drug.Name, BurnRateDays: drug.EffectiveBurnRate()}
		_, hasShortage := shortageByDrug[drug.Name]
		hasRisk := riskByDrug[drug.Name]

		burn := drug.EffectiveBurnRate()
		if burn == nil {
			lines = append(lines, line)
			continue
		}

		switch {
		case *burn < restockBurnDays:
			severity := domain.SeverityUrgent
			if rank <= 3 || *burn < criticalBurnDays {
				severity = domain.SeverityCritical
			}
			builder.add(domain.Alert{
				Kind:     domain.AlertRestockNow,
				Severity: severity,
				DrugName: drug.Name,
				DrugID:   drug.ID,
				Title:    fmt.Sprintf("Restock now: %s", drug.Name),
				Description: fmt.Sprintf("%s has %.1f days of supply remaining (rank %d).",
					drug.Name, *burn, rank),
			})
			line.Alerts = append(line.Alerts, string(domain.AlertRestockNow))

			if rank <= 5 && hasShortage {
				rec := shortageByDrug[drug.Name]
				builder.add(domain.Alert{
					Kind:     domain.AlertSubstitute,
					Severity: domain.SeverityUrgent,
					DrugName: drug.Name,
					DrugID:   drug.ID,
					Title:    fmt.Sprintf("Substitute needed: %s", drug.Name),
					Description: fmt.Sprintf("%s is low with an active shortage (%s). Substitution review required.",
						drug.Name, rec.Source),
				})
				decision.NeedSubstitutes = append(decision.NeedSubstitutes, drug.Name)
				line.Alerts = append(line.Alerts, string(domain.AlertSubstitute))
			}

			for _, surgery := range surgeries {
				if surgery.Status != domain.SurgeryScheduled || !surgery.Requires(drug.Name) {
					continue
				}
				builder.add(domain.Alert{
					Kind:     domain.AlertScheduleChange,
					Severity: domain.SeverityCritical,
					DrugName: drug.Name,
					DrugID:   drug.ID,
					Title:    fmt.Sprintf("Surgery at risk: %s", surgery.SurgeryType),
					Description: fmt.Sprintf("%s on %s requires %s, which has %.1f days of supply.",
						surgery.SurgeryType, surgery.ScheduledDate.Format("2006-01-02"), drug.Name, *burn),
				})
				line.Alerts = append(line.Alerts, string(domain.AlertScheduleChange))
				break
			}

			urgency := domain.UrgencyExpedited
			if *burn < criticalBurnDays {
				urgency = domain.UrgencyEmergency
			}
			decision.NeedOrders = append(decision.NeedOrders, domain.OrderRequest{
				DrugName: drug.Name,
				Quantity: drug.DailyUsageRate * orderCoverageDays,
				Urgency:  urgency,
			})
			line.Ordered = true

		case *burn < warningBurnDays:
			severity := domain.SeverityWarning
			if hasShortage || hasRisk {
				severity = domain.SeverityUrgent
			}
			builder.add(domain.Alert{
				Kind:     domain.AlertShortageWarning,
				Severity: severity,
				DrugName: drug.Name,
				DrugID:   drug.ID,
				Title:    fmt.Sprintf("Shortage warning: %s", drug.Name),
				Description: fmt.Sprintf("%s has %.1f days of supply remaining. Reorder window is closing.",
					drug.Name, *burn),
			})
			line.Alerts = append(line.Alerts, string(domain.AlertShortageWarning))

			urgency := domain.UrgencyRoutine
			if hasShortage {
				urgency = domain.UrgencyExpedited
			}
			decision.NeedOrders = append(decision.NeedOrders, domain.OrderRequest{
				DrugName: drug.Name,
				Quantity: drug.DailyUsageRate * orderCoverageDays,
				Urgency:  urgency,
			})
			line.Ordered = true

		case *burn < watchBurnDays && (hasShortage || hasRisk):
			severity := domain.SeverityInfo
			if rank <= 5 {
				severity = domain.SeverityWarning
			}
			builder.add(domain.Alert{
				Kind:     domain.AlertSupplyChainRisk,
				Severity: severity,
				DrugName: drug.Name,
				DrugID:   drug.ID,
				Title:    fmt.Sprintf("Supply chain risk: %s", drug.Name),
				Description: fmt.Sprintf("Supply risk signals for %s with %.1f days of coverage. Monitor and plan ahead.",
					drug.Name, *burn),
			})
			line.Alerts = append(line.Alerts, string(domain.AlertSupplyChainRisk))
		}

		lines = append(lines, line)
	}

	decision.Alerts = builder.list()
	payload := Payload{
		AlertsGenerated: len(decision.Alerts),
		Decisions:       lines,
		Summary: fmt.Sprintf("Synthesized %d alerts, %d substitution reviews, %d orders across %d drugs.",
			len(decision.Alerts), len(decision.NeedSubstitutes), len(decision.NeedOrders), len(lines)),
	}
	return decision, payload
}

// alertSet enforces at most one alert per (kind, drug) pair within a run,
// keeping the more severe one on collision.
type alertSet struct {
	runID uuid.UUID
	byKey map[string]domain.Alert
	order []string
}

func newAlertSet(runID uuid.UUID) *alertSet {
	return &alertSet{runID: runID, byKey: map[string]domain.Alert{}}
}

func (s *alertSet) add(a domain.Alert) {
	a.RunID = s.runID
	a.CreatedAt = time.Now().UTC()
	key := string(a.Kind) + "|" + a.DrugName
	prev, ok := s.byKey[key]
	if !ok {
		s.byKey[key] = a
		s.order = append(s.order, key)
		return
	}
	if a.Severity.Rank() > prev.Severity.Rank() {
		s.byKey[key] = a
	}
}

func (s *alertSet) list() []domain.Alert {
	alerts := make([]domain.Alert, 0, len(s.order))
	for _, key := range s.order {
		alerts = append(alerts, s.byKey[key])
	}
	// most severe first for operator-facing listings
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Severity.Rank() > alerts[j].Severity.Rank()
	})
	return alerts
}
