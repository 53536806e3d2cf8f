// Package stage holds the independently executable analysis units of the
// pipeline. Every stage writes exactly one run-log record per run and
// degrades to local logic when an external collaborator fails; a stage
// failure never propagates past its own boundary.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pharmasentinel/internal/config"
	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/ports"
	"pharmasentinel/internal/runlog"
)

// Inventory computes and predicts drug burn rates from current stock and
// the scheduled-surgery demand window.
type Inventory struct {
	store         ports.Store
	caller        ports.StructuredCaller
	log           *runlog.Log
	monitored     []config.MonitoredDrug
	lookAheadDays int
	logger        *slog.Logger
}

// NewInventory wires the inventory analyzer.
func NewInventory(store ports.Store, caller ports.StructuredCaller, log *runlog.Log, monitored []config.MonitoredDrug, lookAheadDays int, logger *slog.Logger) *Inventory {
	if lookAheadDays <= 0 {
		lookAheadDays = 30
	}
	return &Inventory{
		store:         store,
		caller:        caller,
		log:           log,
		monitored:     monitored,
		lookAheadDays: lookAheadDays,
		logger:        logger,
	}
}

// DrugAnalysis is the per-drug slice of the inventory payload. Burn rates
// stay nil when the corresponding usage rate is zero.
type DrugAnalysis struct {
	DrugName                string           `json:"drug_name"`
	CurrentStock            float64          `json:"current_stock"`
	DailyUsageRate          float64          `json:"daily_usage_rate"`
	PredictedDailyUsageRate *float64         `json:"predicted_daily_usage_rate"`
	BurnRateDays            *float64         `json:"burn_rate_days"`
	PredictedBurnRateDays   *float64         `json:"predicted_burn_rate_days"`
	Trend                   string           `json:"trend,omitempty"`
	RiskLevel               domain.RiskLevel `json:"risk_level"`
	Notes                   string           `json:"notes,omitempty"`
}

// ScheduleImpact flags surgeries endangered by low stock.
type ScheduleImpact struct {
	SurgeryDate    string   `json:"surgery_date"`
	SurgeryType    string   `json:"surgery_type"`
	DrugsAtRisk    []string `json:"drugs_at_risk"`
	Recommendation string   `json:"recommendation"`
}

// InventoryPayload is the stage's run-log contract.
type InventoryPayload struct {
	DrugAnalysis   []DrugAnalysis   `json:"drug_analysis"`
	ScheduleImpact []ScheduleImpact `json:"schedule_impact,omitempty"`
	Degraded       bool             `json:"degraded,omitempty"`
	Summary        string           `json:"summary"`
}

func (s *Inventory) Name() domain.StageName { return domain.StageInventory }

// Run executes one inventory analysis for the run. A structured-caller
// failure degrades the stage to locally computed burn rates.
func (s *Inventory) Run(ctx context.Context, runID uuid.UUID) (domain.StageStatus, error) {
	drugs, err := s.store.Drugs(ctx)
	if err != nil {
		return domain.StageFailed, fmt.Errorf("fetch inventory: %w", err)
	}

	until := time.Now().UTC().AddDate(0, 0, s.lookAheadDays)
	surgeries, err := s.store.ScheduledSurgeries(ctx, until)
	if err != nil {
		return domain.StageFailed, fmt.Errorf("fetch surgery schedule: %w", err)
	}

	demand := aggregateDemand(surgeries)
	s.logger.Debug("inventory inputs loaded", "drugs", len(drugs), "surgeries", len(surgeries))

	var payload InventoryPayload
	status := domain.StageOK
	if err := s.analyze(ctx, drugs, surgeries, demand, &payload); err != nil {
		s.logger.Warn("inventory analysis degraded", "error", err)
		payload = s.localAnalysis(drugs, demand)
		status = domain.StageDegraded
	}

	normalizeAnalysis(&payload, drugs)

	for _, item := range payload.DrugAnalysis {
		patch := domain.DrugPrediction{
			PredictedUsageRate:    item.PredictedDailyUsageRate,
			BurnRateDays:          item.BurnRateDays,
			PredictedBurnRateDays: item.PredictedBurnRateDays,
		}
		if err := s.store.UpdateDrugPrediction(ctx, item.DrugName, patch); err != nil {
			return domain.StageFailed, fmt.Errorf("persist prediction: %w", err)
		}
	}

	if err := s.log.Append(ctx, runID, s.Name(), payload, payload.Summary); err != nil {
		return domain.StageFailed, err
	}
	return status, nil
}

func (s *Inventory) analyze(ctx context.Context, drugs []domain.Drug, surgeries []domain.SurgeryDemand, demand map[string]float64, out *InventoryPayload) error {
	userPayload := map[string]any{
		"current_inventory":        drugs,
		"surgery_schedule":         surgeries,
		"aggregated_future_demand": demand,
	}
	if err := s.caller.Call(ctx, s.rolePrompt(), inventorySchema, userPayload, out); err != nil {
		return err
	}
	if len(out.DrugAnalysis) == 0 {
		return &domain.MalformedResponseError{Err: fmt.Errorf("drug_analysis missing")}
	}
	return nil
}

// localAnalysis is the degraded path: observed rates only, no predictions.
func (s *Inventory) localAnalysis(drugs []domain.Drug, demand map[string]float64) InventoryPayload {
	analysis := make([]DrugAnalysis, 0, len(drugs))
	for _, d := range drugs {
		burn := d.LocalBurnRate()
		analysis = append(analysis, DrugAnalysis{
			DrugName:       d.Name,
			CurrentStock:   d.StockQuantity,
			DailyUsageRate: d.DailyUsageRate,
			BurnRateDays:   burn,
			RiskLevel:      riskFromBurn(burn),
			Notes:          degradedNote(demand[d.Name]),
		})
	}
	return InventoryPayload{
		DrugAnalysis: analysis,
		Degraded:     true,
		Summary:      fmt.Sprintf("Degraded mode: local burn rates only for %d drugs, no usage predictions.", len(drugs)),
	}
}

func (s *Inventory) rolePrompt() string {
	var ranking strings.Builder
	for _, d := range s.monitored {
		fmt.Fprintf(&ranking, "- Rank %d: %s (%s)\n", d.Rank, d.Name, d.Type)
	}
	return fmt.Sprintf(`You are an expert hospital pharmacy inventory analyst.

We monitor these critical drugs (1 is most critical):
%s
You will receive current inventory records, the upcoming surgery schedule,
and per-drug aggregated future demand.

Your job:
- Compute predicted daily usage and burn rate (days) blending current usage with scheduled surgeries.
- Flag risk levels (CRITICAL if burn rate < 7 days, HIGH if < 14 days).
- Consider criticality ranking when assigning risk.
- Identify surgeries likely impacted by low stock.
- drug_name in your response MUST exactly match a name from the inventory.`, ranking.String())
}

var inventorySchema = map[string]any{
	"drug_analysis": []map[string]any{{
		"drug_name":                  "string",
		"current_stock":              0,
		"daily_usage_rate":           0,
		"predicted_daily_usage_rate": 0,
		"burn_rate_days":             0,
		"predicted_burn_rate_days":   0,
		"trend":                      "INCREASING | STABLE | DECREASING",
		"risk_level":                 "LOW | MEDIUM | HIGH | CRITICAL",
		"notes":                      "string",
	}},
	"schedule_impact": []map[string]any{{
		"surgery_date":   "YYYY-MM-DD",
		"surgery_type":   "string",
		"drugs_at_risk":  []string{"drug_name"},
		"recommendation": "string",
	}},
	"summary": "string",
}

// normalizeAnalysis recomputes burn rates deterministically from the
// inventory numbers so the model cannot smuggle in divide-by-zero output.
func normalizeAnalysis(payload *InventoryPayload, drugs []domain.Drug) {
	byName := make(map[string]domain.Drug, len(drugs))
	for _, d := range drugs {
		byName[d.Name] = d
	}

	kept := payload.DrugAnalysis[:0]
	for _, item := range payload.DrugAnalysis {
		inv, ok := byName[item.DrugName]
		if !ok {
			continue
		}
		item.CurrentStock = inv.StockQuantity
		item.DailyUsageRate = inv.DailyUsageRate
		item.BurnRateDays = domain.BurnRate(inv.StockQuantity, inv.DailyUsageRate)
		if item.PredictedDailyUsageRate != nil {
			item.PredictedBurnRateDays = domain.BurnRate(inv.StockQuantity, *item.PredictedDailyUsageRate)
		} else {
			item.PredictedBurnRateDays = nil
		}
		kept = append(kept, item)
	}
	payload.DrugAnalysis = kept
}

// aggregateDemand sums required quantities per drug across the window.
func aggregateDemand(surgeries []domain.SurgeryDemand) map[string]float64 {
	demand := map[string]float64{}
	for _, s := range surgeries {
		for _, req := range s.RequiredDrugs {
			demand[req.DrugName] += req.Quantity
		}
	}
	return demand
}

func riskFromBurn(burn *float64) domain.RiskLevel {
	switch {
	case burn == nil:
		return domain.RiskLow
	case *burn < 7:
		return domain.RiskCritical
	case *burn < 14:
		return domain.RiskHigh
	case *burn < 30:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func degradedNote(futureDemand float64) string {
	if futureDemand > 0 {
		return fmt.Sprintf("Scheduled demand of %.0f units not reflected in burn rate (prediction unavailable).", futureDemand)
	}
	return ""
}
