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

const feedSourceName = "FDA Drug Shortages"

// ShortageMonitor reconciles known shortages against the regulatory feed.
type ShortageMonitor struct {
	store       ports.Store
	caller      ports.StructuredCaller
	feed        ports.ShortageFeed
	log         *runlog.Log
	monitored   []config.MonitoredDrug
	searchTerms []string
	windowDays  int
	logger      *slog.Logger
}

// NewShortageMonitor wires the monitor.
func NewShortageMonitor(store ports.Store, caller ports.StructuredCaller, feed ports.ShortageFeed, log *runlog.Log, monitored []config.MonitoredDrug, searchTerms []string, windowDays int, logger *slog.Logger) *ShortageMonitor {
	if windowDays <= 0 {
		windowDays = 180
	}
	return &ShortageMonitor{
		store:       store,
		caller:      caller,
		feed:        feed,
		log:         log,
		monitored:   monitored,
		searchTerms: searchTerms,
		windowDays:  windowDays,
		logger:      logger,
	}
}

// ShortageFinding is one classified supply signal.
type ShortageFinding struct {
	DrugName            string        `json:"drug_name"`
	FeedDrugName        string        `json:"feed_drug_name,omitempty"`
	Status              string        `json:"status"`
	ImpactSeverity      domain.Impact `json:"impact_severity"`
	Reason              string        `json:"reason,omitempty"`
	EstimatedResolution string        `json:"estimated_resolution,omitempty"`
	SourceURL           string        `json:"source_url,omitempty"`
}

// ShortagePayload is the stage's run-log contract.
type ShortagePayload struct {
	ShortagesFound []ShortageFinding `json:"shortages_found"`
	NoImpactDrugs  []string          `json:"no_impact_drugs,omitempty"`
	Degraded       bool              `json:"degraded,omitempty"`
	Summary        string            `json:"summary"`
}

func (s *ShortageMonitor) Name() domain.StageName { return domain.StageShortageMonitor }

// Run merges feed results with existing records and persists newly
// identified shortages, deduplicated by (drug, source, reported date) so
// re-running against identical inputs creates no duplicates.
func (s *ShortageMonitor) Run(ctx context.Context, runID uuid.UUID) (domain.StageStatus, error) {
	since := time.Now().UTC().AddDate(0, 0, -s.windowDays)
	existing, err := s.store.UnresolvedShortages(ctx, since)
	if err != nil {
		return domain.StageFailed, fmt.Errorf("fetch unresolved shortages: %w", err)
	}

	signals, feedDown := s.queryFeed(ctx)
	s.logger.Debug("regulatory feed queried", "signals", len(signals), "existing", len(existing), "feed_down", feedDown)

	payload, degraded := s.analyze(ctx, existing, signals)
	degraded = degraded || feedDown

	if err := s.persist(ctx, payload, existing); err != nil {
		return domain.StageFailed, err
	}

	payload.Degraded = degraded
	if err := s.log.Append(ctx, runID, s.Name(), payload, payload.Summary); err != nil {
		return domain.StageFailed, err
	}
	if degraded {
		return domain.StageDegraded, nil
	}
	return domain.StageOK, nil
}

// queryFeed collects raw signals across all search terms. Per-term failures
// are tolerated; the second return reports total feed unavailability.
func (s *ShortageMonitor) queryFeed(ctx context.Context) ([]domain.RawShortageSignal, bool) {
	var signals []domain.RawShortageSignal
	failures := 0
	for _, term := range s.searchTerms {
		res, err := s.feed.Query(ctx, term)
		if err != nil {
			s.logger.Warn("feed query failed", "term", term, "error", err)
			failures++
			continue
		}
		signals = append(signals, res...)
	}
	return signals, len(s.searchTerms) > 0 && failures == len(s.searchTerms)
}

func (s *ShortageMonitor) analyze(ctx context.Context, existing []domain.ShortageRecord, signals []domain.RawShortageSignal) (ShortagePayload, bool) {
	userPayload := map[string]any{
		"existing_internal_records": existing,
		"fresh_feed_data":           signals,
	}

	var payload ShortagePayload
	err := s.caller.Call(ctx, s.rolePrompt(), shortageSchema, userPayload, &payload)
	if err == nil && payload.ShortagesFound != nil {
		return payload, false
	}
	if err != nil {
		s.logger.Warn("shortage classification degraded", "error", err)
	}
	return s.carryForward(existing, len(signals)), true
}

// carryForward is the degraded path: existing records only, unchanged.
func (s *ShortageMonitor) carryForward(existing []domain.ShortageRecord, unanalyzed int) ShortagePayload {
	monitored := map[string]bool{}
	for _, d := range s.monitored {
		monitored[d.Name] = true
	}

	findings := make([]ShortageFinding, 0, len(existing))
	for _, rec := range existing {
		if !monitored[rec.DrugName] {
			continue
		}
		findings = append(findings, ShortageFinding{
			DrugName:       rec.DrugName,
			FeedDrugName:   rec.DrugName,
			Status:         "ONGOING",
			ImpactSeverity: rec.Severity,
			Reason:         "Carried forward (classification unavailable).",
			SourceURL:      rec.SourceURL,
		})
	}
	return ShortagePayload{
		ShortagesFound: findings,
		Summary: fmt.Sprintf("Degraded mode: carried forward %d existing records; %d feed signals not analyzed.",
			len(findings), unanalyzed),
	}
}

// persist updates matched records and inserts new unresolved ones.
func (s *ShortageMonitor) persist(ctx context.Context, payload ShortagePayload, existing []domain.ShortageRecord) error {
	existingByName := make(map[string]domain.ShortageRecord, len(existing))
	for _, rec := range existing {
		existingByName[rec.DrugName] = rec
	}

	today := midnightUTC(time.Now())
	for _, finding := range payload.ShortagesFound {
		if finding.DrugName == "" {
			continue
		}
		resolved := finding.Status == "RESOLVED"
		rec := domain.ShortageRecord{
			DrugName:     finding.DrugName,
			Origin:       domain.OriginRegulatory,
			Source:       feedSourceName,
			SourceURL:    finding.SourceURL,
			Severity:     severityOrDefault(finding.ImpactSeverity),
			Description:  reasonOrDefault(finding.Reason),
			ReportedDate: today,
			Resolved:     resolved,
		}
		if resolved {
			rec.ResolvedDate = &today
		}

		if prev, ok := existingByName[finding.DrugName]; ok {
			rec.ReportedDate = prev.ReportedDate
			if err := s.store.UpdateShortage(ctx, prev.ID, rec); err != nil {
				return fmt.Errorf("update shortage %s: %w", finding.DrugName, err)
			}
		} else if !resolved {
			if err := s.store.UpsertShortage(ctx, rec); err != nil {
				return fmt.Errorf("insert shortage %s: %w", finding.DrugName, err)
			}
		}
	}
	return nil
}

func (s *ShortageMonitor) rolePrompt() string {
	var ranking strings.Builder
	for _, d := range s.monitored {
		fmt.Fprintf(&ranking, "  Rank %d: %s (%s)\n", d.Rank, d.Name, d.Type)
	}
	return fmt.Sprintf(`You are a regulatory drug-shortage analyst. You will receive our
hospital's existing internal shortage records and fresh data from the FDA
Drug Shortages API.

We monitor these drugs (by priority):
%s
Your job:
- Match feed records to our monitored drugs using fuzzy matching, e.g. the
  feed's "HEPARIN SODIUM" matches our "Heparin", "SODIUM CHLORIDE" matches
  "IV Fluids".
- Status: ONGOING (no change), WORSENING (new delays or manufacturers),
  RESOLVED (available again).
- Severity: CRITICAL for rank 1-3, HIGH for 4-6, MEDIUM otherwise.
- Extract the reason and estimated resolution date when available.
- drug_name in your response MUST exactly match a name from the monitored list.`, ranking.String())
}

var shortageSchema = map[string]any{
	"shortages_found": []map[string]any{{
		"drug_name":            "string - must be from the monitored list",
		"feed_drug_name":       "string - exact name from the feed data",
		"status":               "ONGOING | RESOLVED | WORSENING",
		"impact_severity":      "LOW | MEDIUM | HIGH | CRITICAL",
		"reason":               "string",
		"estimated_resolution": "string or empty",
		"source_url":           "string",
	}},
	"no_impact_drugs": []string{"monitored drugs with no shortage"},
	"summary":         "string",
}

func severityOrDefault(impact domain.Impact) domain.Impact {
	if impact == "" {
		return domain.ImpactMedium
	}
	return impact
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return "No reason provided."
	}
	return reason
}

func midnightUTC(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
