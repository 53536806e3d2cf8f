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

const (
	maxArticlesForAnalysis = 30
	signalConfidenceGate   = 0.7
)

// RiskScanner scores recent news for supply-chain risk signals. Signals
// become shortage records only when both the impact gate (high or critical)
// and the confidence gate (>= 0.7) pass.
type RiskScanner struct {
	store          ports.Store
	caller         ports.StructuredCaller
	searcher       ports.NewsSearcher
	log            *runlog.Log
	monitored      []config.MonitoredDrug
	generalQueries []string
	windowDays     int
	logger         *slog.Logger
}

// NewRiskScanner wires the scanner.
func NewRiskScanner(store ports.Store, caller ports.StructuredCaller, searcher ports.NewsSearcher, log *runlog.Log, monitored []config.MonitoredDrug, generalQueries []string, windowDays int, logger *slog.Logger) *RiskScanner {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &RiskScanner{
		store:          store,
		caller:         caller,
		searcher:       searcher,
		log:            log,
		monitored:      monitored,
		generalQueries: generalQueries,
		windowDays:     windowDays,
		logger:         logger,
	}
}

// RiskSignal is one scored article.
type RiskSignal struct {
	DrugName          string           `json:"drug_name"`
	Headline          string           `json:"headline"`
	Source            string           `json:"source"`
	URL               string           `json:"url"`
	Sentiment         domain.Sentiment `json:"sentiment"`
	SupplyChainImpact domain.Impact    `json:"supply_chain_impact"`
	Confidence        float64          `json:"confidence"`
	Reasoning         string           `json:"reasoning,omitempty"`
}

// EmergingRisk is a higher-level risk not tied to a single article.
type EmergingRisk struct {
	Description   string   `json:"description"`
	AffectedDrugs []string `json:"affected_drugs"`
	RiskLevel     string   `json:"risk_level"`
	TimeHorizon   string   `json:"time_horizon"`
}

// RiskPayload is the stage's run-log contract.
type RiskPayload struct {
	ArticlesAnalyzed int            `json:"articles_analyzed"`
	RiskSignals      []RiskSignal   `json:"risk_signals"`
	EmergingRisks    []EmergingRisk `json:"emerging_risks,omitempty"`
	Degraded         bool           `json:"degraded,omitempty"`
	Summary          string         `json:"summary"`
}

func (s *RiskScanner) Name() domain.StageName { return domain.StageRiskScanner }

// Run scans the recent news window. Zero articles is a success with an
// empty signal set, not a failure.
func (s *RiskScanner) Run(ctx context.Context, runID uuid.UUID) (domain.StageStatus, error) {
	articles, searchDown := s.fetchArticles(ctx)
	s.logger.Debug("news fetched", "articles", len(articles), "search_down", searchDown)

	var payload RiskPayload
	degraded := searchDown
	switch {
	case len(articles) == 0:
		payload = RiskPayload{
			RiskSignals: []RiskSignal{},
			Summary:     fmt.Sprintf("No news articles found in the past %d days.", s.windowDays),
		}
	default:
		var analysisDegraded bool
		payload, analysisDegraded = s.analyze(ctx, articles)
		degraded = degraded || analysisDegraded
	}

	if err := s.persistSignals(ctx, payload.RiskSignals); err != nil {
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

// fetchArticles issues one query per monitored drug plus the general
// supply-chain queries, deduplicated by URL. Per-query failures are
// tolerated; the second return reports total search unavailability.
func (s *RiskScanner) fetchArticles(ctx context.Context) ([]domain.Article, bool) {
	type search struct {
		query   string
		context string
	}
	searches := make([]search, 0, len(s.monitored)+len(s.generalQueries))
	for _, d := range s.monitored {
		searches = append(searches, search{
			query:   fmt.Sprintf("%q AND (shortage OR supply OR manufacturing OR recall)", d.Name),
			context: d.Name,
		})
	}
	for _, q := range s.generalQueries {
		searches = append(searches, search{query: q, context: "General"})
	}

	var articles []domain.Article
	seen := map[string]struct{}{}
	failures := 0
	for _, sr := range searches {
		hits, err := s.searcher.Search(ctx, sr.query, s.windowDays)
		if err != nil {
			s.logger.Warn("news search failed", "query", sr.query, "error", err)
			failures++
			continue
		}
		for _, a := range hits {
			if _, ok := seen[a.URL]; ok {
				continue
			}
			seen[a.URL] = struct{}{}
			a.DrugContext = sr.context
			articles = append(articles, a)
		}
	}
	return articles, len(searches) > 0 && failures == len(searches)
}

func (s *RiskScanner) analyze(ctx context.Context, articles []domain.Article) (RiskPayload, bool) {
	limited := articles
	if len(limited) > maxArticlesForAnalysis {
		limited = limited[:maxArticlesForAnalysis]
	}

	userPayload := map[string]any{
		"window_days": s.windowDays,
		"articles":    limited,
	}

	var payload RiskPayload
	if err := s.caller.Call(ctx, s.rolePrompt(), riskSchema, userPayload, &payload); err != nil {
		s.logger.Warn("news scoring degraded", "error", err)
		return s.keywordFallback(articles), true
	}
	if payload.ArticlesAnalyzed == 0 {
		payload.ArticlesAnalyzed = len(limited)
	}
	return payload, false
}

// keywordFallback is the degraded path: crude keyword matching with
// deliberately low confidence so nothing passes the double gate.
func (s *RiskScanner) keywordFallback(articles []domain.Article) RiskPayload {
	negative := []string{"shortage", "recall", "disruption", "shutdown", "suspend"}
	critical := []string{"critical", "emergency", "halt", "stop production"}
	monitored := s.monitoredSet()

	var signals []RiskSignal
	for _, a := range articles {
		text := strings.ToLower(a.Headline + " " + a.Description)
		hasCritical := containsAny(text, critical)
		hasNegative := containsAny(text, negative)
		if !hasCritical && !hasNegative {
			continue
		}

		drugName := ""
		if monitored[a.DrugContext] {
			drugName = a.DrugContext
		}
		signal := RiskSignal{
			DrugName:  drugName,
			Headline:  a.Headline,
			Source:    a.Source,
			URL:       a.URL,
			Reasoning: "Keyword detection fallback.",
		}
		if hasCritical {
			signal.Sentiment = domain.SentimentCritical
			signal.SupplyChainImpact = domain.ImpactHigh
			signal.Confidence = 0.6
		} else {
			signal.Sentiment = domain.SentimentNegative
			signal.SupplyChainImpact = domain.ImpactMedium
			signal.Confidence = 0.5
		}
		signals = append(signals, signal)
	}

	return RiskPayload{
		ArticlesAnalyzed: len(articles),
		RiskSignals:      signals,
		Summary: fmt.Sprintf("Degraded mode: keyword analysis of %d articles found %d potential signals.",
			len(articles), len(signals)),
	}
}

// persistSignals applies the double gate before creating shortage records.
func (s *RiskScanner) persistSignals(ctx context.Context, signals []RiskSignal) error {
	monitored := s.monitoredSet()
	today := midnightUTC(time.Now())

	for _, sig := range signals {
		if sig.SupplyChainImpact != domain.ImpactHigh && sig.SupplyChainImpact != domain.ImpactCritical {
			continue
		}
		if sig.Confidence < signalConfidenceGate {
			continue
		}
		if sig.DrugName == "" || !monitored[sig.DrugName] {
			continue
		}

		source := sig.Source
		if source == "" {
			source = "News Media"
		}
		description := sig.Reasoning
		if description == "" {
			description = sig.Headline
		}
		rec := domain.ShortageRecord{
			DrugName:     sig.DrugName,
			Origin:       domain.OriginNews,
			Source:       source,
			SourceURL:    sig.URL,
			Severity:     sig.SupplyChainImpact,
			Description:  description,
			ReportedDate: today,
		}
		if err := s.store.UpsertShortage(ctx, rec); err != nil {
			return fmt.Errorf("insert news-inferred shortage %s: %w", sig.DrugName, err)
		}
		s.logger.Info("news-inferred shortage recorded", "drug", sig.DrugName, "confidence", sig.Confidence)
	}
	return nil
}

func (s *RiskScanner) monitoredSet() map[string]bool {
	set := make(map[string]bool, len(s.monitored))
	for _, d := range s.monitored {
		set[d.Name] = true
	}
	return set
}

func (s *RiskScanner) rolePrompt() string {
	var ranking strings.Builder
	for _, d := range s.monitored {
		fmt.Fprintf(&ranking, "- Rank %d: %s (%s)\n", d.Rank, d.Name, d.Type)
	}
	return fmt.Sprintf(`You are a pharmaceutical supply-chain intelligence analyst reviewing
recent news for risks to hospital drug availability.

We monitor these drugs (1 is most critical):
%s
Watch for: geopolitical events, natural disasters in manufacturing regions,
logistics disruptions, regulatory changes, recalls, plant shutdowns, and
labor disputes.

Sentiment: CRITICAL (active disruption), NEGATIVE (early warning),
NEUTRAL (informational), POSITIVE (supply expansion).
Supply chain impact: NONE | LOW | MEDIUM | HIGH | CRITICAL, weighted by the
criticality rank of affected drugs.
Confidence in [0,1]: 0.9+ only for direct statements from authoritative
sources; below 0.5 for speculative signals.
Also surface emerging risks not tied to a single article.
drug_name MUST exactly match a monitored drug, or be empty for general risks.`, ranking.String())
}

var riskSchema = map[string]any{
	"articles_analyzed": 0,
	"risk_signals": []map[string]any{{
		"drug_name":           "string",
		"headline":            "string",
		"source":              "string",
		"url":                 "string",
		"sentiment":           "POSITIVE | NEUTRAL | NEGATIVE | CRITICAL",
		"supply_chain_impact": "NONE | LOW | MEDIUM | HIGH | CRITICAL",
		"confidence":          0.0,
		"reasoning":           "string",
	}},
	"emerging_risks": []map[string]any{{
		"description":    "string",
		"affected_drugs": []string{},
		"risk_level":     "LOW | MEDIUM | HIGH",
		"time_horizon":   "string",
	}},
	"summary": "string",
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
