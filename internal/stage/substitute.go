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

// SubstituteResolver ranks clinical alternatives for drugs flagged by the
// decision stage. The static substitution table bounds what may be
// recommended; reasoning only reorders and annotates within it.
type SubstituteResolver struct {
	store  ports.Store
	caller ports.StructuredCaller
	log    *runlog.Log
	rules  []config.SubstitutionRule
	logger *slog.Logger
}

// NewSubstituteResolver wires the resolver.
func NewSubstituteResolver(store ports.Store, caller ports.StructuredCaller, log *runlog.Log, rules []config.SubstitutionRule, logger *slog.Logger) *SubstituteResolver {
	return &SubstituteResolver{store: store, caller: caller, log: log, rules: rules, logger: logger}
}

// SubstituteOption is one ranked alternative for a drug.
type SubstituteOption struct {
	Name           string  `json:"name"`
	PreferenceRank int     `json:"preference_rank"`
	ClinicalNotes  string  `json:"clinical_notes,omitempty"`
	InStock        bool    `json:"in_stock"`
	AvailableUnits float64 `json:"available_units"`
	CoverageDays   float64 `json:"coverage_days,omitempty"`
}

// SubstituteRecommendation is the resolver's verdict for one drug.
type SubstituteRecommendation struct {
	DrugName              string             `json:"drug_name"`
	Options               []SubstituteOption `json:"options"`
	NoSubstituteAvailable bool               `json:"no_substitute_available,omitempty"`
	Rationale             string             `json:"rationale,omitempty"`
}

// SubstitutePayload is the stage's run-log contract.
type SubstitutePayload struct {
	Recommendations []SubstituteRecommendation `json:"recommendations"`
	Degraded        bool                       `json:"degraded,omitempty"`
	Summary         string                     `json:"summary"`
}

func (s *SubstituteResolver) Name() domain.StageName { return domain.StageSubstitutes }

// Run resolves substitutes for the given drugs. Drugs with no rule or an
// empty candidate list are flagged rather than skipped so the gap is
// visible downstream.
func (s *SubstituteResolver) Run(ctx context.Context, runID uuid.UUID, drugs []string) (domain.StageStatus, error) {
	inventory, err := s.store.Drugs(ctx)
	if err != nil {
		return domain.StageFailed, fmt.Errorf("load inventory: %w", err)
	}
	stock := make(map[string]domain.Drug, len(inventory))
	for _, d := range inventory {
		stock[d.Name] = d
	}

	candidates, flagged := s.staticOptions(drugs, stock)

	var payload SubstitutePayload
	degraded := false
	if len(candidates) > 0 {
		payload, degraded = s.rank(ctx, candidates, stock)
	} else {
		payload.Recommendations = []SubstituteRecommendation{}
	}
	payload.Recommendations = append(payload.Recommendations, flagged...)

	if err := s.persist(ctx, payload.Recommendations, stock); err != nil {
		return domain.StageFailed, err
	}

	payload.Degraded = degraded
	if payload.Summary == "" {
		payload.Summary = fmt.Sprintf("Resolved substitutes for %d drugs (%d without alternatives).",
			len(drugs), len(flagged))
	}
	if err := s.log.Append(ctx, runID, s.Name(), payload, payload.Summary); err != nil {
		return domain.StageFailed, err
	}
	if degraded {
		return domain.StageDegraded, nil
	}
	return domain.StageOK, nil
}

// staticOptions splits the requested drugs into those with table-backed
// candidates and those with none.
func (s *SubstituteResolver) staticOptions(drugs []string, stock map[string]domain.Drug) (map[string][]config.SubstituteCandidate, []SubstituteRecommendation) {
	candidates := map[string][]config.SubstituteCandidate{}
	var flagged []SubstituteRecommendation
	for _, name := range drugs {
		rule, ok := s.ruleFor(name)
		if !ok || len(rule.Candidates) == 0 {
			flagged = append(flagged, SubstituteRecommendation{
				DrugName:              name,
				Options:               []SubstituteOption{},
				NoSubstituteAvailable: true,
				Rationale:             "No clinically approved substitute exists for this drug.",
			})
			continue
		}
		candidates[name] = rule.Candidates
	}
	return candidates, flagged
}

func (s *SubstituteResolver) ruleFor(drug string) (config.SubstitutionRule, bool) {
	for _, rule := range s.rules {
		if rule.Drug == drug {
			return rule, true
		}
	}
	return config.SubstitutionRule{}, false
}

func (s *SubstituteResolver) rank(ctx context.Context, candidates map[string][]config.SubstituteCandidate, stock map[string]domain.Drug) (SubstitutePayload, bool) {
	type drugRequest struct {
		DrugName   string             `json:"drug_name"`
		Candidates []SubstituteOption `json:"candidates"`
	}
	requests := make([]drugRequest, 0, len(candidates))
	for drug, opts := range candidates {
		req := drugRequest{DrugName: drug}
		for i, c := range opts {
			req.Candidates = append(req.Candidates, s.optionFor(c, i+1, stock))
		}
		requests = append(requests, req)
	}

	var payload SubstitutePayload
	if err := s.caller.Call(ctx, s.rolePrompt(), substituteSchema, map[string]any{"drugs": requests}, &payload); err != nil {
		s.logger.Warn("substitute ranking degraded", "error", err)
		return s.tableFallback(candidates, stock), true
	}
	payload.Recommendations = s.restrictToTable(payload.Recommendations, candidates, stock)
	return payload, false
}

// restrictToTable drops hallucinated options: only table-listed candidates
// survive, and every surviving option gets its availability recomputed from
// inventory rather than trusted from the reply.
func (s *SubstituteResolver) restrictToTable(recs []SubstituteRecommendation, candidates map[string][]config.SubstituteCandidate, stock map[string]domain.Drug) []SubstituteRecommendation {
	kept := make([]SubstituteRecommendation, 0, len(recs))
	for _, rec := range recs {
		allowed, ok := candidates[rec.DrugName]
		if !ok {
			continue
		}
		allowedSet := make(map[string]struct{}, len(allowed))
		for _, c := range allowed {
			allowedSet[c.Name] = struct{}{}
		}
		var opts []SubstituteOption
		for _, opt := range rec.Options {
			if _, ok := allowedSet[opt.Name]; !ok {
				continue
			}
			opt.InStock = false
			opt.AvailableUnits = 0
			opt.CoverageDays = 0
			if d, ok := stock[opt.Name]; ok {
				opt.InStock = d.StockQuantity > 0
				opt.AvailableUnits = d.StockQuantity
				if burn := d.EffectiveBurnRate(); burn != nil {
					opt.CoverageDays = *burn
				}
			}
			opts = append(opts, opt)
		}
		rec.Options = opts
		rec.NoSubstituteAvailable = len(opts) == 0
		kept = append(kept, rec)
	}
	return kept
}

// tableFallback is the degraded path: table order becomes preference order.
func (s *SubstituteResolver) tableFallback(candidates map[string][]config.SubstituteCandidate, stock map[string]domain.Drug) SubstitutePayload {
	var recs []SubstituteRecommendation
	for drug, opts := range candidates {
		rec := SubstituteRecommendation{
			DrugName:  drug,
			Rationale: "Static table order, reasoning service unavailable.",
		}
		for i, c := range opts {
			rec.Options = append(rec.Options, s.optionFor(c, i+1, stock))
		}
		recs = append(recs, rec)
	}
	return SubstitutePayload{
		Recommendations: recs,
		Summary:         fmt.Sprintf("Degraded mode: static substitution table applied for %d drugs.", len(recs)),
	}
}

func (s *SubstituteResolver) optionFor(c config.SubstituteCandidate, rank int, stock map[string]domain.Drug) SubstituteOption {
	opt := SubstituteOption{
		Name:           c.Name,
		PreferenceRank: rank,
		ClinicalNotes:  c.Notes,
	}
	if d, ok := stock[c.Name]; ok {
		opt.InStock = d.StockQuantity > 0
		opt.AvailableUnits = d.StockQuantity
		if burn := d.EffectiveBurnRate(); burn != nil {
			opt.CoverageDays = *burn
		}
	}
	return opt
}

// persist records mappings only for substitutes the hospital actually
// stocks, so downstream consumers never act on an unstocked alternative.
func (s *SubstituteResolver) persist(ctx context.Context, recs []SubstituteRecommendation, stock map[string]domain.Drug) error {
	now := time.Now().UTC()
	for _, rec := range recs {
		for _, opt := range rec.Options {
			if _, ok := stock[opt.Name]; !ok {
				continue
			}
			m := domain.SubstitutionMapping{
				DrugName:         rec.DrugName,
				SubstituteName:   opt.Name,
				PreferenceRank:   opt.PreferenceRank,
				EquivalenceNotes: opt.ClinicalNotes,
				UpdatedAt:        now,
			}
			if err := s.store.UpsertSubstitution(ctx, m); err != nil {
				return fmt.Errorf("upsert substitution %s -> %s: %w", rec.DrugName, opt.Name, err)
			}
		}
	}
	return nil
}

func (s *SubstituteResolver) rolePrompt() string {
	var table strings.Builder
	for _, rule := range s.rules {
		if len(rule.Candidates) == 0 {
			fmt.Fprintf(&table, "- %s: no substitute exists\n", rule.Drug)
			continue
		}
		names := make([]string, 0, len(rule.Candidates))
		for _, c := range rule.Candidates {
			names = append(names, c.Name)
		}
		fmt.Fprintf(&table, "- %s: %s\n", rule.Drug, strings.Join(names, ", "))
	}
	return fmt.Sprintf(`You are a hospital clinical pharmacist ranking substitute drugs during
supply disruptions.

Approved substitution table (the ONLY alternatives you may recommend):
%s
Rank the provided candidates for each drug, preferring alternatives that
are in stock with meaningful coverage. Preserve clinical equivalence notes
and add dosing caveats where relevant. If every candidate is unstocked and
unavailable, say so in the rationale rather than inventing options.`, table.String())
}

var substituteSchema = map[string]any{
	"recommendations": []map[string]any{{
		"drug_name": "string",
		"options": []map[string]any{{
			"name":            "string",
			"preference_rank": 1,
			"clinical_notes":  "string",
			"in_stock":        true,
			"available_units": 0.0,
			"coverage_days":   0.0,
		}},
		"no_substitute_available": false,
		"rationale":               "string",
	}},
	"summary": "string",
}
