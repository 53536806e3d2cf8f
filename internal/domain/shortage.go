package domain

import (
	"fmt"
	"time"
)

// ShortageOrigin records which detector produced a shortage record.
type ShortageOrigin string

const (
	OriginRegulatory ShortageOrigin = "FDA_REPORTED"
	OriginNews       ShortageOrigin = "NEWS_INFERRED"
	OriginInternal   ShortageOrigin = "INTERNAL"
)

// Impact grades the severity of a supply disruption.
type Impact string

const (
	ImpactNone     Impact = "NONE"
	ImpactLow      Impact = "LOW"
	ImpactMedium   Impact = "MEDIUM"
	ImpactHigh     Impact = "HIGH"
	ImpactCritical Impact = "CRITICAL"
)

// ShortageRecord is one detected supply disruption for a monitored drug.
// The resolved transition is the only mutation after creation.
type ShortageRecord struct {
	ID           string
	DrugName     string
	Origin       ShortageOrigin
	Source       string
	SourceURL    string
	Severity     Impact
	Description  string
	ReportedDate time.Time
	Resolved     bool
	ResolvedDate *time.Time
}

// DedupKey identifies the same underlying shortage across runs.
func (s ShortageRecord) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s", s.DrugName, s.Source, s.ReportedDate.Format("2006-01-02"))
}

// RawShortageSignal is one record returned by the regulatory feed before
// any matching against the monitored drug list.
type RawShortageSignal struct {
	GenericName string `json:"generic_name"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	UpdateDate  string `json:"update_date,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
}

// SubstitutionMapping links a drug to a clinical alternative. Unique on the
// (original, substitute) pair; rank and notes may be overwritten.
type SubstitutionMapping struct {
	DrugName         string
	SubstituteName   string
	PreferenceRank   int
	EquivalenceNotes string
	UpdatedAt        time.Time
}
