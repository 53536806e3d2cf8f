package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AlertKind is the closed set of actions the synthesizer can emit.
type AlertKind string

const (
	AlertRestockNow      AlertKind = "RESTOCK_NOW"
	AlertShortageWarning AlertKind = "SHORTAGE_WARNING"
	AlertSubstitute      AlertKind = "SUBSTITUTE_RECOMMENDED"
	AlertScheduleChange  AlertKind = "SCHEDULE_CHANGE"
	AlertSupplyChainRisk AlertKind = "SUPPLY_CHAIN_RISK"
	AlertAutoOrderPlaced AlertKind = "AUTO_ORDER_PLACED"
)

// Severity orders alerts by how fast action is required.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityUrgent   Severity = "URGENT"
	SeverityCritical Severity = "CRITICAL"
)

// Rank maps severities to a comparable ordering, higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityUrgent:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Alert is one actionable recommendation tied to a pipeline run.
// The acknowledged flag is the only externally-triggered mutation.
type Alert struct {
	ID            string
	RunID         uuid.UUID
	Kind          AlertKind
	Severity      Severity
	DrugName      string
	DrugID        string
	Title         string
	Description   string
	ActionPayload json.RawMessage
	Acknowledged  bool
	CreatedAt     time.Time
}

// Urgency classifies how fast an order must be fulfilled.
type Urgency string

const (
	UrgencyRoutine   Urgency = "ROUTINE"
	UrgencyExpedited Urgency = "EXPEDITED"
	UrgencyEmergency Urgency = "EMERGENCY"
)

// OrderRequest is the synthesizer's instruction to the order resolver.
type OrderRequest struct {
	DrugName string  `json:"drug_name"`
	Quantity float64 `json:"quantity"`
	Urgency  Urgency `json:"urgency"`
}
