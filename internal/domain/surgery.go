package domain

import "time"

// SurgeryStatus enumerates the lifecycle of a scheduled procedure.
type SurgeryStatus string

const (
	SurgeryScheduled   SurgeryStatus = "SCHEDULED"
	SurgeryCompleted   SurgeryStatus = "COMPLETED"
	SurgeryCancelled   SurgeryStatus = "CANCELLED"
	SurgeryRescheduled SurgeryStatus = "RESCHEDULED"
)

// DrugRequirement is one drug/quantity line of a surgery's demand.
type DrugRequirement struct {
	DrugName string  `json:"drug_name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
}

// SurgeryDemand is a scheduled procedure and the drugs it consumes.
// Read-only input within the pipeline core.
type SurgeryDemand struct {
	ID            string
	SurgeryType   string
	ScheduledDate time.Time
	RequiredDrugs []DrugRequirement
	Status        SurgeryStatus
}

// Requires reports whether the surgery consumes the named drug.
func (s SurgeryDemand) Requires(drugName string) bool {
	for _, req := range s.RequiredDrugs {
		if req.DrugName == drugName {
			return true
		}
	}
	return false
}
