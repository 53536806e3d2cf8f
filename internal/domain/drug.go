package domain

import "time"

// RiskLevel classifies how exposed a drug is to a near-term stockout.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Drug is a monitored inventory item. Burn-rate fields are pointers because
// a zero daily usage rate leaves the burn rate undefined, not infinite.
type Drug struct {
	ID                    string
	Name                  string
	Type                  string
	Unit                  string
	StockQuantity         float64
	DailyUsageRate        float64
	PredictedUsageRate    *float64
	BurnRateDays          *float64
	PredictedBurnRateDays *float64
	CriticalityRank       int
	ReorderThresholdDays  int
	PricePerUnit          float64
	UpdatedAt             time.Time
}

// LocalBurnRate returns stock divided by the observed daily usage rate,
// or nil when the usage rate is zero.
func (d Drug) LocalBurnRate() *float64 {
	return BurnRate(d.StockQuantity, d.DailyUsageRate)
}

// EffectiveBurnRate prefers the predicted figure when one has been computed.
func (d Drug) EffectiveBurnRate() *float64 {
	if d.PredictedBurnRateDays != nil {
		return d.PredictedBurnRateDays
	}
	return d.BurnRateDays
}

// BurnRate computes days of supply remaining, nil when usage is not positive.
func BurnRate(stock, dailyUsage float64) *float64 {
	if dailyUsage <= 0 {
		return nil
	}
	days := stock / dailyUsage
	return &days
}

// DrugPrediction is the patch the inventory stage applies after analysis.
type DrugPrediction struct {
	PredictedUsageRate    *float64
	BurnRateDays          *float64
	PredictedBurnRateDays *float64
}
