package ratio

import "github.com/bollar/cdp-engine/internal/model"

// HealthStatus is a coarse classification of one position's distance from
// liquidation.
type HealthStatus string

const (
	Healthy    HealthStatus = "healthy"
	AtRisk     HealthStatus = "at_risk"
	Warning    HealthStatus = "warning"
	Critical   HealthStatus = "critical"
	Liquidated HealthStatus = "liquidated"
	Closed     HealthStatus = "closed"
)

// Health bands above the liquidation threshold.
const (
	warningBandBps = 500
	atRiskBandBps  = 1000
)

// Classify returns the health of a position with the given ratio. Critical
// means the position is liquidatable now.
func Classify(ratioBps, thresholdBps uint64, status model.Status) HealthStatus {
	switch {
	case status == model.StatusLiquidated:
		return Liquidated
	case status == model.StatusClosed:
		return Closed
	case ratioBps < thresholdBps:
		return Critical
	case ratioBps < thresholdBps+warningBandBps:
		return Warning
	case ratioBps < thresholdBps+atRiskBandBps:
		return AtRisk
	default:
		return Healthy
	}
}

// RiskLevel is the system-wide risk assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// MaxHealthScore is the score of a system with no risk factors.
const MaxHealthScore uint64 = 1000

// AssessSystem scores the system from its utilization (debt over collateral
// value) and its aggregate collateral ratio, both in basis points.
func AssessSystem(utilizationBps, systemRatioBps uint64) (RiskLevel, uint64) {
	score := MaxHealthScore
	var level RiskLevel

	switch {
	case utilizationBps > 8000:
		score -= 400
		level = RiskCritical
	case utilizationBps > 7000:
		score -= 200
		level = RiskHigh
	case utilizationBps > 5000:
		score -= 100
		level = RiskMedium
	default:
		level = RiskLow
	}

	if systemRatioBps < 12000 {
		score -= 150
		if level == RiskLow {
			level = RiskMedium
		}
	}
	if systemRatioBps < 10000 {
		score -= 300
		level = RiskCritical
	}
	return level, score
}
