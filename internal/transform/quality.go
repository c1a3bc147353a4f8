package transform

// Quality is a coarse grade of an alignment fit.
type Quality string

const (
	// QualityExact is reported for two-pair fits, which have no redundancy
	// to measure error against.
	QualityExact     Quality = "exact"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Residual thresholds in mm.
const (
	ResidualThresholdExcellent = 0.05
	ResidualThresholdGood      = 0.15
	ResidualThresholdFair      = 0.30
)

// Grade assesses a fit over pairCount correspondences.
func Grade(t Transform, pairCount int) Quality {
	if pairCount <= 2 {
		return QualityExact
	}
	switch {
	case t.Residual < ResidualThresholdExcellent:
		return QualityExcellent
	case t.Residual < ResidualThresholdGood:
		return QualityGood
	case t.Residual < ResidualThresholdFair:
		return QualityFair
	default:
		return QualityPoor
	}
}
