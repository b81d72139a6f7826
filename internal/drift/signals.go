package drift

import (
	"math"
	"time"

	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

// Drift windows and thresholds. These are the model contract with the
// external workers; changing one changes retraining behavior fleet-wide.
const (
	historyDays      = 30
	demandWindowDays = 7
	cvWindowDays     = 14

	mapeThreshold        = 0.10
	demandShiftThreshold = 0.20
	trendShiftThreshold  = 0.15
	cvShiftThreshold     = 0.05

	// Sweep rules: retrain unconditionally after retrainAfter, never within
	// minRetrainAge of the last training.
	retrainAfter  = 7 * 24 * time.Hour
	minRetrainAge = 24 * time.Hour

	// Event-driven forecast triggers.
	spikeFactor            = 2.0
	reorderProximityFactor = 1.25
)

func sumQuantities(samples []models.ConsumptionSample) float64 {
	var total float64
	for _, s := range samples {
		total += s.Quantity
	}
	return total
}

// demandShift fires when total consumption over the most recent 7 days moved
// more than 20% in either direction against the 7 days before. Needs at
// least 14 days of history.
func demandShift(samples []models.ConsumptionSample) bool {
	if len(samples) < 2*demandWindowDays {
		return false
	}
	recent := sumQuantities(samples[len(samples)-demandWindowDays:])
	previous := sumQuantities(samples[len(samples)-2*demandWindowDays : len(samples)-demandWindowDays])

	if previous == 0 {
		return recent > 0
	}
	change := (recent - previous) / previous
	return math.Abs(change) > demandShiftThreshold
}

// trendShift fires when the ratio of the two 7-day averages drifted at least
// 0.15 away from the trend factor the forecaster stored. Both windows must
// be fully populated.
func trendShift(samples []models.ConsumptionSample, storedTrendFactor float64) bool {
	if len(samples) < 2*demandWindowDays {
		return false
	}
	recentAvg := sumQuantities(samples[len(samples)-demandWindowDays:]) / demandWindowDays
	previousAvg := sumQuantities(samples[len(samples)-2*demandWindowDays:len(samples)-demandWindowDays]) / demandWindowDays

	if previousAvg == 0 {
		return recentAvg > 0
	}
	currentTrendFactor := recentAvg / previousAvg
	return math.Abs(currentTrendFactor-storedTrendFactor) >= trendShiftThreshold
}

// cvShift fires when the coefficient of variation over exactly the 14 most
// recent days drifted at least 0.05 from the stored value. Uses the sample
// standard deviation (n-1 denominator); the threshold is inclusive.
func cvShift(samples []models.ConsumptionSample, storedCV float64) bool {
	if len(samples) < cvWindowDays {
		return false
	}
	window := samples[len(samples)-cvWindowDays:]

	mean := sumQuantities(window) / float64(len(window))

	var variance float64
	for _, s := range window {
		variance += (s.Quantity - mean) * (s.Quantity - mean)
	}
	variance /= float64(len(window) - 1)
	std := math.Sqrt(variance)

	currentCV := 0.0
	if mean > 0 {
		currentCV = std / mean
	}
	return math.Abs(currentCV-storedCV) >= cvShiftThreshold
}
