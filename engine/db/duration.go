package db

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	"gorm.io/gorm"
)

const (
	// NoCheckDuration is returned when a service has no completed checks yet.
	// Callers fall back to their configured timeout.
	NoCheckDuration time.Duration = -1
	// MinCheckDuration is the floor of every estimate once history exists.
	MinCheckDuration = time.Second
)

type placementSpan struct {
	PlacementStart time.Time
	PlacementEnd   time.Time
}

// GetCheckDuration estimates how long checks of the service take from the mean
// runtime of all previous ticks plus stdDevCount population standard
// deviations. Assuming a normal distribution, 2 standard deviations cover about
// 95% of previous runs.
func GetCheckDuration(mode TxMode, serviceID uint, stdDevCount float64) (time.Duration, error) {
	var spans []placementSpan
	err := transaction(mode, func(tx *gorm.DB) error {
		return tx.Table("flag").
			Select("flag.placement_start, flag.placement_end").
			Joins("JOIN gamecontrol ON flag.tick < gamecontrol.current_tick").
			Where("flag.service_id = ? AND flag.placement_start IS NOT NULL AND flag.placement_end IS NOT NULL", serviceID).
			Scan(&spans).Error
	})
	if err != nil {
		return 0, err
	}

	latencies := make([]float64, 0, len(spans))
	for _, span := range spans {
		latencies = append(latencies, span.PlacementEnd.Sub(span.PlacementStart).Seconds())
	}
	return estimateDuration(latencies, stdDevCount), nil
}

// estimateDuration works on latencies in seconds.
func estimateDuration(latencies []float64, stdDevCount float64) time.Duration {
	if len(latencies) == 0 {
		return NoCheckDuration
	}

	mean, variance := stat.PopMeanVariance(latencies, nil)
	estimate := time.Duration((mean + stdDevCount*math.Sqrt(variance)) * float64(time.Second))
	if estimate < MinCheckDuration {
		return MinCheckDuration
	}
	return estimate
}
