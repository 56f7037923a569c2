package behavior

import (
	"sort"
	"time"

	"github.com/jengzang/trail-pipeline/internal/models"
)

// ClassifyTransportMode maps the average speed of a trip onto the user's mode table.
// The first mode whose max speed is at least the average wins; faster trips take the
// fastest mode. A non-positive duration or an empty table yields UNKNOWN.
func ClassifyTransportMode(distanceMeters float64, duration time.Duration, modes []models.TransportModeThreshold) string {
	if duration <= 0 || len(modes) == 0 {
		return models.ModeUnknown
	}

	sorted := append([]models.TransportModeThreshold(nil), modes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MaxSpeedKmh < sorted[j].MaxSpeedKmh
	})

	kmh := distanceMeters / 1000 / duration.Hours()
	for _, m := range sorted {
		if m.MaxSpeedKmh >= kmh {
			return m.Mode
		}
	}
	return sorted[len(sorted)-1].Mode
}
