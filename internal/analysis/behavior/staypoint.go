package behavior

import (
	"sort"
	"time"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/spatial"
)

const (
	// defaultAccuracyMeters stands in for points without a reported accuracy
	defaultAccuracyMeters = 20.0
	minAccuracyMeters     = 1.0

	// clusters above this size score a sample of grid cells instead of every point
	exactScoringLimit    = 100
	scoringCellMeters    = 10.0
	maxScoringCandidates = 200
)

// DetectStayPoints clusters usable points spatially, splits each cluster on time
// gaps and emits one candidate visit per sub-cluster that lasts long enough.
// Visits are returned in start-time order.
func DetectStayPoints(points []models.LocationPoint, cfg models.VisitDetection) []models.Visit {
	usable := make([]models.LocationPoint, 0, len(points))
	for _, p := range points {
		if p.Usable() {
			usable = append(usable, p)
		}
	}
	if len(usable) == 0 || len(usable) < cfg.MinimumAdjacentPoints {
		return nil
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Timestamp.Before(usable[j].Timestamp)
	})

	labels := dbscan(usable, cfg.SearchDistanceMeters, cfg.MinimumAdjacentPoints)

	clusters := make(map[int][]models.LocationPoint)
	var order []int
	for i, label := range labels {
		if label <= 0 {
			continue
		}
		if _, ok := clusters[label]; !ok {
			order = append(order, label)
		}
		clusters[label] = append(clusters[label], usable[i])
	}

	var visits []models.Visit
	for _, label := range order {
		for _, sub := range splitByGap(clusters[label], cfg.StayPointGap()) {
			start, end := sub[0].Timestamp, sub[len(sub)-1].Timestamp
			if end.Sub(start) < cfg.MinimumStay() || !end.After(start) {
				continue
			}
			rep := representativePoint(sub)
			visits = append(visits, models.Visit{
				Latitude:        rep.Lat,
				Longitude:       rep.Lon,
				StartTime:       start,
				EndTime:         end,
				DurationSeconds: int64(end.Sub(start) / time.Second),
			})
		}
	}

	sort.SliceStable(visits, func(i, j int) bool {
		if !visits[i].StartTime.Equal(visits[j].StartTime) {
			return visits[i].StartTime.Before(visits[j].StartTime)
		}
		return visits[i].EndTime.Before(visits[j].EndTime)
	})
	return visits
}

// dbscan labels each point with a cluster id (>=1) or 0 for noise. The search
// radius becomes a degree grid at the batch's mean latitude; candidates from the
// 3x3 neighborhood are then checked with the exact distance.
func dbscan(points []models.LocationPoint, epsMeters float64, minPts int) []int {
	n := len(points)
	coords := make([]spatial.Point, n)
	for i, p := range points {
		coords[i] = spatial.Point{Lat: p.Latitude, Lon: p.Longitude}
	}

	grid := spatial.NewGrid(epsMeters, spatial.MeanLatitude(coords))
	cells := make(map[spatial.CellKey][]int)
	for i, c := range coords {
		k := grid.Key(c)
		cells[k] = append(cells[k], i)
	}

	neighbors := func(i int) []int {
		var out []int
		for _, k := range grid.Neighborhood(grid.Key(coords[i])) {
			for _, j := range cells[k] {
				if spatial.Distance(coords[i], coords[j]) <= epsMeters {
					out = append(out, j)
				}
			}
		}
		sort.Ints(out)
		return out
	}

	const (
		unvisited = -1
		noise     = 0
	)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		seeds := neighbors(i)
		if len(seeds) < minPts {
			labels[i] = noise
			continue
		}

		cluster++
		labels[i] = cluster
		queue := append([]int(nil), seeds...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == noise {
				labels[j] = cluster // border point
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if more := neighbors(j); len(more) >= minPts {
				queue = append(queue, more...)
			}
		}
	}
	return labels
}

// splitByGap cuts a time-sorted cluster wherever consecutive points are more than gap apart
func splitByGap(points []models.LocationPoint, gap time.Duration) [][]models.LocationPoint {
	if len(points) == 0 {
		return nil
	}
	var out [][]models.LocationPoint
	start := 0
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp.Sub(points[i-1].Timestamp) > gap {
			out = append(out, points[start:i])
			start = i
		}
	}
	return append(out, points[start:])
}

func accuracyOf(p models.LocationPoint) float64 {
	acc := defaultAccuracyMeters
	if p.Accuracy != nil {
		acc = *p.Accuracy
	}
	if acc < minAccuracyMeters {
		acc = minAccuracyMeters
	}
	return acc
}

// representativePoint picks the point with the highest density score: its own
// inverse accuracy plus, for every other point j within 2*acc(j) meters,
// (1 - d/(2*acc(j))) / acc(j)
func representativePoint(points []models.LocationPoint) spatial.Point {
	coords := make([]spatial.Point, len(points))
	for i, p := range points {
		coords[i] = spatial.Point{Lat: p.Latitude, Lon: p.Longitude}
	}

	var candidates []int
	if len(points) > exactScoringLimit {
		candidates = sampleCandidates(points, coords)
	} else {
		candidates = make([]int, len(points))
		for i := range candidates {
			candidates[i] = i
		}
	}

	best, bestScore := candidates[0], -1.0
	for _, c := range candidates {
		score := 1 / accuracyOf(points[c])
		for j := range points {
			if j == c {
				continue
			}
			radius := 2 * accuracyOf(points[j])
			if d := spatial.Distance(coords[c], coords[j]); d <= radius {
				score += (1 - d/radius) / accuracyOf(points[j])
			}
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return coords[best]
}

// sampleCandidates keeps the most accurate point of each ~10 m cell, from the most
// populated cells first, up to maxScoringCandidates
func sampleCandidates(points []models.LocationPoint, coords []spatial.Point) []int {
	grid := spatial.NewGrid(scoringCellMeters, spatial.MeanLatitude(coords))

	type cell struct {
		best  int
		count int
		first int
	}
	cells := make(map[spatial.CellKey]*cell)
	for i := range points {
		k := grid.Key(coords[i])
		c, ok := cells[k]
		if !ok {
			cells[k] = &cell{best: i, count: 1, first: i}
			continue
		}
		c.count++
		if accuracyOf(points[i]) < accuracyOf(points[c.best]) {
			c.best = i
		}
	}

	ordered := make([]*cell, 0, len(cells))
	for _, c := range cells {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].first < ordered[j].first
	})
	if len(ordered) > maxScoringCandidates {
		ordered = ordered[:maxScoringCandidates]
	}

	out := make([]int, len(ordered))
	for i, c := range ordered {
		out[i] = c.best
	}
	return out
}
