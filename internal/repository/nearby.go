package repository

import (
	"sort"

	"github.com/sakif/civic-reports/internal/geo"
	"github.com/sakif/civic-reports/internal/model"
)

// NearbyLimit returns the effective result cap for q.
func (q NearbyQuery) NearbyLimit() int {
	if q.Limit <= 0 || q.Limit > MaxNearbyResults {
		return MaxNearbyResults
	}
	return q.Limit
}

// Box returns the SQL prefilter rectangle for q.
func (q NearbyQuery) Box() geo.Box {
	return geo.BoundingBox(q.Latitude, q.Longitude, q.RadiusKm)
}

// RankNearby turns prefiltered candidates into the final nearby result.
//
// Backends only narrow rows down with a bounding box, which is cheap in SQL
// but approximate. The exact rule lives here so every backend returns the
// same answer:
//
//   - reports without coordinates are skipped
//   - distance is the haversine distance from the query point
//   - only distance <= RadiusKm is kept
//   - order is distance asc, then created_at desc, then id desc
//   - at most NearbyLimit() rows are returned
func RankNearby(q NearbyQuery, candidates []model.Report) []model.NearbyReport {
	out := make([]model.NearbyReport, 0, len(candidates))
	if q.RadiusKm <= 0 {
		return out
	}

	for _, r := range candidates {
		if r.Coordinates == nil {
			continue
		}
		d := geo.DistanceKm(q.Latitude, q.Longitude, r.Coordinates.Latitude, r.Coordinates.Longitude)
		if d > q.RadiusKm {
			continue
		}
		out = append(out, model.NearbyReport{Report: r, DistanceKm: d})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	if limit := q.NearbyLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out
}
