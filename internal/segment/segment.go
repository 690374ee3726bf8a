package segment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"tripwatch/internal/models"
)

// DayResult is the outcome of segmenting one vehicle-day.
type DayResult struct {
	// OpenStart is the leading run of a day that begins mid-trip (first
	// sample already Moving). OpenStartClosed reports whether the run found
	// its closing boundary within the day.
	OpenStart       []models.Location
	OpenStartClosed bool

	// Trips are the complete segments, each bounded by transition samples.
	Trips [][]models.Location

	// OpenEnd is a trailing run still Moving at end of day, to be resolved
	// by a later run.
	OpenEnd []models.Location
}

// SegmentDay splits one vehicle-day of chronologically ordered locations
// into trip segments. A trip starts at a Stationary/ExternalPowerChange
// sample directly followed by Moving, accumulates the Moving run, and
// closes at the first non-Moving sample, which is included. A closing
// boundary can immediately open the next trip.
func SegmentDay(locs []models.Location) DayResult {
	var res DayResult

	i := 0
	if len(locs) > 0 && locs[0].What == models.StatusMoving {
		var run []models.Location
		for i < len(locs) && locs[i].What == models.StatusMoving {
			run = append(run, locs[i])
			i++
		}
		if i < len(locs) {
			run = append(run, locs[i])
			res.OpenStartClosed = true
			// The closing boundary stays at position i: it may also open
			// the first full trip of the day.
		}
		res.OpenStart = run
	}

	var cur []models.Location
	for i < len(locs) {
		l := locs[i]
		if cur == nil {
			if l.Boundary() && i+1 < len(locs) && locs[i+1].What == models.StatusMoving {
				cur = []models.Location{l}
			}
			i++
			continue
		}
		cur = append(cur, l)
		if l.What != models.StatusMoving {
			res.Trips = append(res.Trips, cur)
			cur = nil
			// Do not advance: this boundary may start the next trip.
			continue
		}
		i++
	}
	if cur != nil {
		res.OpenEnd = cur
	}
	return res
}

// PatchOpenStart prepends the previous day's tail onto a trip that was
// already moving when its day began. The previous day is scanned backwards
// past its trailing Moving run up to and including the nearest boundary
// sample. The scan is a single bounded pass; when no boundary exists the
// patch fails and the caller drops the trip.
func PatchOpenStart(open, prevDay []models.Location) ([]models.Location, bool) {
	for i := len(prevDay) - 1; i >= 0; i-- {
		if prevDay[i].Boundary() {
			patched := append([]models.Location{}, prevDay[i:]...)
			return append(patched, open...), true
		}
	}
	return nil, false
}

// Normalize collapses consecutive boundary samples at either edge of a
// segment, keeping the one nearest the Moving run, and rejects segments
// reduced below two samples or lacking any Moving sample.
func Normalize(trip []models.Location) ([]models.Location, bool) {
	for len(trip) >= 2 && trip[0].Boundary() && trip[1].Boundary() {
		trip = trip[1:]
	}
	for len(trip) >= 2 && trip[len(trip)-1].Boundary() && trip[len(trip)-2].Boundary() {
		trip = trip[:len(trip)-1]
	}
	if len(trip) < 2 {
		return nil, false
	}
	hasMoving := false
	for _, l := range trip {
		if l.What == models.StatusMoving {
			hasMoving = true
			break
		}
	}
	if !hasMoving {
		return nil, false
	}
	return trip, true
}

// BuildTrip converts a normalized segment into a persistable trip entity.
// started_at is the first Moving sample; the leading boundary sample stays
// first in locations.
func BuildTrip(license string, locs []models.Location) (*models.Trip, error) {
	var startedAt time.Time
	for _, l := range locs {
		if l.What == models.StatusMoving {
			startedAt = l.When
			break
		}
	}
	if startedAt.IsZero() {
		return nil, fmt.Errorf("segment without moving sample for %s", models.Hash(license))
	}

	t := &models.Trip{
		ID:          uuid.NewString(),
		License:     license,
		LicenseHash: models.Hash(license),
		StartedAt:   startedAt,
		EndedAt:     locs[len(locs)-1].When,
		DistanceKm:  pathDistanceKm(locs),
	}
	if err := t.SetLocations(locs); err != nil {
		return nil, err
	}
	return t, nil
}
