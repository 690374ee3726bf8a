package segment

import (
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tripwatch/internal/models"
	"tripwatch/internal/store"
)

// PendingPrefix is where open trips wait for a later run, one blob per
// vehicle hash. Resolution never reads these back: the next day's run
// patches its open start from the previous day's location blob, which
// carries the same samples and more, and clears the pending entry. The
// blobs exist so an operator can see which vehicles ended a day mid-trip.
const PendingPrefix = "pending"

// Segmenter reconstructs trips from daily location blobs and persists the
// resulting trip entities.
type Segmenter struct {
	DB    *gorm.DB
	Blobs *store.BlobStore
	Log   *logrus.Entry
}

// Stats summarizes one segmentation run.
type Stats struct {
	Vehicles int
	Trips    int
	Pending  int
	Dropped  int
}

// ProcessDate reconstructs trips for every vehicle with locations on the
// given date. Each vehicle is processed independently; a persisted page of
// trips stays applied even if a later vehicle fails.
func (s *Segmenter) ProcessDate(date time.Time) (Stats, error) {
	var stats Stats

	prefix := store.DayPath(date, "")
	names, err := s.Blobs.List(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return stats, err
	}

	for _, name := range names {
		var day models.VehicleDayLocations
		ok, err := s.Blobs.GetJSON(name, &day)
		if err != nil || !ok {
			if err != nil {
				s.Log.WithField("blob", name).WithError(err).Warn("unreadable location blob")
			}
			continue
		}
		stats.Vehicles++

		hash := strings.TrimSuffix(path.Base(name), ".json")
		trips, pending, dropped, err := s.processVehicleDay(date, hash, day)
		if err != nil {
			return stats, err
		}
		stats.Trips += trips
		stats.Pending += pending
		stats.Dropped += dropped
	}

	s.Log.WithFields(logrus.Fields{
		"date":     date.Format("2006-01-02"),
		"vehicles": stats.Vehicles,
		"trips":    stats.Trips,
		"pending":  stats.Pending,
		"dropped":  stats.Dropped,
	}).Info("segmentation finished")
	return stats, nil
}

func (s *Segmenter) processVehicleDay(date time.Time, hash string, day models.VehicleDayLocations) (trips, pending, dropped int, err error) {
	res := SegmentDay(day.Locations)

	finals := res.Trips
	var open [][]models.Location

	if res.OpenStart != nil {
		patched, ok := s.patch(date, hash, res.OpenStart)
		switch {
		case !ok:
			// Best-effort reconstruction: an unpatchable trip is dropped.
			dropped++
			s.Log.WithField("license_hash", hash).Info("dropping trip with unresolvable start")
		case res.OpenStartClosed:
			finals = append([][]models.Location{patched}, finals...)
		default:
			open = append(open, patched)
		}
	}
	if res.OpenEnd != nil {
		open = append(open, res.OpenEnd)
	}

	var muts []store.Mutation
	for _, raw := range finals {
		locs, ok := Normalize(raw)
		if !ok {
			dropped++
			continue
		}
		t, err := BuildTrip(day.License, locs)
		if err != nil {
			dropped++
			continue
		}
		muts = append(muts, store.Create(t))
	}
	for len(muts) > 0 {
		n := len(muts)
		if n > store.MaxBatchOps {
			n = store.MaxBatchOps
		}
		if err := store.CommitBatch(s.DB, muts[:n]); err != nil {
			return trips, pending, dropped, err
		}
		trips += n
		muts = muts[n:]
	}

	if len(open) > 0 {
		blob := models.PendingTrips{License: day.License, Trips: open}
		if err := s.Blobs.PutJSON(pendingName(hash), &blob); err != nil {
			return trips, pending, dropped, err
		}
		pending = len(open)
	}
	return trips, pending, dropped, nil
}

// patch resolves a trip that was already moving at the start of its day
// against the previous day's blob. A successful patch also clears the
// vehicle's pending entry, which the patched locations supersede.
func (s *Segmenter) patch(date time.Time, hash string, open []models.Location) ([]models.Location, bool) {
	var prev models.VehicleDayLocations
	ok, err := s.Blobs.GetJSON(store.DayPath(date.AddDate(0, 0, -1), hash+".json"), &prev)
	if err != nil {
		s.Log.WithField("license_hash", hash).WithError(err).Warn("previous day blob unreadable")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	patched, ok := PatchOpenStart(open, prev.Locations)
	if !ok {
		return nil, false
	}
	if err := s.Blobs.Delete(pendingName(hash)); err != nil {
		s.Log.WithField("license_hash", hash).WithError(err).Warn("could not clear pending trip")
	}
	return patched, true
}

func pendingName(hash string) string {
	return PendingPrefix + "/" + hash + ".json"
}
