package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	geom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"tripwatch/internal/models"
	"tripwatch/internal/store"
)

// Run accumulates one invocation's worth of location pings for a single
// analysis date. All state is carried here; nothing survives across runs.
type Run struct {
	AnalyzeDate time.Time // UTC midnight of the date under analysis

	cars    map[string][]models.Location
	skipped int
	log     *logrus.Entry
}

// NewRun starts an ingest run for the given analysis date.
func NewRun(analyzeDate time.Time) *Run {
	y, m, d := analyzeDate.UTC().Date()
	return &Run{
		AnalyzeDate: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		cars:        make(map[string][]models.Location),
		log:         logrus.WithField("component", "ingest"),
	}
}

type locationsMessage struct {
	CarLocations []carLocation `json:"carlocations"`
}

type carLocation struct {
	License     string          `json:"license"`
	LicenseHash string          `json:"license_hash,omitempty"`
	When        string          `json:"when"`
	Geometry    json.RawMessage `json:"geometry"`
	What        string          `json:"what"`
}

// ProcessMessage merges one batch of pings into the run. Malformed or
// off-date pings are skipped individually; the batch itself never fails.
func (r *Run) ProcessMessage(payload []byte) error {
	var msg locationsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode carlocations: %w", err)
	}

	for _, loc := range msg.CarLocations {
		if loc.License == "" {
			r.skipped++
			continue
		}
		when, err := parseWhen(loc.When)
		if err != nil {
			r.log.WithField("license_hash", models.Hash(loc.License)).
				WithError(err).Debug("skipping ping with bad timestamp")
			r.skipped++
			continue
		}
		if !sameDay(when, r.AnalyzeDate) {
			r.log.Debugf("skipping ping for %s while processing %s",
				when.Format("2006-01-02"), r.AnalyzeDate.Format("2006-01-02"))
			r.skipped++
			continue
		}
		if len(loc.Geometry) > 0 {
			var g geom.T
			if err := geojson.Unmarshal(loc.Geometry, &g); err != nil {
				r.skipped++
				continue
			}
		}
		r.add(loc.License, models.Location{When: when, Geometry: loc.Geometry, What: loc.What})
	}
	return nil
}

// add merges a ping into the vehicle's list, deduplicating on equality and
// keeping the list sorted ascending on timestamp.
func (r *Run) add(license string, loc models.Location) {
	list := r.cars[license]
	for _, e := range list {
		if e.Equal(loc) {
			return
		}
	}
	list = append(list, loc)
	sort.SliceStable(list, func(i, j int) bool { return list[i].When.Before(list[j].When) })
	r.cars[license] = list
}

// Vehicles returns the number of vehicles seen this run.
func (r *Run) Vehicles() int {
	return len(r.cars)
}

// Flush merges the run's locations into the date-partitioned daily blobs.
// Existing blob contents are never overwritten, only extended.
func (r *Run) Flush(blobs *store.BlobStore) error {
	for license, locs := range r.cars {
		hash := models.Hash(license)
		name := store.DayPath(r.AnalyzeDate, hash+".json")

		var day models.VehicleDayLocations
		ok, err := blobs.GetJSON(name, &day)
		if err != nil {
			return err
		}
		if !ok {
			day = models.VehicleDayLocations{License: license}
		}

		merged := day.Locations
		for _, loc := range locs {
			dup := false
			for _, e := range merged {
				if e.Equal(loc) {
					dup = true
					break
				}
			}
			if !dup {
				merged = append(merged, loc)
			}
		}
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].When.Before(merged[j].When) })
		day.Locations = merged

		if err := blobs.PutJSON(name, &day); err != nil {
			return err
		}
	}
	r.log.WithFields(logrus.Fields{
		"date":     r.AnalyzeDate.Format("2006-01-02"),
		"vehicles": len(r.cars),
		"skipped":  r.skipped,
	}).Info("flushed location blobs")
	return nil
}

func parseWhen(s string) (time.Time, error) {
	if len(s) >= 6 && !(strings.HasSuffix(s, "Z") || strings.ContainsAny(s[len(s)-6:], "+-")) {
		s += "Z"
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func sameDay(t, day time.Time) bool {
	y1, m1, d1 := t.UTC().Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
