package classify

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tripwatch/internal/ingest"
	"tripwatch/internal/models"
	"tripwatch/internal/store"
)

// Config carries the time-window and sampling settings.
type Config struct {
	WindowStart      string  // local wall clock, "15:04"
	WindowEnd        string  // exclusive
	TimeZone         string  // IANA name of the civil zone the window lives in
	SamplePercentage float64 // audit sample drawn from inside-window trips
}

// Classifier marks the prior full day's trips as inside or outside the
// configured time window and enriches them with driver and department
// information.
//
// Idempotence rests solely on the outside_time_window IS NULL filter: two
// runs over an overlapping window can both observe the null and race to
// classify the same trip. Last writer wins; aggregation may double-count.
type Classifier struct {
	DB    *gorm.DB
	Blobs *store.BlobStore
	Cfg   Config
	Log   *logrus.Entry
	Now   func() time.Time
	Rand  *rand.Rand
}

// Stats summarizes one classification run.
type Stats struct {
	Visited       int
	MarkedOutside int
	MarkedInside  int
	Sampled       int
}

// Run classifies all unclassified trips that ended during the prior full
// day. Classification commits page by page; the sampling second pass is a
// separate batched commit over an explicit id list.
func (c *Classifier) Run() (Stats, error) {
	var stats Stats

	loc, err := time.LoadLocation(c.Cfg.TimeZone)
	if err != nil {
		return stats, fmt.Errorf("time zone %q: %w", c.Cfg.TimeZone, err)
	}
	startMin, err := windowMinutes(c.Cfg.WindowStart)
	if err != nil {
		return stats, fmt.Errorf("window start: %w", err)
	}
	endMin, err := windowMinutes(c.Cfg.WindowEnd)
	if err != nil {
		return stats, fmt.Errorf("window end: %w", err)
	}

	drivers, departments := c.loadReference()

	now := c.Now().UTC()
	dayEnd := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayStart := dayEnd.AddDate(0, 0, -1)

	var insideIDs []string

	q := store.PageQuery{
		Where: []store.Clause{
			store.Where("outside_time_window IS NULL"),
			store.Where("ended_at >= ?", dayStart),
			store.Where("ended_at < ?", dayEnd),
		},
		OrderKey: "ended_at",
		PageSize: store.DefaultPageSize,
	}
	err = store.ScanPages[models.Trip](c.DB, q, func(page []*models.Trip) error {
		muts := make([]store.Mutation, 0, len(page))
		for _, t := range page {
			outside := outsideWindow(t.StartedAt.In(loc), startMin, endMin)
			updates := map[string]any{"outside_time_window": outside}
			c.enrich(t, drivers, departments, updates)

			muts = append(muts, store.Update(&models.Trip{ID: t.ID}, updates))
			stats.Visited++
			if outside {
				stats.MarkedOutside++
			} else {
				stats.MarkedInside++
				insideIDs = append(insideIDs, t.ID)
			}
		}
		return store.CommitBatch(c.DB, muts)
	})
	if err != nil {
		return stats, err
	}

	sampled, err := c.sample(insideIDs, stats.MarkedOutside)
	if err != nil {
		return stats, err
	}
	stats.Sampled = sampled

	c.Log.WithFields(logrus.Fields{
		"date":    dayStart.Format("2006-01-02"),
		"visited": stats.Visited,
		"outside": stats.MarkedOutside,
		"inside":  stats.MarkedInside,
		"sampled": stats.Sampled,
	}).Info("classification finished")
	return stats, nil
}

// loadReference reads the driver and department catalogs. Absence is not
// fatal; affected trips keep null enrichment fields.
func (c *Classifier) loadReference() (models.DriverCatalog, models.DepartmentCatalog) {
	var drivers models.DriverCatalog
	if ok, err := c.Blobs.GetJSON(ingest.DriversBlob, &drivers); err != nil || !ok {
		c.Log.WithError(err).Warn("driver catalog unavailable, trips keep null driver info")
		drivers = nil
	}
	var departments models.DepartmentCatalog
	if ok, err := c.Blobs.GetJSON(ingest.DepartmentsBlob, &departments); err != nil || !ok {
		c.Log.WithError(err).Warn("department catalog unavailable")
		departments = nil
	}
	return drivers, departments
}

func (c *Classifier) enrich(t *models.Trip, drivers models.DriverCatalog, departments models.DepartmentCatalog, updates map[string]any) {
	if drivers == nil {
		return
	}
	a, ok := assignDriver(drivers[t.License], t.StartedAt, t.EndedAt)
	if !ok {
		return
	}
	if raw, err := json.Marshal(a.Info()); err == nil {
		updates["driver_info"] = datatypes.JSON(raw)
	}
	dept := resolveDepartment(departments, a.DepartmentID)
	if raw, err := json.Marshal(dept); err == nil {
		updates["department"] = datatypes.JSON(raw)
	}
	if dept.ManagerMail != "" {
		updates["manager_mail"] = dept.ManagerMail
	}
}

// sample re-marks a uniform random draw (without replacement) of the trips
// marked inside-window this run, bounding the false-negative rate of the
// window heuristic for auditing.
func (c *Classifier) sample(insideIDs []string, outside int) (int, error) {
	n := int(math.Ceil(c.Cfg.SamplePercentage * float64(outside) / 100))
	if n > len(insideIDs) {
		n = len(insideIDs)
	}
	if n <= 0 {
		return 0, nil
	}

	c.Rand.Shuffle(len(insideIDs), func(i, j int) {
		insideIDs[i], insideIDs[j] = insideIDs[j], insideIDs[i]
	})
	picked := insideIDs[:n]

	for len(picked) > 0 {
		size := len(picked)
		if size > store.MaxBatchOps {
			size = store.MaxBatchOps
		}
		muts := make([]store.Mutation, 0, size)
		for _, id := range picked[:size] {
			muts = append(muts, store.Update(&models.Trip{ID: id}, map[string]any{
				"outside_time_window": true,
				"sample":              true,
			}))
		}
		if err := store.CommitBatch(c.DB, muts); err != nil {
			return 0, err
		}
		picked = picked[size:]
	}
	return n, nil
}

// assignDriver picks the assignment whose interval contains the trip's
// [started_at, ended_at), preferring the most recent start date.
func assignDriver(assignments []models.DriverAssignment, startedAt, endedAt time.Time) (models.DriverAssignment, bool) {
	var best models.DriverAssignment
	found := false
	for _, a := range assignments {
		if startedAt.Before(a.StartDate) {
			continue
		}
		if a.EndDate != nil && endedAt.After(*a.EndDate) {
			continue
		}
		if !found || a.StartDate.After(best.StartDate) {
			best = a
			found = true
		}
	}
	return best, found
}

// resolveDepartment looks the unit up in the catalog; when unresolved only
// the raw id survives.
func resolveDepartment(departments models.DepartmentCatalog, id int) models.Department {
	if departments != nil {
		if dept, ok := departments[fmt.Sprintf("%d", id)]; ok {
			return dept
		}
	}
	return models.Department{ID: id}
}

func windowMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func outsideWindow(local time.Time, startMin, endMin int) bool {
	minutes := local.Hour()*60 + local.Minute()
	return minutes < startMin || minutes >= endMin
}
