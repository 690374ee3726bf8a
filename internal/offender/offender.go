package offender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tripwatch/internal/models"
	"tripwatch/internal/store"
)

// ErrUnmarkedTrips is returned when the export window still contains trips
// the checking step has not classified; nothing is exported.
var ErrUnmarkedTrips = errors.New("offender: export window contains unmarked trips")

// Page size for the export collection scan.
const exportPageSize = 50

// Publisher delivers exported trips downstream. Publishing happens before
// the export transaction so no trip is marked exported without having been
// published.
type Publisher interface {
	PublishExportedTrips(ctx context.Context, trips []*models.Trip) error
}

// Processor merges newly classified personal trips into the frequent
// offender watch-list and exports the source trips, all within one
// transaction.
type Processor struct {
	DB  *gorm.DB
	Pub Publisher
	Log *logrus.Entry
	Now func() time.Time
}

// ActiveOffender is a driver promoted past the repetition threshold in this
// run. Active offenders are surfaced in the report and removed from the
// persisted watch-list.
type ActiveOffender struct {
	Department models.Department     `json:"department"`
	DriverInfo models.DriverInfo     `json:"driver_info"`
	Trips      []models.OffenderTrip `json:"trips"`
}

// Report is the outcome of one export run.
type Report struct {
	Exported  int                       `json:"exported"`
	Trips     []*models.Trip            `json:"trips"`
	Offenders map[string]ActiveOffender `json:"frequent_offenders"`
}

type offenderState struct {
	department models.Department
	driverInfo models.DriverInfo
	trips      []models.OffenderTrip
	record     *models.FrequentOffender // nil when not yet persisted
}

// Export collects the manager's exportable trips in [endedAfter,
// endedBefore), updates the watch-list, publishes the trips and commits the
// export marks plus audit logs atomically. A store conflict or publish
// failure leaves everything unchanged.
func (p *Processor) Export(ctx context.Context, user string, endedAfter, endedBefore time.Time) (*Report, error) {
	trips, err := p.collect(user, endedAfter, endedBefore)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return &Report{Offenders: map[string]ActiveOffender{}}, nil
	}

	foNew, err := groupNewOffenders(trips)
	if err != nil {
		return nil, err
	}
	foExisting, err := p.loadExisting(user, endedAfter.Add(-models.OffenderWindow))
	if err != nil {
		return nil, err
	}

	active, muts, err := mergeOffenders(foNew, foExisting, user)
	if err != nil {
		return nil, err
	}

	if err := p.Pub.PublishExportedTrips(ctx, trips); err != nil {
		return nil, fmt.Errorf("publish exported trips: %w", err)
	}

	now := p.Now().UTC().Truncate(time.Second)
	for _, t := range trips {
		muts = append(muts, store.Update(&models.Trip{ID: t.ID}, map[string]any{
			"exported_at": now,
			"exported_by": user,
		}))
		audit, err := exportAuditLog(t.ID, user, now)
		if err != nil {
			return nil, err
		}
		muts = append(muts, store.Create(audit))
	}

	if err := store.RunTransaction(p.DB, muts); err != nil {
		return nil, err
	}

	p.Log.WithFields(logrus.Fields{
		"user":      user,
		"exported":  len(trips),
		"offenders": len(active),
	}).Info("export committed")
	return &Report{Exported: len(trips), Trips: trips, Offenders: active}, nil
}

// collect pages through the manager's classified out-of-window trips.
// Already exported trips are skipped; an unmarked trip aborts the whole
// collection.
func (p *Processor) collect(user string, endedAfter, endedBefore time.Time) ([]*models.Trip, error) {
	var trips []*models.Trip
	q := store.PageQuery{
		Where: []store.Clause{
			store.Where("ended_at >= ?", endedAfter),
			store.Where("ended_at < ?", endedBefore),
			store.Where("outside_time_window = ?", true),
			store.Where("manager_mail = ?", user),
		},
		OrderKey: "ended_at",
		PageSize: exportPageSize,
	}
	err := store.ScanPages[models.Trip](p.DB, q, func(page []*models.Trip) error {
		for _, t := range page {
			if t.Exported() {
				continue
			}
			if !t.Marked() {
				return ErrUnmarkedTrips
			}
			trips = append(trips, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trips, nil
}

// groupNewOffenders buckets this run's personal trips by hashed driver
// identity. Trips without a resolvable driver do not count.
func groupNewOffenders(trips []*models.Trip) (map[string]*offenderState, error) {
	fo := make(map[string]*offenderState)
	for _, t := range trips {
		if t.TripKind == nil || *t.TripKind != models.TripKindPersonal {
			continue
		}
		di, err := t.TripDriverInfo()
		if err != nil {
			return nil, err
		}
		if di == nil || di.EmployeeNumber == 0 {
			continue
		}

		id := models.Hash(strconv.Itoa(di.EmployeeNumber))
		entry := fo[id]
		if entry == nil {
			dept, err := t.TripDepartment()
			if err != nil {
				return nil, err
			}
			if dept == nil {
				dept = &models.Department{}
			}
			entry = &offenderState{department: *dept, driverInfo: *di}
			fo[id] = entry
		}
		entry.trips = append(entry.trips, offenderTrip(t))
	}
	return fo, nil
}

// loadExisting reads the manager's watch-list, discarding trips that fell
// out of the rolling window.
func (p *Processor) loadExisting(user string, cutoff time.Time) (map[string]*offenderState, error) {
	var records []*models.FrequentOffender
	if err := p.DB.Where("manager_mail = ?", user).Find(&records).Error; err != nil {
		return nil, err
	}

	fo := make(map[string]*offenderState, len(records))
	for _, rec := range records {
		all, err := rec.OffenderTrips()
		if err != nil {
			return nil, err
		}
		var recent []models.OffenderTrip
		for _, t := range all {
			if !t.EndedAt.Before(cutoff) {
				recent = append(recent, t)
			}
		}

		state := &offenderState{trips: recent, record: rec}
		if len(rec.Department) > 0 {
			if err := json.Unmarshal(rec.Department, &state.department); err != nil {
				return nil, err
			}
		}
		if len(rec.DriverInfo) > 0 {
			if err := json.Unmarshal(rec.DriverInfo, &state.driverInfo); err != nil {
				return nil, err
			}
		}
		fo[rec.ID] = state
	}
	return fo, nil
}

// mergeOffenders folds the run's new offenders into the existing watch-list
// and schedules the resulting creates, updates and deletions. A driver
// whose merged trip count reaches the threshold becomes active and leaves
// the watch-list.
func mergeOffenders(foNew, foExisting map[string]*offenderState, user string) (map[string]ActiveOffender, []store.Mutation, error) {
	active := make(map[string]ActiveOffender)
	var muts []store.Mutation
	var err error

	for id, nf := range foNew {
		if ef, ok := foExisting[id]; ok {
			// The run's trips carry the current assignment; stale watch-list
			// enrichment is refreshed from them.
			dept, di := ef.department, ef.driverInfo
			if nf.department != (models.Department{}) {
				dept = nf.department
			}
			if nf.driverInfo != (models.DriverInfo{}) {
				di = nf.driverInfo
			}

			merged := append(append([]models.OffenderTrip{}, ef.trips...), nf.trips...)
			if len(merged) >= models.OffenderThreshold {
				active[id] = ActiveOffender{Department: dept, DriverInfo: di, Trips: merged}
				muts = append(muts, store.Delete(&models.FrequentOffender{ID: id}))
			} else {
				updates := map[string]any{}
				if updates["trips"], err = marshalJSON(merged); err != nil {
					return nil, nil, err
				}
				if updates["department"], err = marshalJSON(dept); err != nil {
					return nil, nil, err
				}
				if updates["driver_info"], err = marshalJSON(di); err != nil {
					return nil, nil, err
				}
				muts = append(muts, store.Update(&models.FrequentOffender{ID: id}, updates))
			}
			continue
		}

		if len(nf.trips) >= models.OffenderThreshold {
			active[id] = ActiveOffender{Department: nf.department, DriverInfo: nf.driverInfo, Trips: nf.trips}
			continue
		}

		rec := &models.FrequentOffender{ID: id, ManagerMail: user}
		if rec.Department, err = marshalJSON(nf.department); err != nil {
			return nil, nil, err
		}
		if rec.DriverInfo, err = marshalJSON(nf.driverInfo); err != nil {
			return nil, nil, err
		}
		if err = rec.SetOffenderTrips(nf.trips); err != nil {
			return nil, nil, err
		}
		muts = append(muts, store.Create(rec))
	}
	return active, muts, nil
}

func offenderTrip(t *models.Trip) models.OffenderTrip {
	ot := models.OffenderTrip{
		License:   t.License,
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
	}
	if t.TripKind != nil {
		ot.TripKind = *t.TripKind
	}
	if t.TripDescription != nil {
		ot.TripDescription = *t.TripDescription
	}
	return ot
}

func exportAuditLog(tripID, user string, now time.Time) (*models.AuditLog, error) {
	changed, err := json.Marshal(map[string]any{
		"exported": map[string]any{
			"new": map[string]any{
				"exported_at": now.Format(models.WhenLayout),
				"exported_by": user,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return &models.AuditLog{
		ID:                uuid.NewString(),
		TableName:         "trips",
		TableID:           tripID,
		AttributesChanged: datatypes.JSON(changed),
		Timestamp:         now,
		User:              user,
	}, nil
}

func marshalJSON(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
