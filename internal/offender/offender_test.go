package offender

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tripwatch/internal/models"
)

const manager = "manager@example.com"

var (
	endedAfter  = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	endedBefore = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

type stubPublisher struct {
	published [][]*models.Trip
	err       error
}

func (s *stubPublisher) PublishExportedTrips(_ context.Context, trips []*models.Trip) error {
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, trips)
	return nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Trip{}, &models.FrequentOffender{}, &models.AuditLog{}))
	return db
}

func testProcessor(t *testing.T, db *gorm.DB, pub Publisher) *Processor {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Processor{
		DB:  db,
		Pub: pub,
		Log: logrus.NewEntry(l),
		Now: func() time.Time { return time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC) },
	}
}

type tripOpts struct {
	kind     string
	employee int
	endedAt  time.Time
	exported bool
	unmarked bool
}

func seedTrip(t *testing.T, db *gorm.DB, o tripOpts) *models.Trip {
	t.Helper()
	if o.endedAt.IsZero() {
		o.endedAt = time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)
	}
	outside := true
	trip := &models.Trip{
		ID:                uuid.NewString(),
		License:           "AB-12-CD",
		LicenseHash:       models.Hash("AB-12-CD"),
		StartedAt:         o.endedAt.Add(-30 * time.Minute),
		EndedAt:           o.endedAt,
		Locations:         datatypes.JSON("[]"),
		ManagerMail:       manager,
		OutsideTimeWindow: &outside,
	}
	if !o.unmarked {
		kind := o.kind
		if kind == "" {
			kind = models.TripKindPersonal
		}
		trip.TripKind = &kind
	}
	if o.employee != 0 {
		raw, err := json.Marshal(models.DriverInfo{EmployeeNumber: o.employee, Mail: "driver@example.com"})
		require.NoError(t, err)
		trip.DriverInfo = datatypes.JSON(raw)
		dept, err := json.Marshal(models.Department{ID: 10, Name: "Fleet", ManagerMail: manager})
		require.NoError(t, err)
		trip.Department = datatypes.JSON(dept)
	}
	if o.exported {
		at := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)
		by := manager
		trip.ExportedAt = &at
		trip.ExportedBy = &by
	}
	require.NoError(t, db.Create(trip).Error)
	return trip
}

func offenderID(employee int) string {
	return models.Hash(strconv.Itoa(employee))
}

func TestExportEmptyWindow(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	report, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.NoError(t, err)
	assert.Zero(t, report.Exported)
	assert.Empty(t, pub.published)
}

func TestExportMarksTripsAndWritesAuditLogs(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	trip := seedTrip(t, db, tripOpts{kind: models.TripKindWork})
	seedTrip(t, db, tripOpts{exported: true})

	report, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Exported)
	require.Len(t, pub.published, 1)

	var got models.Trip
	require.NoError(t, db.First(&got, "id = ?", trip.ID).Error)
	require.NotNil(t, got.ExportedAt)
	require.NotNil(t, got.ExportedBy)
	assert.Equal(t, manager, *got.ExportedBy)

	var audits []models.AuditLog
	require.NoError(t, db.Find(&audits).Error)
	require.Len(t, audits, 1)
	assert.Equal(t, "trips", audits[0].TableName)
	assert.Equal(t, trip.ID, audits[0].TableID)
	assert.Equal(t, manager, audits[0].User)
}

func TestExportAbortsOnUnmarkedTrip(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	marked := seedTrip(t, db, tripOpts{kind: models.TripKindWork})
	seedTrip(t, db, tripOpts{unmarked: true})

	_, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.ErrorIs(t, err, ErrUnmarkedTrips)
	assert.Empty(t, pub.published)

	var got models.Trip
	require.NoError(t, db.First(&got, "id = ?", marked.ID).Error)
	assert.Nil(t, got.ExportedAt)
}

func TestExportPromotesOffenderAtThreshold(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	for i := 0; i < models.OffenderThreshold; i++ {
		seedTrip(t, db, tripOpts{
			employee: 4821,
			endedAt:  time.Date(2026, 3, 10+i, 7, 30, 0, 0, time.UTC),
		})
	}

	report, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Exported)

	active, ok := report.Offenders[offenderID(4821)]
	require.True(t, ok)
	assert.Len(t, active.Trips, 3)
	assert.Equal(t, 4821, active.DriverInfo.EmployeeNumber)
	assert.Equal(t, "Fleet", active.Department.Name)

	// Promotion never persists a watch-list record.
	var count int64
	require.NoError(t, db.Model(&models.FrequentOffender{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestExportBelowThresholdJoinsWatchList(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	seedTrip(t, db, tripOpts{employee: 4821})
	seedTrip(t, db, tripOpts{employee: 4821, endedAt: time.Date(2026, 3, 11, 7, 30, 0, 0, time.UTC)})

	report, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.NoError(t, err)
	assert.Empty(t, report.Offenders)

	var rec models.FrequentOffender
	require.NoError(t, db.First(&rec, "id = ?", offenderID(4821)).Error)
	assert.Equal(t, manager, rec.ManagerMail)
	trips, err := rec.OffenderTrips()
	require.NoError(t, err)
	assert.Len(t, trips, 2)
}

func TestExportMergesWithExistingRecord(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	existing := &models.FrequentOffender{ID: offenderID(4821), ManagerMail: manager}
	require.NoError(t, existing.SetOffenderTrips([]models.OffenderTrip{
		{License: "AB-12-CD", EndedAt: time.Date(2026, 2, 20, 7, 30, 0, 0, time.UTC), TripKind: models.TripKindPersonal},
		{License: "AB-12-CD", EndedAt: time.Date(2026, 2, 25, 7, 30, 0, 0, time.UTC), TripKind: models.TripKindPersonal},
	}))
	require.NoError(t, db.Create(existing).Error)

	seedTrip(t, db, tripOpts{employee: 4821})

	report, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.NoError(t, err)

	active, ok := report.Offenders[offenderID(4821)]
	require.True(t, ok)
	assert.Len(t, active.Trips, 3)
	// The new run's trips carry the current enrichment.
	assert.Equal(t, "Fleet", active.Department.Name)
	assert.Equal(t, 4821, active.DriverInfo.EmployeeNumber)

	// The promoted driver leaves the watch-list.
	var count int64
	require.NoError(t, db.Model(&models.FrequentOffender{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestExportMergeRefreshesStaleEnrichment(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	oldDept, err := json.Marshal(models.Department{ID: 9, Name: "Old Unit", ManagerMail: manager})
	require.NoError(t, err)
	oldInfo, err := json.Marshal(models.DriverInfo{EmployeeNumber: 4821, Mail: "old@example.com"})
	require.NoError(t, err)
	existing := &models.FrequentOffender{
		ID:          offenderID(4821),
		ManagerMail: manager,
		Department:  datatypes.JSON(oldDept),
		DriverInfo:  datatypes.JSON(oldInfo),
	}
	require.NoError(t, existing.SetOffenderTrips([]models.OffenderTrip{
		{License: "AB-12-CD", EndedAt: time.Date(2026, 2, 25, 7, 30, 0, 0, time.UTC), TripKind: models.TripKindPersonal},
	}))
	require.NoError(t, db.Create(existing).Error)

	// The new trip carries the driver's current department and mail.
	seedTrip(t, db, tripOpts{employee: 4821})

	report, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.NoError(t, err)
	assert.Empty(t, report.Offenders)

	var rec models.FrequentOffender
	require.NoError(t, db.First(&rec, "id = ?", offenderID(4821)).Error)

	var dept models.Department
	require.NoError(t, json.Unmarshal(rec.Department, &dept))
	assert.Equal(t, "Fleet", dept.Name)

	var di models.DriverInfo
	require.NoError(t, json.Unmarshal(rec.DriverInfo, &di))
	assert.Equal(t, "driver@example.com", di.Mail)

	trips, err := rec.OffenderTrips()
	require.NoError(t, err)
	assert.Len(t, trips, 2)
}

func TestExportPrunesTripsOutsideRollingWindow(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	stale := endedAfter.Add(-models.OffenderWindow).Add(-24 * time.Hour)
	existing := &models.FrequentOffender{ID: offenderID(4821), ManagerMail: manager}
	require.NoError(t, existing.SetOffenderTrips([]models.OffenderTrip{
		{License: "AB-12-CD", EndedAt: stale, TripKind: models.TripKindPersonal},
		{License: "AB-12-CD", EndedAt: stale.Add(-48 * time.Hour), TripKind: models.TripKindPersonal},
	}))
	require.NoError(t, db.Create(existing).Error)

	seedTrip(t, db, tripOpts{employee: 4821})

	report, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.NoError(t, err)
	// Both stale trips fell out of the window, so the driver stays watched.
	assert.Empty(t, report.Offenders)

	var rec models.FrequentOffender
	require.NoError(t, db.First(&rec, "id = ?", offenderID(4821)).Error)
	trips, err := rec.OffenderTrips()
	require.NoError(t, err)
	assert.Len(t, trips, 1)
}

func TestExportIgnoresTripsWithoutDriver(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	for i := 0; i < models.OffenderThreshold; i++ {
		seedTrip(t, db, tripOpts{endedAt: time.Date(2026, 3, 10+i, 7, 30, 0, 0, time.UTC)})
	}

	report, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Exported)
	assert.Empty(t, report.Offenders)

	var count int64
	require.NoError(t, db.Model(&models.FrequentOffender{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestExportPublishFailureLeavesStoreUntouched(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{err: errors.New("broker down")}
	p := testProcessor(t, db, pub)

	trip := seedTrip(t, db, tripOpts{employee: 4821})

	_, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.Error(t, err)

	var got models.Trip
	require.NoError(t, db.First(&got, "id = ?", trip.ID).Error)
	assert.Nil(t, got.ExportedAt)

	var offenders, audits int64
	require.NoError(t, db.Model(&models.FrequentOffender{}).Count(&offenders).Error)
	require.NoError(t, db.Model(&models.AuditLog{}).Count(&audits).Error)
	assert.Zero(t, offenders)
	assert.Zero(t, audits)
}

func TestExportScopedToManager(t *testing.T) {
	db := testDB(t)
	pub := &stubPublisher{}
	p := testProcessor(t, db, pub)

	mine := seedTrip(t, db, tripOpts{kind: models.TripKindWork})
	other := seedTrip(t, db, tripOpts{kind: models.TripKindWork})
	require.NoError(t, db.Model(other).Update("manager_mail", "someone.else@example.com").Error)

	report, err := p.Export(context.Background(), manager, endedAfter, endedBefore)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Exported)
	assert.Equal(t, mine.ID, report.Trips[0].ID)
}
