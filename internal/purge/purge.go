package purge

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tripwatch/internal/models"
	"tripwatch/internal/store"
)

// Purger removes exported trips that aged out of the retention window.
type Purger struct {
	DB  *gorm.DB
	Log *logrus.Entry
	Now func() time.Time
}

// Run deletes exported trips that ended before the end of the week `weeks`
// weeks back. Deletions commit per page; an interrupted run leaves earlier
// pages applied and is safe to rerun.
func (p *Purger) Run(weeks int) (int, error) {
	now := p.Now().UTC()
	cutoff := weekEnd(now.AddDate(0, 0, -7*weeks))

	count := 0
	q := store.PageQuery{
		Where: []store.Clause{
			store.Where("ended_at < ?", cutoff),
			store.Where("exported_at IS NOT NULL"),
			store.Where("exported_at < ?", now),
		},
		OrderKey: "ended_at",
		PageSize: store.DefaultPageSize,
	}
	err := store.ScanPages[models.Trip](p.DB, q, func(page []*models.Trip) error {
		muts := make([]store.Mutation, 0, len(page))
		for _, t := range page {
			muts = append(muts, store.Delete(&models.Trip{ID: t.ID}))
		}
		if err := store.CommitBatch(p.DB, muts); err != nil {
			return err
		}
		count += len(page)
		return nil
	})
	if err != nil {
		return count, err
	}

	p.Log.WithFields(logrus.Fields{"cutoff": cutoff.Format("2006-01-02"), "purged": count}).
		Info("purged exported trips")
	return count, nil
}

// weekEnd returns UTC midnight of the Monday following t's week.
func weekEnd(t time.Time) time.Time {
	daysFromMonday := (int(t.Weekday()) + 6) % 7
	end := t.AddDate(0, 0, 7-daysFromMonday)
	return time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
}
