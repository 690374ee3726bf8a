package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// OffenderThreshold is the personal-trip count at which a watched driver
// becomes an active offender.
const OffenderThreshold = 3

// OffenderWindow is the rolling period over which personal trips count
// towards the threshold.
const OffenderWindow = 8 * 7 * 24 * time.Hour

// OffenderTrip is the trip summary kept on a frequent-offender record.
type OffenderTrip struct {
	License         string    `json:"license"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	TripKind        string    `json:"trip_kind"`
	TripDescription string    `json:"trip_description,omitempty"`
}

// FrequentOffender is a watch-list record for a driver with recent personal
// trips outside the time window. The record only exists while the trip count
// is below OffenderThreshold; promotion removes it from the watch-list.
type FrequentOffender struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"` // sha256 of the driver employee number
	ManagerMail string `gorm:"index" json:"-"`

	Department datatypes.JSON `json:"department"`
	DriverInfo datatypes.JSON `json:"driver_info"`
	Trips      datatypes.JSON `json:"trips"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// OffenderTrips decodes the trip summary list.
func (f *FrequentOffender) OffenderTrips() ([]OffenderTrip, error) {
	var trips []OffenderTrip
	if len(f.Trips) == 0 {
		return trips, nil
	}
	if err := json.Unmarshal(f.Trips, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

// SetOffenderTrips encodes the trip summary list.
func (f *FrequentOffender) SetOffenderTrips(trips []OffenderTrip) error {
	raw, err := json.Marshal(trips)
	if err != nil {
		return err
	}
	f.Trips = datatypes.JSON(raw)
	return nil
}
