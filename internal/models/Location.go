package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Ping status values as they arrive on the wire.
const (
	StatusStationary          = "Stationary"
	StatusMoving              = "Moving"
	StatusExternalPowerChange = "ExternalPowerChange"
)

// WhenLayout is the timestamp format used in ping messages and blobs.
const WhenLayout = "2006-01-02T15:04:05Z"

// Location is a single timestamped vehicle status sample.
type Location struct {
	When     time.Time       `json:"when"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
	What     string          `json:"what"`
}

// UnmarshalJSON accepts timestamps with or without a timezone suffix and
// normalizes them to UTC.
func (l *Location) UnmarshalJSON(data []byte) error {
	type alias Location
	aux := &struct {
		When string `json:"when"`
		*alias
	}{alias: (*alias)(l)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ts := aux.When
	if len(ts) >= 6 && !(strings.HasSuffix(ts, "Z") || strings.ContainsAny(ts[len(ts)-6:], "+-")) {
		ts += "Z"
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", aux.When, err)
	}
	l.When = t.UTC()
	return nil
}

func (l Location) MarshalJSON() ([]byte, error) {
	type alias Location
	return json.Marshal(&struct {
		When string `json:"when"`
		alias
	}{When: l.When.UTC().Format(WhenLayout), alias: (alias)(l)})
}

// Equal reports whether two samples carry the same timestamp, status and
// geometry. Used for merge deduplication.
func (l Location) Equal(o Location) bool {
	return l.When.Equal(o.When) && l.What == o.What && bytes.Equal(l.Geometry, o.Geometry)
}

// Boundary reports whether the sample closes or opens a trip.
func (l Location) Boundary() bool {
	return l.What == StatusStationary || l.What == StatusExternalPowerChange
}

// VehicleDayLocations is the daily location blob for one vehicle.
type VehicleDayLocations struct {
	License   string     `json:"license"`
	Locations []Location `json:"locations"`
}

// PendingTrips holds trip segments left open at the end of a day, keyed in
// the blob store by license hash.
type PendingTrips struct {
	License string       `json:"license"`
	Trips   [][]Location `json:"trips"`
}

// Hash returns the hex sha256 of an identity string. Licenses and driver
// employee numbers are only ever persisted under this hash.
func Hash(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}
