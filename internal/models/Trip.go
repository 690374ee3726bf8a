package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Trip kinds assigned by the human checking step.
const (
	TripKindWork     = "work"
	TripKindPersonal = "personal"
)

// Trip is a finalized, persisted trip entity.
type Trip struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	License     string    `json:"license"`
	LicenseHash string    `gorm:"index" json:"license_hash"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `gorm:"index" json:"ended_at"`
	DistanceKm  float64   `json:"distance_km"`

	Locations  datatypes.JSON `json:"locations"`
	DriverInfo datatypes.JSON `json:"driver_info,omitempty"`
	Department datatypes.JSON `json:"department,omitempty"`

	// Denormalized from Department for scoped queries.
	ManagerMail string `gorm:"index" json:"-"`

	// Tri-state: nil until the classifier has visited the trip.
	OutsideTimeWindow *bool `gorm:"index" json:"outside_time_window"`
	Sample            bool  `json:"sample"`

	TripKind        *string `json:"trip_kind,omitempty"`
	TripDescription *string `json:"trip_description,omitempty"`

	ExportedAt *time.Time `json:"exported_at,omitempty"`
	ExportedBy *string    `json:"exported_by,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// PageCursor implements store.Pageable, paginating on (ended_at, id).
func (t *Trip) PageCursor() (time.Time, string) {
	return t.EndedAt, t.ID
}

// Marked reports whether the checking step has classified the trip.
func (t *Trip) Marked() bool {
	return t.TripKind != nil && (*t.TripKind == TripKindWork || *t.TripKind == TripKindPersonal)
}

// Exported reports whether the trip has already been exported.
func (t *Trip) Exported() bool {
	return t.ExportedAt != nil
}

// TripLocations decodes the locations document.
func (t *Trip) TripLocations() ([]Location, error) {
	var locs []Location
	if err := json.Unmarshal(t.Locations, &locs); err != nil {
		return nil, err
	}
	return locs, nil
}

// SetLocations encodes the locations document.
func (t *Trip) SetLocations(locs []Location) error {
	raw, err := json.Marshal(locs)
	if err != nil {
		return err
	}
	t.Locations = datatypes.JSON(raw)
	return nil
}

// TripDriverInfo decodes the driver_info document, nil when unset.
func (t *Trip) TripDriverInfo() (*DriverInfo, error) {
	if len(t.DriverInfo) == 0 {
		return nil, nil
	}
	var di DriverInfo
	if err := json.Unmarshal(t.DriverInfo, &di); err != nil {
		return nil, err
	}
	return &di, nil
}

// TripDepartment decodes the department document, nil when unset.
func (t *Trip) TripDepartment() (*Department, error) {
	if len(t.Department) == 0 {
		return nil, nil
	}
	var d Department
	if err := json.Unmarshal(t.Department, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DriverInfo is the driver enrichment attached to a trip by the classifier.
type DriverInfo struct {
	EmployeeNumber int    `json:"driver_employee_number"`
	Mail           string `json:"driver_mail,omitempty"`
	InitialsName   string `json:"driver_initials_name,omitempty"`
	FirstName      string `json:"driver_first_name,omitempty"`
	PrefixName     string `json:"driver_prefix_name,omitempty"`
	LastName       string `json:"driver_last_name,omitempty"`
}

// Department is the business-unit enrichment attached to a trip. When the
// unit cannot be resolved only the raw id is kept.
type Department struct {
	ID          int    `json:"department_id"`
	ParentID    *int   `json:"parent_id,omitempty"`
	Name        string `json:"department_name,omitempty"`
	ManagerName string `json:"manager_name,omitempty"`
	ManagerMail string `json:"manager_mail,omitempty"`
}
