package models

import "time"

// DriverAssignment is one driver-to-lease-car assignment interval from the
// fleet administration feed.
type DriverAssignment struct {
	License        string     `json:"license"`
	CarBrandName   string     `json:"car_brand_name,omitempty"`
	CarBrandType   string     `json:"car_brand_type,omitempty"`
	EmployeeNumber int        `json:"driver_employee_number"`
	Mail           string     `json:"driver_mail,omitempty"`
	InitialsName   string     `json:"driver_initials_name,omitempty"`
	FirstName      string     `json:"driver_first_name,omitempty"`
	PrefixName     string     `json:"driver_prefix_name,omitempty"`
	LastName       string     `json:"driver_last_name,omitempty"`
	StartDate      time.Time  `json:"driver_start_date"`
	EndDate        *time.Time `json:"driver_end_date,omitempty"`
	DepartmentID   int        `json:"department_id"`
	DepartmentName string     `json:"department_name,omitempty"`
}

// Info converts an assignment into the enrichment shape stored on trips.
func (a DriverAssignment) Info() DriverInfo {
	return DriverInfo{
		EmployeeNumber: a.EmployeeNumber,
		Mail:           a.Mail,
		InitialsName:   a.InitialsName,
		FirstName:      a.FirstName,
		PrefixName:     a.PrefixName,
		LastName:       a.LastName,
	}
}

// DriverCatalog maps a license to its assignments, most recent start first.
type DriverCatalog map[string][]DriverAssignment

// DepartmentCatalog maps a decimal department id to its business unit.
type DepartmentCatalog map[string]Department
