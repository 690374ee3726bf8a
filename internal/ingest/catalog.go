package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"tripwatch/internal/models"
	"tripwatch/internal/store"
)

// Reference blobs consumed by the classifier.
const (
	DriversBlob     = "reference/drivers.json"
	DepartmentsBlob = "reference/departments.json"
)

// Only company cars participate in trip analysis.
const companyCarKind = "company"

type leaseCarsMessage struct {
	LeaseCars []leaseCar `json:"leasecars"`
}

type leaseCar struct {
	License        string      `json:"car_license"`
	CarKind        string      `json:"car_kind"`
	CarBrandName   string      `json:"car_brand_name"`
	CarBrandType   string      `json:"car_brand_type"`
	EmployeeNumber json.Number `json:"driver_employee_number"`
	Mail           string      `json:"driver_mail"`
	InitialsName   string      `json:"driver_initials_name"`
	FirstName      string      `json:"driver_first_name"`
	PrefixName     string      `json:"driver_prefix_name"`
	LastName       string      `json:"driver_last_name"`
	StartDate      string      `json:"driver_start_date"`
	EndDate        string      `json:"driver_end_date"`
	DepartmentID   json.Number `json:"department_id"`
	DepartmentName string      `json:"department_name"`
}

// UpdateDrivers merges a lease-car feed payload into the driver catalog
// blob. Records missing their license, employee number, start date or
// department id are skipped. Returns the number of records applied.
func UpdateDrivers(blobs *store.BlobStore, payload []byte) (int, error) {
	var msg leaseCarsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, fmt.Errorf("decode leasecars: %w", err)
	}
	if len(msg.LeaseCars) == 0 {
		return 0, nil
	}

	log := logrus.WithField("component", "driver-catalog")

	catalog := models.DriverCatalog{}
	if _, err := blobs.GetJSON(DriversBlob, &catalog); err != nil {
		return 0, err
	}

	updated := 0
	for _, car := range msg.LeaseCars {
		if car.License == "" || (car.CarKind != "" && car.CarKind != companyCarKind) {
			continue
		}
		a, err := car.assignment()
		if err != nil {
			log.WithField("license_hash", models.Hash(car.License)).WithError(err).
				Info("skipping incomplete lease car record")
			continue
		}

		list := catalog[car.License]
		exists := false
		for i, e := range list {
			// A known assignment for the same driver with a start date at or
			// past the incoming one is overwritten in place.
			if e.EmployeeNumber == a.EmployeeNumber && !e.StartDate.Before(a.StartDate) {
				list[i] = a
				exists = true
			}
		}
		if !exists {
			list = append(list, a)
		}
		catalog[car.License] = list
		updated++
	}

	// Most recent assignment first, per license.
	for license := range catalog {
		list := catalog[license]
		sort.SliceStable(list, func(i, j int) bool { return list[i].StartDate.After(list[j].StartDate) })
		catalog[license] = list
	}

	if updated > 0 {
		if err := blobs.PutJSON(DriversBlob, catalog); err != nil {
			return 0, err
		}
	}
	log.Infof("updated %d lease cars", updated)
	return updated, nil
}

func (c leaseCar) assignment() (models.DriverAssignment, error) {
	num, err := c.EmployeeNumber.Int64()
	if err != nil {
		return models.DriverAssignment{}, fmt.Errorf("driver_employee_number: %w", err)
	}
	start, err := time.Parse(models.WhenLayout, c.StartDate)
	if err != nil {
		return models.DriverAssignment{}, fmt.Errorf("driver_start_date: %w", err)
	}
	dept, err := c.DepartmentID.Int64()
	if err != nil {
		return models.DriverAssignment{}, fmt.Errorf("department_id: %w", err)
	}

	a := models.DriverAssignment{
		License:        c.License,
		CarBrandName:   c.CarBrandName,
		CarBrandType:   c.CarBrandType,
		EmployeeNumber: int(num),
		Mail:           c.Mail,
		InitialsName:   c.InitialsName,
		FirstName:      c.FirstName,
		PrefixName:     c.PrefixName,
		LastName:       c.LastName,
		StartDate:      start.UTC(),
		DepartmentID:   int(dept),
		DepartmentName: c.DepartmentName,
	}
	if c.EndDate != "" {
		if end, err := time.Parse(models.WhenLayout, c.EndDate); err == nil {
			u := end.UTC()
			a.EndDate = &u
		}
	}
	return a, nil
}

type organigramMessage struct {
	Organigram []struct {
		DepartmentID       json.Number `json:"department_id"`
		DepartmentParentID json.Number `json:"department_parent_id"`
		DepartmentName     string      `json:"department_name"`
		ManagerName        string      `json:"manager_name"`
		ManagerMail        string      `json:"manager_mail"`
	} `json:"organigram"`
}

// UpdateDepartments upserts organigram records into the department catalog
// blob, keyed by decimal department id.
func UpdateDepartments(blobs *store.BlobStore, payload []byte) (int, error) {
	var msg organigramMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, fmt.Errorf("decode organigram: %w", err)
	}
	if len(msg.Organigram) == 0 {
		return 0, nil
	}

	catalog := models.DepartmentCatalog{}
	if _, err := blobs.GetJSON(DepartmentsBlob, &catalog); err != nil {
		return 0, err
	}

	before := len(catalog)
	applied := 0
	for _, org := range msg.Organigram {
		id, err := org.DepartmentID.Int64()
		if err != nil {
			continue
		}
		dept := models.Department{
			ID:          int(id),
			Name:        org.DepartmentName,
			ManagerName: org.ManagerName,
			ManagerMail: org.ManagerMail,
		}
		if parent, err := org.DepartmentParentID.Int64(); err == nil {
			p := int(parent)
			dept.ParentID = &p
		}
		catalog[strconv.FormatInt(id, 10)] = dept
		applied++
	}

	if applied > 0 {
		if err := blobs.PutJSON(DepartmentsBlob, catalog); err != nil {
			return 0, err
		}
	}
	logrus.WithField("component", "department-catalog").
		Infof("added %d departments, updated %d", len(catalog)-before, applied-(len(catalog)-before))
	return applied, nil
}
