package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records one export-causing mutation. It is written in the same
// transaction as the mutation it describes.
type AuditLog struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id"`
	TableName         string         `json:"table_name"`
	TableID           string         `json:"table_id"`
	AttributesChanged datatypes.JSON `json:"attributes_changed"`
	Timestamp         time.Time      `json:"timestamp"`
	User              string         `json:"user"`
}
