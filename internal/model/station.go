package model

import "time"

// Station holds the near-static facts about a charging station. Rows are
// owned by a separate ingestion process; this subsystem only reads them and
// stamps verification outcomes onto the status row, never edits metadata.
type Station struct {
	ID         string `gorm:"primaryKey;size:64"`
	ExternalID string `gorm:"uniqueIndex;size:64"` // provider id used for poll/verification calls
	Latitude   float64
	Longitude  float64
	Address    string `gorm:"size:512"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
