package model

import "time"

// VerificationState records the outcome of the background verification flow
// for a station. Empty means never verified.
type VerificationState string

const (
	VerificationFree       VerificationState = "verified_free"
	VerificationPaid       VerificationState = "verified_paid"
	VerificationFailed     VerificationState = "failed"      // retryable
	VerificationDeadLetter VerificationState = "dead_letter" // given up permanently
)

// StationStatus is the hot table: exactly one row per station holding the
// current snapshot. It is the cache the client engine reads, refreshed by
// the ingestion process and stamped by the verification queue.
type StationStatus struct {
	StationID            string           `gorm:"primaryKey;size:64"`
	ObservedAt           time.Time        `gorm:"not null;index"`
	Ports                []PortSnapshot   `gorm:"serializer:json"`
	OverallStatus        PortStatus       `gorm:"size:16;not null"`
	EmergencyStopPressed bool             `gorm:"not null"`
	Situation            StationSituation `gorm:"size:16;not null"`
	Source               SnapshotSource   `gorm:"size:32;not null"`

	Verification VerificationState `gorm:"size:16"`
	VerifiedAt   *time.Time

	UpdatedAt time.Time
}

// Snapshot converts the stored row back into the observation shape the
// merge gate consumes.
func (s StationStatus) Snapshot() StationSnapshot {
	return StationSnapshot{
		StationID:            s.StationID,
		Ports:                s.Ports,
		OverallStatus:        s.OverallStatus,
		EmergencyStopPressed: s.EmergencyStopPressed,
		Situation:            s.Situation,
		ObservedAt:           s.ObservedAt,
		Source:               s.Source,
	}
}
