package model

import "time"

// QueueItemStatus is the lifecycle state of a verification queue entry.
type QueueItemStatus string

const (
	QueueStatusPending    QueueItemStatus = "pending"
	QueueStatusProcessing QueueItemStatus = "processing"
)

// VerificationQueueItem is one unit of re-verification work. Items are
// claimed in batches under a lease (Status processing + LockedAt); a lease
// older than the configured timeout is swept back to pending.
type VerificationQueueItem struct {
	StationID     string          `gorm:"primaryKey;size:64"`
	ExternalID    string          `gorm:"size:64;not null"`
	Status        QueueItemStatus `gorm:"size:16;not null;index:idx_queue_due"`
	AttemptCount  int             `gorm:"not null"`
	NextAttemptAt time.Time       `gorm:"not null;index:idx_queue_due"`
	LockedAt      *time.Time
	LastError     string `gorm:"size:1024"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
