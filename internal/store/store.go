package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"charge-status-backend/internal/model"
)

// Store defines all database operations: the read-only cache contract the
// client engine consumes and the verification queue the worker drives.
type Store interface {
	// LatestSnapshot returns the current snapshot for a station, or nil
	// when none has ever been recorded.
	LatestSnapshot(ctx context.Context, stationID string) (*model.StationSnapshot, error)
	// Metadata returns the near-static station facts, or nil when unknown.
	Metadata(ctx context.Context, stationID string) (*model.Station, error)
	// Status returns the full status row including verification state, or
	// nil when the station has never been recorded.
	Status(ctx context.Context, stationID string) (*model.StationStatus, error)

	// Enqueue inserts pending queue items, skipping ids already queued.
	// Returns how many rows were actually inserted.
	Enqueue(ctx context.Context, items []EnqueueItem) (int, error)
	// Claim sweeps expired leases back to pending, then atomically moves up
	// to batchSize due pending items to processing under a fresh lease.
	// Concurrent claims never return overlapping sets.
	Claim(ctx context.Context, now time.Time, batchSize int, leaseTimeout time.Duration) ([]model.VerificationQueueItem, error)
	// Reconcile is the lease-timeout sweep on its own, for periodic
	// invocation independent of claiming new work.
	Reconcile(ctx context.Context, now time.Time, leaseTimeout time.Duration) (int64, error)
	// RequeueWithBackoff returns a failed item to pending with an advanced
	// attempt count and a deferred next attempt.
	RequeueWithBackoff(ctx context.Context, stationID string, attempts int, nextAttemptAt time.Time, lastError string) error
	// DeadLetter gives up on a station permanently: the status row is
	// stamped dead_letter and the queue entry removed.
	DeadLetter(ctx context.Context, stationID string, lastError string) error
	// Complete applies reported verification outcomes: success stamps the
	// station and deletes the queue entry; error marks the station failed
	// and releases the entry for the next claim cycle.
	Complete(ctx context.Context, now time.Time, results []CompletionResult) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) LatestSnapshot(ctx context.Context, stationID string) (*model.StationSnapshot, error) {
	status, err := s.Status(ctx, stationID)
	if err != nil || status == nil {
		return nil, err
	}
	snap := status.Snapshot()
	return &snap, nil
}

func (s *gormStore) Status(ctx context.Context, stationID string) (*model.StationStatus, error) {
	var status model.StationStatus
	err := s.db.WithContext(ctx).First(&status, "station_id = ?", stationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status for station %s: %w", stationID, err)
	}
	return &status, nil
}

func (s *gormStore) Metadata(ctx context.Context, stationID string) (*model.Station, error) {
	var station model.Station
	err := s.db.WithContext(ctx).First(&station, "id = ?", stationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch station %s: %w", stationID, err)
	}
	return &station, nil
}

func (s *gormStore) Enqueue(ctx context.Context, items []EnqueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([]model.VerificationQueueItem, 0, len(items))
	for _, item := range items {
		rows = append(rows, model.VerificationQueueItem{
			StationID:     item.StationID,
			ExternalID:    item.ExternalID,
			Status:        model.QueueStatusPending,
			NextAttemptAt: now,
		})
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "station_id"}},
		DoNothing: true,
	}).Create(&rows)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to enqueue verification items: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (s *gormStore) Claim(ctx context.Context, now time.Time, batchSize int, leaseTimeout time.Duration) ([]model.VerificationQueueItem, error) {
	if batchSize <= 0 || batchSize > MaxClaimBatch {
		batchSize = MaxClaimBatch
	}

	var claimed []model.VerificationQueueItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Crash/timeout recovery first, so abandoned work is claimable in
		// the same call.
		if _, err := sweepLeases(tx, now, leaseTimeout); err != nil {
			return err
		}

		query := tx.
			Where("status = ? AND next_attempt_at <= ?", model.QueueStatusPending, now).
			Order("next_attempt_at").
			Limit(batchSize)
		if tx.Dialector.Name() == "postgres" {
			// Row locks make concurrent claimers skip each other's picks
			// instead of blocking or double-claiming.
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []model.VerificationQueueItem
		if err := query.Find(&candidates).Error; err != nil {
			return fmt.Errorf("failed to select claimable items: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, len(candidates))
		for i, item := range candidates {
			ids[i] = item.StationID
		}
		if err := tx.Model(&model.VerificationQueueItem{}).
			Where("station_id IN ? AND status = ?", ids, model.QueueStatusPending).
			Updates(map[string]any{
				"status":    model.QueueStatusProcessing,
				"locked_at": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to lock claimed items: %w", err)
		}

		for i := range candidates {
			candidates[i].Status = model.QueueStatusProcessing
			lockedAt := now
			candidates[i].LockedAt = &lockedAt
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *gormStore) Reconcile(ctx context.Context, now time.Time, leaseTimeout time.Duration) (int64, error) {
	var swept int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := sweepLeases(tx, now, leaseTimeout)
		swept = n
		return err
	})
	return swept, err
}

// sweepLeases returns processing items whose lease has expired to pending.
func sweepLeases(tx *gorm.DB, now time.Time, leaseTimeout time.Duration) (int64, error) {
	cutoff := now.Add(-leaseTimeout)
	result := tx.Model(&model.VerificationQueueItem{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", model.QueueStatusProcessing, cutoff).
		Updates(map[string]any{
			"status":    model.QueueStatusPending,
			"locked_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep expired leases: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *gormStore) RequeueWithBackoff(ctx context.Context, stationID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	err := s.db.WithContext(ctx).Model(&model.VerificationQueueItem{}).
		Where("station_id = ?", stationID).
		Updates(map[string]any{
			"status":          model.QueueStatusPending,
			"attempt_count":   attempts,
			"next_attempt_at": nextAttemptAt,
			"locked_at":       nil,
			"last_error":      lastError,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to requeue item for station %s: %w", stationID, err)
	}
	return nil
}

func (s *gormStore) DeadLetter(ctx context.Context, stationID string, lastError string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := stampVerification(tx, stationID, model.VerificationDeadLetter, nil); err != nil {
			return err
		}
		if err := tx.Delete(&model.VerificationQueueItem{}, "station_id = ?", stationID).Error; err != nil {
			return fmt.Errorf("failed to delete dead-lettered item for station %s: %w", stationID, err)
		}
		return nil
	})
}

func (s *gormStore) Complete(ctx context.Context, now time.Time, results []CompletionResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, result := range results {
			switch result.Outcome {
			case OutcomeVerifiedFree, OutcomeVerifiedPaid:
				state := model.VerificationFree
				if result.Outcome == OutcomeVerifiedPaid {
					state = model.VerificationPaid
				}
				if err := stampVerification(tx, result.StationID, state, &now); err != nil {
					return err
				}
				if err := tx.Delete(&model.VerificationQueueItem{}, "station_id = ?", result.StationID).Error; err != nil {
					return fmt.Errorf("failed to delete completed item for station %s: %w", result.StationID, err)
				}
			case OutcomeError:
				if err := stampVerification(tx, result.StationID, model.VerificationFailed, nil); err != nil {
					return err
				}
				// The entry stays queued: release the lease so the next
				// claim/dispatch cycle picks it up again.
				if err := tx.Model(&model.VerificationQueueItem{}).
					Where("station_id = ?", result.StationID).
					Updates(map[string]any{
						"status":          model.QueueStatusPending,
						"locked_at":       nil,
						"next_attempt_at": now,
						"last_error":      result.Message,
					}).Error; err != nil {
					return fmt.Errorf("failed to release item for station %s: %w", result.StationID, err)
				}
			default:
				return fmt.Errorf("unrecognized completion outcome %q for station %s", result.Outcome, result.StationID)
			}
		}
		return nil
	})
}

// stampVerification records a verification state on the station's status
// row, creating a bare row when the station has no snapshot yet.
func stampVerification(tx *gorm.DB, stationID string, state model.VerificationState, verifiedAt *time.Time) error {
	status := model.StationStatus{
		StationID:     stationID,
		OverallStatus: model.PortUnknown,
		Situation:     model.SituationOperational,
		Verification:  state,
		VerifiedAt:    verifiedAt,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "station_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"verification", "verified_at", "updated_at"}),
	}).Create(&status).Error
	if err != nil {
		return fmt.Errorf("failed to stamp verification for station %s: %w", stationID, err)
	}
	return nil
}
