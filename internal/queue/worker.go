// Package queue drives the verification queue: it claims due items under a
// lease, dispatches them to the verification webhook, and applies the
// retry/dead-letter policy when dispatch fails.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"charge-status-backend/config"
	"charge-status-backend/internal/model"
	"charge-status-backend/internal/store"
)

// dispatchBackoff is the retry schedule for failed dispatches, indexed by
// the number of attempts already made. Past the end, the last step repeats.
var dispatchBackoff = []time.Duration{
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

func backoffFor(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(dispatchBackoff) {
		idx = len(dispatchBackoff) - 1
	}
	return dispatchBackoff[idx]
}

// Dispatcher hands a claimed item to whatever performs the actual on-site
// verification.
type Dispatcher interface {
	Dispatch(ctx context.Context, item model.VerificationQueueItem) error
}

// WebhookDispatcher POSTs each claimed item to a configured webhook.
type WebhookDispatcher struct {
	url    string
	client *http.Client
}

// NewWebhookDispatcher creates a dispatcher for the given webhook URL.
func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookDispatcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, item model.VerificationQueueItem) error {
	payload, err := json.Marshal(map[string]string{
		"stationId":  item.StationID,
		"externalId": item.ExternalID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ItemResult is the per-item outcome of one claim cycle, reported back to
// the caller of the claim endpoint.
type ItemResult struct {
	StationID  string `json:"stationId"`
	ExternalID string `json:"externalId"`
	Dispatched bool   `json:"dispatched"`
	DeadLetter bool   `json:"deadLetter,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Worker owns the claim and reconcile cycles.
type Worker struct {
	store      store.Store
	dispatcher Dispatcher
	cfg        config.VerificationConfig

	clock func() time.Time
}

// NewWorker creates a queue worker.
func NewWorker(s store.Store, d Dispatcher, cfg config.VerificationConfig) *Worker {
	return &Worker{
		store:      s,
		dispatcher: d,
		cfg:        cfg,
		clock:      time.Now,
	}
}

// RunOnce executes a single claim cycle: claim up to batchSize due items,
// dispatch each, and apply the backoff/dead-letter policy on failure.
// Dispatch failures are handled here, never raised to the caller; only
// store errors propagate.
func (w *Worker) RunOnce(ctx context.Context, batchSize int) ([]ItemResult, error) {
	now := w.clock().UTC()
	items, err := w.store.Claim(ctx, now, batchSize, w.cfg.LeaseTimeout)
	if err != nil {
		return nil, fmt.Errorf("claim cycle failed: %w", err)
	}

	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		result := ItemResult{StationID: item.StationID, ExternalID: item.ExternalID}

		if err := w.dispatcher.Dispatch(ctx, item); err != nil {
			result.Error = err.Error()
			attempts := item.AttemptCount + 1
			if attempts >= w.cfg.MaxDispatchAttempts {
				log.Printf("queue: dead-lettering station %s after %d dispatch attempts: %v", item.StationID, attempts, err)
				if dlErr := w.store.DeadLetter(ctx, item.StationID, err.Error()); dlErr != nil {
					log.Printf("queue: failed to dead-letter station %s: %v", item.StationID, dlErr)
				} else {
					result.DeadLetter = true
				}
			} else {
				next := now.Add(backoffFor(attempts))
				log.Printf("queue: dispatch failed for station %s (attempt %d), retrying at %s: %v", item.StationID, attempts, next.Format(time.RFC3339), err)
				if rqErr := w.store.RequeueWithBackoff(ctx, item.StationID, attempts, next, err.Error()); rqErr != nil {
					log.Printf("queue: failed to requeue station %s: %v", item.StationID, rqErr)
				}
			}
		} else {
			// The item stays processing under its lease until the webhook
			// reports an outcome or the lease times out.
			result.Dispatched = true
		}

		results = append(results, result)
	}
	return results, nil
}

// ReconcileOnce sweeps expired leases back to pending.
func (w *Worker) ReconcileOnce(ctx context.Context) (int64, error) {
	return w.store.Reconcile(ctx, w.clock().UTC(), w.cfg.LeaseTimeout)
}

// Run starts the periodic claim and reconcile loops and blocks until the
// context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.Enabled {
		log.Println("Verification worker is disabled. Not starting.")
		return
	}
	log.Println("Starting verification worker...")

	claimTimer := time.NewTimer(w.cfg.ClaimInterval)
	defer claimTimer.Stop()
	reconcileTimer := time.NewTimer(w.cfg.ReconcileInterval)
	defer reconcileTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Verification worker shutting down.")
			return
		case <-claimTimer.C:
			if results, err := w.RunOnce(ctx, w.cfg.BatchSize); err != nil {
				log.Printf("queue: claim cycle error: %v", err)
			} else if len(results) > 0 {
				log.Printf("queue: dispatched claim cycle with %d item(s)", len(results))
			}
			claimTimer.Reset(w.cfg.ClaimInterval)
		case <-reconcileTimer.C:
			if swept, err := w.ReconcileOnce(ctx); err != nil {
				log.Printf("queue: reconcile error: %v", err)
			} else if swept > 0 {
				log.Printf("queue: reconciled %d expired lease(s)", swept)
			}
			reconcileTimer.Reset(w.cfg.ReconcileInterval)
		}
	}
}
