package store

// MaxClaimBatch caps how many queue items a single claim may take,
// regardless of what the caller asks for.
const MaxClaimBatch = 5

// EnqueueItem is one {station id, external id} pair flagged for
// re-verification by an external caller.
type EnqueueItem struct {
	StationID  string `json:"station_id" binding:"required"`
	ExternalID string `json:"external_id" binding:"required"`
}

// CompletionOutcome is the per-item verdict reported back after a
// verification run.
type CompletionOutcome string

const (
	OutcomeVerifiedFree CompletionOutcome = "verified_free"
	OutcomeVerifiedPaid CompletionOutcome = "verified_paid"
	OutcomeError        CompletionOutcome = "error"
)

// CompletionResult is one reported outcome.
type CompletionResult struct {
	StationID string            `json:"station_id" binding:"required"`
	Outcome   CompletionOutcome `json:"outcome" binding:"required"`
	Message   string            `json:"message"`
}
