package domain

import "time"

// ReviewStatus of a manual reconciliation case
type ReviewStatus string

const (
	ReviewStatusOpen     ReviewStatus = "open"
	ReviewStatusResolved ReviewStatus = "resolved"
)

// ReviewOutcome is the operator's finding after checking the chain
type ReviewOutcome string

const (
	ReviewOutcomeCompleted ReviewOutcome = "completed" // transfer landed
	ReviewOutcomeFailed    ReviewOutcome = "failed"    // transfer never landed, refund
)

// ReviewCase tracks a request whose outcome could not be decided automatically
type ReviewCase struct {
	ID         string
	RequestID  string
	UserID     string
	Reason     string
	TxHash     *string
	Status     ReviewStatus
	Outcome    *ReviewOutcome
	ResolvedBy *string
	Note       *string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
