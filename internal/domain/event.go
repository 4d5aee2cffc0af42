package domain

import "time"

const (
	EventSettlementCreated   = "settlement.created"
	EventSettlementCompleted = "settlement.completed"
	EventSettlementFailed    = "settlement.failed"
	EventSettlementReview    = "settlement.review_required"
)

// SettlementEvent is emitted on every lifecycle change for consumers outside
// the core (notifications, balance views).
type SettlementEvent struct {
	EventType    string    `json:"event_type"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Direction    Direction `json:"direction"`
	Token        string    `json:"token"`
	Status       string    `json:"status"`
	Amount       string    `json:"amount"` // smallest unit
	Fee          string    `json:"fee,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	BalanceAfter string    `json:"balance_after,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewSettlementEvent(eventType string, req *SettlementRequest) *SettlementEvent {
	ev := &SettlementEvent{
		EventType: eventType,
		RequestID: req.ID,
		UserID:    req.UserID,
		Direction: req.Direction,
		Token:     req.Token,
		Status:    string(req.Status),
		Amount:    req.Amount.String(),
		TxHash:    req.TxHash(),
		Timestamp: time.Now().UTC(),
	}
	if req.Fee != nil && req.Fee.Sign() > 0 {
		ev.Fee = req.Fee.String()
	}
	if req.SettledAmount != nil {
		ev.Amount = req.SettledAmount.String()
	}
	if req.ErrorDetail != nil {
		ev.ErrorMessage = *req.ErrorDetail
	}
	return ev
}
