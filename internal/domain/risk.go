package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel classification derived from the risk score
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// TrustLevel selects the per-user trade limits tier
type TrustLevel string

const (
	TrustLevelNew          TrustLevel = "new"
	TrustLevelBasic        TrustLevel = "basic"
	TrustLevelIntermediate TrustLevel = "intermediate"
	TrustLevelAdvanced     TrustLevel = "advanced"
	TrustLevelVerified     TrustLevel = "verified"
)

// RiskIndicators feed the rule table. Rates are percentages (0-100),
// AccountAgeDays may be fractional.
type RiskIndicators struct {
	CancelRate           float64
	DisputeRate          float64
	AvgTradeAmount       decimal.Decimal
	AccountAgeDays       float64
	CompletedTrades      int
	RecentCancellations  int // last 24h
	RecentDisputes       int // last 7d
	PaymentNameMismatch  bool
	RapidTrading         bool
	UnusualAmount        bool
	NewAccountLargeTrade bool
	MultipleAccounts     bool
}

// RiskProfile is the per-user rolling state maintained elsewhere in the product.
// Read-only here.
type RiskProfile struct {
	UserID           string
	TrustLevel       TrustLevel
	Indicators       RiskIndicators
	LastCancellation *time.Time
	LastDispute      *time.Time
	LastTrade        *time.Time
	UpdatedAt        time.Time
}

// RiskAssessment is the outcome of scoring a set of indicators
type RiskAssessment struct {
	Score           int       `json:"score"`
	Level           RiskLevel `json:"level"`
	Flags           []string  `json:"flags"`
	Recommendations []string  `json:"recommendations"`
	AutoBlock       bool      `json:"auto_block"`
	RequiresReview  bool      `json:"requires_review"`
}

// WithdrawalActivity is the user's recent withdrawal usage in whole token
// units, measured from the start of the UTC day and month.
type WithdrawalActivity struct {
	TodayCount  int
	TodayVolume decimal.Decimal
	MonthVolume decimal.Decimal
}

// LimitDecision is returned by the trade limits check
type LimitDecision struct {
	Allowed bool
	Reason  string
}

// CooldownStatus is returned by the cooldown check
type CooldownStatus struct {
	InCooldown  bool
	Reason      string
	RemainingMs int64
}
