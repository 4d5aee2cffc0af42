package risk

import "settlement-service/internal/domain"

// Action taken when a rule triggers
type Action string

const (
	ActionFlag   Action = "flag"
	ActionReview Action = "review"
	ActionBlock  Action = "block"
)

// Rule is one row of the fraud table
type Rule struct {
	ID          string
	Name        string
	Description string
	Weight      int
	Action      Action
	Check       func(ind domain.RiskIndicators) bool
}

// Score thresholds
const (
	ThresholdMedium   = 50
	ThresholdHigh     = 80
	ThresholdCritical = 95
	MaxScore          = 100
)

// DefaultRules is the production rule table. Keep it as data.
var DefaultRules = []Rule{
	{
		ID:          "high_cancel_rate",
		Name:        "High Cancellation Rate",
		Description: "User has cancelled more than 30% of their trades",
		Weight:      25,
		Action:      ActionReview,
		Check:       func(ind domain.RiskIndicators) bool { return ind.CancelRate > 30 },
	},
	{
		ID:          "frequent_disputes",
		Name:        "Frequent Disputes",
		Description: "User has dispute rate higher than 20%",
		Weight:      30,
		Action:      ActionReview,
		Check:       func(ind domain.RiskIndicators) bool { return ind.DisputeRate > 20 },
	},
	{
		ID:          "recent_cancellations",
		Name:        "Multiple Recent Cancellations",
		Description: "More than 3 cancellations in the last 24 hours",
		Weight:      35,
		Action:      ActionBlock,
		Check:       func(ind domain.RiskIndicators) bool { return ind.RecentCancellations > 3 },
	},
	{
		ID:          "new_account_large_trade",
		Name:        "New Account Large Trade",
		Description: "Account less than 7 days old attempting trade over 1000",
		Weight:      40,
		Action:      ActionReview,
		Check:       func(ind domain.RiskIndicators) bool { return ind.NewAccountLargeTrade },
	},
	{
		ID:          "payment_name_mismatch",
		Name:        "Payment Name Mismatch",
		Description: "Payment account name does not match user profile",
		Weight:      20,
		Action:      ActionFlag,
		Check:       func(ind domain.RiskIndicators) bool { return ind.PaymentNameMismatch },
	},
	{
		ID:          "rapid_trading",
		Name:        "Rapid Trading Pattern",
		Description: "Unusually high number of trades in a short period",
		Weight:      25,
		Action:      ActionReview,
		Check:       func(ind domain.RiskIndicators) bool { return ind.RapidTrading },
	},
	{
		ID:          "unusual_amount",
		Name:        "Unusual Trade Amount",
		Description: "Trade amount significantly higher than user average",
		Weight:      15,
		Action:      ActionFlag,
		Check:       func(ind domain.RiskIndicators) bool { return ind.UnusualAmount },
	},
	{
		ID:          "no_trading_history",
		Name:        "No Trading History",
		Description: "User has no completed trades",
		Weight:      10,
		Action:      ActionFlag,
		Check:       func(ind domain.RiskIndicators) bool { return ind.CompletedTrades == 0 },
	},
	{
		ID:          "suspected_multi_account",
		Name:        "Suspected Multiple Accounts",
		Description: "Pattern suggests user has multiple accounts",
		Weight:      50,
		Action:      ActionBlock,
		Check:       func(ind domain.RiskIndicators) bool { return ind.MultipleAccounts },
	},
	{
		ID:          "very_new_account",
		Name:        "Very New Account",
		Description: "Account created less than 24 hours ago",
		Weight:      15,
		Action:      ActionFlag,
		Check:       func(ind domain.RiskIndicators) bool { return ind.AccountAgeDays < 1 },
	},
}
