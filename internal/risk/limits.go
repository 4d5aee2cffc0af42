package risk

import (
	"fmt"
	"time"

	"settlement-service/internal/domain"

	"github.com/shopspring/decimal"
)

// TradeLimits for one trust tier. Amounts are in whole token units.
type TradeLimits struct {
	MaxTradeAmount   decimal.Decimal
	MaxDailyTrades   int
	MaxDailyVolume   decimal.Decimal
	MaxMonthlyVolume decimal.Decimal
}

var DefaultLimits = map[domain.TrustLevel]TradeLimits{
	domain.TrustLevelNew: {
		MaxTradeAmount:   decimal.NewFromInt(100),
		MaxDailyTrades:   3,
		MaxDailyVolume:   decimal.NewFromInt(200),
		MaxMonthlyVolume: decimal.NewFromInt(2000),
	},
	domain.TrustLevelBasic: {
		MaxTradeAmount:   decimal.NewFromInt(500),
		MaxDailyTrades:   5,
		MaxDailyVolume:   decimal.NewFromInt(1000),
		MaxMonthlyVolume: decimal.NewFromInt(10000),
	},
	domain.TrustLevelIntermediate: {
		MaxTradeAmount:   decimal.NewFromInt(2000),
		MaxDailyTrades:   10,
		MaxDailyVolume:   decimal.NewFromInt(5000),
		MaxMonthlyVolume: decimal.NewFromInt(50000),
	},
	domain.TrustLevelAdvanced: {
		MaxTradeAmount:   decimal.NewFromInt(10000),
		MaxDailyTrades:   20,
		MaxDailyVolume:   decimal.NewFromInt(25000),
		MaxMonthlyVolume: decimal.NewFromInt(250000),
	},
	domain.TrustLevelVerified: {
		MaxTradeAmount:   decimal.NewFromInt(50000),
		MaxDailyTrades:   50,
		MaxDailyVolume:   decimal.NewFromInt(100000),
		MaxMonthlyVolume: decimal.NewFromInt(1000000),
	},
}

// Cooldowns after punitive events
type Cooldowns struct {
	AfterCancellation time.Duration
	AfterDispute      time.Duration
	AfterBlock        time.Duration
	BetweenTrades     time.Duration
}

var DefaultCooldowns = Cooldowns{
	AfterCancellation: 5 * time.Minute,
	AfterDispute:      24 * time.Hour,
	AfterBlock:        7 * 24 * time.Hour,
	BetweenTrades:     time.Minute,
}

// CheckLimits enforces the per-tier caps. Checks run in order: single amount,
// daily count, daily volume, monthly volume. Unknown tiers fall back to the
// "new" tier.
func (e *Engine) CheckLimits(level domain.TrustLevel, amount decimal.Decimal, activity domain.WithdrawalActivity) domain.LimitDecision {
	limits, ok := e.limits[level]
	if !ok {
		limits = e.limits[domain.TrustLevelNew]
	}

	if amount.GreaterThan(limits.MaxTradeAmount) {
		return domain.LimitDecision{
			Reason: fmt.Sprintf("amount %s exceeds your limit of %s per request", amount.String(), limits.MaxTradeAmount.String()),
		}
	}

	if activity.TodayCount >= limits.MaxDailyTrades {
		return domain.LimitDecision{
			Reason: fmt.Sprintf("daily limit of %d requests reached", limits.MaxDailyTrades),
		}
	}

	if activity.TodayVolume.Add(amount).GreaterThan(limits.MaxDailyVolume) {
		return domain.LimitDecision{
			Reason: fmt.Sprintf("request would exceed your daily volume limit of %s", limits.MaxDailyVolume.String()),
		}
	}

	if !limits.MaxMonthlyVolume.IsZero() {
		remaining := limits.MaxMonthlyVolume.Sub(activity.MonthVolume)
		if amount.GreaterThan(remaining) {
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			return domain.LimitDecision{
				Reason: fmt.Sprintf("request would exceed your monthly volume limit of %s (%s remaining)",
					limits.MaxMonthlyVolume.String(), remaining.String()),
			}
		}
	}

	return domain.LimitDecision{Allowed: true}
}

// CheckCooldown reports whether the user is inside a cooldown window.
// Cancellation is checked first, then dispute, then the gap between trades.
func (e *Engine) CheckCooldown(lastCancellation, lastDispute, lastTrade *time.Time) domain.CooldownStatus {
	now := e.now()

	windows := []struct {
		at     *time.Time
		window time.Duration
		reason string
	}{
		{lastCancellation, e.cooldowns.AfterCancellation, "please wait before creating a new request after cancellation"},
		{lastDispute, e.cooldowns.AfterDispute, "requests restricted due to recent dispute"},
		{lastTrade, e.cooldowns.BetweenTrades, "please wait a moment before another request"},
	}

	for _, w := range windows {
		if w.at == nil {
			continue
		}
		since := now.Sub(*w.at)
		if since < w.window {
			return domain.CooldownStatus{
				InCooldown:  true,
				Reason:      w.reason,
				RemainingMs: (w.window - since).Milliseconds(),
			}
		}
	}

	return domain.CooldownStatus{}
}
