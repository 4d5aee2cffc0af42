// internal/risk/engine.go
package risk

import (
	"fmt"
	"time"

	"settlement-service/internal/domain"

	"github.com/shopspring/decimal"
)

// Engine evaluates the rule table, trade limits and cooldowns. No I/O.
type Engine struct {
	rules     []Rule
	limits    map[domain.TrustLevel]TradeLimits
	cooldowns Cooldowns
	now       func() time.Time
}

type Option func(*Engine)

func WithRules(rules []Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

func WithLimits(limits map[domain.TrustLevel]TradeLimits) Option {
	return func(e *Engine) { e.limits = limits }
}

func WithCooldowns(c Cooldowns) Option {
	return func(e *Engine) { e.cooldowns = c }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules:     DefaultRules,
		limits:    DefaultLimits,
		cooldowns: DefaultCooldowns,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ScoreAndGate sums the weights of triggered rules (capped at 100) and derives
// the level. Any block rule or a critical score sets AutoBlock; review rules
// or a high score set RequiresReview.
func (e *Engine) ScoreAndGate(ind domain.RiskIndicators) *domain.RiskAssessment {
	result := &domain.RiskAssessment{
		Flags:           []string{},
		Recommendations: []string{},
	}

	for _, rule := range e.rules {
		if !rule.Check(ind) {
			continue
		}
		result.Score += rule.Weight
		result.Flags = append(result.Flags, rule.ID)

		switch rule.Action {
		case ActionBlock:
			result.AutoBlock = true
			result.Recommendations = append(result.Recommendations, "Block: "+rule.Description)
		case ActionReview:
			result.RequiresReview = true
			result.Recommendations = append(result.Recommendations, "Review: "+rule.Description)
		default:
			result.Recommendations = append(result.Recommendations, "Monitor: "+rule.Description)
		}
	}

	if result.Score > MaxScore {
		result.Score = MaxScore
	}

	switch {
	case result.Score >= ThresholdCritical:
		result.Level = domain.RiskLevelCritical
		result.AutoBlock = true
	case result.Score >= ThresholdHigh:
		result.Level = domain.RiskLevelHigh
		result.RequiresReview = true
	case result.Score >= ThresholdMedium:
		result.Level = domain.RiskLevelMedium
	default:
		result.Level = domain.RiskLevelLow
	}

	return result
}

// AnalyzeTrade derives the amount-dependent indicators for one request
func AnalyzeTrade(amount, avgAmount decimal.Decimal, accountAgeDays float64) (unusualAmount, newAccountLargeTrade bool) {
	unusualAmount = avgAmount.IsPositive() && amount.GreaterThan(avgAmount.Mul(decimal.NewFromInt(3)))
	newAccountLargeTrade = accountAgeDays < 7 && amount.GreaterThan(decimal.NewFromInt(1000))
	return unusualAmount, newAccountLargeTrade
}

// Evaluate runs the full gate for one request: score, cooldown, limits.
// The first denial wins.
func (e *Engine) Evaluate(profile *domain.RiskProfile, amount decimal.Decimal, activity domain.WithdrawalActivity) (*domain.RiskAssessment, error) {
	ind := profile.Indicators
	unusual, newLarge := AnalyzeTrade(amount, ind.AvgTradeAmount, ind.AccountAgeDays)
	ind.UnusualAmount = ind.UnusualAmount || unusual
	ind.NewAccountLargeTrade = ind.NewAccountLargeTrade || newLarge

	assessment := e.ScoreAndGate(ind)
	if assessment.AutoBlock {
		return assessment, &domain.RiskDeniedError{
			Kind:       domain.ErrRiskBlocked,
			Reason:     fmt.Sprintf("risk score %d (%s)", assessment.Score, assessment.Level),
			Assessment: assessment,
		}
	}

	if cd := e.CheckCooldown(profile.LastCancellation, profile.LastDispute, profile.LastTrade); cd.InCooldown {
		return assessment, &domain.RiskDeniedError{
			Kind:        domain.ErrCooldown,
			Reason:      cd.Reason,
			RemainingMs: cd.RemainingMs,
			Assessment:  assessment,
		}
	}

	if decision := e.CheckLimits(profile.TrustLevel, amount, activity); !decision.Allowed {
		return assessment, &domain.RiskDeniedError{
			Kind:       domain.ErrLimitExceeded,
			Reason:     decision.Reason,
			Assessment: assessment,
		}
	}

	return assessment, nil
}
