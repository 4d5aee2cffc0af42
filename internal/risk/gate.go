// internal/risk/gate.go
package risk

import (
	"context"
	"errors"
	"fmt"

	"settlement-service/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProfileReader loads the rolling risk profile maintained outside this service
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*domain.RiskProfile, error)
}

// Gate loads a user's profile and applies the engine. It must pass before
// the ledger reserves anything.
type Gate struct {
	engine   *Engine
	profiles ProfileReader
	logger   *zap.Logger
}

func NewGate(engine *Engine, profiles ProfileReader, logger *zap.Logger) *Gate {
	return &Gate{
		engine:   engine,
		profiles: profiles,
		logger:   logger,
	}
}

// CheckWithdrawal runs score, cooldown and limit checks for an outbound request.
// amount and activity volumes are whole token units.
func (g *Gate) CheckWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, activity domain.WithdrawalActivity) (*domain.RiskAssessment, error) {
	profile, err := g.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	assessment, err := g.engine.Evaluate(profile, amount, activity)
	g.log(userID, "withdraw", assessment, err)
	return assessment, err
}

// CheckDeposit only enforces auto-block. Deposits bring funds in and are not
// limited or cooled down.
func (g *Gate) CheckDeposit(ctx context.Context, userID string) (*domain.RiskAssessment, error) {
	profile, err := g.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	assessment := g.engine.ScoreAndGate(profile.Indicators)
	var denied error
	if assessment.AutoBlock {
		denied = &domain.RiskDeniedError{
			Kind:       domain.ErrRiskBlocked,
			Reason:     fmt.Sprintf("risk score %d (%s)", assessment.Score, assessment.Level),
			Assessment: assessment,
		}
	}
	g.log(userID, "deposit", assessment, denied)
	return assessment, denied
}

func (g *Gate) loadProfile(ctx context.Context, userID string) (*domain.RiskProfile, error) {
	profile, err := g.profiles.GetProfile(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		// No activity recorded yet: lowest tier, no history.
		return &domain.RiskProfile{
			UserID:     userID,
			TrustLevel: domain.TrustLevelNew,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}
	return profile, nil
}

func (g *Gate) log(userID, direction string, a *domain.RiskAssessment, denied error) {
	if a == nil {
		return
	}
	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("direction", direction),
		zap.Int("risk_score", a.Score),
		zap.String("risk_level", string(a.Level)),
		zap.Strings("flags", a.Flags),
		zap.Bool("requires_review", a.RequiresReview),
	}
	if denied != nil {
		g.logger.Warn("Risk gate denied request", append(fields, zap.Error(denied))...)
		return
	}
	g.logger.Info("Risk assessment completed", fields...)
}
