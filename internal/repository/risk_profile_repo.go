package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// RiskProfileRepository reads the per-user risk counters
type RiskProfileRepository struct {
	pool *pgxpool.Pool
}

func NewRiskProfileRepository(pool *pgxpool.Pool) *RiskProfileRepository {
	return &RiskProfileRepository{pool: pool}
}

// GetProfile implements risk.ProfileReader
func (r *RiskProfileRepository) GetProfile(ctx context.Context, userID string) (*domain.RiskProfile, error) {
	query := `
		SELECT user_id, trust_level, cancel_rate, dispute_rate, avg_trade_amount::text,
		       account_created_at, completed_trades, recent_cancellations, recent_disputes,
		       payment_name_mismatch, rapid_trading, multiple_accounts,
		       last_cancellation_at, last_dispute_at, last_trade_at, updated_at
		FROM risk_profiles
		WHERE user_id = $1
	`

	var (
		p          domain.RiskProfile
		avg        string
		createdAt  time.Time
		trustLevel string
	)

	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&trustLevel,
		&p.Indicators.CancelRate,
		&p.Indicators.DisputeRate,
		&avg,
		&createdAt,
		&p.Indicators.CompletedTrades,
		&p.Indicators.RecentCancellations,
		&p.Indicators.RecentDisputes,
		&p.Indicators.PaymentNameMismatch,
		&p.Indicators.RapidTrading,
		&p.Indicators.MultipleAccounts,
		&p.LastCancellation,
		&p.LastDispute,
		&p.LastTrade,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get risk profile: %w", err)
	}

	p.TrustLevel = domain.TrustLevel(trustLevel)
	p.Indicators.AccountAgeDays = time.Since(createdAt).Hours() / 24
	p.Indicators.AvgTradeAmount, err = decimal.NewFromString(avg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse average trade amount: %w", err)
	}

	return &p, nil
}
