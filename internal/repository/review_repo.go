// internal/repository/review_repo.go
package repository

import (
	"context"
	"errors"
	"fmt"

	"settlement-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const reviewColumns = `
	id, request_id, user_id, reason, tx_hash, status, outcome,
	resolved_by, note, created_at, resolved_at`

// ============================================================================
// REVIEW CASES (manual reconciliation)
// ============================================================================

// OpenReview flags the request and opens a case in one transaction. An open
// case for the same request is returned as is.
func (r *PostgresLedgerStore) OpenReview(ctx context.Context, id, reason string) (*domain.ReviewCase, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := lockProcessing(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	existing, err := scanReview(tx.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM review_cases WHERE request_id = $1 AND status = 'open'`, id))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	flag := `
		UPDATE settlement_requests
		SET needs_review = TRUE, error_detail = $2, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, flag, id, reason); err != nil {
		return nil, fmt.Errorf("failed to flag request for review: %w", err)
	}

	query := `
		INSERT INTO review_cases (id, request_id, user_id, reason, tx_hash, status)
		VALUES ($1, $2, $3, $4, $5, 'open')
		RETURNING ` + reviewColumns

	c, err := scanReview(tx.QueryRow(ctx, query, uuid.New().String(), id, req.UserID, reason, req.ChainTxHash))
	if err != nil {
		return nil, fmt.Errorf("failed to open review case: %w", err)
	}

	if err := insertAudit(ctx, tx, req, "review_opened", ActorSystem, map[string]interface{}{"reason": reason}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit review case: %w", err)
	}

	r.logger.Warn("Review case opened",
		zap.String("case_id", c.ID),
		zap.String("request_id", id),
		zap.String("reason", reason))

	return c, nil
}

// ResolveReview applies the operator's verdict to the request and closes the case
func (r *PostgresLedgerStore) ResolveReview(ctx context.Context, caseID string, res ReviewResolution) (*domain.ReviewCase, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := scanReview(tx.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM review_cases WHERE id = $1 FOR UPDATE`, caseID))
	if err != nil {
		return nil, err
	}
	if c.Status != domain.ReviewStatusOpen {
		return nil, fmt.Errorf("%w: review %s already resolved", domain.ErrInvalidTransition, caseID)
	}

	req, err := lockProcessing(ctx, tx, c.RequestID)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case domain.ReviewOutcomeCompleted:
		txHash := res.TxHash
		if txHash == "" {
			txHash = req.TxHash()
		}
		if txHash == "" {
			return nil, fmt.Errorf("%w: tx hash required to complete", domain.ErrInvalidInput)
		}
		if _, err := completeWithdrawTx(ctx, tx, req, txHash, res.ResolvedBy); err != nil {
			return nil, err
		}
	case domain.ReviewOutcomeFailed:
		if err := failTx(ctx, tx, req, "review: "+res.Note, res.ResolvedBy); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidInput, res.Outcome)
	}

	query := `
		UPDATE review_cases
		SET status = 'resolved', outcome = $2, resolved_by = $3, note = $4, resolved_at = NOW()
		WHERE id = $1
		RETURNING ` + reviewColumns

	resolved, err := scanReview(tx.QueryRow(ctx, query, caseID, res.Outcome, res.ResolvedBy, res.Note))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve review case: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit review resolution: %w", err)
	}

	return resolved, nil
}

func (r *PostgresLedgerStore) GetReview(ctx context.Context, caseID string) (*domain.ReviewCase, error) {
	return scanReview(r.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM review_cases WHERE id = $1`, caseID))
}

func (r *PostgresLedgerStore) ListReviews(ctx context.Context, status domain.ReviewStatus, limit int) ([]*domain.ReviewCase, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + reviewColumns + `
		FROM review_cases
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review cases: %w", err)
	}
	defer rows.Close()

	var out []*domain.ReviewCase
	for rows.Next() {
		c, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanReview(row pgx.Row) (*domain.ReviewCase, error) {
	var (
		c       domain.ReviewCase
		outcome *string
	)
	err := row.Scan(
		&c.ID, &c.RequestID, &c.UserID, &c.Reason, &c.TxHash, &c.Status, &outcome,
		&c.ResolvedBy, &c.Note, &c.CreatedAt, &c.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan review case: %w", err)
	}
	if outcome != nil {
		o := domain.ReviewOutcome(*outcome)
		c.Outcome = &o
	}
	return &c, nil
}
