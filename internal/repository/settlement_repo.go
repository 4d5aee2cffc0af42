// internal/repository/settlement_repo.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"settlement-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const pgUniqueViolation = "23505"

// PostgresLedgerStore implements LedgerStore on Postgres. Balance rows are
// locked with SELECT ... FOR UPDATE, which serialises every mutation per
// (user, token).
type PostgresLedgerStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ LedgerStore = (*PostgresLedgerStore)(nil)

func NewPostgresLedgerStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		pool:   pool,
		logger: logger,
	}
}

const requestColumns = `
	id, user_id, direction, token, amount::text, fee::text, settled_amount::text,
	address, status, chain_tx_hash, error_detail, needs_review, attempts,
	created_at, updated_at, processed_at, completed_at`

// ============================================================================
// CREATE / CLAIM
// ============================================================================

func (r *PostgresLedgerStore) CreateRequest(ctx context.Context, req *domain.SettlementRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Fee == nil {
		req.Fee = big.NewInt(0)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Reserve first: a short balance must not leave a request behind
	if req.Direction == domain.DirectionWithdraw {
		bal, err := lockBalance(ctx, tx, req.UserID, req.Token)
		if err != nil {
			return err
		}
		if bal.Available.Cmp(req.Amount) < 0 {
			return fmt.Errorf("%w: available %s, requested %s", domain.ErrInsufficientFunds, bal.Available, req.Amount)
		}
		bal.Available.Sub(bal.Available, req.Amount)
		bal.Reserved.Add(bal.Reserved, req.Amount)
		if err := saveBalance(ctx, tx, bal); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO settlement_requests (
			id, user_id, direction, token, amount, fee, address, status, chain_tx_hash
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		req.ID,
		req.UserID,
		req.Direction,
		req.Token,
		req.Amount.String(),
		req.Fee.String(),
		req.Address,
		domain.SettlementStatusPending,
		req.ChainTxHash,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: tx %s", domain.ErrAlreadyProcessed, req.TxHash())
		}
		return fmt.Errorf("failed to create settlement request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settlement request: %w", err)
	}

	req.Status = domain.SettlementStatusPending
	return nil
}

func (r *PostgresLedgerStore) ClaimRequest(ctx context.Context, id string) (*domain.SettlementRequest, error) {
	query := `
		UPDATE settlement_requests
		SET status = 'processing', attempts = attempts + 1,
		    processed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + requestColumns

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, domain.ErrNotFound) {
		// Lost the race, or the request is not claimable
		current, getErr := r.GetRequest(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: status %s", domain.ErrClaimConflict, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim request: %w", err)
	}

	return req, nil
}

func (r *PostgresLedgerStore) ReleaseRequest(ctx context.Context, id, reason string) error {
	query := `
		UPDATE settlement_requests
		SET status = 'pending', error_detail = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to release request: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

func (r *PostgresLedgerStore) AttachTxHash(ctx context.Context, id, txHash string) error {
	query := `
		UPDATE settlement_requests
		SET chain_tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := r.pool.Exec(ctx, query, id, txHash)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: tx %s", domain.ErrAlreadyProcessed, txHash)
		}
		return fmt.Errorf("failed to attach tx hash: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// ============================================================================
// TERMINAL TRANSITIONS
// ============================================================================

func (r *PostgresLedgerStore) CompleteDeposit(ctx context.Context, id string, amount *big.Int, txHash string) (*domain.LedgerEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := lockProcessing(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if req.Direction != domain.DirectionDeposit {
		return nil, fmt.Errorf("%w: request %s is not a deposit", domain.ErrInvalidTransition, id)
	}

	bal, err := lockBalance(ctx, tx, req.UserID, req.Token)
	if err != nil {
		return nil, err
	}
	before := bal.Total()
	bal.Available.Add(bal.Available, amount)
	if err := saveBalance(ctx, tx, bal); err != nil {
		return nil, err
	}

	entry, err := insertEntry(ctx, tx, req, domain.EntryTypeDeposit, new(big.Int).Set(amount), before, bal.Total())
	if err != nil {
		return nil, err
	}

	if err := finishRequest(ctx, tx, id, domain.SettlementStatusCompleted, &txHash, amount, nil); err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, req, "deposit_completed", ActorSystem, map[string]interface{}{
		"amount":  amount.String(),
		"tx_hash": txHash,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: tx %s", domain.ErrAlreadyProcessed, txHash)
		}
		return nil, fmt.Errorf("failed to commit deposit: %w", err)
	}

	return entry, nil
}

func (r *PostgresLedgerStore) CompleteWithdraw(ctx context.Context, id, txHash string) (*domain.LedgerEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := lockProcessing(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	entry, err := completeWithdrawTx(ctx, tx, req, txHash, ActorSystem)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit withdrawal: %w", err)
	}

	return entry, nil
}

func (r *PostgresLedgerStore) FailRequest(ctx context.Context, id, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := lockProcessing(ctx, tx, id)
	if err != nil {
		return err
	}

	if err := failTx(ctx, tx, req, reason, ActorSystem); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit failure: %w", err)
	}

	return nil
}

// ============================================================================
// READ OPERATIONS
// ============================================================================

func (r *PostgresLedgerStore) GetRequest(ctx context.Context, id string) (*domain.SettlementRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM settlement_requests WHERE id = $1`
	return scanRequest(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresLedgerStore) GetRequestByTxHash(ctx context.Context, txHash string) (*domain.SettlementRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM settlement_requests
		WHERE chain_tx_hash = $1 AND status <> 'failed'`
	return scanRequest(r.pool.QueryRow(ctx, query, txHash))
}

func (r *PostgresLedgerStore) ListRequests(ctx context.Context, filter domain.SettlementFilter) ([]*domain.SettlementRequest, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Direction != "" {
		add("direction = $%d", filter.Direction)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.NeedsReview != nil {
		add("needs_review = $%d", *filter.NeedsReview)
	}
	if filter.OlderThan != nil {
		add("updated_at < $%d", *filter.OlderThan)
	}

	query := `SELECT ` + requestColumns + ` FROM settlement_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.SettlementRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *PostgresLedgerStore) GetBalance(ctx context.Context, userID, token string) (*domain.Balance, error) {
	query := `
		SELECT user_id, token, available::text, reserved::text, updated_at
		FROM balances WHERE user_id = $1 AND token = $2
	`
	bal, err := scanBalance(r.pool.QueryRow(ctx, query, userID, token))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewBalance(userID, token), nil
	}
	return bal, err
}

func (r *PostgresLedgerStore) ListBalances(ctx context.Context, userID string) ([]*domain.Balance, error) {
	query := `
		SELECT user_id, token, available::text, reserved::text, updated_at
		FROM balances WHERE user_id = $1 ORDER BY token
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var out []*domain.Balance
	for rows.Next() {
		bal, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, rows.Err()
}

func (r *PostgresLedgerStore) ListEntries(ctx context.Context, userID, token string) ([]*domain.LedgerEntry, error) {
	query := `
		SELECT id, user_id, token, entry_type, delta::text, balance_before::text,
		       balance_after::text, request_id, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND ($2 = '' OR token = $2)
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.LedgerEntry
	for rows.Next() {
		var (
			e                    domain.LedgerEntry
			delta, before, after string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Token, &e.Type, &delta, &before, &after, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Delta = parseBigInt(delta)
		e.BalanceBefore = parseBigInt(before)
		e.BalanceAfter = parseBigInt(after)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *PostgresLedgerStore) ListAudit(ctx context.Context, requestID string) ([]*domain.AuditRecord, error) {
	query := `
		SELECT id, request_id, user_id, action, actor, detail, created_at
		FROM settlement_audit_log WHERE request_id = $1 ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditRecord
	for rows.Next() {
		var (
			a      domain.AuditRecord
			detail []byte
		)
		if err := rows.Scan(&a.ID, &a.RequestID, &a.UserID, &a.Action, &a.Actor, &detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &a.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *PostgresLedgerStore) GetWithdrawalUsage(ctx context.Context, userID, token string, since time.Time) (*domain.WithdrawalUsage, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)::text
		FROM settlement_requests
		WHERE user_id = $1 AND token = $2 AND direction = 'withdraw'
		  AND status <> 'failed' AND created_at >= $3
	`
	var (
		count  int
		volume string
	)
	if err := r.pool.QueryRow(ctx, query, userID, token, since).Scan(&count, &volume); err != nil {
		return nil, fmt.Errorf("failed to get withdrawal usage: %w", err)
	}
	return &domain.WithdrawalUsage{Count: count, Volume: parseBigInt(volume)}, nil
}

// ============================================================================
// TRANSACTION HELPERS
// ============================================================================

func (r *PostgresLedgerStore) transitionError(ctx context.Context, id string) error {
	current, err := r.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyProcessed, id, current.Status)
	}
	return fmt.Errorf("%w: request %s is %s", domain.ErrInvalidTransition, id, current.Status)
}

func lockProcessing(ctx context.Context, tx pgx.Tx, id string) (*domain.SettlementRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM settlement_requests WHERE id = $1 FOR UPDATE`
	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if req.Status != domain.SettlementStatusProcessing {
		if req.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyProcessed, id, req.Status)
		}
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidTransition, id, req.Status)
	}
	return req, nil
}

func lockBalance(ctx context.Context, tx pgx.Tx, userID, token string) (*domain.Balance, error) {
	ensure := `
		INSERT INTO balances (user_id, token) VALUES ($1, $2)
		ON CONFLICT (user_id, token) DO NOTHING
	`
	if _, err := tx.Exec(ctx, ensure, userID, token); err != nil {
		return nil, fmt.Errorf("failed to ensure balance: %w", err)
	}

	query := `
		SELECT user_id, token, available::text, reserved::text, updated_at
		FROM balances WHERE user_id = $1 AND token = $2
		FOR UPDATE
	`
	return scanBalance(tx.QueryRow(ctx, query, userID, token))
}

func saveBalance(ctx context.Context, tx pgx.Tx, bal *domain.Balance) error {
	if bal.Available.Sign() < 0 || bal.Reserved.Sign() < 0 {
		return fmt.Errorf("%w: balance would go negative for %s/%s", domain.ErrInsufficientFunds, bal.UserID, bal.Token)
	}
	query := `
		UPDATE balances
		SET available = $3::numeric, reserved = $4::numeric, updated_at = NOW()
		WHERE user_id = $1 AND token = $2
	`
	if _, err := tx.Exec(ctx, query, bal.UserID, bal.Token, bal.Available.String(), bal.Reserved.String()); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, req *domain.SettlementRequest, typ domain.EntryType, delta, before, after *big.Int) (*domain.LedgerEntry, error) {
	entry := &domain.LedgerEntry{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Token:         req.Token,
		Type:          typ,
		Delta:         delta,
		BalanceBefore: before,
		BalanceAfter:  after,
		RequestID:     req.ID,
	}

	query := `
		INSERT INTO ledger_entries (
			id, user_id, token, entry_type, delta, balance_before, balance_after, request_id
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)
		RETURNING created_at
	`
	err := tx.QueryRow(ctx, query,
		entry.ID, entry.UserID, entry.Token, entry.Type,
		delta.String(), before.String(), after.String(), entry.RequestID,
	).Scan(&entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: ledger entry for request %s", domain.ErrAlreadyProcessed, req.ID)
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return entry, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, req *domain.SettlementRequest, action, actor string, detail map[string]interface{}) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	query := `
		INSERT INTO settlement_audit_log (id, request_id, user_id, action, actor, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, query, uuid.New().String(), req.ID, req.UserID, action, actor, detailJSON); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func finishRequest(ctx context.Context, tx pgx.Tx, id string, status domain.SettlementStatus, txHash *string, settled *big.Int, detail *string) error {
	var settledStr *string
	if settled != nil {
		s := settled.String()
		settledStr = &s
	}

	query := `
		UPDATE settlement_requests
		SET status = $2,
		    chain_tx_hash = COALESCE($3, chain_tx_hash),
		    settled_amount = $4::numeric,
		    error_detail = $5,
		    needs_review = FALSE,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, id, status, txHash, settledStr, detail); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: tx %s", domain.ErrAlreadyProcessed, deref(txHash))
		}
		return fmt.Errorf("failed to update request status: %w", err)
	}
	return nil
}

func completeWithdrawTx(ctx context.Context, tx pgx.Tx, req *domain.SettlementRequest, txHash, actor string) (*domain.LedgerEntry, error) {
	if req.Direction != domain.DirectionWithdraw {
		return nil, fmt.Errorf("%w: request %s is not a withdrawal", domain.ErrInvalidTransition, req.ID)
	}

	bal, err := lockBalance(ctx, tx, req.UserID, req.Token)
	if err != nil {
		return nil, err
	}
	if bal.Reserved.Cmp(req.Amount) < 0 {
		return nil, fmt.Errorf("reservation missing for request %s: reserved %s", req.ID, bal.Reserved)
	}
	before := bal.Total()
	bal.Reserved.Sub(bal.Reserved, req.Amount)
	if err := saveBalance(ctx, tx, bal); err != nil {
		return nil, err
	}

	entry, err := insertEntry(ctx, tx, req, domain.EntryTypeWithdraw, new(big.Int).Neg(req.Amount), before, bal.Total())
	if err != nil {
		return nil, err
	}

	if err := finishRequest(ctx, tx, req.ID, domain.SettlementStatusCompleted, &txHash, req.Amount, nil); err != nil {
		return nil, err
	}

	if err := insertAudit(ctx, tx, req, "withdraw_completed", actor, map[string]interface{}{
		"amount":  req.Amount.String(),
		"fee":     req.Fee.String(),
		"tx_hash": txHash,
	}); err != nil {
		return nil, err
	}

	return entry, nil
}

func failTx(ctx context.Context, tx pgx.Tx, req *domain.SettlementRequest, reason, actor string) error {
	if req.Direction == domain.DirectionWithdraw {
		bal, err := lockBalance(ctx, tx, req.UserID, req.Token)
		if err != nil {
			return err
		}
		if bal.Reserved.Cmp(req.Amount) < 0 {
			return fmt.Errorf("reservation missing for request %s: reserved %s", req.ID, bal.Reserved)
		}
		bal.Reserved.Sub(bal.Reserved, req.Amount)
		bal.Available.Add(bal.Available, req.Amount)
		if err := saveBalance(ctx, tx, bal); err != nil {
			return err
		}
	}

	if err := finishRequest(ctx, tx, req.ID, domain.SettlementStatusFailed, nil, nil, &reason); err != nil {
		return err
	}

	return insertAudit(ctx, tx, req, string(req.Direction)+"_failed", actor, map[string]interface{}{
		"reason":   reason,
		"refunded": req.Direction == domain.DirectionWithdraw,
	})
}

// ============================================================================
// SCANNERS
// ============================================================================

func scanRequest(row pgx.Row) (*domain.SettlementRequest, error) {
	var (
		req         domain.SettlementRequest
		amount, fee string
		settled     *string
	)

	err := row.Scan(
		&req.ID, &req.UserID, &req.Direction, &req.Token, &amount, &fee, &settled,
		&req.Address, &req.Status, &req.ChainTxHash, &req.ErrorDetail, &req.NeedsReview, &req.Attempts,
		&req.CreatedAt, &req.UpdatedAt, &req.ProcessedAt, &req.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan settlement request: %w", err)
	}

	req.Amount = parseBigInt(amount)
	req.Fee = parseBigInt(fee)
	if settled != nil {
		req.SettledAmount = parseBigInt(*settled)
	}
	return &req, nil
}

func scanBalance(row pgx.Row) (*domain.Balance, error) {
	var (
		bal                 domain.Balance
		available, reserved string
	)
	if err := row.Scan(&bal.UserID, &bal.Token, &available, &reserved, &bal.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan balance: %w", err)
	}
	bal.Available = parseBigInt(available)
	bal.Reserved = parseBigInt(reserved)
	return &bal, nil
}

func parseBigInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
