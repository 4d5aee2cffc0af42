// Package memory is an in-memory LedgerStore. A single mutex makes every
// method atomic, which mirrors the transactional guarantees of the Postgres store.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"settlement-service/internal/domain"
	"settlement-service/internal/repository"

	"github.com/google/uuid"
)

var _ repository.LedgerStore = (*Store)(nil)

type Store struct {
	mu       sync.Mutex
	requests map[string]*domain.SettlementRequest
	balances map[string]*domain.Balance // key user|token
	entries  []*domain.LedgerEntry
	audit    []*domain.AuditRecord
	reviews  map[string]*domain.ReviewCase
	profiles map[string]*domain.RiskProfile
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		requests: make(map[string]*domain.SettlementRequest),
		balances: make(map[string]*domain.Balance),
		reviews:  make(map[string]*domain.ReviewCase),
		profiles: make(map[string]*domain.RiskProfile),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func balanceKey(userID, token string) string {
	return userID + "|" + token
}

// ============================================================================
// Requests
// ============================================================================

func (s *Store) CreateRequest(ctx context.Context, req *domain.SettlementRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("%w: request %s exists", domain.ErrAlreadyProcessed, req.ID)
	}
	if req.ChainTxHash != nil && s.activeByHash(*req.ChainTxHash) != nil {
		return fmt.Errorf("%w: tx %s", domain.ErrAlreadyProcessed, *req.ChainTxHash)
	}

	if req.Direction == domain.DirectionWithdraw {
		bal := s.balance(req.UserID, req.Token)
		if bal.Available.Cmp(req.Amount) < 0 {
			return fmt.Errorf("%w: available %s, requested %s", domain.ErrInsufficientFunds, bal.Available, req.Amount)
		}
		bal.Available.Sub(bal.Available, req.Amount)
		bal.Reserved.Add(bal.Reserved, req.Amount)
		bal.UpdatedAt = s.now()
	}

	now := s.now()
	req.Status = domain.SettlementStatusPending
	req.CreatedAt = now
	req.UpdatedAt = now
	if req.Fee == nil {
		req.Fee = big.NewInt(0)
	}
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (s *Store) ClaimRequest(ctx context.Context, id string) (*domain.SettlementRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if req.Status != domain.SettlementStatusPending {
		return nil, fmt.Errorf("%w: status %s", domain.ErrClaimConflict, req.Status)
	}

	now := s.now()
	req.Status = domain.SettlementStatusProcessing
	req.Attempts++
	req.ProcessedAt = &now
	req.UpdatedAt = now
	return cloneRequest(req), nil
}

func (s *Store) ReleaseRequest(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.processing(id)
	if err != nil {
		return err
	}
	req.Status = domain.SettlementStatusPending
	req.ErrorDetail = &reason
	req.UpdatedAt = s.now()
	return nil
}

func (s *Store) AttachTxHash(ctx context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.processing(id)
	if err != nil {
		return err
	}
	if other := s.activeByHash(txHash); other != nil && other.ID != id {
		return fmt.Errorf("%w: tx %s", domain.ErrAlreadyProcessed, txHash)
	}
	req.ChainTxHash = &txHash
	req.UpdatedAt = s.now()
	return nil
}

func (s *Store) CompleteDeposit(ctx context.Context, id string, amount *big.Int, txHash string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.processing(id)
	if err != nil {
		return nil, err
	}
	if req.Direction != domain.DirectionDeposit {
		return nil, fmt.Errorf("%w: request %s is not a deposit", domain.ErrInvalidTransition, id)
	}
	if other := s.activeByHash(txHash); other != nil && other.ID != id {
		return nil, fmt.Errorf("%w: tx %s", domain.ErrAlreadyProcessed, txHash)
	}

	bal := s.balance(req.UserID, req.Token)
	before := bal.Total()
	bal.Available.Add(bal.Available, amount)
	bal.UpdatedAt = s.now()

	entry := s.appendEntry(req, domain.EntryTypeDeposit, new(big.Int).Set(amount), before, bal.Total())

	s.finish(req, domain.SettlementStatusCompleted, nil)
	req.ChainTxHash = &txHash
	req.SettledAmount = new(big.Int).Set(amount)
	s.appendAudit(req, "deposit_completed", repository.ActorSystem, map[string]interface{}{
		"amount":  amount.String(),
		"tx_hash": txHash,
	})
	return cloneEntry(entry), nil
}

func (s *Store) CompleteWithdraw(ctx context.Context, id, txHash string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.processing(id)
	if err != nil {
		return nil, err
	}
	entry, err := s.completeWithdraw(req, txHash, repository.ActorSystem)
	if err != nil {
		return nil, err
	}
	return cloneEntry(entry), nil
}

func (s *Store) FailRequest(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.processing(id)
	if err != nil {
		return err
	}
	return s.fail(req, reason, repository.ActorSystem)
}

// ============================================================================
// Reviews
// ============================================================================

func (s *Store) OpenReview(ctx context.Context, id, reason string) (*domain.ReviewCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.processing(id)
	if err != nil {
		return nil, err
	}
	for _, c := range s.reviews {
		if c.RequestID == id && c.Status == domain.ReviewStatusOpen {
			return cloneReview(c), nil
		}
	}

	req.NeedsReview = true
	req.ErrorDetail = &reason
	req.UpdatedAt = s.now()

	c := &domain.ReviewCase{
		ID:        uuid.New().String(),
		RequestID: id,
		UserID:    req.UserID,
		Reason:    reason,
		TxHash:    req.ChainTxHash,
		Status:    domain.ReviewStatusOpen,
		CreatedAt: s.now(),
	}
	s.reviews[c.ID] = c
	s.appendAudit(req, "review_opened", repository.ActorSystem, map[string]interface{}{"reason": reason})
	return cloneReview(c), nil
}

func (s *Store) ResolveReview(ctx context.Context, caseID string, res repository.ReviewResolution) (*domain.ReviewCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.reviews[caseID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if c.Status != domain.ReviewStatusOpen {
		return nil, fmt.Errorf("%w: review %s already resolved", domain.ErrInvalidTransition, caseID)
	}
	req, err := s.processing(c.RequestID)
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
		if _, err := s.completeWithdraw(req, txHash, res.ResolvedBy); err != nil {
			return nil, err
		}
	case domain.ReviewOutcomeFailed:
		if err := s.fail(req, "review: "+res.Note, res.ResolvedBy); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidInput, res.Outcome)
	}

	now := s.now()
	outcome := res.Outcome
	c.Status = domain.ReviewStatusResolved
	c.Outcome = &outcome
	c.ResolvedBy = &res.ResolvedBy
	c.Note = &res.Note
	c.ResolvedAt = &now
	req.NeedsReview = false
	return cloneReview(c), nil
}

func (s *Store) GetReview(ctx context.Context, caseID string) (*domain.ReviewCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.reviews[caseID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneReview(c), nil
}

func (s *Store) ListReviews(ctx context.Context, status domain.ReviewStatus, limit int) ([]*domain.ReviewCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.ReviewCase
	for _, c := range s.reviews {
		if status == "" || c.Status == status {
			out = append(out, cloneReview(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ============================================================================
// Reads
// ============================================================================

func (s *Store) GetRequest(ctx context.Context, id string) (*domain.SettlementRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *Store) GetRequestByTxHash(ctx context.Context, txHash string) (*domain.SettlementRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := s.activeByHash(txHash)
	if req == nil {
		return nil, domain.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *Store) ListRequests(ctx context.Context, filter domain.SettlementFilter) ([]*domain.SettlementRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.SettlementRequest
	for _, req := range s.requests {
		if filter.UserID != "" && req.UserID != filter.UserID {
			continue
		}
		if filter.Direction != "" && req.Direction != filter.Direction {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.NeedsReview != nil && req.NeedsReview != *filter.NeedsReview {
			continue
		}
		if filter.OlderThan != nil && !req.UpdatedAt.Before(*filter.OlderThan) {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetBalance(ctx context.Context, userID, token string) (*domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[balanceKey(userID, token)]
	if !ok {
		return domain.NewBalance(userID, token), nil
	}
	return bal.Clone(), nil
}

func (s *Store) ListBalances(ctx context.Context, userID string) ([]*domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Balance
	for _, bal := range s.balances {
		if bal.UserID == userID {
			out = append(out, bal.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *Store) ListEntries(ctx context.Context, userID, token string) ([]*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID && (token == "" || e.Token == token) {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *Store) ListAudit(ctx context.Context, requestID string) ([]*domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.AuditRecord
	for _, a := range s.audit {
		if a.RequestID == requestID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GetWithdrawalUsage(ctx context.Context, userID, token string, since time.Time) (*domain.WithdrawalUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := &domain.WithdrawalUsage{Volume: big.NewInt(0)}
	for _, req := range s.requests {
		if req.UserID != userID || req.Direction != domain.DirectionWithdraw || req.Token != token {
			continue
		}
		if req.Status == domain.SettlementStatusFailed || req.CreatedAt.Before(since) {
			continue
		}
		usage.Count++
		usage.Volume.Add(usage.Volume, req.Amount)
	}
	return usage, nil
}

// ============================================================================
// Risk profiles
// ============================================================================

// GetProfile implements risk.ProfileReader
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.RiskProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PutProfile seeds a risk profile
func (s *Store) PutProfile(p *domain.RiskProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.profiles[p.UserID] = &cp
}

// Credit seeds an available balance with a matching deposit entry, keeping
// the ledger sum equal to the balance.
func (s *Store) Credit(userID, token string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := &domain.SettlementRequest{
		ID:        uuid.New().String(),
		UserID:    userID,
		Direction: domain.DirectionDeposit,
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		Fee:       big.NewInt(0),
		CreatedAt: s.now(),
	}
	bal := s.balance(userID, token)
	before := bal.Total()
	bal.Available.Add(bal.Available, amount)
	s.appendEntry(req, domain.EntryTypeDeposit, new(big.Int).Set(amount), before, bal.Total())
	s.finish(req, domain.SettlementStatusCompleted, nil)
	req.SettledAmount = new(big.Int).Set(amount)
	s.requests[req.ID] = req
}

// ============================================================================
// Helpers (caller holds mu)
// ============================================================================

func (s *Store) processing(id string) (*domain.SettlementRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if req.Status != domain.SettlementStatusProcessing {
		if req.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyProcessed, id, req.Status)
		}
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidTransition, id, req.Status)
	}
	return req, nil
}

func (s *Store) activeByHash(txHash string) *domain.SettlementRequest {
	for _, req := range s.requests {
		if req.ChainTxHash != nil && *req.ChainTxHash == txHash && req.Status != domain.SettlementStatusFailed {
			return req
		}
	}
	return nil
}

func (s *Store) balance(userID, token string) *domain.Balance {
	key := balanceKey(userID, token)
	bal, ok := s.balances[key]
	if !ok {
		bal = domain.NewBalance(userID, token)
		s.balances[key] = bal
	}
	return bal
}

func (s *Store) completeWithdraw(req *domain.SettlementRequest, txHash, actor string) (*domain.LedgerEntry, error) {
	if req.Direction != domain.DirectionWithdraw {
		return nil, fmt.Errorf("%w: request %s is not a withdrawal", domain.ErrInvalidTransition, req.ID)
	}
	if other := s.activeByHash(txHash); other != nil && other.ID != req.ID {
		return nil, fmt.Errorf("%w: tx %s", domain.ErrAlreadyProcessed, txHash)
	}

	bal := s.balance(req.UserID, req.Token)
	if bal.Reserved.Cmp(req.Amount) < 0 {
		return nil, fmt.Errorf("reservation missing for request %s: reserved %s", req.ID, bal.Reserved)
	}
	before := bal.Total()
	bal.Reserved.Sub(bal.Reserved, req.Amount)
	bal.UpdatedAt = s.now()

	entry := s.appendEntry(req, domain.EntryTypeWithdraw, new(big.Int).Neg(req.Amount), before, bal.Total())

	s.finish(req, domain.SettlementStatusCompleted, nil)
	req.ChainTxHash = &txHash
	req.SettledAmount = new(big.Int).Set(req.Amount)
	s.appendAudit(req, "withdraw_completed", actor, map[string]interface{}{
		"amount":  req.Amount.String(),
		"fee":     req.Fee.String(),
		"tx_hash": txHash,
	})
	return entry, nil
}

func (s *Store) fail(req *domain.SettlementRequest, reason, actor string) error {
	if req.Direction == domain.DirectionWithdraw {
		bal := s.balance(req.UserID, req.Token)
		if bal.Reserved.Cmp(req.Amount) < 0 {
			return fmt.Errorf("reservation missing for request %s: reserved %s", req.ID, bal.Reserved)
		}
		bal.Reserved.Sub(bal.Reserved, req.Amount)
		bal.Available.Add(bal.Available, req.Amount)
		bal.UpdatedAt = s.now()
	}
	s.finish(req, domain.SettlementStatusFailed, &reason)
	req.NeedsReview = false
	s.appendAudit(req, string(req.Direction)+"_failed", actor, map[string]interface{}{
		"reason":   reason,
		"refunded": req.Direction == domain.DirectionWithdraw,
	})
	return nil
}

func (s *Store) finish(req *domain.SettlementRequest, status domain.SettlementStatus, detail *string) {
	now := s.now()
	req.Status = status
	req.ErrorDetail = detail
	req.UpdatedAt = now
	req.CompletedAt = &now
}

func (s *Store) appendEntry(req *domain.SettlementRequest, typ domain.EntryType, delta, before, after *big.Int) *domain.LedgerEntry {
	entry := &domain.LedgerEntry{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Token:         req.Token,
		Type:          typ,
		Delta:         delta,
		BalanceBefore: before,
		BalanceAfter:  after,
		RequestID:     req.ID,
		CreatedAt:     s.now(),
	}
	s.entries = append(s.entries, entry)
	return entry
}

func (s *Store) appendAudit(req *domain.SettlementRequest, action, actor string, detail map[string]interface{}) {
	s.audit = append(s.audit, &domain.AuditRecord{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		UserID:    req.UserID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: s.now(),
	})
}

func cloneRequest(r *domain.SettlementRequest) *domain.SettlementRequest {
	cp := *r
	cp.Amount = copyInt(r.Amount)
	cp.Fee = copyInt(r.Fee)
	cp.SettledAmount = copyInt(r.SettledAmount)
	return &cp
}

func cloneEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	cp := *e
	cp.Delta = copyInt(e.Delta)
	cp.BalanceBefore = copyInt(e.BalanceBefore)
	cp.BalanceAfter = copyInt(e.BalanceAfter)
	return &cp
}

func cloneReview(c *domain.ReviewCase) *domain.ReviewCase {
	cp := *c
	return &cp
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
