// internal/handler/settlement_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/domain"
	"settlement-service/internal/usecase"
	"settlement-service/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, in usecase.VerifyDepositInput) (*domain.SettlementRequest, error)
}

type WithdrawalService interface {
	RequestWithdrawal(ctx context.Context, in usecase.RequestWithdrawalInput) (*domain.SettlementRequest, error)
	Process(ctx context.Context, requestID string) (*domain.SettlementResult, error)
}

type ReviewService interface {
	ListOpen(ctx context.Context, limit int) ([]*domain.ReviewCase, error)
	Resolve(ctx context.Context, in usecase.ResolveReviewInput) (*domain.ReviewCase, error)
}

type LedgerReader interface {
	Get(ctx context.Context, id string) (*domain.SettlementRequest, error)
	Balances(ctx context.Context, userID string) ([]*domain.Balance, error)
}

// WithdrawalQueue hands accepted withdrawals to the processor pool
type WithdrawalQueue interface {
	Notify(requestID string)
}

type SettlementHandler struct {
	deposits    DepositVerifier
	withdrawals WithdrawalService
	reviews     ReviewService
	ledger      LedgerReader
	tokens      usecase.TokenLookup
	queue       WithdrawalQueue
	logger      *zap.Logger
}

func NewSettlementHandler(
	deposits DepositVerifier,
	withdrawals WithdrawalService,
	reviews ReviewService,
	ledger LedgerReader,
	tokens usecase.TokenLookup,
	queue WithdrawalQueue,
	logger *zap.Logger,
) *SettlementHandler {
	return &SettlementHandler{
		deposits:    deposits,
		withdrawals: withdrawals,
		reviews:     reviews,
		ledger:      ledger,
		tokens:      tokens,
		queue:       queue,
		logger:      logger,
	}
}

// ============================================================================
// Payloads
// ============================================================================

type verifyDepositRequest struct {
	UserID         string `json:"user_id"`
	ChainTxHash    string `json:"chain_tx_hash"`
	Token          string `json:"token"`
	ExpectedAmount string `json:"expected_amount"`
}

type withdrawalRequest struct {
	UserID  string `json:"user_id"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	Address string `json:"address"`
}

type resolveReviewRequest struct {
	Outcome    string `json:"outcome"`
	TxHash     string `json:"tx_hash"`
	Note       string `json:"note"`
	ResolvedBy string `json:"resolved_by"`
}

type settlementView struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Direction     string     `json:"direction"`
	Token         string     `json:"token"`
	Amount        string     `json:"amount"`
	Fee           string     `json:"fee"`
	SettledAmount string     `json:"settled_amount,omitempty"`
	Address       string     `json:"address,omitempty"`
	Status        string     `json:"status"`
	TxHash        string     `json:"tx_hash,omitempty"`
	Error         string     `json:"error,omitempty"`
	NeedsReview   bool       `json:"needs_review"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type resultView struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	TxHash    string `json:"tx_hash,omitempty"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
}

type balanceView struct {
	Token     string `json:"token"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
	Total     string `json:"total"`
}

type reviewView struct {
	ID         string     `json:"id"`
	RequestID  string     `json:"request_id"`
	UserID     string     `json:"user_id"`
	Reason     string     `json:"reason"`
	TxHash     *string    `json:"tx_hash,omitempty"`
	Status     string     `json:"status"`
	Outcome    *string    `json:"outcome,omitempty"`
	ResolvedBy *string    `json:"resolved_by,omitempty"`
	Note       *string    `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ============================================================================
// Deposits
// ============================================================================

func (h *SettlementHandler) VerifyDeposit(w http.ResponseWriter, r *http.Request) {
	var in verifyDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := h.deposits.VerifyDeposit(r.Context(), usecase.VerifyDepositInput{
		UserID:         in.UserID,
		TxHash:         in.ChainTxHash,
		Token:          in.Token,
		ExpectedAmount: in.ExpectedAmount,
	})
	if err != nil {
		h.logger.Info("Deposit not credited",
			zap.String("user_id", in.UserID),
			zap.String("tx_hash", in.ChainTxHash),
			zap.Error(err))
		ErrorFromDomain(w, err)
		return
	}

	JSON(w, http.StatusOK, h.settlementView(req))
}

// ============================================================================
// Withdrawals
// ============================================================================

// RequestWithdrawal reserves funds and queues the transfer. With ?sync=true
// the transfer runs inline and the response carries the tx hash.
func (h *SettlementHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := h.withdrawals.RequestWithdrawal(r.Context(), usecase.RequestWithdrawalInput{
		UserID:  in.UserID,
		Token:   in.Token,
		Amount:  in.Amount,
		Address: in.Address,
	})
	if err != nil {
		ErrorFromDomain(w, err)
		return
	}

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); !sync {
		if h.queue != nil {
			h.queue.Notify(req.ID)
		}
		JSON(w, http.StatusAccepted, h.settlementView(req))
		return
	}

	res, err := h.withdrawals.Process(r.Context(), req.ID)
	if err != nil && res != nil && (errors.Is(err, domain.ErrChainTimeout) || errors.Is(err, domain.ErrStorage)) {
		// outcome pending operator review, funds may have left custody
		h.logger.Warn("Withdrawal outcome unresolved",
			zap.String("request_id", req.ID),
			zap.Error(err))
		JSON(w, http.StatusAccepted, h.resultView(req.Token, res))
		return
	}
	if err != nil {
		ErrorFromDomain(w, err)
		return
	}
	JSON(w, http.StatusOK, h.resultView(req.Token, res))
}

// ============================================================================
// Queries
// ============================================================================

func (h *SettlementHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	req, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		ErrorFromDomain(w, err)
		return
	}
	JSON(w, http.StatusOK, h.settlementView(req))
}

func (h *SettlementHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.ledger.Balances(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.logger.Error("Failed to load balances", zap.Error(err))
		ErrorFromDomain(w, err)
		return
	}

	out := make([]balanceView, 0, len(balances))
	for _, b := range balances {
		decimals := h.decimals(b.Token)
		out = append(out, balanceView{
			Token:     b.Token,
			Available: utils.FormatAmount(b.Available, decimals),
			Reserved:  utils.FormatAmount(b.Reserved, decimals),
			Total:     utils.FormatAmount(b.Total(), decimals),
		})
	}
	JSON(w, http.StatusOK, out)
}

// ============================================================================
// Reviews
// ============================================================================

func (h *SettlementHandler) ListReviews(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cases, err := h.reviews.ListOpen(r.Context(), limit)
	if err != nil {
		ErrorFromDomain(w, err)
		return
	}

	out := make([]reviewView, 0, len(cases))
	for _, c := range cases {
		out = append(out, toReviewView(c))
	}
	JSON(w, http.StatusOK, out)
}

func (h *SettlementHandler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	var in resolveReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rc, err := h.reviews.Resolve(r.Context(), usecase.ResolveReviewInput{
		CaseID:     chi.URLParam(r, "id"),
		Outcome:    in.Outcome,
		TxHash:     in.TxHash,
		Note:       in.Note,
		ResolvedBy: in.ResolvedBy,
	})
	if err != nil {
		ErrorFromDomain(w, err)
		return
	}
	JSON(w, http.StatusOK, toReviewView(rc))
}

// ============================================================================
// Helpers
// ============================================================================

func (h *SettlementHandler) decimals(symbol string) int {
	token, err := h.tokens.Get(symbol)
	if err != nil {
		return 0
	}
	return token.Decimals
}

func (h *SettlementHandler) settlementView(req *domain.SettlementRequest) settlementView {
	decimals := h.decimals(req.Token)
	v := settlementView{
		ID:          req.ID,
		UserID:      req.UserID,
		Direction:   string(req.Direction),
		Token:       req.Token,
		Amount:      utils.FormatAmount(req.Amount, decimals),
		Fee:         utils.FormatAmount(req.Fee, decimals),
		Address:     req.Address,
		Status:      string(req.Status),
		TxHash:      req.TxHash(),
		NeedsReview: req.NeedsReview,
		CreatedAt:   req.CreatedAt,
		CompletedAt: req.CompletedAt,
	}
	if req.SettledAmount != nil {
		v.SettledAmount = utils.FormatAmount(req.SettledAmount, decimals)
	}
	if req.ErrorDetail != nil {
		v.Error = *req.ErrorDetail
	}
	return v
}

func (h *SettlementHandler) resultView(token string, res *domain.SettlementResult) resultView {
	decimals := h.decimals(token)
	return resultView{
		RequestID: res.RequestID,
		Status:    res.Status,
		TxHash:    res.TxHash,
		Amount:    utils.FormatAmount(res.Amount, decimals),
		Fee:       utils.FormatAmount(res.Fee, decimals),
	}
}

func toReviewView(c *domain.ReviewCase) reviewView {
	v := reviewView{
		ID:         c.ID,
		RequestID:  c.RequestID,
		UserID:     c.UserID,
		Reason:     c.Reason,
		TxHash:     c.TxHash,
		Status:     string(c.Status),
		ResolvedBy: c.ResolvedBy,
		Note:       c.Note,
		CreatedAt:  c.CreatedAt,
		ResolvedAt: c.ResolvedAt,
	}
	if c.Outcome != nil {
		outcome := string(*c.Outcome)
		v.Outcome = &outcome
	}
	return v
}
