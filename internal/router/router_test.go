package router

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"settlement-service/internal/chains"
	"settlement-service/internal/domain"
	"settlement-service/internal/handler"
	"settlement-service/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubDeposits struct {
	req *domain.SettlementRequest
	err error
}

func (s *stubDeposits) VerifyDeposit(ctx context.Context, in usecase.VerifyDepositInput) (*domain.SettlementRequest, error) {
	return s.req, s.err
}

type stubWithdrawals struct {
	req       *domain.SettlementRequest
	reqErr    error
	res       *domain.SettlementResult
	resErr    error
	processed []string
}

func (s *stubWithdrawals) RequestWithdrawal(ctx context.Context, in usecase.RequestWithdrawalInput) (*domain.SettlementRequest, error) {
	return s.req, s.reqErr
}

func (s *stubWithdrawals) Process(ctx context.Context, id string) (*domain.SettlementResult, error) {
	s.processed = append(s.processed, id)
	return s.res, s.resErr
}

type stubReviews struct {
	cases []*domain.ReviewCase
	got   usecase.ResolveReviewInput
	err   error
}

func (s *stubReviews) ListOpen(ctx context.Context, limit int) ([]*domain.ReviewCase, error) {
	return s.cases, nil
}

func (s *stubReviews) Resolve(ctx context.Context, in usecase.ResolveReviewInput) (*domain.ReviewCase, error) {
	s.got = in
	if s.err != nil {
		return nil, s.err
	}
	return s.cases[0], nil
}

type stubLedger struct {
	reqs     map[string]*domain.SettlementRequest
	balances []*domain.Balance
}

func (s *stubLedger) Get(ctx context.Context, id string) (*domain.SettlementRequest, error) {
	if r, ok := s.reqs[id]; ok {
		return r, nil
	}
	return nil, domain.ErrNotFound
}

func (s *stubLedger) Balances(ctx context.Context, userID string) ([]*domain.Balance, error) {
	return s.balances, nil
}

type recordingQueue struct{ ids []string }

func (q *recordingQueue) Notify(id string) { q.ids = append(q.ids, id) }

type fixture struct {
	deposits    *stubDeposits
	withdrawals *stubWithdrawals
	reviews     *stubReviews
	ledger      *stubLedger
	queue       *recordingQueue
	handler     http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := chains.NewRegistry()
	token, err := chains.NewToken(chains.TokenSpec{Symbol: "HEZ", Kind: domain.TokenKindNative, Decimals: 12, WithdrawFee: "0.1", MinWithdrawal: "1"})
	require.NoError(t, err)
	registry.Register(token)

	f := &fixture{
		deposits:    &stubDeposits{},
		withdrawals: &stubWithdrawals{},
		reviews:     &stubReviews{},
		ledger:      &stubLedger{reqs: map[string]*domain.SettlementRequest{}},
		queue:       &recordingQueue{},
	}
	h := handler.NewSettlementHandler(f.deposits, f.withdrawals, f.reviews, f.ledger, registry, f.queue, zap.NewNop())
	f.handler = SetupRoutes(h, nil, map[string]HealthCheck{
		"db": func(ctx context.Context) error { return nil },
	}, zap.NewNop())
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func hez(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000_000_000))
}

func withdrawal(status domain.SettlementStatus) *domain.SettlementRequest {
	return &domain.SettlementRequest{
		ID:        "req-1",
		UserID:    "u1",
		Direction: domain.DirectionWithdraw,
		Token:     "HEZ",
		Amount:    hez(5),
		Fee:       new(big.Int).Div(hez(1), big.NewInt(10)),
		Status:    status,
	}
}

func TestWithdrawalRoutes(t *testing.T) {
	body := `{"user_id":"u1","token":"HEZ","amount":"5","address":"0x8ba1f109551bd432803012645ac136ddd64dba72"}`

	t.Run("should accept and queue", func(t *testing.T) {
		f := newFixture(t)
		f.withdrawals.req = withdrawal(domain.SettlementStatusPending)

		rec, out := f.do(t, http.MethodPost, "/api/v1/settlements/withdrawals", body)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		data := out["data"].(map[string]interface{})
		assert.Equal(t, "5", data["amount"])
		assert.Equal(t, "0.1", data["fee"])
		assert.Equal(t, []string{"req-1"}, f.queue.ids)
		assert.Empty(t, f.withdrawals.processed)
	})

	t.Run("should return tx hash, amount and fee in sync mode", func(t *testing.T) {
		f := newFixture(t)
		f.withdrawals.req = withdrawal(domain.SettlementStatusPending)
		f.withdrawals.res = &domain.SettlementResult{RequestID: "req-1", Status: "completed", TxHash: "0xabc", Amount: hez(5), Fee: new(big.Int).Div(hez(1), big.NewInt(10))}

		rec, out := f.do(t, http.MethodPost, "/api/v1/settlements/withdrawals?sync=true", body)
		assert.Equal(t, http.StatusOK, rec.Code)
		data := out["data"].(map[string]interface{})
		assert.Equal(t, "0xabc", data["tx_hash"])
		assert.Equal(t, "5", data["amount"])
		assert.Equal(t, "0.1", data["fee"])
		assert.Empty(t, f.queue.ids)
	})

	t.Run("should report processing on timeout", func(t *testing.T) {
		f := newFixture(t)
		f.withdrawals.req = withdrawal(domain.SettlementStatusPending)
		f.withdrawals.res = &domain.SettlementResult{RequestID: "req-1", Status: "processing", TxHash: "0xabc", Amount: hez(5), Fee: big.NewInt(0)}
		f.withdrawals.resErr = &domain.ChainTimeoutError{TxHash: "0xabc", Waited: "1m0s"}

		rec, out := f.do(t, http.MethodPost, "/api/v1/settlements/withdrawals?sync=true", body)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "processing", out["data"].(map[string]interface{})["status"])
	})

	t.Run("should report processing when bookkeeping fails after finality", func(t *testing.T) {
		f := newFixture(t)
		f.withdrawals.req = withdrawal(domain.SettlementStatusPending)
		f.withdrawals.res = &domain.SettlementResult{RequestID: "req-1", Status: "processing", TxHash: "0xabc", Amount: hez(5), Fee: big.NewInt(0)}
		f.withdrawals.resErr = &domain.StorageError{Op: "complete_withdraw", RequestID: "req-1", TxHash: "0xabc", Err: errors.New("connection lost")}

		rec, out := f.do(t, http.MethodPost, "/api/v1/settlements/withdrawals?sync=true", body)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		data := out["data"].(map[string]interface{})
		assert.Equal(t, "processing", data["status"])
		assert.Equal(t, "0xabc", data["tx_hash"])
	})

	t.Run("should map chain rejection", func(t *testing.T) {
		f := newFixture(t)
		f.withdrawals.req = withdrawal(domain.SettlementStatusPending)
		f.withdrawals.resErr = &domain.DispatchError{Kind: domain.DispatchReverted, Section: "revert", Name: "Error"}

		rec, out := f.do(t, http.MethodPost, "/api/v1/settlements/withdrawals?sync=true", body)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, out["message"], "funds returned")
	})

	t.Run("should map risk denials with remaining cooldown", func(t *testing.T) {
		f := newFixture(t)
		f.withdrawals.reqErr = &domain.RiskDeniedError{Kind: domain.ErrCooldown, Reason: "recent cancellation", RemainingMs: 42000}

		rec, out := f.do(t, http.MethodPost, "/api/v1/settlements/withdrawals", body)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, float64(42000), out["data"].(map[string]interface{})["remaining_ms"])
	})

	t.Run("should reject malformed bodies", func(t *testing.T) {
		f := newFixture(t)
		rec, _ := f.do(t, http.MethodPost, "/api/v1/settlements/withdrawals", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDepositRoute(t *testing.T) {
	body := `{"user_id":"u1","chain_tx_hash":"0x01","token":"HEZ","expected_amount":"5"}`

	cases := []struct {
		name      string
		err       error
		code      int
		retryable interface{}
	}{
		{"already processed", domain.ErrAlreadyProcessed, http.StatusConflict, nil},
		{"not finalized", &domain.VerificationError{Reason: domain.ReasonNotFinalized}, http.StatusUnprocessableEntity, true},
		{"wrong recipient", &domain.VerificationError{Reason: domain.ReasonRecipientMismatch}, http.StatusUnprocessableEntity, false},
		{"invalid input", errors.Join(domain.ErrInvalidInput), http.StatusBadRequest, nil},
		{"storage", errors.New("connection reset"), http.StatusInternalServerError, nil},
	}

	for _, tc := range cases {
		t.Run("should map "+tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.deposits.err = tc.err

			rec, out := f.do(t, http.MethodPost, "/api/v1/settlements/deposits", body)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, "error", out["status"])
			if tc.retryable != nil {
				assert.Equal(t, tc.retryable, out["data"].(map[string]interface{})["retryable"])
			}
		})
	}

	t.Run("should return the credited request", func(t *testing.T) {
		f := newFixture(t)
		hash := "0x01"
		f.deposits.req = &domain.SettlementRequest{ID: "d1", Direction: domain.DirectionDeposit, Token: "HEZ", Amount: hez(5), Fee: big.NewInt(0), SettledAmount: hez(5), Status: domain.SettlementStatusCompleted, ChainTxHash: &hash}

		rec, out := f.do(t, http.MethodPost, "/api/v1/settlements/deposits", body)
		assert.Equal(t, http.StatusOK, rec.Code)
		data := out["data"].(map[string]interface{})
		assert.Equal(t, "completed", data["status"])
		assert.Equal(t, "5", data["settled_amount"])
	})
}

func TestQueryAndReviewRoutes(t *testing.T) {
	t.Run("should 404 unknown settlements", func(t *testing.T) {
		f := newFixture(t)
		rec, _ := f.do(t, http.MethodGet, "/api/v1/settlements/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should format balances in major units", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.balances = []*domain.Balance{{UserID: "u1", Token: "HEZ", Available: hez(3), Reserved: hez(2)}}

		rec, out := f.do(t, http.MethodGet, "/api/v1/balances/u1", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		b := out["data"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, "3", b["available"])
		assert.Equal(t, "2", b["reserved"])
		assert.Equal(t, "5", b["total"])
	})

	t.Run("should pass the case id and verdict through", func(t *testing.T) {
		f := newFixture(t)
		f.reviews.cases = []*domain.ReviewCase{{ID: "rc-1", RequestID: "req-1", Status: domain.ReviewStatusResolved}}

		rec, _ := f.do(t, http.MethodPost, "/api/v1/admin/reviews/rc-1/resolve", `{"outcome":"failed","note":"dropped","resolved_by":"ops"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "rc-1", f.reviews.got.CaseID)
		assert.Equal(t, "failed", f.reviews.got.Outcome)

		rec, out := f.do(t, http.MethodGet, "/api/v1/admin/reviews", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, out["data"], 1)
	})

	t.Run("should report health", func(t *testing.T) {
		f := newFixture(t)
		rec, out := f.do(t, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", out["data"].(map[string]interface{})["db"])
	})
}
