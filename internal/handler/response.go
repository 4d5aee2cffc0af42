// internal/handler/response.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"settlement-service/internal/domain"
)

type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data interface{}) {
	write(w, status, APIResponse{Status: "success", Data: data})
}

func Error(w http.ResponseWriter, status int, msg string) {
	write(w, status, APIResponse{Status: "error", Message: msg})
}

func write(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type riskDetail struct {
	Reason      string `json:"reason"`
	RemainingMs int64  `json:"remaining_ms,omitempty"`
}

type verificationDetail struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// ErrorFromDomain maps the error taxonomy onto HTTP
func ErrorFromDomain(w http.ResponseWriter, err error) {
	var (
		denied   *domain.RiskDeniedError
		verr     *domain.VerificationError
		dispatch *domain.DispatchError
	)

	switch {
	case errors.As(err, &denied):
		write(w, http.StatusForbidden, APIResponse{
			Status:  "error",
			Message: denied.Error(),
			Data:    riskDetail{Reason: denied.Reason, RemainingMs: denied.RemainingMs},
		})
	case errors.As(err, &verr):
		retryable := domain.IsRetryableVerification(verr)
		write(w, http.StatusUnprocessableEntity, APIResponse{
			Status:  "error",
			Message: verr.Error(),
			Data:    verificationDetail{Reason: string(verr.Reason), Retryable: retryable},
		})
	case errors.As(err, &dispatch):
		Error(w, http.StatusBadGateway, "rejected by chain, funds returned: "+dispatch.Kind.String())
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInsufficientFunds):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyProcessed),
		errors.Is(err, domain.ErrClaimConflict),
		errors.Is(err, domain.ErrInvalidTransition):
		Error(w, http.StatusConflict, err.Error())
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
