// internal/usecase/helpers.go
package usecase

import (
	"errors"
	"time"

	"settlement-service/internal/domain"
)

// riskKindLabel is the metric label for a risk denial
func riskKindLabel(kind error) string {
	switch {
	case errors.Is(kind, domain.ErrLimitExceeded):
		return "limit"
	case errors.Is(kind, domain.ErrCooldown):
		return "cooldown"
	case errors.Is(kind, domain.ErrRiskBlocked):
		return "blocked"
	default:
		return "other"
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
