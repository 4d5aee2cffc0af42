// internal/chains/registry.go
package chains

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"settlement-service/internal/domain"
	"settlement-service/pkg/utils"
)

// Registry holds the tokens this service settles, keyed by symbol
type Registry struct {
	tokens map[string]*domain.Token
	mu     sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		tokens: make(map[string]*domain.Token),
	}
}

// TokenSpec is the human-unit description of a token, usually from config
type TokenSpec struct {
	Symbol        string
	Kind          domain.TokenKind
	Contract      string
	Decimals      int
	WithdrawFee   string
	MinWithdrawal string
}

// NewToken builds a token from its spec, converting fee and minimum to the
// smallest unit.
func NewToken(spec TokenSpec) (*domain.Token, error) {
	symbol := strings.ToUpper(strings.TrimSpace(spec.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("token symbol is required")
	}

	token := &domain.Token{
		Symbol:   symbol,
		Kind:     spec.Kind,
		Decimals: spec.Decimals,
	}

	switch spec.Kind {
	case domain.TokenKindNative:
	case domain.TokenKindAsset:
		if spec.Contract == "" {
			return nil, fmt.Errorf("token %s: contract address required for asset", symbol)
		}
		contract := spec.Contract
		token.ContractAddr = &contract
	default:
		return nil, fmt.Errorf("token %s: unknown kind %q", symbol, spec.Kind)
	}

	fee, err := utils.ParseAmount(orZero(spec.WithdrawFee), spec.Decimals)
	if err != nil {
		return nil, fmt.Errorf("token %s: invalid withdraw fee: %w", symbol, err)
	}
	minimum, err := utils.ParseAmount(orZero(spec.MinWithdrawal), spec.Decimals)
	if err != nil {
		return nil, fmt.Errorf("token %s: invalid minimum withdrawal: %w", symbol, err)
	}
	if minimum.Sign() > 0 && minimum.Cmp(fee) <= 0 {
		return nil, fmt.Errorf("token %s: minimum withdrawal must exceed the fee", symbol)
	}
	token.WithdrawFee = fee
	token.MinWithdrawal = minimum

	return token, nil
}

// Register adds a token to registry
func (r *Registry) Register(token *domain.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.Symbol] = token
}

// Get retrieves a token by symbol
func (r *Registry) Get(symbol string) (*domain.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.tokens[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: token not supported: %s", domain.ErrInvalidInput, symbol)
	}

	return token, nil
}

// List returns all registered symbols, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.tokens))
	for symbol := range r.tokens {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	return symbols
}

func orZero(s string) string {
	if strings.TrimSpace(s) == "" {
		return "0"
	}
	return s
}
