// internal/chains/ethereum/signer.go
package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the custodial key. The key never leaves this struct.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

func NewSigner(privateKeyHex string, chainID *big.Int) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key")
	}

	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(*pub),
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) Sign(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
