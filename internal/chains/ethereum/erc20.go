// internal/chains/ethereum/erc20.go
package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ERC-20 ABI: transfer call and Transfer event
const erc20ABI = `[
	{
		"constant": false,
		"inputs": [
			{"name": "_to", "type": "address"},
			{"name": "_value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	}
]`

var (
	erc20      abi.ABI
	transferID common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("erc20 abi: %v", err))
	}
	erc20 = parsed
	transferID = parsed.Events["Transfer"].ID
}

func packTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return data, nil
}

type erc20Transfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// decodeTransferLog returns false for any log that is not an ERC-20 Transfer
func decodeTransferLog(l *types.Log) (*erc20Transfer, bool) {
	if l == nil || len(l.Topics) != 3 || l.Topics[0] != transferID {
		return nil, false
	}

	values, err := erc20.Unpack("Transfer", l.Data)
	if err != nil || len(values) != 1 {
		return nil, false
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, false
	}

	return &erc20Transfer{
		Token:  l.Address,
		From:   common.BytesToAddress(l.Topics[1].Bytes()),
		To:     common.BytesToAddress(l.Topics[2].Bytes()),
		Amount: amount,
	}, true
}
