package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const valueTransferGasLimit = 21_000

// NativeValue implements lending.ValueTransferPort with plain signed value
// transactions from the engine's funding account.
type NativeValue struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

// NewNativeValue builds the adapter. Outgoing transfers are signed with the
// key and debit the key's account.
func NewNativeValue(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int) (*NativeValue, error) {
	if backend == nil {
		return nil, fmt.Errorf("custody: backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("custody: signing key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("custody: chain id required")
	}
	return &NativeValue{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
	}, nil
}

// From reports the funding account the adapter pays from.
func (v *NativeValue) From() common.Address {
	return v.from
}

// Send transfers amount of native currency to the recipient and waits for
// inclusion. A reverted receipt reports ErrTransferRejected.
func (v *NativeValue) Send(ctx context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: send amount must be positive")
	}
	nonce, err := v.backend.PendingNonceAt(ctx, v.from)
	if err != nil {
		return fmt.Errorf("custody: pending nonce: %w", err)
	}
	gasPrice, err := v.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("custody: suggest gas price: %w", err)
	}
	tx := types.NewTransaction(nonce, to, amount, valueTransferGasLimit, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(v.chainID), v.key)
	if err != nil {
		return fmt.Errorf("custody: sign transfer: %w", err)
	}
	if err := v.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	receipt, err := bind.WaitMined(ctx, v.backend, signed)
	if err != nil {
		return fmt.Errorf("custody: await transfer receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: transaction %s reverted", ErrTransferRejected, signed.Hash().Hex())
	}
	return nil
}

// BalanceOf reads the latest native balance of the account.
func (v *NativeValue) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := v.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("custody: balance of %s: %w", account.Hex(), err)
	}
	return balance, nil
}
