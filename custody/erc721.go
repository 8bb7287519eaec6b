// Package custody adapts on-chain asset and currency primitives to the ports
// consumed by the lending engine. The ERC-721 adapter drives an arbitrary
// collection contract through abi-packed calls; the native adapter moves
// currency with signed value transactions. Both report a rejected transfer as
// ErrTransferRejected so the engine can unwind the surrounding operation.
package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"nftlend/native/lending"
)

// ErrTransferRejected indicates the chain refused the transfer: missing
// authorization, changed ownership, or a reverted transaction.
var ErrTransferRejected = errors.New("custody: transfer rejected")

const erc721ABI = `[
	{"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"owner","type":"address"}]},
	{"name":"isApprovedForAll","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"approved","type":"bool"}]},
	{"name":"safeTransferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"name":"ApprovalForAll","type":"event","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"operator","type":"address","indexed":true},{"name":"approved","type":"bool","indexed":false}]}
]`

// Backend is the slice of an ethclient the adapters need. *ethclient.Client
// satisfies it; tests substitute a simulated backend.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ERC721Custody implements lending.AssetCustodyPort against ERC-721
// collection contracts. Transfers are signed with the custodian key and
// waited to inclusion; a reverted receipt surfaces as ErrTransferRejected.
type ERC721Custody struct {
	backend Backend
	abi     abi.ABI
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

// NewERC721Custody builds the adapter. The key signs outgoing transfer
// transactions and must control the engine's custody identity.
func NewERC721Custody(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int) (*ERC721Custody, error) {
	if backend == nil {
		return nil, fmt.Errorf("custody: backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("custody: signing key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("custody: chain id required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("custody: parse erc721 abi: %w", err)
	}
	return &ERC721Custody{
		backend: backend,
		abi:     parsed,
		key:     key,
		chainID: new(big.Int).Set(chainID),
	}, nil
}

// OwnerOf resolves the current holder of the referenced token.
func (c *ERC721Custody) OwnerOf(ctx context.Context, ref lending.CollateralRef) (common.Address, error) {
	out, err := c.call(ctx, ref.Contract, "ownerOf", ref.TokenID)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("custody: unexpected ownerOf result")
	}
	return owner, nil
}

// IsApprovedForAll reports whether operator may move every token the owner
// holds in the collection.
func (c *ERC721Custody) IsApprovedForAll(ctx context.Context, ref lending.CollateralRef, owner, operator common.Address) (bool, error) {
	out, err := c.call(ctx, ref.Contract, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("custody: unexpected isApprovedForAll result")
	}
	return approved, nil
}

// Transfer moves the token between the two identities via safeTransferFrom
// and waits for the receipt. Estimation failures and reverted receipts both
// report ErrTransferRejected: either the authorization or ownership
// precondition no longer holds at call time.
func (c *ERC721Custody) Transfer(ctx context.Context, ref lending.CollateralRef, from, to common.Address) error {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return fmt.Errorf("custody: build transactor: %w", err)
	}
	opts.Context = ctx
	contract := bind.NewBoundContract(ref.Contract, c.abi, c.backend, c.backend, c.backend)
	tx, err := contract.Transact(opts, "safeTransferFrom", from, to, ref.TokenID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return fmt.Errorf("custody: await transfer receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: transaction %s reverted", ErrTransferRejected, tx.Hash().Hex())
	}
	return nil
}

// ApprovalForAllTopic returns the log topic of the ApprovalForAll event, used
// by the approval watcher's filter query.
func (c *ERC721Custody) ApprovalForAllTopic() common.Hash {
	return c.abi.Events["ApprovalForAll"].ID
}

// ApprovalForAll is a decoded ApprovalForAll log entry.
type ApprovalForAll struct {
	Owner    common.Address
	Operator common.Address
	Approved bool
}

// ParseApprovalForAll decodes an ApprovalForAll log emitted by a collection
// contract.
func (c *ERC721Custody) ParseApprovalForAll(log types.Log) (ApprovalForAll, error) {
	event := c.abi.Events["ApprovalForAll"]
	if len(log.Topics) != 3 || log.Topics[0] != event.ID {
		return ApprovalForAll{}, fmt.Errorf("custody: log is not an ApprovalForAll event")
	}
	decoded := ApprovalForAll{
		Owner:    common.BytesToAddress(log.Topics[1].Bytes()),
		Operator: common.BytesToAddress(log.Topics[2].Bytes()),
	}
	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return ApprovalForAll{}, fmt.Errorf("custody: unpack ApprovalForAll data: %w", err)
	}
	approved, ok := values[0].(bool)
	if !ok {
		return ApprovalForAll{}, fmt.Errorf("custody: unexpected ApprovalForAll payload")
	}
	decoded.Approved = approved
	return decoded, nil
}

func (c *ERC721Custody) call(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("custody: pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("custody: call %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("custody: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("custody: empty %s result", method)
	}
	return out, nil
}
