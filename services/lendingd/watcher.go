package main

import (
	"context"
	"log/slog"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"nftlend/custody"
	nativecommon "nftlend/native/common"
	"nftlend/native/lending"
	"nftlend/observability/metrics"
)

const advanceRateDivisor = 10_000

// BorrowIntent is a borrower's standing request to open a loan against one
// token. The watcher originates the loan once the borrower's collection
// approval is in place.
type BorrowIntent struct {
	Borrower   common.Address        `json:"borrower"`
	Collateral lending.CollateralRef `json:"collateral"`
	CreatedAt  time.Time             `json:"created_at"`
}

// IntentBook holds pending borrow intents keyed by collateral reference. One
// intent per token; re-registering replaces the earlier entry.
type IntentBook struct {
	mu      sync.RWMutex
	pending map[string]BorrowIntent
}

// NewIntentBook builds an empty book.
func NewIntentBook() *IntentBook {
	return &IntentBook{pending: make(map[string]BorrowIntent)}
}

// Add registers an intent.
func (b *IntentBook) Add(intent BorrowIntent) {
	b.mu.Lock()
	b.pending[intent.Collateral.String()] = intent
	b.mu.Unlock()
}

// Remove drops the intent for the collateral, if any.
func (b *IntentBook) Remove(ref lending.CollateralRef) {
	b.mu.Lock()
	delete(b.pending, ref.String())
	b.mu.Unlock()
}

// Pending returns all intents ordered by age, oldest first.
func (b *IntentBook) Pending() []BorrowIntent {
	b.mu.RLock()
	out := make([]BorrowIntent, 0, len(b.pending))
	for _, intent := range b.pending {
		out = append(out, intent)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len reports the number of pending intents.
func (b *IntentBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

type originationEngine interface {
	CreateLoan(ctx context.Context, caller, borrower common.Address, collateral lending.CollateralRef, principal *big.Int) (uint64, error)
	Administrator() common.Address
}

type approvalChecker interface {
	IsApprovedForAll(ctx context.Context, ref lending.CollateralRef, owner, operator common.Address) (bool, error)
}

type floorSource interface {
	FloorPrice(collection common.Address) (*big.Int, error)
}

type logSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ApprovalWatcher follows collection ApprovalForAll logs and originates loans
// for pending intents once the borrower has authorized the custody operator.
// Each log entry is acted on at most once across restarts via the approval
// store.
type ApprovalWatcher struct {
	chain          logSource
	topic          common.Hash
	parse          func(gethtypes.Log) (custody.ApprovalForAll, error)
	store          *ApprovalStore
	engine         originationEngine
	custody        approvalChecker
	oracle         floorSource
	intents        *IntentBook
	operator       common.Address
	collections    []common.Address
	advanceRateBps uint64
	quota          nativecommon.Quota
	usage          map[common.Address]nativecommon.QuotaNow
	pollInterval   time.Duration
	confirmations  uint64
	lastBlock      uint64
	nowFn          func() time.Time
	log            *slog.Logger
	m              *metrics.LendingMetrics
}

// WatcherDeps bundles the collaborators of an ApprovalWatcher.
type WatcherDeps struct {
	Chain          logSource
	Custody        *custody.ERC721Custody
	Store          *ApprovalStore
	Engine         originationEngine
	Checker        approvalChecker
	Oracle         floorSource
	Intents        *IntentBook
	Operator       common.Address
	Collections    []common.Address
	AdvanceRateBps uint64
	Quota          nativecommon.Quota
	PollInterval   time.Duration
	Confirmations  uint64
	StartBlock     uint64
	Log            *slog.Logger
}

// NewApprovalWatcher constructs a watcher with sane defaults.
func NewApprovalWatcher(deps WatcherDeps) *ApprovalWatcher {
	if deps.PollInterval <= 0 {
		deps.PollInterval = 15 * time.Second
	}
	if deps.AdvanceRateBps == 0 || deps.AdvanceRateBps > advanceRateDivisor {
		deps.AdvanceRateBps = 5_000
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	w := &ApprovalWatcher{
		chain:          deps.Chain,
		store:          deps.Store,
		engine:         deps.Engine,
		custody:        deps.Checker,
		oracle:         deps.Oracle,
		intents:        deps.Intents,
		operator:       deps.Operator,
		collections:    deps.Collections,
		advanceRateBps: deps.AdvanceRateBps,
		quota:          deps.Quota,
		usage:          make(map[common.Address]nativecommon.QuotaNow),
		pollInterval:   deps.PollInterval,
		confirmations:  deps.Confirmations,
		lastBlock:      deps.StartBlock,
		nowFn:          time.Now,
		log:            deps.Log,
		m:              metrics.Lending(),
	}
	if deps.Custody != nil {
		w.topic = deps.Custody.ApprovalForAllTopic()
		w.parse = deps.Custody.ParseApprovalForAll
	}
	return w
}

// Run starts the polling loop until the context is cancelled.
func (w *ApprovalWatcher) Run(ctx context.Context) {
	if w.chain == nil || w.engine == nil || w.intents == nil {
		return
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollLogs(ctx)
			w.originate(ctx)
		}
	}
}

// pollLogs scans newly confirmed blocks for ApprovalForAll entries on the
// configured collections and records each one exactly once.
func (w *ApprovalWatcher) pollLogs(ctx context.Context) {
	if w.parse == nil || len(w.collections) == 0 {
		return
	}
	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		w.log.Warn("fetch head block failed", "error", err)
		return
	}
	if head <= w.confirmations {
		return
	}
	safe := head - w.confirmations
	if safe <= w.lastBlock {
		return
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(safe),
		Addresses: w.collections,
		Topics:    [][]common.Hash{{w.topic}},
	}
	logs, err := w.chain.FilterLogs(ctx, query)
	if err != nil {
		w.log.Warn("filter approval logs failed", "error", err)
		return
	}
	for _, entry := range logs {
		w.handleLog(entry)
	}
	w.lastBlock = safe
}

func (w *ApprovalWatcher) handleLog(entry gethtypes.Log) {
	txHash := entry.TxHash.Hex()
	seen, err := w.store.Seen(txHash, entry.Index)
	if err != nil {
		w.log.Warn("approval store read failed", "tx", txHash, "error", err)
		return
	}
	if seen {
		return
	}
	decoded, err := w.parse(entry)
	if err != nil {
		w.log.Warn("undecodable approval log", "tx", txHash, "error", err)
		return
	}
	outcome := "granted"
	switch {
	case decoded.Operator != w.operator:
		outcome = "foreign_operator"
	case !decoded.Approved:
		outcome = "revoked"
	}
	w.m.ObserveApproval(outcome)
	w.log.Info("collection approval observed",
		"collection", entry.Address.Hex(),
		"owner", decoded.Owner.Hex(),
		"outcome", outcome,
	)
	if err := w.store.MarkSeen(txHash, entry.Index, time.Now()); err != nil {
		w.log.Warn("approval store write failed", "tx", txHash, "error", err)
	}
}

// originate tries to open a loan for every pending intent whose borrower has
// the custody operator approved. Pricing comes from the oracle; the advance
// rate caps the principal at a fraction of the floor.
func (w *ApprovalWatcher) originate(ctx context.Context) {
	for _, intent := range w.intents.Pending() {
		approved, err := w.custody.IsApprovedForAll(ctx, intent.Collateral, intent.Borrower, w.operator)
		if err != nil {
			w.log.Warn("approval check failed",
				"collateral", intent.Collateral.String(),
				"error", err,
			)
			continue
		}
		if !approved {
			continue
		}
		floor, err := w.oracle.FloorPrice(intent.Collateral.Contract)
		if err != nil {
			w.m.IncOracleFailure(oracleFailureReason(err))
			w.log.Warn("floor price unavailable for origination",
				"collection", intent.Collateral.Contract.Hex(),
				"error", err,
			)
			continue
		}
		principal := AdvancePrincipal(floor, w.advanceRateBps)
		if principal.Sign() <= 0 {
			w.log.Warn("advance rounds to zero, intent left pending",
				"collateral", intent.Collateral.String(),
				"floor", floor.String(),
			)
			continue
		}
		nextUsage, ok := w.checkQuota(intent.Borrower, principal)
		if !ok {
			continue
		}
		id, err := w.engine.CreateLoan(ctx, w.engine.Administrator(), intent.Borrower, intent.Collateral, principal)
		if err != nil {
			w.log.Warn("origination rejected",
				"collateral", intent.Collateral.String(),
				"principal", principal.String(),
				"error", err,
			)
			continue
		}
		if w.quota.Enabled() {
			w.usage[intent.Borrower] = nextUsage
		}
		w.intents.Remove(intent.Collateral)
		w.log.Info("loan originated from intent",
			"id", id,
			"borrower", intent.Borrower.Hex(),
			"collateral", intent.Collateral.String(),
			"principal", principal.String(),
		)
	}
}

// checkQuota verifies the borrower's per-epoch origination quota. The usage
// counters are committed by the caller only after the loan actually opens.
func (w *ApprovalWatcher) checkQuota(borrower common.Address, principal *big.Int) (nativecommon.QuotaNow, bool) {
	if !w.quota.Enabled() {
		return nativecommon.QuotaNow{}, true
	}
	epochSeconds := uint64(w.quota.EpochSeconds)
	if epochSeconds == 0 {
		epochSeconds = 86_400
	}
	epoch := uint64(w.nowFn().Unix()) / epochSeconds
	var addPrincipal uint64
	if w.quota.MaxPrincipalPerEpoch > 0 {
		// Principal beyond the uint64 range trivially exceeds any cap.
		addPrincipal = math.MaxUint64
		if principal.IsUint64() {
			addPrincipal = principal.Uint64()
		}
	}
	next, err := nativecommon.CheckQuota(w.quota, epoch, w.usage[borrower], 1, addPrincipal)
	if err != nil {
		w.log.Warn("origination quota exceeded, intent left pending",
			"borrower", borrower.Hex(),
			"error", err,
		)
		return nativecommon.QuotaNow{}, false
	}
	return next, true
}

// AdvancePrincipal computes the loan principal offered against a floor
// price: floor scaled by the advance rate, truncated.
func AdvancePrincipal(floor *big.Int, advanceRateBps uint64) *big.Int {
	if floor == nil || floor.Sign() <= 0 {
		return new(big.Int)
	}
	principal := new(big.Int).Mul(floor, new(big.Int).SetUint64(advanceRateBps))
	return principal.Quo(principal, big.NewInt(advanceRateDivisor))
}
