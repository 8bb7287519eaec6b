package main

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nftlend/native/lending"
	"nftlend/observability/metrics"
)

type liquidationEngine interface {
	ActiveLoans() []uint64
	Loan(id uint64) (*lending.Loan, bool)
	IsUnderwater(id uint64, marketPrice *big.Int) (bool, error)
	LiquidateLoan(ctx context.Context, caller common.Address, id uint64, marketPrice *big.Int) error
	Administrator() common.Address
}

// LiquidationSweeper periodically walks the open loans and liquidates every
// position whose collateral no longer covers it at the oracle floor. Loans
// without a usable floor price are skipped until the oracle recovers.
type LiquidationSweeper struct {
	engine   liquidationEngine
	oracle   floorSource
	interval time.Duration
	log      *slog.Logger
	m        *metrics.LendingMetrics
}

// NewLiquidationSweeper constructs a sweeper with sane defaults.
func NewLiquidationSweeper(engine liquidationEngine, oracle floorSource, interval time.Duration, log *slog.Logger) *LiquidationSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &LiquidationSweeper{
		engine:   engine,
		oracle:   oracle,
		interval: interval,
		log:      log,
		m:        metrics.Lending(),
	}
}

// Run sweeps until the context is cancelled.
func (s *LiquidationSweeper) Run(ctx context.Context) {
	if s.engine == nil || s.oracle == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over the open loans.
func (s *LiquidationSweeper) Sweep(ctx context.Context) {
	for _, id := range s.engine.ActiveLoans() {
		if ctx.Err() != nil {
			return
		}
		loan, ok := s.engine.Loan(id)
		if !ok {
			continue
		}
		floor, err := s.oracle.FloorPrice(loan.Collateral.Contract)
		if err != nil {
			s.m.IncOracleFailure(oracleFailureReason(err))
			s.log.Warn("sweep skipped loan without floor price",
				"id", id,
				"collection", loan.Collateral.Contract.Hex(),
				"error", err,
			)
			continue
		}
		underwater, err := s.engine.IsUnderwater(id, floor)
		if err != nil {
			s.log.Warn("underwater check failed", "id", id, "error", err)
			continue
		}
		if !underwater {
			continue
		}
		if err := s.engine.LiquidateLoan(ctx, s.engine.Administrator(), id, floor); err != nil {
			s.m.IncOperationError("liquidate_sweep")
			s.log.Warn("sweep liquidation failed", "id", id, "error", err)
			continue
		}
		s.log.Info("loan liquidated by sweep",
			"id", id,
			"borrower", loan.Borrower.Hex(),
			"collateral", loan.Collateral.String(),
			"floor", floor.String(),
		)
	}
	s.m.SetActiveLoans(float64(len(s.engine.ActiveLoans())))
}
