package main

import (
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"nftlend/native/lending"
	"nftlend/observability/metrics"
	"nftlend/oracle"
)

type fakeCustody struct {
	owners    map[string]common.Address
	approvals map[string]bool
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{
		owners:    make(map[string]common.Address),
		approvals: make(map[string]bool),
	}
}

func approvalMapKey(ref lending.CollateralRef, owner, operator common.Address) string {
	return ref.Contract.Hex() + "|" + owner.Hex() + "|" + operator.Hex()
}

func (f *fakeCustody) OwnerOf(_ context.Context, ref lending.CollateralRef) (common.Address, error) {
	return f.owners[ref.String()], nil
}

func (f *fakeCustody) IsApprovedForAll(_ context.Context, ref lending.CollateralRef, owner, operator common.Address) (bool, error) {
	return f.approvals[approvalMapKey(ref, owner, operator)], nil
}

func (f *fakeCustody) Transfer(_ context.Context, ref lending.CollateralRef, _, to common.Address) error {
	f.owners[ref.String()] = to
	return nil
}

type fakeValue struct {
	balances map[common.Address]*big.Int
}

func newFakeValue() *fakeValue {
	return &fakeValue{balances: make(map[common.Address]*big.Int)}
}

func (f *fakeValue) Send(_ context.Context, to common.Address, amount *big.Int) error {
	current, ok := f.balances[to]
	if !ok {
		current = new(big.Int)
	}
	f.balances[to] = new(big.Int).Add(current, amount)
	return nil
}

func (f *fakeValue) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	if balance, ok := f.balances[addr]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int), nil
}

type daemonFixture struct {
	engine     *lending.Engine
	custody    *fakeCustody
	value      *fakeValue
	oracle     *oracle.Oracle
	events     *EventLog
	intents    *IntentBook
	admin      common.Address
	engineAddr common.Address
	borrower   common.Address
	ref        lending.CollateralRef
	nowVal     int64
}

func newDaemonFixture() *daemonFixture {
	fix := &daemonFixture{
		admin:      common.Address{0xA1},
		engineAddr: common.Address{0xE1},
		borrower:   common.Address{0xB1},
		nowVal:     1_700_000_000,
	}
	fix.ref = lending.CollateralRef{Contract: common.Address{0xC1}, TokenID: big.NewInt(42)}
	fix.custody = newFakeCustody()
	fix.custody.owners[fix.ref.String()] = fix.borrower
	fix.custody.approvals[approvalMapKey(fix.ref, fix.borrower, fix.engineAddr)] = true
	fix.value = newFakeValue()
	fix.value.balances[fix.engineAddr] = big.NewInt(1_000_000)

	fix.engine = lending.NewEngine(fix.admin, fix.engineAddr)
	fix.engine.SetPorts(fix.custody, fix.value)
	fix.engine.SetParams(lending.Params{InitialRateBps: 100})
	fix.engine.SetNowFunc(func() int64 { return fix.nowVal })

	fix.oracle = oracle.New(oracle.Config{MinSources: 1})
	fix.events = NewEventLog(slog.Default(), metrics.Lending())
	fix.engine.SetEmitter(fix.events)
	fix.intents = NewIntentBook()
	return fix
}

func (fix *daemonFixture) createLoan(t *testing.T, principal int64) uint64 {
	t.Helper()
	id, err := fix.engine.CreateLoan(context.Background(), fix.admin, fix.borrower, fix.ref, big.NewInt(principal))
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	return id
}
