package vault

import (
	"errors"
	"math/big"
	"testing"

	"rebasenet/core/types"
	"rebasenet/native/rebase"
)

type ledgerState struct {
	accounts map[[20]byte]*types.Account
	rate     *rebase.RateRecord
}

func newLedgerState() *ledgerState {
	return &ledgerState{accounts: make(map[[20]byte]*types.Account)}
}

func (s *ledgerState) GetAccount(addr [20]byte) (*types.Account, error) {
	if account, ok := s.accounts[addr]; ok {
		return account.Clone(), nil
	}
	return &types.Account{}, nil
}

func (s *ledgerState) PutAccount(addr [20]byte, account *types.Account) error {
	s.accounts[addr] = account.Clone()
	return nil
}

func (s *ledgerState) RateRecord() (*rebase.RateRecord, bool, error) {
	if s.rate == nil {
		return nil, false, nil
	}
	return s.rate.Clone(), true, nil
}

func (s *ledgerState) PutRateRecord(record *rebase.RateRecord) error {
	s.rate = record.Clone()
	return nil
}

type mockReserve struct {
	deposits   []*big.Int
	releases   []*big.Int
	depositErr error
	releaseErr error
}

func (m *mockReserve) Deposit(_ [20]byte, amount *big.Int) error {
	if m.depositErr != nil {
		return m.depositErr
	}
	m.deposits = append(m.deposits, new(big.Int).Set(amount))
	return nil
}

func (m *mockReserve) Release(_ [20]byte, amount *big.Int) error {
	if m.releaseErr != nil {
		return m.releaseErr
	}
	m.releases = append(m.releases, new(big.Int).Set(amount))
	return nil
}

var account = [20]byte{0xaa}

func newTestVault(t *testing.T) (*Vault, *rebase.Engine, *ledgerState, *mockReserve, *int64) {
	t.Helper()
	state := newLedgerState()
	now := int64(1_700_000_000)
	clock := func() int64 { return now }

	authority := rebase.NewAuthority()
	authority.SetState(state)
	authority.SetNowFunc(clock)
	if err := authority.Initialize([20]byte{0x0f}, big.NewInt(50_000_000_000)); err != nil {
		t.Fatalf("initialize authority: %v", err)
	}

	engine := rebase.NewEngine()
	engine.SetState(state)
	engine.SetAuthority(authority)
	engine.SetNowFunc(clock)

	reserve := &mockReserve{}
	return New(engine, reserve), engine, state, reserve, &now
}

func TestDepositFundsLedger(t *testing.T) {
	vault, engine, _, reserve, _ := newTestVault(t)
	amount := new(big.Int).Mul(big.NewInt(500), rebase.Scale)

	if err := vault.Deposit(account, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if len(reserve.deposits) != 1 || reserve.deposits[0].Cmp(amount) != 0 {
		t.Fatalf("reserve did not take custody: %+v", reserve.deposits)
	}
	balance, err := engine.BalanceOf(account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(amount) != 0 {
		t.Fatalf("ledger balance = %s, want %s", balance, amount)
	}
}

func TestDepositReserveFailureSkipsLedger(t *testing.T) {
	vault, engine, _, reserve, _ := newTestVault(t)
	reserve.depositErr = errors.New("wire rejected")

	err := vault.Deposit(account, big.NewInt(100))
	if err == nil || !errors.Is(err, reserve.depositErr) {
		t.Fatalf("expected reserve error, got %v", err)
	}
	balance, lookupErr := engine.BalanceOf(account)
	if lookupErr != nil {
		t.Fatalf("balance: %v", lookupErr)
	}
	if balance.Sign() != 0 {
		t.Fatalf("failed deposit funded ledger: %s", balance)
	}
}

func TestRedeemReleasesAsset(t *testing.T) {
	vault, engine, _, reserve, now := newTestVault(t)
	amount := new(big.Int).Mul(big.NewInt(1000), rebase.Scale)
	if err := vault.Deposit(account, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	*now += 600
	resolved, err := vault.Redeem(account, rebase.MaxAmount)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	want, ok := new(big.Int).SetString("1000030000000000000000", 10)
	if !ok {
		t.Fatalf("parse expected amount")
	}
	if resolved.Cmp(want) != 0 {
		t.Fatalf("resolved = %s, want settled balance %s", resolved, want)
	}
	if len(reserve.releases) != 1 || reserve.releases[0].Cmp(want) != 0 {
		t.Fatalf("reserve releases = %+v, want [%s]", reserve.releases, want)
	}
	balance, err := engine.BalanceOf(account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("redeem left balance %s", balance)
	}
}

func TestRedeemReleaseFailureRevertsLedger(t *testing.T) {
	vault, engine, state, reserve, now := newTestVault(t)
	amount := new(big.Int).Mul(big.NewInt(1000), rebase.Scale)
	if err := vault.Deposit(account, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before := state.accounts[account].Clone()

	*now += 600
	reserve.releaseErr = errors.New("custodian offline")
	if _, err := vault.Redeem(account, big.NewInt(5)); err == nil || !errors.Is(err, reserve.releaseErr) {
		t.Fatalf("expected release error, got %v", err)
	}

	after := state.accounts[account]
	if before.Principal.Cmp(after.Principal) != 0 || before.LastSettled != after.LastSettled {
		t.Fatalf("failed payout left a ledger mutation: before %+v after %+v", before, after)
	}
	balance, err := engine.BalanceOf(account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	want, _ := new(big.Int).SetString("1000030000000000000000", 10)
	if balance.Cmp(want) != 0 {
		t.Fatalf("computed balance disturbed: %s, want %s", balance, want)
	}
}

func TestRedeemInsufficient(t *testing.T) {
	vault, _, _, reserve, _ := newTestVault(t)
	if err := vault.Deposit(account, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := vault.Redeem(account, big.NewInt(200)); !errors.Is(err, rebase.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(reserve.releases) != 0 {
		t.Fatalf("insufficient redeem released assets: %+v", reserve.releases)
	}
}
