package bridge

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"rebasenet/core/types"
	"rebasenet/crypto"
	nativecommon "rebasenet/native/common"
	"rebasenet/native/rebase"
)

type instanceState struct {
	accounts map[[20]byte]*types.Account
	rate     *rebase.RateRecord
	usage    map[[20]byte]nativecommon.QuotaUsage
}

func newInstanceState() *instanceState {
	return &instanceState{
		accounts: make(map[[20]byte]*types.Account),
		usage:    make(map[[20]byte]nativecommon.QuotaUsage),
	}
}

func (s *instanceState) GetAccount(addr [20]byte) (*types.Account, error) {
	if account, ok := s.accounts[addr]; ok {
		return account.Clone(), nil
	}
	return &types.Account{}, nil
}

func (s *instanceState) PutAccount(addr [20]byte, account *types.Account) error {
	s.accounts[addr] = account.Clone()
	return nil
}

func (s *instanceState) RateRecord() (*rebase.RateRecord, bool, error) {
	if s.rate == nil {
		return nil, false, nil
	}
	return s.rate.Clone(), true, nil
}

func (s *instanceState) PutRateRecord(record *rebase.RateRecord) error {
	s.rate = record.Clone()
	return nil
}

func (s *instanceState) BridgeUsage(addr [20]byte) (nativecommon.QuotaUsage, error) {
	return s.usage[addr], nil
}

func (s *instanceState) PutBridgeUsage(addr [20]byte, usage nativecommon.QuotaUsage) error {
	s.usage[addr] = usage
	return nil
}

// instance bundles one ledger's engine, adapter, and clock for crossing tests.
type instance struct {
	state   *instanceState
	engine  *rebase.Engine
	adapter *Adapter
	key     *crypto.PrivateKey
	now     int64
}

func newInstance(t *testing.T, chainID uint64, globalRate *big.Int) *instance {
	t.Helper()
	inst := &instance{state: newInstanceState(), now: 1_700_000_000}
	clock := func() int64 { return inst.now }

	authority := rebase.NewAuthority()
	authority.SetState(inst.state)
	authority.SetNowFunc(clock)
	if err := authority.Initialize(operator, globalRate); err != nil {
		t.Fatalf("initialize authority: %v", err)
	}

	inst.engine = rebase.NewEngine()
	inst.engine.SetState(inst.state)
	inst.engine.SetAuthority(authority)
	inst.engine.SetNowFunc(clock)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	inst.key = key

	inst.adapter = NewAdapter(chainID)
	inst.adapter.SetLedger(inst.engine)
	inst.adapter.SetSigner(key)
	inst.adapter.SetNowFunc(clock)
	return inst
}

func (i *instance) signerAddr() [20]byte {
	var out [20]byte
	copy(out[:], i.key.PubKey().Address().Bytes())
	return out
}

var (
	operator = [20]byte{0x0f, 0xee}
	sender   = [20]byte{0xaa}
	receiver = [20]byte{0xbb}
)

func rbt(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), rebase.Scale)
}

func TestBurnProducesSignedVoucher(t *testing.T) {
	inst := newInstance(t, 1, big.NewInt(50_000_000_000))
	if err := inst.engine.Fund(sender, rbt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	signed, err := inst.adapter.Burn(sender, 2, receiver, rbt(400))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if signed.Voucher.SourceChain != 1 || signed.Voucher.DestChain != 2 {
		t.Fatalf("voucher chains = %d -> %d", signed.Voucher.SourceChain, signed.Voucher.DestChain)
	}
	if signed.Voucher.Amount != rbt(400).String() {
		t.Fatalf("voucher amount = %s", signed.Voucher.Amount)
	}
	if signed.Voucher.Rate != "50000000000" {
		t.Fatalf("voucher rate = %s, want sender snapshot", signed.Voucher.Rate)
	}
	if signed.Voucher.ID == "" {
		t.Fatalf("voucher missing id")
	}

	// The voucher must survive a JSON round trip with its signature intact;
	// that is the form the outbox and the relayer handle.
	payload, err := json.Marshal(signed)
	if err != nil {
		t.Fatalf("encode voucher: %v", err)
	}
	var decoded SignedVoucher
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode voucher: %v", err)
	}
	recovered, err := decoded.RecoverSigner()
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if recovered != inst.signerAddr() {
		t.Fatalf("voucher signed by %x", recovered)
	}

	balance, err := inst.engine.BalanceOf(sender)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(rbt(600)) != 0 {
		t.Fatalf("burn debited %s, want balance 600 RBT", balance)
	}
}

func TestBurnRejectsBadDestination(t *testing.T) {
	inst := newInstance(t, 1, big.NewInt(0))
	if err := inst.engine.Fund(sender, rbt(10)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := inst.adapter.Burn(sender, 1, receiver, rbt(1)); !errors.Is(err, ErrSameChain) {
		t.Fatalf("same chain: %v", err)
	}
	if _, err := inst.adapter.Burn(sender, 0, receiver, rbt(1)); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("zero chain: %v", err)
	}
}

func TestBurnInsufficientLeavesQuotaUncharged(t *testing.T) {
	inst := newInstance(t, 1, big.NewInt(0))
	inst.adapter.SetQuota(nativecommon.Quota{MaxAmountPerEpoch: 500, EpochSeconds: 3600}, inst.state)
	if err := inst.engine.Fund(sender, rbt(300)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	if _, err := inst.adapter.Burn(sender, 2, receiver, rbt(400)); !errors.Is(err, rebase.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if usage := inst.state.usage[sender]; usage.AmountUsed != 0 || usage.Requests != 0 {
		t.Fatalf("failed burn consumed quota: %+v", usage)
	}

	if _, err := inst.adapter.Burn(sender, 2, receiver, rbt(300)); err != nil {
		t.Fatalf("burn within quota: %v", err)
	}
	if usage := inst.state.usage[sender]; usage.AmountUsed != 300 {
		t.Fatalf("quota not charged: %+v", usage)
	}
}

func TestBurnQuotaCapRejects(t *testing.T) {
	inst := newInstance(t, 1, big.NewInt(0))
	inst.adapter.SetQuota(nativecommon.Quota{MaxAmountPerEpoch: 500, EpochSeconds: 3600}, inst.state)
	if err := inst.engine.Fund(sender, rbt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	if _, err := inst.adapter.Burn(sender, 2, receiver, rbt(300)); err != nil {
		t.Fatalf("first burn: %v", err)
	}
	if _, err := inst.adapter.Burn(sender, 2, receiver, rbt(300)); !errors.Is(err, nativecommon.ErrQuotaAmountExceeded) {
		t.Fatalf("expected quota rejection, got %v", err)
	}
	balance, err := inst.engine.BalanceOf(sender)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(rbt(700)) != 0 {
		t.Fatalf("quota rejection burned funds: %s", balance)
	}

	inst.now += 3600
	if _, err := inst.adapter.Burn(sender, 2, receiver, rbt(300)); err != nil {
		t.Fatalf("burn after epoch rollover: %v", err)
	}
}

// TestCrossInstanceDelivery walks a full crossing: burn on chain 1, a
// twenty-minute transport delay, delivery on chain 2. The carried rate is the
// sender's snapshot from chain 1; chain 2's lower global rate never applies,
// and the delay itself mints nothing.
func TestCrossInstanceDelivery(t *testing.T) {
	source := newInstance(t, 1, big.NewInt(50_000_000_000))
	dest := newInstance(t, 2, big.NewInt(20_000_000_000))
	source.adapter.SetRemoteSigner(dest.signerAddr())
	dest.adapter.SetRemoteSigner(source.signerAddr())

	if err := source.engine.Fund(sender, rbt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// The source operator keeps lowering its global rate; accounts funded
	// earlier are unaffected.
	if err := source.engine.Authority().SetRate(operator, big.NewInt(10_000_000_000)); err != nil {
		t.Fatalf("lower source rate: %v", err)
	}

	signed, err := source.adapter.Burn(sender, 2, receiver, rbt(1000))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if signed.Voucher.Rate != "50000000000" {
		t.Fatalf("voucher rate = %s, want funding-time snapshot", signed.Voucher.Rate)
	}

	// Transport sits on the voucher for twenty minutes.
	dest.now += 1200
	if err := dest.adapter.Deliver(signed); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	atDelivery, err := dest.engine.BalanceOf(receiver)
	if err != nil {
		t.Fatalf("balance at delivery: %v", err)
	}
	if atDelivery.Cmp(rbt(1000)) != 0 {
		t.Fatalf("delay minted interest: %s, want exactly 1000 RBT", atDelivery)
	}

	dest.now += 600
	later, err := dest.engine.BalanceOf(receiver)
	if err != nil {
		t.Fatalf("balance after accrual: %v", err)
	}
	// 1000e18 * 5e10 * 600 / 1e18 = 3e16 of interest under the carried rate.
	wantInterest, _ := new(big.Int).SetString("30000000000000000", 10)
	want := new(big.Int).Add(rbt(1000), wantInterest)
	if later.Cmp(want) != 0 {
		t.Fatalf("accrual on chain 2 = %s, want %s at carried rate", later, want)
	}
	underLocalRate := new(big.Int).Add(rbt(1000), big.NewInt(12_000_000_000_000_000))
	if later.Cmp(underLocalRate) == 0 {
		t.Fatalf("destination applied its own global rate")
	}
}

func TestDeliverRejectsUnknownSigner(t *testing.T) {
	source := newInstance(t, 1, big.NewInt(0))
	dest := newInstance(t, 2, big.NewInt(0))
	// dest trusts a key that is not source's.
	stranger, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var strangerAddr [20]byte
	copy(strangerAddr[:], stranger.PubKey().Address().Bytes())
	dest.adapter.SetRemoteSigner(strangerAddr)

	if err := source.engine.Fund(sender, rbt(10)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	signed, err := source.adapter.Burn(sender, 2, receiver, rbt(10))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if err := dest.adapter.Deliver(signed); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("expected ErrInvalidSigner, got %v", err)
	}
	balance, err := dest.engine.BalanceOf(receiver)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("rejected voucher minted %s", balance)
	}
}

func TestDeliverRejectsTamperedVoucher(t *testing.T) {
	source := newInstance(t, 1, big.NewInt(0))
	dest := newInstance(t, 2, big.NewInt(0))
	dest.adapter.SetRemoteSigner(source.signerAddr())

	if err := source.engine.Fund(sender, rbt(10)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	signed, err := source.adapter.Burn(sender, 2, receiver, rbt(10))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	tampered := *signed
	tampered.Voucher.Amount = rbt(10_000).String()
	if err := dest.adapter.Deliver(&tampered); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("expected ErrInvalidSigner for tampered payload, got %v", err)
	}
}

func TestDeliverRejectsWrongDestination(t *testing.T) {
	source := newInstance(t, 1, big.NewInt(0))
	dest := newInstance(t, 3, big.NewInt(0))
	dest.adapter.SetRemoteSigner(source.signerAddr())

	if err := source.engine.Fund(sender, rbt(10)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	signed, err := source.adapter.Burn(sender, 2, receiver, rbt(10))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if err := dest.adapter.Deliver(signed); !errors.Is(err, ErrWrongDestination) {
		t.Fatalf("expected ErrWrongDestination, got %v", err)
	}
}

func TestVoucherCanonicalJSONStable(t *testing.T) {
	voucher := Voucher{
		ID:          "  9f0d9b2c-58f0-4d9e-8a5e-2d6a9c1b3f4e ",
		SourceChain: 1,
		DestChain:   2,
		Account:     crypto.MustNewAddress(crypto.RBTPrefix, receiver[:]).String(),
		Amount:      " 1000000000000000000000 ",
		Rate:        "50000000000",
		IssuedAt:    1_700_000_000,
	}
	first, err := voucher.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	normalized := voucher
	normalized.ID = "9f0d9b2c-58f0-4d9e-8a5e-2d6a9c1b3f4e"
	normalized.Amount = "1000000000000000000000"
	second, err := normalized.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("whitespace changed the digest")
	}
}

func TestVoucherValidation(t *testing.T) {
	base := Voucher{
		ID:          "v-1",
		SourceChain: 1,
		DestChain:   2,
		Account:     crypto.MustNewAddress(crypto.RBTPrefix, receiver[:]).String(),
		Amount:      "100",
		Rate:        "0",
		IssuedAt:    1,
	}
	if _, err := base.CanonicalJSON(); err != nil {
		t.Fatalf("valid voucher rejected: %v", err)
	}

	cases := map[string]func(*Voucher){
		"missing id":       func(v *Voucher) { v.ID = " " },
		"zero amount":      func(v *Voucher) { v.Amount = "0" },
		"negative rate":    func(v *Voucher) { v.Rate = "-1" },
		"same chains":      func(v *Voucher) { v.DestChain = 1 },
		"missing account":  func(v *Voucher) { v.Account = "" },
		"missing issuedAt": func(v *Voucher) { v.IssuedAt = 0 },
	}
	for name, mutate := range cases {
		voucher := base
		mutate(&voucher)
		if _, err := voucher.CanonicalJSON(); !errors.Is(err, ErrInvalidVoucher) {
			t.Fatalf("%s: expected ErrInvalidVoucher, got %v", name, err)
		}
	}
}
