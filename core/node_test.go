package core

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"rebasenet/core/outbox"
	"rebasenet/crypto"
	"rebasenet/native/bridge"
	nativecommon "rebasenet/native/common"
	"rebasenet/native/rebase"
	"rebasenet/storage"
)

var (
	testOperator = [20]byte{0x0f, 0xee}
	alice        = [20]byte{0xaa}
	bob          = [20]byte{0xbb}
)

type testNode struct {
	node *Node
	key  *crypto.PrivateKey
	now  int64
}

func newTestNode(t *testing.T, chainID uint64, rate *big.Int) *testNode {
	t.Helper()
	box, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { _ = box.Close() })

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	node, err := NewNode(storage.NewMemDB(), box, key, NodeConfig{
		ChainID:     chainID,
		Operator:    testOperator,
		InitialRate: rate,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	tn := &testNode{node: node, key: key, now: 1_700_000_000}
	node.SetNowFunc(func() int64 { return tn.now })
	return tn
}

func (tn *testNode) signerAddr() [20]byte {
	var out [20]byte
	copy(out[:], tn.key.PubKey().Address().Bytes())
	return out
}

func rbt(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), rebase.Scale)
}

func TestNodeFundAccrueWithdraw(t *testing.T) {
	tn := newTestNode(t, 1, big.NewInt(50_000_000_000))
	if err := tn.node.Fund(alice, rbt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	tn.now += 600
	view, err := tn.node.Account(alice)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	wantInterest, _ := new(big.Int).SetString("30000000000000000", 10)
	want := new(big.Int).Add(rbt(1000), wantInterest)
	if view.Balance.Cmp(want) != 0 {
		t.Fatalf("balance = %s, want %s", view.Balance, want)
	}
	if view.Principal.Cmp(rbt(1000)) != 0 {
		t.Fatalf("lazy principal = %s, want untouched 1000 RBT", view.Principal)
	}

	resolved, err := tn.node.Withdraw(alice, rebase.MaxAmount)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if resolved.Cmp(want) != 0 {
		t.Fatalf("withdrew %s, want full %s", resolved, want)
	}
	balance, err := tn.node.Balance(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("residual balance %s", balance)
	}
}

func TestNodeTransferAndRate(t *testing.T) {
	tn := newTestNode(t, 1, big.NewInt(50_000_000_000))
	if err := tn.node.Fund(alice, rbt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := tn.node.SetRate(testOperator, big.NewInt(20_000_000_000)); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if err := tn.node.SetRate(testOperator, big.NewInt(30_000_000_000)); !errors.Is(err, rebase.ErrRateMustDecrease) {
		t.Fatalf("rate increase: %v", err)
	}
	info, err := tn.node.RateInfo()
	if err != nil {
		t.Fatalf("rate info: %v", err)
	}
	if info.Rate.Cmp(big.NewInt(20_000_000_000)) != 0 {
		t.Fatalf("rate = %s", info.Rate)
	}

	if _, err := tn.node.Transfer(alice, bob, rbt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	view, err := tn.node.Account(bob)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	// Bob had no principal, so he inherits Alice's funding-time snapshot.
	if view.Rate.Cmp(big.NewInt(50_000_000_000)) != 0 {
		t.Fatalf("inherited rate = %s", view.Rate)
	}
}

func TestNodeBurnEnqueuesVoucher(t *testing.T) {
	tn := newTestNode(t, 1, big.NewInt(50_000_000_000))
	if err := tn.node.Fund(alice, rbt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	signed, err := tn.node.BurnToBridge(alice, 2, bob, rbt(250))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	pending, err := tn.node.PendingVouchers(0, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != signed.Voucher.ID {
		t.Fatalf("outbox = %+v", pending)
	}
	depth, err := tn.node.OutboxDepth()
	if err != nil || depth != 1 {
		t.Fatalf("depth = %d err = %v", depth, err)
	}

	if err := tn.node.AckVoucher(signed.Voucher.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, err = tn.node.OutboxDepth()
	if err != nil || depth != 0 {
		t.Fatalf("depth after ack = %d err = %v", depth, err)
	}
}

func TestNodeDeliverExactlyOnce(t *testing.T) {
	source := newTestNode(t, 1, big.NewInt(50_000_000_000))
	dest := newTestNode(t, 2, big.NewInt(20_000_000_000))
	source.node.adapter.SetRemoteSigner(dest.signerAddr())
	dest.node.adapter.SetRemoteSigner(source.signerAddr())

	if err := source.node.Fund(alice, rbt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	signed, err := source.node.BurnToBridge(alice, 2, bob, rbt(1000))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}

	dest.now += 1200
	applied, err := dest.node.DeliverVoucher(signed)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !applied {
		t.Fatalf("first delivery not applied")
	}
	balance, err := dest.node.Balance(bob)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(rbt(1000)) != 0 {
		t.Fatalf("delivered balance = %s", balance)
	}

	// The transport redelivers; the ledger must not double-mint.
	for i := 0; i < 3; i++ {
		applied, err = dest.node.DeliverVoucher(signed)
		if err != nil {
			t.Fatalf("redeliver: %v", err)
		}
		if applied {
			t.Fatalf("duplicate voucher applied")
		}
	}
	balance, err = dest.node.Balance(bob)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(rbt(1000)) != 0 {
		t.Fatalf("redelivery changed balance: %s", balance)
	}

	view, err := dest.node.Account(bob)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if view.Rate.Cmp(big.NewInt(50_000_000_000)) != 0 {
		t.Fatalf("carried rate = %s, want source snapshot", view.Rate)
	}
}

func TestNodeRejectedDeliveryNotMarked(t *testing.T) {
	source := newTestNode(t, 1, big.NewInt(0))
	dest := newTestNode(t, 2, big.NewInt(0))
	// dest initially trusts nobody.
	if err := source.node.Fund(alice, rbt(10)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	signed, err := source.node.BurnToBridge(alice, 2, bob, rbt(10))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}

	if _, err := dest.node.DeliverVoucher(signed); !errors.Is(err, bridge.ErrNoRemoteSigner) {
		t.Fatalf("expected ErrNoRemoteSigner, got %v", err)
	}

	// After trust is configured the same voucher must still apply: the
	// rejected attempt must not have consumed its ID.
	dest.node.adapter.SetRemoteSigner(source.signerAddr())
	applied, err := dest.node.DeliverVoucher(signed)
	if err != nil {
		t.Fatalf("deliver after trust: %v", err)
	}
	if !applied {
		t.Fatalf("rejected attempt consumed the voucher id")
	}
}

func TestNodePauseControls(t *testing.T) {
	tn := newTestNode(t, 1, big.NewInt(0))
	if err := tn.node.SetPaused("rebase", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := tn.node.Fund(alice, rbt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("paused fund: %v", err)
	}
	if got := tn.node.PausedModules(); len(got) != 1 || got[0] != "rebase" {
		t.Fatalf("paused modules = %v", got)
	}
	if err := tn.node.SetPaused("rebase", false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := tn.node.Fund(alice, rbt(1)); err != nil {
		t.Fatalf("fund after unpause: %v", err)
	}
	if err := tn.node.SetPaused("staking", true); err == nil {
		t.Fatalf("unknown module accepted")
	}
}

func TestNodeVaultRoundtrip(t *testing.T) {
	tn := newTestNode(t, 1, big.NewInt(50_000_000_000))
	if err := tn.node.Deposit(alice, rbt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	tn.now += 600
	resolved, err := tn.node.Redeem(alice, rebase.MaxAmount)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	wantInterest, _ := new(big.Int).SetString("15000000000000000", 10)
	want := new(big.Int).Add(rbt(500), wantInterest)
	if resolved.Cmp(want) != 0 {
		t.Fatalf("redeemed %s, want %s", resolved, want)
	}
}

func TestNodeEventStream(t *testing.T) {
	tn := newTestNode(t, 1, big.NewInt(0))
	stream, cancel := tn.node.Subscribe(16)
	defer cancel()

	if err := tn.node.Fund(alice, rbt(5)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	select {
	case evt := <-stream:
		if evt.Type != "rebase.funded" {
			t.Fatalf("event type = %s", evt.Type)
		}
		if evt.Attributes["amount"] != rbt(5).String() {
			t.Fatalf("event amount = %s", evt.Attributes["amount"])
		}
	default:
		t.Fatalf("no event delivered")
	}
}
