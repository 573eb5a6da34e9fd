// Package bridge moves settled value between ledger instances. Outbound
// crossings burn locally and produce a signed voucher; inbound crossings
// verify the remote signature and mint at the rate the voucher carries.
// Enqueueing, delivery retries, and duplicate suppression belong to the node
// and the transport, not to this adapter.
package bridge

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"rebasenet/core/events"
	"rebasenet/crypto"
	nativecommon "rebasenet/native/common"
	"rebasenet/native/rebase"
)

const moduleName = "bridge"

var (
	ErrNilLedger          = errors.New("bridge: ledger not configured")
	ErrNilSigner          = errors.New("bridge: signing key not configured")
	ErrNoRemoteSigner     = errors.New("bridge: remote signer not configured")
	ErrInvalidDestination = errors.New("bridge: invalid destination chain")
)

// Ledger is the slice of the accrual engine the adapter drives.
type Ledger interface {
	BalanceOf(addr [20]byte) (*big.Int, error)
	Burn(addr [20]byte, amount *big.Int) (rebase.BurnReceipt, error)
	Mint(addr [20]byte, amount, rate *big.Int) error
}

type quotaState interface {
	BridgeUsage(addr [20]byte) (nativecommon.QuotaUsage, error)
	PutBridgeUsage(addr [20]byte, usage nativecommon.QuotaUsage) error
}

// Adapter implements both halves of a crossing for one ledger instance. It
// owns the ledger semantics of a crossing; enqueueing the signed voucher for
// transport is the caller's job, sequenced after the burn is durable.
type Adapter struct {
	chainID uint64

	ledger     Ledger
	signer     *crypto.PrivateKey
	remote     [20]byte
	remoteSet  bool
	emitter    events.Emitter
	nowFn      func() int64
	newID      func() string
	pauses     nativecommon.PauseView
	quota      nativecommon.Quota
	quotaState quotaState
}

func NewAdapter(chainID uint64) *Adapter {
	return &Adapter{
		chainID: chainID,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		newID:   uuid.NewString,
	}
}

func (a *Adapter) SetLedger(ledger Ledger) { a.ledger = ledger }

// SetSigner installs the local bridge key used to sign outbound vouchers.
func (a *Adapter) SetSigner(key *crypto.PrivateKey) { a.signer = key }

// SetRemoteSigner installs the address of the counterparty's bridge key.
// Inbound vouchers recovered to any other address are rejected.
func (a *Adapter) SetRemoteSigner(addr [20]byte) {
	a.remote = addr
	a.remoteSet = true
}

func (a *Adapter) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	a.emitter = emitter
}

func (a *Adapter) SetNowFunc(now func() int64) {
	if now != nil {
		a.nowFn = now
	}
}

// SetIDFunc overrides voucher ID generation.
func (a *Adapter) SetIDFunc(newID func() string) {
	if newID != nil {
		a.newID = newID
	}
}

func (a *Adapter) SetPauses(p nativecommon.PauseView) { a.pauses = p }

// SetQuota enables per-sender crossing quotas backed by persisted counters.
func (a *Adapter) SetQuota(quota nativecommon.Quota, state quotaState) {
	a.quota = quota
	a.quotaState = state
}

// ChainID returns the local instance identifier.
func (a *Adapter) ChainID() uint64 { return a.chainID }

// Burn debits the sender exactly like a withdrawal and returns the signed
// voucher for the destination. The voucher's rate is the sender's snapshot at
// burn time; the MaxAmount sentinel resolves to the full settled balance
// before the quota is charged.
func (a *Adapter) Burn(sender [20]byte, destChain uint64, destAccount [20]byte, amount *big.Int) (*SignedVoucher, error) {
	if a == nil || a.ledger == nil {
		return nil, ErrNilLedger
	}
	if a.signer == nil {
		return nil, ErrNilSigner
	}
	if err := nativecommon.Guard(a.pauses, moduleName); err != nil {
		return nil, err
	}
	if destChain == 0 {
		return nil, ErrInvalidDestination
	}
	if destChain == a.chainID {
		return nil, ErrSameChain
	}

	usage, charged, err := a.reserveQuota(sender, amount)
	if err != nil {
		return nil, err
	}
	receipt, err := a.ledger.Burn(sender, amount)
	if err != nil {
		return nil, err
	}
	if charged {
		if err := a.quotaState.PutBridgeUsage(sender, usage); err != nil {
			return nil, fmt.Errorf("bridge: persist quota: %w", err)
		}
	}

	voucher := Voucher{
		ID:          a.newID(),
		SourceChain: a.chainID,
		DestChain:   destChain,
		Account:     crypto.MustNewAddress(crypto.RBTPrefix, destAccount[:]).String(),
		Amount:      receipt.Amount.String(),
		Rate:        receipt.Rate.String(),
		IssuedAt:    a.nowFn(),
	}
	signed, err := Sign(voucher, a.signer)
	if err != nil {
		return nil, err
	}
	a.emitter.Emit(events.BridgeOutbound{
		VoucherID: voucher.ID,
		Sender:    sender,
		DestChain: destChain,
		Account:   destAccount,
		Amount:    new(big.Int).Set(receipt.Amount),
		Rate:      new(big.Int).Set(receipt.Rate),
	})
	return signed, nil
}

// Deliver applies an inbound voucher: signature, destination, and payload are
// verified, then the destination account is minted the burned amount at the
// carried rate. Delivery is idempotent only in combination with the node's
// processed-voucher set; the adapter itself applies every call it accepts.
func (a *Adapter) Deliver(signed *SignedVoucher) error {
	if a == nil || a.ledger == nil {
		return ErrNilLedger
	}
	if !a.remoteSet {
		return ErrNoRemoteSigner
	}
	if err := nativecommon.Guard(a.pauses, moduleName); err != nil {
		return err
	}
	if signed == nil {
		return ErrInvalidVoucher
	}
	signer, err := signed.RecoverSigner()
	if err != nil {
		return err
	}
	if signer != a.remote {
		return ErrInvalidSigner
	}
	voucher := signed.Voucher
	if voucher.DestChain != a.chainID {
		return ErrWrongDestination
	}
	account, err := voucher.AccountBytes()
	if err != nil {
		return err
	}
	amount, err := voucher.AmountBig()
	if err != nil {
		return err
	}
	rate, err := voucher.RateBig()
	if err != nil {
		return err
	}
	if err := a.ledger.Mint(account, amount, rate); err != nil {
		return err
	}
	a.emitter.Emit(events.BridgeInbound{
		VoucherID:   voucher.ID,
		SourceChain: voucher.SourceChain,
		Account:     account,
		Amount:      new(big.Int).Set(amount),
		Rate:        new(big.Int).Set(rate),
	})
	return nil
}

// reserveQuota checks the sender's crossing quota without persisting it. The
// updated counters are written only after the burn succeeds, so a rejected
// burn never consumes quota.
func (a *Adapter) reserveQuota(sender [20]byte, amount *big.Int) (nativecommon.QuotaUsage, bool, error) {
	if a.quotaState == nil || !a.quota.Enabled() {
		return nativecommon.QuotaUsage{}, false, nil
	}
	resolved := amount
	if amount != nil && amount.Cmp(rebase.MaxAmount) == 0 {
		balance, err := a.ledger.BalanceOf(sender)
		if err != nil {
			return nativecommon.QuotaUsage{}, false, err
		}
		resolved = balance
	}
	prev, err := a.quotaState.BridgeUsage(sender)
	if err != nil {
		return nativecommon.QuotaUsage{}, false, err
	}
	epochSeconds := a.quota.EpochSeconds
	if epochSeconds == 0 {
		epochSeconds = 3600
	}
	now := a.nowFn()
	if now < 0 {
		now = 0
	}
	epoch := uint64(now) / uint64(epochSeconds)
	next, err := nativecommon.Apply(a.quota, epoch, prev, 1, wholeTokens(resolved))
	if err != nil {
		return nativecommon.QuotaUsage{}, false, err
	}
	return next, true, nil
}

// wholeTokens rounds a wei-scale amount up to whole tokens for quota
// accounting. Amounts beyond the uint64 range saturate, which always trips a
// configured cap.
func wholeTokens(amount *big.Int) uint64 {
	if amount == nil || amount.Sign() <= 0 {
		return 0
	}
	quo, rem := new(big.Int).QuoRem(amount, rebase.Scale, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	if !quo.IsUint64() {
		return ^uint64(0)
	}
	return quo.Uint64()
}
