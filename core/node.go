package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"rebasenet/core/events"
	"rebasenet/core/outbox"
	"rebasenet/core/state"
	"rebasenet/core/types"
	"rebasenet/crypto"
	"rebasenet/native/bridge"
	nativecommon "rebasenet/native/common"
	"rebasenet/native/rebase"
	"rebasenet/native/vault"
	"rebasenet/storage"
)

// Modules that can be paused through governance.
var knownModules = map[string]bool{
	"rebase": true,
	"bridge": true,
	"vault":  true,
}

// NodeConfig carries the genesis parameters of one ledger instance.
type NodeConfig struct {
	ChainID         uint64
	Operator        [20]byte
	InitialRate     *big.Int
	BridgeQuota     nativecommon.Quota
	RemoteSigner    [20]byte
	HasRemoteSigner bool
}

// AccountView is the externally visible snapshot of one account at an
// instant: the stored fields plus the balance computed for the query.
type AccountView struct {
	Address     crypto.Address
	Balance     *big.Int
	Principal   *big.Int
	Rate        *big.Int
	LastSettled uint64
	Nonce       uint64
}

// RateView reports the rate authority record.
type RateView struct {
	Rate      *big.Int
	Operator  crypto.Address
	UpdatedAt uint64
}

// Node is the central controller: it owns the state manager and serializes
// every ledger operation so settlement timestamps and bridge bookkeeping
// never interleave. Multi-key transitions commit through the state manager's
// atomic batches.
type Node struct {
	db        storage.Database
	state     *state.Manager
	engine    *rebase.Engine
	authority *rebase.Authority
	vault     *vault.Vault
	adapter   *bridge.Adapter
	outbox    *outbox.Outbox
	bus       *events.Bus
	logger    *slog.Logger
	signer    *crypto.PrivateKey
	chainID   uint64
	nowFn     func() int64

	mu sync.Mutex
}

func NewNode(db storage.Database, box *outbox.Outbox, signer *crypto.PrivateKey, cfg NodeConfig) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database required")
	}
	if box == nil {
		return nil, fmt.Errorf("core: outbox required")
	}
	if signer == nil {
		return nil, fmt.Errorf("core: bridge signing key required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("core: chain id required")
	}
	if cfg.Operator == ([20]byte{}) {
		return nil, fmt.Errorf("core: rate operator required")
	}
	if cfg.InitialRate == nil || cfg.InitialRate.Sign() < 0 {
		return nil, fmt.Errorf("core: initial rate must be non-negative")
	}

	manager, err := state.NewManager(db)
	if err != nil {
		return nil, err
	}
	if err := manager.EnsureChainID(cfg.ChainID); err != nil {
		return nil, err
	}

	node := &Node{
		db:      db,
		state:   manager,
		outbox:  box,
		bus:     events.NewBus(),
		logger:  slog.Default(),
		signer:  signer,
		chainID: cfg.ChainID,
		nowFn:   func() int64 { return time.Now().Unix() },
	}

	authority := rebase.NewAuthority()
	authority.SetState(manager)
	authority.SetEmitter(node)
	authority.SetNowFunc(node.now)
	if err := authority.Initialize(cfg.Operator, cfg.InitialRate); err != nil {
		return nil, err
	}

	engine := rebase.NewEngine()
	engine.SetState(manager)
	engine.SetAuthority(authority)
	engine.SetEmitter(node)
	engine.SetNowFunc(node.now)
	engine.SetPauses(manager)

	adapter := bridge.NewAdapter(cfg.ChainID)
	adapter.SetLedger(engine)
	adapter.SetSigner(signer)
	adapter.SetEmitter(node)
	adapter.SetNowFunc(node.now)
	adapter.SetPauses(manager)
	if cfg.BridgeQuota.Enabled() {
		adapter.SetQuota(cfg.BridgeQuota, manager)
	}
	if cfg.HasRemoteSigner {
		adapter.SetRemoteSigner(cfg.RemoteSigner)
	}

	reserve := vault.NoopReserve{}
	backing := vault.New(engine, reserve)
	backing.SetEmitter(node)
	backing.SetPauses(manager)

	node.authority = authority
	node.engine = engine
	node.adapter = adapter
	node.vault = backing
	return node, nil
}

// SetLogger replaces the node's logger.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger != nil {
		n.logger = logger
	}
}

// SetNowFunc overrides the clock for every component at once.
func (n *Node) SetNowFunc(now func() int64) {
	if now == nil {
		return
	}
	n.nowFn = now
}

// SetReserve swaps the vault's asset custody backend. Call before serving.
func (n *Node) SetReserve(reserve vault.AssetReserve) {
	n.vault = vault.New(n.engine, reserve)
	n.vault.SetEmitter(n)
	n.vault.SetPauses(n.state)
}

func (n *Node) now() int64 { return n.nowFn() }

// Emit implements events.Emitter: every engine event is logged and fanned
// out to stream subscribers.
func (n *Node) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	n.logger.Debug("ledger event", "type", evt.EventType())
	n.bus.Emit(evt)
}

// Subscribe attaches an event stream consumer.
func (n *Node) Subscribe(buffer int) (<-chan *types.Event, func()) {
	return n.bus.Subscribe(buffer)
}

// ChainID returns the instance identifier.
func (n *Node) ChainID() uint64 { return n.chainID }

// BridgeAddress returns the address of the local bridge signing key in its
// bridge-specific encoding.
func (n *Node) BridgeAddress() crypto.Address {
	return crypto.MustNewAddress(crypto.BridgePrefix, n.signer.PubKey().Address().Bytes())
}

// Balance computes the balance of addr at the current instant.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.BalanceOf(addr)
}

// Account returns the full account snapshot.
func (n *Node) Account(addr [20]byte) (*AccountView, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	stored, err := n.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	balance, err := n.engine.BalanceOf(addr)
	if err != nil {
		return nil, err
	}
	return &AccountView{
		Address:     crypto.MustNewAddress(crypto.RBTPrefix, addr[:]),
		Balance:     balance,
		Principal:   stored.Principal,
		Rate:        stored.Rate,
		LastSettled: stored.LastSettled,
		Nonce:       stored.Nonce,
	}, nil
}

// RateInfo returns the current global rate record.
func (n *Node) RateInfo() (*RateView, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	record, ok, err := n.state.RateRecord()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("core: rate authority not initialized")
	}
	return &RateView{
		Rate:      record.Rate,
		Operator:  crypto.MustNewAddress(crypto.RBTPrefix, record.Operator[:]),
		UpdatedAt: record.UpdatedAt,
	}, nil
}

// Settle folds accrued interest into addr's principal.
func (n *Node) Settle(addr [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Atomic(func() error {
		return n.engine.Settle(addr)
	})
}

// Fund credits principal at the current global rate.
func (n *Node) Fund(addr [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Atomic(func() error {
		return n.engine.Fund(addr, amount)
	})
}

// Withdraw debits settled balance and reports the resolved amount.
func (n *Node) Withdraw(addr [20]byte, amount *big.Int) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var resolved *big.Int
	err := n.state.Atomic(func() error {
		var innerErr error
		resolved, innerErr = n.engine.Withdraw(addr, amount)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// Transfer moves settled balance between accounts.
func (n *Node) Transfer(from, to [20]byte, amount *big.Int) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var resolved *big.Int
	err := n.state.Atomic(func() error {
		var innerErr error
		resolved, innerErr = n.engine.Transfer(from, to, amount)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// SetRate lowers the global rate on behalf of caller.
func (n *Node) SetRate(caller [20]byte, rate *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Atomic(func() error {
		return n.authority.SetRate(caller, rate)
	})
}

// Deposit funds addr through the vault's asset reserve.
func (n *Node) Deposit(addr [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Atomic(func() error {
		return n.vault.Deposit(addr, amount)
	})
}

// Redeem withdraws from the ledger and pays out the external asset.
func (n *Node) Redeem(addr [20]byte, amount *big.Int) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var resolved *big.Int
	err := n.state.Atomic(func() error {
		var innerErr error
		resolved, innerErr = n.vault.Redeem(addr, amount)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// BurnToBridge burns sender's balance for a crossing and enqueues the signed
// voucher. When the burn commits but enqueueing fails, the voucher is
// returned alongside the error so an operator can replay it into the outbox;
// retrying the whole call would burn twice.
func (n *Node) BurnToBridge(sender [20]byte, destChain uint64, destAccount [20]byte, amount *big.Int) (*bridge.SignedVoucher, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var signed *bridge.SignedVoucher
	err := n.state.Atomic(func() error {
		var innerErr error
		signed, innerErr = n.adapter.Burn(sender, destChain, destAccount, amount)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(signed)
	if err != nil {
		return signed, fmt.Errorf("core: encode voucher %s: %w", signed.Voucher.ID, err)
	}
	if _, err := n.outbox.Append(signed.Voucher.ID, payload); err != nil {
		n.logger.Error("voucher burned but not enqueued",
			"voucher", signed.Voucher.ID,
			"destChain", destChain,
			"err", err)
		return signed, fmt.Errorf("core: enqueue voucher %s: %w", signed.Voucher.ID, err)
	}
	return signed, nil
}

// DeliverVoucher applies an inbound voucher exactly once. The first call
// mints and records the voucher ID in one atomic batch; later calls with the
// same ID report applied=false with no error and change nothing.
func (n *Node) DeliverVoucher(signed *bridge.SignedVoucher) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if signed == nil {
		return false, bridge.ErrInvalidVoucher
	}
	id := strings.TrimSpace(signed.Voucher.ID)
	if id == "" {
		return false, fmt.Errorf("%w: id required", bridge.ErrInvalidVoucher)
	}
	applied := false
	err := n.state.Atomic(func() error {
		processed, err := n.state.VoucherProcessed(id)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		if err := n.adapter.Deliver(signed); err != nil {
			return err
		}
		now := n.now()
		if now < 0 {
			now = 0
		}
		if err := n.state.MarkVoucherProcessed(id, uint64(now)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		n.logger.Info("duplicate voucher suppressed", "voucher", id)
	}
	return applied, nil
}

// PendingVouchers lists enqueued outbound vouchers after the given cursor.
func (n *Node) PendingVouchers(afterSeq uint64, limit int) ([]outbox.Entry, error) {
	return n.outbox.Pending(afterSeq, limit)
}

// AckVoucher removes a delivered voucher from the outbox.
func (n *Node) AckVoucher(id string) error {
	return n.outbox.Ack(id)
}

// OutboxDepth reports how many vouchers await delivery.
func (n *Node) OutboxDepth() (int, error) {
	return n.outbox.Depth()
}

// SetPaused toggles a module's mutating operations.
func (n *Node) SetPaused(module string, paused bool) error {
	if !knownModules[module] {
		return fmt.Errorf("core: unknown module %q", module)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.SetPaused(module, paused)
}

// PausedModules lists the modules currently paused.
func (n *Node) PausedModules() []string {
	return n.state.PausedModules()
}
