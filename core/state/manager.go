// Package state persists ledger accounts, the rate authority record, bridge
// bookkeeping, and module pause switches on a key-value backend. Values are
// RLP encoded; keys are keccak hashes of a readable prefix plus the natural
// identifier so related records cannot collide across modules.
package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"rebasenet/core/types"
	nativecommon "rebasenet/native/common"
	"rebasenet/native/rebase"
	"rebasenet/storage"
)

var (
	accountPrefix     = []byte("rebase/account/")
	rateRecordKey     = ethcrypto.Keccak256([]byte("rebase/rate-authority"))
	processedPrefix   = []byte("bridge/processed/")
	bridgeQuotaPrefix = []byte("bridge/quota/")
	pausesKey         = ethcrypto.Keccak256([]byte("params/pauses"))
	chainIDKey        = ethcrypto.Keccak256([]byte("meta/chain-id"))
)

// Manager is the node's view of persisted ledger state. It satisfies the
// state interfaces of the rebase engine, the rate authority, and the bridge
// adapter. Callers serialize mutating access; the manager itself only locks
// around the pause cache.
type Manager struct {
	db storage.Database

	pauseMu sync.RWMutex
	paused  map[string]bool
}

func NewManager(db storage.Database) (*Manager, error) {
	m := &Manager{db: db, paused: make(map[string]bool)}
	paused, err := m.loadPauses()
	if err != nil {
		return nil, err
	}
	m.paused = paused
	return m, nil
}

type storedAccount struct {
	Nonce       uint64
	Principal   *big.Int
	Rate        *big.Int
	LastSettled uint64
}

type storedRateRecord struct {
	Rate      *big.Int
	Operator  [20]byte
	UpdatedAt uint64
}

type storedQuota struct {
	Requests   uint32
	AmountUsed uint64
	EpochID    uint64
}

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func processedKey(id string) []byte {
	buf := make([]byte, len(processedPrefix)+len(id))
	copy(buf, processedPrefix)
	copy(buf[len(processedPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func quotaKey(addr [20]byte) []byte {
	buf := make([]byte, len(bridgeQuotaPrefix)+len(addr))
	copy(buf, bridgeQuotaPrefix)
	copy(buf[len(bridgeQuotaPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

// GetAccount returns the stored account or a zero-valued one for addresses
// never touched. Accounts come into existence on their first funding.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	raw, err := m.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		account := &types.Account{}
		account.EnsureDefaults()
		return account, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load account: %w", err)
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	account := &types.Account{
		Nonce:       stored.Nonce,
		Principal:   stored.Principal,
		Rate:        stored.Rate,
		LastSettled: stored.LastSettled,
	}
	account.EnsureDefaults()
	return account, nil
}

func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	clone := account.Clone()
	clone.EnsureDefaults()
	raw, err := rlp.EncodeToBytes(&storedAccount{
		Nonce:       clone.Nonce,
		Principal:   clone.Principal,
		Rate:        clone.Rate,
		LastSettled: clone.LastSettled,
	})
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	return m.db.Put(accountKey(addr), raw)
}

// RateRecord loads the singleton rate authority record.
func (m *Manager) RateRecord() (*rebase.RateRecord, bool, error) {
	raw, err := m.db.Get(rateRecordKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("state: load rate record: %w", err)
	}
	var stored storedRateRecord
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode rate record: %w", err)
	}
	record := &rebase.RateRecord{
		Rate:      stored.Rate,
		Operator:  stored.Operator,
		UpdatedAt: stored.UpdatedAt,
	}
	if record.Rate == nil {
		record.Rate = big.NewInt(0)
	}
	return record, true, nil
}

func (m *Manager) PutRateRecord(record *rebase.RateRecord) error {
	if record == nil {
		return fmt.Errorf("state: nil rate record")
	}
	clone := record.Clone()
	raw, err := rlp.EncodeToBytes(&storedRateRecord{
		Rate:      clone.Rate,
		Operator:  clone.Operator,
		UpdatedAt: clone.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("state: encode rate record: %w", err)
	}
	return m.db.Put(rateRecordKey, raw)
}

// VoucherProcessed reports whether an inbound voucher ID was already applied.
func (m *Manager) VoucherProcessed(id string) (bool, error) {
	_, err := m.db.Get(processedKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: load processed voucher: %w", err)
	}
	return true, nil
}

// MarkVoucherProcessed records the application timestamp for an inbound
// voucher. The entry is never removed; replays must stay detectable for the
// life of the instance.
func (m *Manager) MarkVoucherProcessed(id string, appliedAt uint64) error {
	raw, err := rlp.EncodeToBytes(appliedAt)
	if err != nil {
		return fmt.Errorf("state: encode processed voucher: %w", err)
	}
	return m.db.Put(processedKey(id), raw)
}

// BridgeUsage returns the sender's crossing quota counters.
func (m *Manager) BridgeUsage(addr [20]byte) (nativecommon.QuotaUsage, error) {
	raw, err := m.db.Get(quotaKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nativecommon.QuotaUsage{}, nil
	}
	if err != nil {
		return nativecommon.QuotaUsage{}, fmt.Errorf("state: load bridge usage: %w", err)
	}
	var stored storedQuota
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nativecommon.QuotaUsage{}, fmt.Errorf("state: decode bridge usage: %w", err)
	}
	return nativecommon.QuotaUsage{
		Requests:   stored.Requests,
		AmountUsed: stored.AmountUsed,
		EpochID:    stored.EpochID,
	}, nil
}

func (m *Manager) PutBridgeUsage(addr [20]byte, usage nativecommon.QuotaUsage) error {
	raw, err := rlp.EncodeToBytes(&storedQuota{
		Requests:   usage.Requests,
		AmountUsed: usage.AmountUsed,
		EpochID:    usage.EpochID,
	})
	if err != nil {
		return fmt.Errorf("state: encode bridge usage: %w", err)
	}
	return m.db.Put(quotaKey(addr), raw)
}

// IsPaused implements the pause view engines consult before mutating.
func (m *Manager) IsPaused(module string) bool {
	m.pauseMu.RLock()
	defer m.pauseMu.RUnlock()
	return m.paused[module]
}

// SetPaused flips a module's pause switch and persists the full set.
func (m *Manager) SetPaused(module string, paused bool) error {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	next := make(map[string]bool, len(m.paused))
	for name, value := range m.paused {
		next[name] = value
	}
	if paused {
		next[module] = true
	} else {
		delete(next, module)
	}
	names := make([]string, 0, len(next))
	for name := range next {
		names = append(names, name)
	}
	sort.Strings(names)
	raw, err := rlp.EncodeToBytes(names)
	if err != nil {
		return fmt.Errorf("state: encode pauses: %w", err)
	}
	if err := m.db.Put(pausesKey, raw); err != nil {
		return fmt.Errorf("state: persist pauses: %w", err)
	}
	m.paused = next
	return nil
}

// PausedModules returns the currently paused module names, sorted.
func (m *Manager) PausedModules() []string {
	m.pauseMu.RLock()
	defer m.pauseMu.RUnlock()
	names := make([]string, 0, len(m.paused))
	for name := range m.paused {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) loadPauses() (map[string]bool, error) {
	paused := make(map[string]bool)
	raw, err := m.db.Get(pausesKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return paused, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load pauses: %w", err)
	}
	var names []string
	if err := rlp.DecodeBytes(raw, &names); err != nil {
		return nil, fmt.Errorf("state: decode pauses: %w", err)
	}
	for _, name := range names {
		paused[name] = true
	}
	return paused, nil
}

// EnsureChainID pins the instance identifier on first open and rejects a
// reopen under a different one, which would otherwise let two configs share
// one database and mix crossing bookkeeping.
func (m *Manager) EnsureChainID(chainID uint64) error {
	raw, err := m.db.Get(chainIDKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		encoded, encErr := rlp.EncodeToBytes(chainID)
		if encErr != nil {
			return fmt.Errorf("state: encode chain id: %w", encErr)
		}
		return m.db.Put(chainIDKey, encoded)
	}
	if err != nil {
		return fmt.Errorf("state: load chain id: %w", err)
	}
	var stored uint64
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return fmt.Errorf("state: decode chain id: %w", err)
	}
	if stored != chainID {
		return fmt.Errorf("state: database belongs to chain %d, configured chain %d", stored, chainID)
	}
	return nil
}
