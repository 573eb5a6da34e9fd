package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rebasenet/crypto"
)

var (
	// ErrInvalidSigner indicates the recovered voucher signer is not the
	// configured remote bridge key.
	ErrInvalidSigner = errors.New("bridge: invalid signer")
	// ErrWrongDestination indicates the voucher targets a different instance.
	ErrWrongDestination = errors.New("bridge: destination chain mismatch")
	// ErrSameChain indicates an outbound request naming the local instance as
	// its own destination.
	ErrSameChain = errors.New("bridge: destination equals source chain")
	// ErrInvalidVoucher wraps structural validation failures.
	ErrInvalidVoucher = errors.New("bridge: invalid voucher")
)

// Voucher is the canonical payload signed by the burning instance's bridge
// key. Amount and Rate travel as decimal strings so the signed bytes are
// identical on every platform; Rate is the burned account's snapshot at burn
// time, which the destination applies verbatim.
type Voucher struct {
	ID          string `json:"id"`
	SourceChain uint64 `json:"sourceChain"`
	DestChain   uint64 `json:"destChain"`
	Account     string `json:"account"`
	Amount      string `json:"amount"`
	Rate        string `json:"rate"`
	IssuedAt    int64  `json:"issuedAt"`
}

// CanonicalJSON returns the canonical encoding used for signing. Field order
// is fixed by the struct; string fields are trimmed and amounts normalized so
// semantically equal vouchers hash identically.
func (v Voucher) CanonicalJSON() ([]byte, error) {
	amount, err := v.AmountBig()
	if err != nil {
		return nil, err
	}
	rate, err := v.RateBig()
	if err != nil {
		return nil, err
	}
	canonical := Voucher{
		ID:          strings.TrimSpace(v.ID),
		SourceChain: v.SourceChain,
		DestChain:   v.DestChain,
		Account:     strings.TrimSpace(v.Account),
		Amount:      amount.String(),
		Rate:        rate.String(),
		IssuedAt:    v.IssuedAt,
	}
	if canonical.ID == "" {
		return nil, fmt.Errorf("%w: id required", ErrInvalidVoucher)
	}
	if canonical.SourceChain == 0 || canonical.DestChain == 0 {
		return nil, fmt.Errorf("%w: chain ids required", ErrInvalidVoucher)
	}
	if canonical.SourceChain == canonical.DestChain {
		return nil, fmt.Errorf("%w: source equals destination", ErrInvalidVoucher)
	}
	if canonical.Account == "" {
		return nil, fmt.Errorf("%w: account required", ErrInvalidVoucher)
	}
	if canonical.IssuedAt <= 0 {
		return nil, fmt.Errorf("%w: issuedAt required", ErrInvalidVoucher)
	}
	return json.Marshal(canonical)
}

// Digest computes the keccak256 hash over the canonical JSON bytes.
func (v Voucher) Digest() ([]byte, error) {
	canonical, err := v.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(canonical), nil
}

// AmountBig parses the burned amount. It is always positive; zero-value
// crossings are rejected at burn time.
func (v Voucher) AmountBig() (*big.Int, error) {
	trimmed := strings.TrimSpace(v.Amount)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidVoucher)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrInvalidVoucher, v.Amount)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidVoucher)
	}
	return value, nil
}

// RateBig parses the carried rate snapshot. Zero is valid: an account funded
// after the rate hit its floor crosses carrying no accrual.
func (v Voucher) RateBig() (*big.Int, error) {
	trimmed := strings.TrimSpace(v.Rate)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: rate required", ErrInvalidVoucher)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed rate %q", ErrInvalidVoucher, v.Rate)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%w: rate must not be negative", ErrInvalidVoucher)
	}
	return value, nil
}

// AccountBytes decodes the destination account from its bech32 form.
func (v Voucher) AccountBytes() ([20]byte, error) {
	var out [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(v.Account))
	if err != nil {
		return out, fmt.Errorf("%w: account: %v", ErrInvalidVoucher, err)
	}
	if decoded.Prefix() != crypto.RBTPrefix {
		return out, fmt.Errorf("%w: account prefix %q", ErrInvalidVoucher, decoded.Prefix())
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

// SignedVoucher couples a voucher with the 65-byte recoverable secp256k1
// signature over its digest.
type SignedVoucher struct {
	Voucher   Voucher `json:"voucher"`
	Signature []byte  `json:"signature"`
}

// Sign produces a signed voucher using the local bridge key.
func Sign(v Voucher, key *crypto.PrivateKey) (*SignedVoucher, error) {
	if key == nil {
		return nil, fmt.Errorf("bridge: signing key required")
	}
	digest, err := v.Digest()
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("bridge: sign voucher: %w", err)
	}
	return &SignedVoucher{Voucher: v, Signature: sig}, nil
}

// RecoverSigner returns the address of the key that produced the signature.
// Verification re-validates the canonical form: a voucher whose fields were
// altered after signing fails here.
func (sv *SignedVoucher) RecoverSigner() ([20]byte, error) {
	var out [20]byte
	if sv == nil {
		return out, ErrInvalidVoucher
	}
	if len(sv.Signature) != 65 {
		return out, fmt.Errorf("%w: signature must be 65 bytes", ErrInvalidVoucher)
	}
	digest, err := sv.Voucher.Digest()
	if err != nil {
		return out, err
	}
	pub, err := ethcrypto.SigToPub(digest, sv.Signature)
	if err != nil {
		return out, fmt.Errorf("%w: recover signer: %v", ErrInvalidVoucher, err)
	}
	copy(out[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	return out, nil
}
