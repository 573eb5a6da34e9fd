package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"rebasenet/crypto"
	"rebasenet/native/rebase"
)

// maxAmountKeyword lets callers ask for the full settled balance without
// racing their own accrual.
const maxAmountKeyword = "max"

type BalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type AccountResult struct {
	Address     string `json:"address"`
	Balance     string `json:"balance"`
	Principal   string `json:"principal"`
	Rate        string `json:"rate"`
	LastSettled uint64 `json:"lastSettled"`
	Nonce       uint64 `json:"nonce"`
}

type AmountResult struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type TransferResult struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected one parameter object")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return fmt.Errorf("invalid parameter object: %w", err)
	}
	return nil
}

func parseAddress(value string) ([20]byte, error) {
	var out [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if strings.EqualFold(trimmed, maxAmountKeyword) {
		return new(big.Int).Set(rebase.MaxAmount), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func formatAddr(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.RBTPrefix, addr[:]).String()
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Address string `json:"address"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{Address: formatAddr(addr), Balance: balance.String()})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Address string `json:"address"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	view, err := s.node.Account(addr)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, AccountResult{
		Address:     view.Address.String(),
		Balance:     view.Balance.String(),
		Principal:   view.Principal.String(),
		Rate:        view.Rate.String(),
		LastSettled: view.LastSettled,
		Nonce:       view.Nonce,
	})
}

func (s *Server) handleSettle(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Address string `json:"address"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	if err := s.node.Settle(addr); err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	view, err := s.node.Account(addr)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, AccountResult{
		Address:     view.Address.String(),
		Balance:     view.Balance.String(),
		Principal:   view.Principal.String(),
		Rate:        view.Rate.String(),
		LastSettled: view.LastSettled,
		Nonce:       view.Nonce,
	})
}

func (s *Server) handleFund(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Address string `json:"address"`
		Amount  string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.Fund(addr, amount); err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, AmountResult{Address: formatAddr(addr), Amount: amount.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Address string `json:"address"`
		Amount  string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	resolved, err := s.node.Withdraw(addr, amount)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, AmountResult{Address: formatAddr(addr), Amount: resolved.String()})
}

func (s *Server) handleTransfer(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	from, err := parseAddress(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode sender", err.Error())
		return
	}
	to, err := parseAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode recipient", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	resolved, err := s.node.Transfer(from, to, amount)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, TransferResult{
		From:   formatAddr(from),
		To:     formatAddr(to),
		Amount: resolved.String(),
	})
}
