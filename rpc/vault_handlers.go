package rpc

import "net/http"

func (s *Server) handleVaultDeposit(w http.ResponseWriter, req *RPCRequest) {
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
	if err := s.node.Deposit(addr, amount); err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, AmountResult{Address: formatAddr(addr), Amount: amount.String()})
}

func (s *Server) handleVaultRedeem(w http.ResponseWriter, req *RPCRequest) {
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
	resolved, err := s.node.Redeem(addr, amount)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, AmountResult{Address: formatAddr(addr), Amount: resolved.String()})
}
