package rpc

import (
	"encoding/json"
	"net/http"

	"rebasenet/native/bridge"
)

type PendingVoucherResult struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	Voucher   json.RawMessage `json:"voucher"`
	CreatedAt int64           `json:"createdAt"`
}

type DeliverResult struct {
	ID      string `json:"id"`
	Applied bool   `json:"applied"`
}

func (s *Server) handleBridgeBurn(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Sender      string `json:"sender"`
		DestChain   uint64 `json:"destChain"`
		DestAccount string `json:"destAccount"`
		Amount      string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	sender, err := parseAddress(params.Sender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode sender", err.Error())
		return
	}
	destAccount, err := parseAddress(params.DestAccount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode destination account", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	signed, err := s.node.BurnToBridge(sender, params.DestChain, destAccount, amount)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, signed)
}

func (s *Server) handleBridgeSubmitVoucher(w http.ResponseWriter, req *RPCRequest) {
	var signed bridge.SignedVoucher
	if err := decodeParams(req, &signed); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	applied, err := s.node.DeliverVoucher(&signed)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, DeliverResult{ID: signed.Voucher.ID, Applied: applied})
}

func (s *Server) handleBridgePending(w http.ResponseWriter, req *RPCRequest) {
	params := struct {
		AfterSeq uint64 `json:"afterSeq"`
		Limit    int    `json:"limit"`
	}{}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	entries, err := s.node.PendingVouchers(params.AfterSeq, params.Limit)
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	results := make([]PendingVoucherResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, PendingVoucherResult{
			Seq:       entry.Seq,
			ID:        entry.ID,
			Voucher:   entry.Payload,
			CreatedAt: entry.CreatedAt.Unix(),
		})
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleBridgeAck(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if params.ID == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "voucher id required", nil)
		return
	}
	if err := s.node.AckVoucher(params.ID); err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"id": params.ID})
}

func (s *Server) handleBridgeOutboxDepth(w http.ResponseWriter, req *RPCRequest) {
	depth, err := s.node.OutboxDepth()
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]int{"depth": depth})
}
