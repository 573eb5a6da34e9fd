package rpc

import "net/http"

type RateResult struct {
	Rate      string `json:"rate"`
	Operator  string `json:"operator"`
	UpdatedAt uint64 `json:"updatedAt"`
}

func (s *Server) handleRateGet(w http.ResponseWriter, req *RPCRequest) {
	view, err := s.node.RateInfo()
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, RateResult{
		Rate:      view.Rate.String(),
		Operator:  view.Operator.String(),
		UpdatedAt: view.UpdatedAt,
	})
}

func (s *Server) handleRateSet(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Caller string `json:"caller"`
		Rate   string `json:"rate"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode caller", err.Error())
		return
	}
	rate, err := parseAmount(params.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.SetRate(caller, rate); err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	view, err := s.node.RateInfo()
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, RateResult{
		Rate:      view.Rate.String(),
		Operator:  view.Operator.String(),
		UpdatedAt: view.UpdatedAt,
	})
}
