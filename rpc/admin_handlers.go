package rpc

import "net/http"

type PausesResult struct {
	Paused []string `json:"paused"`
}

func (s *Server) handleSetPaused(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Module string `json:"module"`
		Paused bool   `json:"paused"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.SetPaused(params.Module, params.Paused); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, PausesResult{Paused: s.node.PausedModules()})
}

func (s *Server) handlePauses(w http.ResponseWriter, req *RPCRequest) {
	writeResult(w, req.ID, PausesResult{Paused: s.node.PausedModules()})
}
