package rpc

import "net/http"

type NetInfoResult struct {
	ChainID       uint64 `json:"chainId"`
	BridgeAddress string `json:"bridgeAddress"`
	OutboxDepth   int    `json:"outboxDepth"`
}

func (s *Server) handleNetInfo(w http.ResponseWriter, req *RPCRequest) {
	depth, err := s.node.OutboxDepth()
	if err != nil {
		writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, NetInfoResult{
		ChainID:       s.node.ChainID(),
		BridgeAddress: s.node.BridgeAddress().String(),
		OutboxDepth:   depth,
	})
}
