package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rebasenet/core"
	"rebasenet/native/bridge"
	nativecommon "rebasenet/native/common"
	"rebasenet/native/rebase"
	"rebasenet/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRejected       = -32010
	codeRateLimited    = -32020
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// ServerConfig tunes the RPC surface of one node.
type ServerConfig struct {
	// AuthToken guards every mutating method. Empty disables them entirely
	// rather than opening them up.
	AuthToken string
	// MutationsPerMinute bounds mutating calls per client source. Zero uses
	// the default of 60.
	MutationsPerMinute int
	Logger             *slog.Logger
}

// Server exposes the node over JSON-RPC plus a websocket event stream.
type Server struct {
	node   *core.Node
	logger *slog.Logger

	mu                 sync.Mutex
	rateLimiters       map[string]*rateLimiter
	authToken          string
	mutationsPerMinute int

	serverMu   sync.Mutex
	httpServer *http.Server
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	limit := cfg.MutationsPerMinute
	if limit <= 0 {
		limit = 60
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:               node,
		logger:             logger,
		rateLimiters:       make(map[string]*rateLimiter),
		authToken:          strings.TrimSpace(cfg.AuthToken),
		mutationsPerMinute: limit,
	}
}

// Handler returns the full RPC surface: JSON-RPC at the root, the event
// websocket, and Prometheus metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves until the listener fails.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve runs the RPC server on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	s.logger.Info("rpc listening", "addr", listener.Addr().String())
	return srv.Serve(listener)
}

// Shutdown stops the server if it is running.
func (s *Server) Shutdown() error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeNodeError translates engine rejections into invalid-params responses
// and everything else into server errors.
func writeNodeError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case isRejection(err):
		writeError(w, http.StatusBadRequest, id, codeRejected, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}

func isRejection(err error) bool {
	for _, target := range []error{
		rebase.ErrInsufficientBalance,
		rebase.ErrInvalidAmount,
		rebase.ErrInvalidRate,
		rebase.ErrRateMustDecrease,
		rebase.ErrUnauthorized,
		rebase.ErrArithmeticOverflow,
		nativecommon.ErrModulePaused,
		nativecommon.ErrQuotaRequestsExceeded,
		nativecommon.ErrQuotaAmountExceeded,
		bridge.ErrInvalidVoucher,
		bridge.ErrInvalidSigner,
		bridge.ErrWrongDestination,
		bridge.ErrSameChain,
		bridge.ErrInvalidDestination,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(rw http.ResponseWriter, r *http.Request) {
	w := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
	start := time.Now()
	method := "unknown"
	defer func() {
		observability.ModuleMetrics().Observe(method, w.status, time.Since(start))
	}()

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	method = req.Method

	if mutatingMethods[req.Method] {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allowSource(clientSource(r), time.Now()) {
			observability.ModuleMetrics().RecordThrottle(req.Method)
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "mutation rate limit exceeded", nil)
			return
		}
	}

	switch req.Method {
	case "rbt_getBalance":
		s.handleGetBalance(w, req)
	case "rbt_getAccount":
		s.handleGetAccount(w, req)
	case "rbt_settle":
		s.handleSettle(w, req)
	case "rbt_fund":
		s.handleFund(w, req)
	case "rbt_withdraw":
		s.handleWithdraw(w, req)
	case "rbt_transfer":
		s.handleTransfer(w, req)
	case "rate_get":
		s.handleRateGet(w, req)
	case "rate_set":
		s.handleRateSet(w, req)
	case "vault_deposit":
		s.handleVaultDeposit(w, req)
	case "vault_redeem":
		s.handleVaultRedeem(w, req)
	case "bridge_burn":
		s.handleBridgeBurn(w, req)
	case "bridge_submitVoucher":
		s.handleBridgeSubmitVoucher(w, req)
	case "bridge_pendingVouchers":
		s.handleBridgePending(w, req)
	case "bridge_ackVoucher":
		s.handleBridgeAck(w, req)
	case "bridge_outboxDepth":
		s.handleBridgeOutboxDepth(w, req)
	case "admin_setPaused":
		s.handleSetPaused(w, req)
	case "admin_pauses":
		s.handlePauses(w, req)
	case "net_info":
		s.handleNetInfo(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

// mutatingMethods require bearer auth and count against the rate limit.
var mutatingMethods = map[string]bool{
	"rbt_settle":           true,
	"rbt_fund":             true,
	"rbt_withdraw":         true,
	"rbt_transfer":         true,
	"rate_set":             true,
	"vault_deposit":        true,
	"vault_redeem":         true,
	"bridge_burn":          true,
	"bridge_submitVoucher": true,
	"bridge_ackVoucher":    true,
	"admin_setPaused":      true,
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= s.mutationsPerMinute {
		return false
	}
	limiter.count++
	return true
}
