package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"rebasenet/services/relayerd/journal"
	"rebasenet/services/relayerd/noderpc"
	"rebasenet/services/relayerd/recon"
	"rebasenet/services/relayerd/relay"
)

const (
	testSecret   = "admin-test-secret"
	testIssuer   = "rebasenet-ops"
	testAudience = "relayerd"
)

// newStubNode serves just enough JSON-RPC for a drain pass against an
// empty outbox.
func newStubNode(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"error":   map[string]interface{}{"code": -32700, "message": "parse error"},
			})
			return
		}
		var result interface{}
		switch req.Method {
		case "bridge_pendingVouchers":
			result = []interface{}{}
		case "bridge_outboxDepth":
			result = map[string]int{"depth": 0}
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]interface{}{"code": -32601, "message": "method not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	node := newStubNode(t)
	relayer, err := relay.New(relay.Config{Journal: store, Logger: slog.Default()}, relay.RouteSpec{
		Name:   "east-west",
		Source: noderpc.NewClient(noderpc.Config{URL: node.URL}),
		Dest:   noderpc.NewClient(noderpc.Config{URL: node.URL}),
	})
	require.NoError(t, err)

	exporter, err := recon.New(recon.Config{Journal: store, OutputDir: t.TempDir()})
	require.NoError(t, err)

	srv, err := New(Config{
		Relayer:   relayer,
		Recon:     exporter,
		JWTSecret: testSecret,
		Issuer:    testIssuer,
		Audience:  testAudience,
		Logger:    slog.Default(),
	})
	require.NoError(t, err)
	return srv
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func adminClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "ops@rebasenet",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func doRequest(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Config{JWTSecret: "   "})
	require.Error(t, err)
}

func TestHealthzAndMetricsOpen(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "ok", health["status"])

	rec = doRequest(t, srv, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRejectsBadCredentials(t *testing.T) {
	srv := newTestServer(t)

	expired := adminClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongIssuer := adminClaims()
	wrongIssuer["iss"] = "someone-else"
	wrongAudience := adminClaims()
	wrongAudience["aud"] = "other-service"

	cases := map[string]string{
		"missing token":  "",
		"garbage token":  "not-a-jwt",
		"wrong secret":   signToken(t, "other-secret", adminClaims()),
		"expired":        signToken(t, testSecret, expired),
		"wrong issuer":   signToken(t, testSecret, wrongIssuer),
		"wrong audience": signToken(t, testSecret, wrongAudience),
	}
	for name, token := range cases {
		rec := doRequest(t, srv, http.MethodGet, "/status", token, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestAdminAcceptsAudienceList(t *testing.T) {
	srv := newTestServer(t)
	claims := adminClaims()
	claims["aud"] = []string{"other-service", testAudience}

	rec := doRequest(t, srv, http.MethodGet, "/status", signToken(t, testSecret, claims), "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReportsRoutes(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, testSecret, adminClaims())

	rec := doRequest(t, srv, http.MethodGet, "/status", token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Routes []relay.RouteStatus `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Routes, 1)
	require.Equal(t, "east-west", payload.Routes[0].Name)
	require.False(t, payload.Routes[0].Paused)
}

func TestPauseResumeCycle(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, testSecret, adminClaims())

	rec := doRequest(t, srv, http.MethodPost, "/routes/east-west/pause", token, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/status", token, "")
	var payload struct {
		Routes []relay.RouteStatus `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.True(t, payload.Routes[0].Paused)

	rec = doRequest(t, srv, http.MethodPost, "/routes/east-west/resume", token, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/status", token, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.False(t, payload.Routes[0].Paused)
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, testSecret, adminClaims())

	for _, action := range []string{"pause", "resume", "drain"} {
		rec := doRequest(t, srv, http.MethodPost, "/routes/ghost/"+action, token, "")
		require.Equal(t, http.StatusNotFound, rec.Code, action)
	}
}

func TestDrainRunsRoute(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, testSecret, adminClaims())

	rec := doRequest(t, srv, http.MethodPost, "/routes/east-west/drain", token, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestReconRunWritesReport(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, testSecret, adminClaims())

	rec := doRequest(t, srv, http.MethodPost, "/recon/run", token, `{"day":"2026-03-10"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result recon.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "2026-03-10", result.Day)
	require.Zero(t, result.Rows)
	_, err := os.Stat(result.CSVPath)
	require.NoError(t, err)
	_, err = os.Stat(result.ParquetPath)
	require.NoError(t, err)
}

func TestReconRunDefaultsToToday(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, testSecret, adminClaims())

	before := time.Now().UTC().Format("2006-01-02")
	rec := doRequest(t, srv, http.MethodPost, "/recon/run", token, "")
	after := time.Now().UTC().Format("2006-01-02")
	require.Equal(t, http.StatusOK, rec.Code)

	var result recon.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Contains(t, []string{before, after}, result.Day)
}

func TestReconRunRejectsBadDay(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, testSecret, adminClaims())

	rec := doRequest(t, srv, http.MethodPost, "/recon/run", token, `{"day":"next tuesday"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
