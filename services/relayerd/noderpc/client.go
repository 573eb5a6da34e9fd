// Package noderpc is a thin JSON-RPC client for the voucher endpoints a
// relayer needs on a ledger node: pending list, delivery, and ack.
package noderpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client targets one node's JSON-RPC listener.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Config represents the client configuration.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// NewClient constructs a JSON-RPC client targeting the supplied URL. The
// token, when set, is sent as a bearer credential on every call; mutating
// methods on the node refuse requests without one.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:   strings.TrimSpace(cfg.URL),
		token: strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// URL reports the endpoint this client talks to.
func (c *Client) URL() string {
	if c == nil {
		return ""
	}
	return c.url
}

// PendingVoucher mirrors one bridge_pendingVouchers row. Voucher is the
// signed payload exactly as the source node emitted it; it is forwarded
// verbatim so the destination verifies the same bytes that were signed.
type PendingVoucher struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	Voucher   json.RawMessage `json:"voucher"`
	CreatedAt int64           `json:"createdAt"`
}

// DeliverReceipt reports the destination node's verdict on a delivery.
// Applied is false when the node has already credited this voucher.
type DeliverReceipt struct {
	ID      string `json:"id"`
	Applied bool   `json:"applied"`
}

// RPCError carries a JSON-RPC error object back to the caller so transport
// failures and node-side rejections stay distinguishable.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("noderpc: error %d %s", e.Code, e.Message)
}

const codeRejected = -32010

// Rejected reports whether the node refused the operation on business
// grounds (bad voucher, wrong destination, paused module) rather than
// failing internally.
func (e *RPCError) Rejected() bool {
	return e != nil && e.Code == codeRejected
}

// PendingVouchers lists unacknowledged outbox entries after the cursor.
func (c *Client) PendingVouchers(ctx context.Context, afterSeq uint64, limit int) ([]PendingVoucher, error) {
	params := map[string]interface{}{
		"afterSeq": afterSeq,
		"limit":    limit,
	}
	var result []PendingVoucher
	if err := c.call(ctx, "bridge_pendingVouchers", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitVoucher posts a signed voucher payload to the node for minting.
// The payload must be the exact bytes read from the source outbox.
func (c *Client) SubmitVoucher(ctx context.Context, payload json.RawMessage) (*DeliverReceipt, error) {
	var receipt DeliverReceipt
	if err := c.call(ctx, "bridge_submitVoucher", []interface{}{payload}, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// AckVoucher removes a delivered voucher from the node's outbox.
func (c *Client) AckVoucher(ctx context.Context, id string) error {
	params := map[string]string{"id": id}
	return c.call(ctx, "bridge_ackVoucher", []interface{}{params}, nil)
}

// OutboxDepth reports how many vouchers remain unacknowledged.
func (c *Client) OutboxDepth(ctx context.Context) (int, error) {
	var result struct {
		Depth int `json:"depth"`
	}
	if err := c.call(ctx, "bridge_outboxDepth", nil, &result); err != nil {
		return 0, err
	}
	return result.Depth, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("noderpc: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("noderpc: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("noderpc: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("noderpc: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
