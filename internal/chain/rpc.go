package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	defaultRPCTimeout = 15 * time.Second
	maxResponseBytes  = 4 << 20
)

// RPCClient implements Client over the wallet's HTTP JSON-RPC endpoint.
type RPCClient struct {
	endpoint string
	token    string
	client   *http.Client
	seq      atomic.Int64
}

// NewRPCClient creates a wallet client for endpoint. token, when non-empty,
// is sent as a bearer credential.
func NewRPCClient(endpoint, token string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &RPCClient{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("chain: rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("chain: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chain: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chain: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("chain: read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: %s returned status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("chain: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("chain: %s: %w", method, rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("chain: decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, outputs []Output, fee int64) (*SendResult, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("chain: no outputs")
	}
	var result SendResult
	params := map[string]any{"outputs": outputs, "fee": fee}
	if err := c.call(ctx, "send_transaction", params, &result); err != nil {
		return nil, err
	}
	if result.TransactionID == "" {
		return nil, fmt.Errorf("chain: send_transaction returned empty txid")
	}
	return &result, nil
}

func (c *RPCClient) ListTransactionOutput(ctx context.Context, txID string, position int) (*OutputInfo, error) {
	var result OutputInfo
	params := map[string]any{"txid": txID, "position": position}
	if err := c.call(ctx, "list_transaction_output", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) GetWalletInformation(ctx context.Context) (*WalletInfo, error) {
	var result WalletInfo
	if err := c.call(ctx, "get_wallet_information", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
