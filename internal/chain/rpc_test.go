package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newRPCTestServer(t *testing.T, handle func(method string, params json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      int64           `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCClient_SendTransaction(t *testing.T) {
	srv := newRPCTestServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		if method != "send_transaction" {
			t.Errorf("unexpected method %q", method)
		}
		var p struct {
			Outputs []Output `json:"outputs"`
			Fee     int64    `json:"fee"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			t.Errorf("bad params: %v", err)
		}
		if len(p.Outputs) != 2 || p.Fee != 1000 {
			t.Errorf("unexpected params: %+v", p)
		}
		return SendResult{TransactionID: "tx-1", Fee: p.Fee}, nil
	})

	c := NewRPCClient(srv.URL, "", 0)
	res, err := c.SendTransaction(context.Background(), []Output{
		{Address: "addr-1", Amount: 100},
		{Address: "addr-2", Amount: 200},
	}, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if res.TransactionID != "tx-1" {
		t.Fatalf("txid = %q, want tx-1", res.TransactionID)
	}
}

func TestRPCClient_SendTransaction_EmptyOutputs(t *testing.T) {
	c := NewRPCClient("http://127.0.0.1:1", "", 0)
	if _, err := c.SendTransaction(context.Background(), nil, 10); err == nil {
		t.Fatal("expected error for empty outputs")
	}
}

func TestRPCClient_RPCErrorSurfaces(t *testing.T) {
	srv := newRPCTestServer(t, func(string, json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -6, Message: "insufficient funds"}
	})

	c := NewRPCClient(srv.URL, "", 0)
	_, err := c.SendTransaction(context.Background(), []Output{{Address: "a", Amount: 1}}, 1)
	if err == nil || !strings.Contains(err.Error(), "insufficient funds") {
		t.Fatalf("expected rpc error, got %v", err)
	}
}

func TestRPCClient_GetWalletInformation(t *testing.T) {
	srv := newRPCTestServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		if method != "get_wallet_information" {
			t.Errorf("unexpected method %q", method)
		}
		return WalletInfo{Address: "addr-self", Balance: 5_000_000, NetworkMode: NetworkModeTest, MaxOutputs: 32}, nil
	})

	c := NewRPCClient(srv.URL, "secret", 0)
	info, err := c.GetWalletInformation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.NetworkMode != NetworkModeTest || info.MaxOutputs != 32 {
		t.Fatalf("unexpected wallet info: %+v", info)
	}
}

func TestRPCClient_ListTransactionOutput(t *testing.T) {
	srv := newRPCTestServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		var p struct {
			TxID     string `json:"txid"`
			Position int    `json:"position"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			t.Errorf("bad params: %v", err)
		}
		return OutputInfo{
			TransactionID: p.TxID, Position: p.Position,
			Address: "addr-1", Amount: 100, Confirmations: 3, ConfirmationHash: "hash-1",
		}, nil
	})

	c := NewRPCClient(srv.URL, "", 0)
	out, err := c.ListTransactionOutput(context.Background(), "tx-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if out.Position != 2 || out.ConfirmationHash != "hash-1" {
		t.Fatalf("unexpected output info: %+v", out)
	}
}
