// Package chain talks to the blockchain wallet this node settles payments
// through. The wallet runs as a separate process exposing a JSON-RPC
// endpoint; this package is the only part of the system that knows about it.
package chain

import "context"

// Output is one payout in a transaction: an address and an amount in the
// chain's smallest unit.
type Output struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// SendResult describes a broadcast transaction.
type SendResult struct {
	TransactionID string `json:"txid"`
	Fee           int64  `json:"fee"`
}

// OutputInfo describes one output of a known transaction, as the wallet sees
// it during confirmation tracking.
type OutputInfo struct {
	TransactionID    string `json:"txid"`
	Position         int    `json:"position"`
	Address          string `json:"address"`
	Amount           int64  `json:"amount"`
	Confirmations    int64  `json:"confirmations"`
	ConfirmationHash string `json:"confirmation_hash"`
	DoubleSpend      bool   `json:"double_spend"`
}

// WalletInfo is the wallet's self-description. NetworkMode distinguishes the
// live chain from the test chain; settlements never mix modes.
type WalletInfo struct {
	Address     string `json:"address"`
	Balance     int64  `json:"balance"`
	NetworkMode string `json:"network_mode"`
	MaxOutputs  int    `json:"max_outputs"`
}

// Network modes reported by the wallet.
const (
	NetworkModeLive = "live"
	NetworkModeTest = "test"
)

// Client is the wallet RPC surface the settlement engine depends on.
type Client interface {
	// SendTransaction broadcasts one transaction paying every output plus
	// the given fee.
	SendTransaction(ctx context.Context, outputs []Output, fee int64) (*SendResult, error)

	// ListTransactionOutput returns the wallet's view of one output of a
	// known transaction.
	ListTransactionOutput(ctx context.Context, txID string, position int) (*OutputInfo, error)

	// GetWalletInformation returns the wallet address, balance, network
	// mode, and per-transaction output ceiling.
	GetWalletInformation(ctx context.Context) (*WalletInfo, error)
}
