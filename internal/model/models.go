// Package model defines domain structs shared across the persistence layer
// and the peer protocol engine.
package model

// NodeStatus is the persisted lifecycle state of a known peer.
type NodeStatus int

const (
	// NodeStatusUnknown is set when a node row is first created, before any
	// connection attempt has resolved.
	NodeStatusUnknown NodeStatus = -1
	NodeStatusOffline NodeStatus = 1
	NodeStatusOnline  NodeStatus = 2
)

// Node is a known peer in the gossip network. Rows are created on first
// handshake or from the seed list and updated on (re)connect/disconnect.
type Node struct {
	NodeID          string `json:"node_id"`
	TransportPrefix string `json:"transport_prefix"`
	Address         string `json:"address"`
	Port            int    `json:"port"`
	Status          NodeStatus `json:"status"`
	Provider        bool   `json:"provider"`
	CreateTimeNs    int64  `json:"create_time_ns"`
	UpdateTimeNs    int64  `json:"update_time_ns"`
}

// Advertisement is a creative this node can serve, with its bidding data.
type Advertisement struct {
	GUID             string `json:"guid"`
	Title            string `json:"title"`
	TargetURL        string `json:"target_url"`
	Content          string `json:"content"`
	BidPerImpression int64  `json:"bid_per_impression"`
	DailyBudget      int64  `json:"daily_budget"`
	Category         string `json:"category"`
	Active           bool   `json:"active"`
	CreateTimeNs     int64  `json:"create_time_ns"`
	UpdateTimeNs     int64  `json:"update_time_ns"`
}

// AdAttribute is a descriptive key/value attached to an advertisement,
// delivered alongside sync responses.
type AdAttribute struct {
	AdvertisementGUID string `json:"advertisement_guid"`
	Name              string `json:"name"`
	Value             string `json:"value"`
}

// Ledger transaction types. Withdrawal rows are payments this node makes,
// deposit rows are settlements received from peers, fee rows pair with the
// withdrawal that paid their transaction's fee.
const (
	TransactionTypeWithdrawal = "withdrawal"
	TransactionTypeDeposit    = "deposit"
	TransactionTypeFee        = "fee"
)

// Ledger statuses.
const (
	LedgerStatusPending = "pending"
	LedgerStatusSent    = "sent"
	LedgerStatusPaid    = "paid"
)

// LedgerEntry records a promised or confirmed on-chain payment tied to an
// advertisement/request pair. A withdrawal entry is paired via LedgerGUIDPair
// with the fee entry from the same blockchain transaction. Once
// TxConfirmationHash is set the row is immutable.
type LedgerEntry struct {
	LedgerGUID               string  `json:"ledger_guid"`
	LedgerGUIDPair           string  `json:"ledger_guid_pair"`
	AdvertisementGUID        string  `json:"advertisement_guid"`
	AdvertisementRequestGUID string  `json:"advertisement_request_guid"`
	TransactionType          string  `json:"transaction_type"`
	Currency                 string  `json:"currency"`
	Deposit                  int64   `json:"deposit"`
	Withdrawal               int64   `json:"withdrawal"`
	PriceUSD                 float64 `json:"price_usd"`
	TransactionID            string  `json:"transaction_id"`
	OutputPosition           int     `json:"output_position"`
	TxConfirmationHash       string  `json:"tx_confirmation_hash"`
	Status                   string  `json:"status"`
	NetworkMode              string  `json:"network_mode"`
	CreateTimeNs             int64   `json:"create_time_ns"`
	ReceivedTimeNs           int64   `json:"received_time_ns"`
}

// RequestLog records one served advertisement request: who asked, from where,
// the wallet address the requester claimed for settlement, and the impression
// count promised to it. Ad-network budget accounting is always recomputed from
// these rows, never from a running counter.
type RequestLog struct {
	RequestGUID       string `json:"request_guid"`
	AdvertisementGUID string `json:"advertisement_guid"`
	DeviceID          string `json:"device_id"`
	ClientIP          string `json:"client_ip"`
	WalletAddress     string `json:"wallet_address"`
	NetworkMode       string `json:"network_mode"`
	NetworkGUID       string `json:"network_guid"`
	ImpressionCount   int64  `json:"impression_count"`
	CreateTimeNs      int64  `json:"create_time_ns"`
}

// AdNetwork is a registered intermediary trading aggregated inventory against
// a daily budget, paid out to a fixed address.
type AdNetwork struct {
	GUID          string `json:"guid"`
	Name          string `json:"name"`
	PayoutAddress string `json:"payout_address"`
	DailyBudget   int64  `json:"daily_budget"`
	CreateTimeNs  int64  `json:"create_time_ns"`
}
