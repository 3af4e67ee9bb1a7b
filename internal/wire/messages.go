package wire

// BaseContent carries the fields every message content includes: a globally
// unique message GUID and a network-synchronized timestamp in unix
// milliseconds.
type BaseContent struct {
	MessageGUID string `json:"message_guid"`
	Timestamp   int64  `json:"timestamp"`
}

// Base satisfies the DecodeContent constraint.
func (b BaseContent) Base() BaseContent { return b }

// HandshakeContent is exchanged by both sides when a connection opens.
type HandshakeContent struct {
	BaseContent
	NodeID          string `json:"node_id"`
	ConnectionID    string `json:"connection_id"`
	TransportPrefix string `json:"transport_prefix"`
	Address         string `json:"address"`
	Port            int    `json:"port"`
	Provider        bool   `json:"provider"`
}

// PeerInfo is the gossiped description of a known node.
type PeerInfo struct {
	NodeID          string `json:"node_id"`
	TransportPrefix string `json:"transport_prefix"`
	Address         string `json:"address"`
	Port            int    `json:"port"`
	Provider        bool   `json:"provider"`
}

// NewPeerContent gossips a newly learned peer to neighbors.
type NewPeerContent struct {
	BaseContent
	Peer PeerInfo `json:"peer"`
}

// AdRequestContent asks providers for ad creatives to serve to a device.
type AdRequestContent struct {
	BaseContent
	RequestGUID   string `json:"request_guid"`
	DeviceID      string `json:"device_id"`
	ClientIP      string `json:"client_ip"`
	WalletAddress string `json:"wallet_address"`
	NetworkMode   string `json:"network_mode"`
}

// AdPayload is one creative with its descriptive attributes.
type AdPayload struct {
	GUID             string            `json:"guid"`
	Title            string            `json:"title"`
	TargetURL        string            `json:"target_url"`
	Content          string            `json:"content"`
	BidPerImpression int64             `json:"bid_per_impression"`
	Category         string            `json:"category"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// AdNewContent answers an advertisement request with creatives.
type AdNewContent struct {
	BaseContent
	RequestGUID    string      `json:"request_guid"`
	Advertisements []AdPayload `json:"advertisements"`
	Error          string      `json:"error,omitempty"`
}

// SyncRequestContent asks a provider to sync its active ads to a consumer.
type SyncRequestContent struct {
	BaseContent
	RequestGUID string `json:"request_guid"`
	DeviceID    string `json:"device_id"`
}

// SyncContent delivers active ads for a sync request.
type SyncContent struct {
	BaseContent
	RequestGUID    string      `json:"request_guid"`
	Advertisements []AdPayload `json:"advertisements"`
}

// NetworkAdRequestContent is an ad-network inventory request naming the
// publisher node expected to allocate against the network's budget.
type NetworkAdRequestContent struct {
	BaseContent
	RequestGUID     string `json:"request_guid"`
	NetworkGUID     string `json:"network_guid"`
	PublisherNodeID string `json:"publisher_node_id"`
}

// LedgerAllocation groups one settlement ledger with the advertisements and
// impression counts it covers.
type LedgerAllocation struct {
	LedgerGUID     string           `json:"ledger_guid"`
	TransactionID  string           `json:"transaction_id,omitempty"`
	Confirmed      bool             `json:"confirmed"`
	Advertisements []AdPayload      `json:"advertisements"`
	Impressions    map[string]int64 `json:"impressions"`
}

// NetworkAdSyncContent answers an ad-network request with allocations grouped
// by ledger.
type NetworkAdSyncContent struct {
	BaseContent
	RequestGUID string             `json:"request_guid"`
	NetworkGUID string             `json:"network_guid"`
	Ledgers     []LedgerAllocation `json:"ledgers"`
}

// Payment error outcomes reported back over the gossip path.
const (
	PaymentErrCreativeRequestNotFound = "creative_request_not_found"
	PaymentErrAdvertisementNotFound   = "advertisement_not_found"
)

// PaymentRequestContent claims settlement for one served impression,
// identified by the advertisement/request pair.
type PaymentRequestContent struct {
	BaseContent
	RequestGUID       string `json:"request_guid"`
	AdvertisementGUID string `json:"advertisement_guid"`
	DeviceID          string `json:"device_id"`
}

// PaymentResponseContent reports the outcome of a payment request.
type PaymentResponseContent struct {
	BaseContent
	RequestGUID       string `json:"request_guid"`
	AdvertisementGUID string `json:"advertisement_guid"`
	Error             string `json:"error,omitempty"`
}

// SettlementPayload is one settled ledger row in a batched broadcast.
type SettlementPayload struct {
	LedgerGUID        string `json:"ledger_guid"`
	AdvertisementGUID string `json:"advertisement_guid"`
	RequestGUID       string `json:"request_guid"`
	TransactionID     string `json:"transaction_id"`
	OutputPosition    int    `json:"output_position"`
	Deposit           int64  `json:"deposit"`
	ConfirmationHash  string `json:"confirmation_hash"`
}

// PaymentNewContent broadcasts a batch of settled payments.
type PaymentNewContent struct {
	BaseContent
	Settlements []SettlementPayload `json:"settlements"`
}
