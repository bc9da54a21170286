package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Type is the discriminator tag carried in every envelope. The values are
// wire constants shared across implementations; they must not change.
type Type string

const (
	TypeText          Type = "text"
	TypeRequest       Type = "request"
	TypeResponse      Type = "response"
	TypePayment       Type = "payment"
	TypePaymentAck    Type = "payment_ack"
	TypeChannelOpen   Type = "channel_open"
	TypeChannelAccept Type = "channel_accept"
	TypeChannelReject Type = "channel_reject"
	TypeChannelUpdate Type = "channel_update"
	TypeChannelClose  Type = "channel_close"
	TypePaidRequest   Type = "paid_request"
	TypePaidResult    Type = "paid_result"
)

// Message is the envelope shared by all typed variants. The payload is kept
// raw until the type is known.
//
// The id is unique per sender, the timestamp is advisory, and on receive the
// from field must match the transport-authenticated remote identity.
type Message struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope addressed from the local peer to the remote
// peer, marshaling the payload and stamping a fresh id and timestamp.
func NewMessage(typ Type, from, to peer.ID, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      typ,
		From:      from.String(),
		To:        to.String(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (m *Message) DecodePayload(dst interface{}) error {
	return json.Unmarshal(m.Payload, dst)
}

// TextPayload is the body of a fire-and-forget text message.
type TextPayload struct {
	Content string `json:"content"`
}

// RequestPayload asks the remote peer to perform a named service.
type RequestPayload struct {
	Service string          `json:"service"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ResponsePayload answers a request, correlated by the original request id.
type ResponsePayload struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PaymentPayload notifies the remote peer of an on-chain payment.
type PaymentPayload struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Amount  int64  `json:"amount"`
	Address string `json:"address"`

	// RawTx and Proof optionally carry the hex-serialized transaction and
	// its merkle proof so an SPV receiver can verify without a full node.
	RawTx string `json:"rawTx,omitempty"`
	Proof string `json:"proof,omitempty"`
	Memo  string `json:"memo,omitempty"`
}

// PaymentAckPayload acknowledges a payment notification.
type PaymentAckPayload struct {
	PaymentID string `json:"paymentId"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// ChannelOpenPayload proposes a new payment channel. PubKey is the
// initiator's compressed payment public key, hex encoded.
type ChannelOpenPayload struct {
	ChannelID    string `json:"channelId"`
	PubKey       string `json:"pubKey"`
	Capacity     int64  `json:"capacity"`
	NLockTime    uint32 `json:"nLockTime"`
	PayoutScript string `json:"payoutScript"`
}

// ChannelAcceptPayload accepts a channel proposal and carries the responder's
// payment public key and payout script.
type ChannelAcceptPayload struct {
	ChannelID    string `json:"channelId"`
	PubKey       string `json:"pubKey"`
	PayoutScript string `json:"payoutScript"`
}

// ChannelRejectPayload declines a channel proposal or a payment update.
type ChannelRejectPayload struct {
	ChannelID string `json:"channelId"`
	Reason    string `json:"reason"`
}

// ChannelUpdatePayload carries an off-chain commitment update. Balances are
// expressed from the sender's perspective; the receiver swaps local and
// remote when applying. The funding outpoint rides along so the responder
// learns it with the first update after the channel is funded.
type ChannelUpdatePayload struct {
	ChannelID         string `json:"channelId"`
	Amount            int64  `json:"amount"`
	NewSequenceNumber uint64 `json:"newSequenceNumber"`
	NewLocalBalance   int64  `json:"newLocalBalance"`
	NewRemoteBalance  int64  `json:"newRemoteBalance"`
	FundingTxID       string `json:"fundingTxid,omitempty"`
	FundingVout       uint32 `json:"fundingVout,omitempty"`
	Signature         string `json:"signature"`
}

// ChannelClosePayload initiates or completes a cooperative close. The
// settlement transaction is hex encoded; on the reply it is fully signed and
// the txid is set.
type ChannelClosePayload struct {
	ChannelID    string `json:"channelId"`
	Cooperative  bool   `json:"cooperative"`
	SettlementTx string `json:"settlementTx"`
	Signature    string `json:"signature,omitempty"`
	CloseTxID    string `json:"closeTxid,omitempty"`
}

// PaidRequestPayload bundles a service request with an in-channel payment.
type PaidRequestPayload struct {
	Service string               `json:"service"`
	Params  json.RawMessage      `json:"params,omitempty"`
	Update  ChannelUpdatePayload `json:"update"`
}

// PaidResultPayload answers a paid request. PaymentAccepted reports whether
// the bundled channel update was applied.
type PaidResultPayload struct {
	RequestID       string          `json:"requestId"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	PaymentAccepted bool            `json:"paymentAccepted"`
}
