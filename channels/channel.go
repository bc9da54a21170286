package channels

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/minio/sha256-simd"
)

// ChannelState is the lifecycle state of a channel at any given time.
type ChannelState uint8

const (
	// StatePending is the initial state: created by the initiator,
	// awaiting the responder's accept and the funding transaction.
	StatePending ChannelState = 0

	// StateOpen is the normal running state for a channel.
	StateOpen ChannelState = 1

	// StateClosing is set once a cooperative close has been initiated and
	// we are awaiting the counter-signature on the settlement.
	StateClosing ChannelState = 2

	// StateClosed represents a settled channel. The settlement txid is
	// recorded and the channel is frozen.
	StateClosed ChannelState = 3

	// StateDisputed is reserved for unilateral close paths. No protocol
	// for it exists yet; see the dispute notes in DESIGN.md.
	StateDisputed ChannelState = 4
)

// String is a stringer for ChannelState.
func (s ChannelState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateDisputed:
		return "Disputed"
	default:
		return "Unknown"
	}
}

// Channel holds all the data relevant to a payment channel.
//
// Invariants maintained by the manager: LocalBalance + RemoteBalance always
// equals Capacity, and SequenceNumber advances by exactly one per accepted
// payment.
type Channel struct {
	// ID is the ID of the channel. It's calculated by taking the sha256
	// hash of the concatenation of the public key of the peer who
	// initiated the channel open and the public key of the responder.
	ID chainhash.Hash

	// State allows us to quickly tell what state the channel is in.
	State ChannelState

	// Inbound specifies whether the channel was opened by us or them.
	Inbound bool

	// LocalPeerID and RemotePeerID are the transport identities of the
	// two parties.
	LocalPeerID  peer.ID
	RemotePeerID peer.ID

	// LocalPubKey and RemotePubKey are the payment-system public keys
	// used in the 2-of-2 funding lock.
	LocalPubKey  *bchec.PublicKey
	RemotePubKey *bchec.PublicKey

	// Capacity is the total number of satoshis committed to the channel.
	// Immutable after creation.
	Capacity bchutil.Amount

	// LocalBalance and RemoteBalance are the current split of Capacity.
	LocalBalance  bchutil.Amount
	RemoteBalance bchutil.Amount

	// SequenceNumber counts accepted payments. It maps onto the on-chain
	// nSequence of commitment transactions so a newer state always
	// supersedes an older one.
	SequenceNumber uint64

	// FundingTxid and FundingOutpoint identify the on-chain 2-of-2
	// output. Set once when the funding transaction is created.
	FundingTxid     chainhash.Hash
	FundingOutpoint wire.OutPoint

	// FundingScript is the 2-of-2 redeem script for the funding output.
	FundingScript []byte

	// NLockTime is the absolute chain time (seconds) after which the
	// funding output becomes unilaterally spendable by the latest
	// commitment.
	NLockTime uint32

	// LocalPayoutScript and RemotePayoutScript are the destinations the
	// two parties are paid to on commitment and settlement transactions.
	LocalPayoutScript  []byte
	RemotePayoutScript []byte

	// SettlementTxid is the txid of the transaction which closed out the
	// channel.
	SettlementTxid chainhash.Hash

	// PendingPayment is the optimistic outgoing payment awaiting the
	// counterparty's acknowledgement, along with the pre-payment state
	// needed to roll it back on reject.
	PendingPayment *PendingPayment

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payment is one sequence-numbered balance transition. Balances are
// expressed from the payer's perspective: NewLocalBalance is the payer's
// balance after the transfer.
type Payment struct {
	ChannelID         chainhash.Hash
	Amount            bchutil.Amount
	NewSequenceNumber uint64
	NewLocalBalance   bchutil.Amount
	NewRemoteBalance  bchutil.Amount
	Signature         []byte
	Timestamp         time.Time
}

// PendingPayment is an outgoing payment that has been applied optimistically
// but not yet acknowledged.
type PendingPayment struct {
	Payment Payment

	// PrevLocalBalance, PrevRemoteBalance, and PrevSequence capture the
	// state before the optimistic update so a reject can restore it.
	PrevLocalBalance  bchutil.Amount
	PrevRemoteBalance bchutil.Amount
	PrevSequence      uint64
}

// NewChannelID derives the channel id from the two payment public keys. The
// initiator's key always goes first, so both parties derive the same id.
// We encode to hex and use NewHashFromStr because NewHash would reverse the
// byte order.
func NewChannelID(initiatorPub, responderPub *bchec.PublicKey) (chainhash.Hash, error) {
	digest := sha256.Sum256(append(initiatorPub.SerializeCompressed(),
		responderPub.SerializeCompressed()...))
	id, err := chainhash.NewHashFromStr(hex.EncodeToString(digest[:]))
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *id, nil
}

// String returns the JSON representation of the channel overview.
func (c *Channel) String() string {
	overview := struct {
		ID             string `json:"ID"`
		State          string `json:"state"`
		Inbound        bool   `json:"inbound"`
		RemotePeerID   string `json:"remotePeerID"`
		Capacity       int64  `json:"capacity"`
		LocalBalance   int64  `json:"localBalance"`
		RemoteBalance  int64  `json:"remoteBalance"`
		SequenceNumber uint64 `json:"sequenceNumber"`
		FundingTxid    string `json:"fundingTxid,omitempty"`
		NLockTime      uint32 `json:"nLockTime"`
		SettlementTxid string `json:"settlementTxid,omitempty"`
		CreatedAt      int64  `json:"createdAt"`
		UpdatedAt      int64  `json:"updatedAt"`
	}{
		ID:             c.ID.String(),
		State:          c.State.String(),
		Inbound:        c.Inbound,
		RemotePeerID:   c.RemotePeerID.String(),
		Capacity:       int64(c.Capacity),
		LocalBalance:   int64(c.LocalBalance),
		RemoteBalance:  int64(c.RemoteBalance),
		SequenceNumber: c.SequenceNumber,
		NLockTime:      c.NLockTime,
		CreatedAt:      c.CreatedAt.UnixMilli(),
		UpdatedAt:      c.UpdatedAt.UnixMilli(),
	}
	if c.FundingTxid != (chainhash.Hash{}) {
		overview.FundingTxid = c.FundingTxid.String()
	}
	if c.SettlementTxid != (chainhash.Hash{}) {
		overview.SettlementTxid = c.SettlementTxid.String()
	}
	out, _ := json.MarshalIndent(overview, "", "    ")
	return string(out)
}
