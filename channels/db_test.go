package channels

import (
	"testing"
	"time"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/stretchr/testify/require"
)

func testChannel(t *testing.T) *Channel {
	t.Helper()
	alice := testKey(t, 1)
	bob := testKey(t, 2)
	id, err := NewChannelID(alice.PubKey(), bob.PubKey())
	require.NoError(t, err)
	fundingScript, err := FundingScript(alice.PubKey(), bob.PubKey())
	require.NoError(t, err)
	now := time.Now().Truncate(time.Second)
	return &Channel{
		ID:                 id,
		State:              StateOpen,
		LocalPeerID:        testPeerID(t),
		RemotePeerID:       testPeerID(t),
		LocalPubKey:        alice.PubKey(),
		RemotePubKey:       bob.PubKey(),
		Capacity:           10000,
		LocalBalance:       7000,
		RemoteBalance:      3000,
		SequenceNumber:     4,
		FundingTxid:        testOutpoint().Hash,
		FundingOutpoint:    testOutpoint(),
		FundingScript:      fundingScript,
		NLockTime:          1234,
		LocalPayoutScript:  testPayoutScript(t, alice),
		RemotePayoutScript: testPayoutScript(t, bob),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestChannelRoundTrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, initDatabase(db))

	channel := testChannel(t)
	channel.PendingPayment = &PendingPayment{
		Payment: Payment{
			ChannelID:         channel.ID,
			Amount:            100,
			NewSequenceNumber: 5,
			NewLocalBalance:   6900,
			NewRemoteBalance:  3100,
			Signature:         []byte{0x30, 0x44, 0x41},
			Timestamp:         channel.UpdatedAt,
		},
		PrevLocalBalance:  7000,
		PrevRemoteBalance: 3000,
		PrevSequence:      4,
	}
	require.NoError(t, saveChannel(db, channel, nil))

	channels, err := fetchChannels(db)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	got := channels[0]
	require.Equal(t, channel.ID, got.ID)
	require.Equal(t, channel.State, got.State)
	require.Equal(t, channel.RemotePeerID, got.RemotePeerID)
	require.Equal(t, channel.LocalPubKey.SerializeCompressed(),
		got.LocalPubKey.SerializeCompressed())
	require.Equal(t, channel.RemotePubKey.SerializeCompressed(),
		got.RemotePubKey.SerializeCompressed())
	require.Equal(t, channel.LocalBalance, got.LocalBalance)
	require.Equal(t, channel.FundingOutpoint, got.FundingOutpoint)
	require.Equal(t, channel.LocalPayoutScript, got.LocalPayoutScript)
	require.NotNil(t, got.PendingPayment)
	require.Equal(t, channel.PendingPayment.PrevSequence,
		got.PendingPayment.PrevSequence)
	require.Equal(t, channel.PendingPayment.Payment.Signature,
		got.PendingPayment.Payment.Signature)
}

func TestClosedChannelMovesBuckets(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, initDatabase(db))

	channel := testChannel(t)
	require.NoError(t, saveChannel(db, channel, nil))

	channel.State = StateClosed
	channel.SettlementTxid = chainhash.Hash{0x01}
	require.NoError(t, saveChannel(db, channel, nil))

	// The channel shows up exactly once after the move.
	channels, err := fetchChannels(db)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, StateClosed, channels[0].State)
	require.Equal(t, channel.SettlementTxid, channels[0].SettlementTxid)
}

func TestPaymentLogOrder(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, initDatabase(db))

	channel := testChannel(t)
	// Write the log out of order; big endian sequence keys iterate back
	// in order.
	for _, seq := range []uint64{3, 1, 2} {
		payment := &Payment{
			ChannelID:         channel.ID,
			Amount:            bchutil.Amount(100 * seq),
			NewSequenceNumber: seq,
			Timestamp:         time.Now(),
		}
		require.NoError(t, saveChannel(db, channel, payment))
	}

	payments, err := fetchPayments(db, channel.ID)
	require.NoError(t, err)
	require.Len(t, payments, 3)
	for i, payment := range payments {
		require.Equal(t, uint64(i+1), payment.NewSequenceNumber)
	}

	// An unknown channel has an empty log.
	other := chainhash.Hash{0xff}
	payments, err = fetchPayments(db, other)
	require.NoError(t, err)
	require.Empty(t, payments)
}

func TestFundingOutpointPersists(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, initDatabase(db))

	channel := testChannel(t)
	channel.FundingOutpoint = wire.OutPoint{Hash: channel.FundingTxid, Index: 7}
	require.NoError(t, saveChannel(db, channel, nil))

	channels, err := fetchChannels(db)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, uint32(7), channels[0].FundingOutpoint.Index)
}
