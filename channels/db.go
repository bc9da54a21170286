package channels

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/walletdb"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	channelsBucket       = []byte("paymentchannels")
	openChannelsBucket   = []byte("openchannels")
	closedChannelsBucket = []byte("closedchannels")
	paymentsBucket       = []byte("payments")
)

// initDatabase will attempt to create all of the database buckets if they do
// not yet exist.
func initDatabase(db walletdb.DB) error {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		wb, err := tx.CreateTopLevelBucket(channelsBucket)
		if err != nil {
			return err
		}
		if _, err = wb.CreateBucketIfNotExists(openChannelsBucket); err != nil {
			return err
		}
		if _, err = wb.CreateBucketIfNotExists(closedChannelsBucket); err != nil {
			return err
		}
		if _, err = wb.CreateBucketIfNotExists(paymentsBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil && err != walletdb.ErrBucketExists {
		return err
	}
	return nil
}

// saveChannel persists the channel, and optionally an accepted payment,
// atomically. Channels that reach a terminal state are moved from the open
// bucket to the closed bucket in the same transaction. Payments are an
// append-only log keyed by big endian sequence number under a per-channel
// nested bucket.
func saveChannel(db walletdb.DB, channel *Channel, payment *Payment) error {
	bucketName := openChannelsBucket
	if channel.State == StateClosed || channel.State == StateDisputed {
		bucketName = closedChannelsBucket
	}
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		top := tx.ReadWriteBucket(channelsBucket)
		serializedChannel, err := serializeChannel(channel)
		if err != nil {
			return err
		}
		key := channel.ID.CloneBytes()
		if bytes.Equal(bucketName, closedChannelsBucket) {
			open := top.NestedReadWriteBucket(openChannelsBucket)
			if open.Get(key) != nil {
				if err := open.Delete(key); err != nil {
					return err
				}
			}
		}
		bucket := top.NestedReadWriteBucket(bucketName)
		if err := bucket.Put(key, serializedChannel); err != nil {
			return err
		}
		if payment != nil {
			chanPayments, err := top.NestedReadWriteBucket(paymentsBucket).
				CreateBucketIfNotExists(key)
			if err != nil {
				return err
			}
			serializedPayment, err := serializePayment(payment)
			if err != nil {
				return err
			}
			var seqKey [8]byte
			binary.BigEndian.PutUint64(seqKey[:], payment.NewSequenceNumber)
			if err := chanPayments.Put(seqKey[:], serializedPayment); err != nil {
				return err
			}
		}
		return nil
	})
}

// fetchChannels loads every persisted channel, open and closed.
func fetchChannels(db walletdb.DB) ([]*Channel, error) {
	var channels []*Channel
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		top := tx.ReadBucket(channelsBucket)
		for _, name := range [][]byte{openChannelsBucket, closedChannelsBucket} {
			err := top.NestedReadBucket(name).ForEach(func(k, v []byte) error {
				channel, err := deserializeChannel(v)
				if err != nil {
					return err
				}
				channels = append(channels, channel)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// fetchPayments loads the payment log for one channel in sequence order.
func fetchPayments(db walletdb.DB, channelID chainhash.Hash) ([]*Payment, error) {
	var payments []*Payment
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		chanPayments := tx.ReadBucket(channelsBucket).
			NestedReadBucket(paymentsBucket).
			NestedReadBucket(channelID.CloneBytes())
		if chanPayments == nil {
			return nil
		}
		return chanPayments.ForEach(func(k, v []byte) error {
			payment, err := deserializePayment(v)
			if err != nil {
				return err
			}
			payments = append(payments, payment)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// serializableChannel is a struct that gob is capable of serializing.
type serializableChannel struct {
	ID                 chainhash.Hash
	State              ChannelState
	Inbound            bool
	LocalPeerID        peer.ID
	RemotePeerID       peer.ID
	LocalPubKey        []byte
	RemotePubKey       []byte
	Capacity           bchutil.Amount
	LocalBalance       bchutil.Amount
	RemoteBalance      bchutil.Amount
	SequenceNumber     uint64
	FundingTxid        chainhash.Hash
	FundingOutpoint    wire.OutPoint
	FundingScript      []byte
	NLockTime          uint32
	LocalPayoutScript  []byte
	RemotePayoutScript []byte
	SettlementTxid     chainhash.Hash
	PendingPayment     *PendingPayment
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func serializeChannel(c *Channel) ([]byte, error) {
	serializable := serializableChannel{
		ID:                 c.ID,
		State:              c.State,
		Inbound:            c.Inbound,
		LocalPeerID:        c.LocalPeerID,
		RemotePeerID:       c.RemotePeerID,
		Capacity:           c.Capacity,
		LocalBalance:       c.LocalBalance,
		RemoteBalance:      c.RemoteBalance,
		SequenceNumber:     c.SequenceNumber,
		FundingTxid:        c.FundingTxid,
		FundingOutpoint:    c.FundingOutpoint,
		FundingScript:      c.FundingScript,
		NLockTime:          c.NLockTime,
		LocalPayoutScript:  c.LocalPayoutScript,
		RemotePayoutScript: c.RemotePayoutScript,
		SettlementTxid:     c.SettlementTxid,
		PendingPayment:     c.PendingPayment,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
	if c.LocalPubKey != nil {
		serializable.LocalPubKey = c.LocalPubKey.SerializeCompressed()
	}
	if c.RemotePubKey != nil {
		serializable.RemotePubKey = c.RemotePubKey.SerializeCompressed()
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(serializable); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func deserializeChannel(ser []byte) (*Channel, error) {
	var serializable serializableChannel
	if err := gob.NewDecoder(bytes.NewReader(ser)).Decode(&serializable); err != nil {
		return nil, err
	}
	c := Channel{
		ID:                 serializable.ID,
		State:              serializable.State,
		Inbound:            serializable.Inbound,
		LocalPeerID:        serializable.LocalPeerID,
		RemotePeerID:       serializable.RemotePeerID,
		Capacity:           serializable.Capacity,
		LocalBalance:       serializable.LocalBalance,
		RemoteBalance:      serializable.RemoteBalance,
		SequenceNumber:     serializable.SequenceNumber,
		FundingTxid:        serializable.FundingTxid,
		FundingOutpoint:    serializable.FundingOutpoint,
		FundingScript:      serializable.FundingScript,
		NLockTime:          serializable.NLockTime,
		LocalPayoutScript:  serializable.LocalPayoutScript,
		RemotePayoutScript: serializable.RemotePayoutScript,
		SettlementTxid:     serializable.SettlementTxid,
		PendingPayment:     serializable.PendingPayment,
		CreatedAt:          serializable.CreatedAt,
		UpdatedAt:          serializable.UpdatedAt,
	}
	if len(serializable.LocalPubKey) > 0 {
		pub, err := bchec.ParsePubKey(serializable.LocalPubKey, bchec.S256())
		if err != nil {
			return nil, err
		}
		c.LocalPubKey = pub
	}
	if len(serializable.RemotePubKey) > 0 {
		pub, err := bchec.ParsePubKey(serializable.RemotePubKey, bchec.S256())
		if err != nil {
			return nil, err
		}
		c.RemotePubKey = pub
	}
	return &c, nil
}

func serializePayment(p *Payment) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(p); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func deserializePayment(ser []byte) (*Payment, error) {
	var p Payment
	if err := gob.NewDecoder(bytes.NewReader(ser)).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
