package channels

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/walletdb"
	_ "github.com/gcash/bchwallet/walletdb/bdb"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"

	"github.com/dcrlabs/bchagent/messaging"
)

// testPeerID generates a valid peer ID. Channels round-trip through gob,
// which runs peer.ID's binary unmarshaler, so fixtures need real multihash
// IDs rather than arbitrary strings.
func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	id, err := test.RandPeerID()
	require.NoError(t, err)
	return id
}

func openTestDB(t *testing.T) walletdb.DB {
	t.Helper()
	db, err := walletdb.Create("bdb", filepath.Join(t.TempDir(), "channels.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// mockWallet hands out a fixed P2PKH address and fabricates funding
// transactions with a single random input.
type mockWallet struct {
	params *chaincfg.Params
	key    *bchec.PrivateKey
}

func (w *mockWallet) NewAddress() (bchutil.Address, error) {
	return bchutil.NewAddressPubKeyHash(
		bchutil.Hash160(w.key.PubKey().SerializeCompressed()), w.params)
}

func (w *mockWallet) CreateSimpleTx(outputs []*wire.TxOut,
	feePerByte bchutil.Amount) (*wire.MsgTx, error) {

	tx := wire.NewMsgTx(1)
	b := make([]byte, 32)
	rand.Read(b)
	h, _ := chainhash.NewHash(b)
	tx.TxIn = append(tx.TxIn, wire.NewTxIn(wire.NewOutPoint(h, 0), nil))
	tx.TxOut = outputs
	return tx, nil
}

func (w *mockWallet) PublishTransaction(tx *wire.MsgTx) error { return nil }
func (w *mockWallet) LockOutpoint(op wire.OutPoint)           {}
func (w *mockWallet) UnlockOutpoint(op wire.OutPoint)         {}

// recordingBroadcaster captures broadcast settlements.
type recordingBroadcaster struct {
	mtx sync.Mutex
	txs []*wire.MsgTx
}

func (b *recordingBroadcaster) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.txs = append(b.txs, tx)
	h := tx.TxHash()
	return &h, nil
}

func (b *recordingBroadcaster) count() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.txs)
}

// loopSender delivers channel protocol messages straight into the remote
// manager's handlers, standing in for the libp2p transport.
type loopSender struct {
	localPeer peer.ID
	remote    *Manager
}

func (s *loopSender) dispatch(ctx context.Context, msg *messaging.Message) *messaging.Message {
	var reply *messaging.Message
	switch msg.Type {
	case messaging.TypeChannelOpen:
		reply, _ = s.remote.HandleChannelOpen(ctx, s.localPeer, msg)
	case messaging.TypeChannelUpdate:
		reply, _ = s.remote.HandleChannelUpdate(ctx, s.localPeer, msg)
	case messaging.TypeChannelClose:
		reply, _ = s.remote.HandleChannelClose(ctx, s.localPeer, msg)
	case messaging.TypePaidRequest:
		reply, _ = s.remote.HandlePaidRequest(ctx, s.localPeer, msg)
	}
	return reply
}

func (s *loopSender) Send(ctx context.Context, to peer.ID,
	msg *messaging.Message) error {

	s.dispatch(ctx, msg)
	return nil
}

func (s *loopSender) Exchange(ctx context.Context, to peer.ID,
	msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {

	reply := s.dispatch(ctx, msg)
	if reply == nil {
		return nil, messaging.ErrTimeout
	}
	return reply, nil
}

// rejectSender answers every exchange with a channel_reject.
type rejectSender struct {
	localPeer peer.ID
}

func (s *rejectSender) Send(ctx context.Context, to peer.ID,
	msg *messaging.Message) error {
	return nil
}

func (s *rejectSender) Exchange(ctx context.Context, to peer.ID,
	msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {

	return messaging.NewMessage(messaging.TypeChannelReject, to, s.localPeer,
		messaging.ChannelRejectPayload{Reason: "not today"})
}

// failSender fails every exchange outright.
type failSender struct{}

func (s *failSender) Send(ctx context.Context, to peer.ID,
	msg *messaging.Message) error {
	return messaging.ErrSendTimeout
}

func (s *failSender) Exchange(ctx context.Context, to peer.ID,
	msg *messaging.Message, timeout time.Duration) (*messaging.Message, error) {
	return nil, messaging.ErrTimeout
}

func echoService(ctx context.Context, service string,
	params json.RawMessage) (json.RawMessage, error) {

	if service != "echo" {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	return params, nil
}

type testNode struct {
	mgr    *Manager
	peerID peer.ID
	key    *bchec.PrivateKey
	sender *loopSender
	bcast  *recordingBroadcaster
}

func newTestNode(t *testing.T, keyByte byte, peerID peer.ID,
	autoAccept bchutil.Amount, svc ServiceHandlerFunc) *testNode {

	t.Helper()
	key := testKey(t, keyByte)
	sender := &loopSender{localPeer: peerID}
	bcast := &recordingBroadcaster{}
	mgr, err := NewManager(&Config{
		DB:              openTestDB(t),
		Wallet:          &mockWallet{params: &chaincfg.RegressionNetParams, key: key},
		Broadcaster:     bcast,
		Sender:          sender,
		Params:          &chaincfg.RegressionNetParams,
		LocalPeer:       peerID,
		PaymentKey:      key,
		MinCapacity:     1000,
		MaxCapacity:     1000000,
		AutoAcceptBelow: autoAccept,
		FeePerByte:      1,
		ServiceHandler:  svc,
	})
	require.NoError(t, err)
	return &testNode{mgr: mgr, peerID: peerID, key: key, sender: sender, bcast: bcast}
}

// newTestPair wires two managers back to back. Bob auto-accepts everything
// and serves the echo service.
func newTestPair(t *testing.T) (alice, bob *testNode) {
	t.Helper()
	alice = newTestNode(t, 1, testPeerID(t), 0, nil)
	bob = newTestNode(t, 2, testPeerID(t), AcceptAll, echoService)
	alice.sender.remote = bob.mgr
	bob.sender.remote = alice.mgr
	return alice, bob
}

// openTestChannel runs the full open flow between the pair.
func openTestChannel(t *testing.T, alice, bob *testNode,
	capacity bchutil.Amount) *Channel {

	t.Helper()
	channel, err := alice.mgr.OpenChannel(context.Background(), bob.peerID,
		bob.key.PubKey(), capacity)
	require.NoError(t, err)
	return channel
}
