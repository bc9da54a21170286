package channels

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/walletdb"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dcrlabs/bchagent/messaging"
)

const (
	// AcceptAll is a sentinel for Config.AutoAcceptBelow which accepts
	// every inbound channel open regardless of capacity.
	AcceptAll = bchutil.Amount(-1)

	// DefaultExchangeTimeout bounds how long the manager waits for a
	// reply to channel protocol messages.
	DefaultExchangeTimeout = time.Second * 30

	// DefaultChannelLifetime is the default span between channel open and
	// the nLockTime after which commitments become broadcastable.
	DefaultChannelLifetime = time.Hour * 24 * 30
)

// ServiceHandlerFunc executes a paid service request and returns the result
// to send back to the payer.
type ServiceHandlerFunc func(ctx context.Context, service string,
	params json.RawMessage) (json.RawMessage, error)

// Config holds the options and dependencies for the channel manager.
type Config struct {
	// DB is the wallet database the channel data is persisted in.
	DB walletdb.DB

	// Wallet funds channel opens and publishes funding transactions.
	Wallet WalletBackend

	// Broadcaster pushes settlement transactions to the network.
	Broadcaster Broadcaster

	// Sender is the messaging surface used for the channel protocol.
	Sender Sender

	// Params identifies the chain we are on.
	Params *chaincfg.Params

	// LocalPeer is our transport identity.
	LocalPeer peer.ID

	// PaymentKey is the node's payment private key. Commitments and
	// settlements for all channels are signed with it.
	PaymentKey *bchec.PrivateKey

	// MinCapacity and MaxCapacity bound acceptable channel sizes.
	MinCapacity bchutil.Amount
	MaxCapacity bchutil.Amount

	// DefaultLifetime is the channel lifetime used for outbound opens.
	DefaultLifetime time.Duration

	// AutoAcceptBelow accepts inbound channel opens with capacity below
	// this value without intervention. Zero means every open requires
	// manual approval, AcceptAll accepts everything.
	AutoAcceptBelow bchutil.Amount

	// FeePerByte is the fee rate used for funding transactions.
	FeePerByte bchutil.Amount

	// CommitmentFee is the flat fee on commitment and settlement
	// transactions. Defaults to DefaultCommitmentFee.
	CommitmentFee bchutil.Amount

	// ExchangeTimeout bounds channel protocol round trips.
	ExchangeTimeout time.Duration

	// ServiceHandler executes inbound paid service requests. If nil all
	// paid requests are refused after their payment is rejected.
	ServiceHandler ServiceHandlerFunc
}

// Manager runs the payment channel state machines. All state transitions for
// one channel are serialized through a keyed mutex; different channels make
// progress independently.
type Manager struct {
	cfg *Config

	mtx      sync.RWMutex
	channels map[chainhash.Hash]*Channel
	cmtx     chanMutex

	localPayoutScript []byte
}

// NewManager creates the channel manager, loading any persisted channels
// from the database.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.CommitmentFee == 0 {
		cfg.CommitmentFee = DefaultCommitmentFee
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.DefaultLifetime == 0 {
		cfg.DefaultLifetime = DefaultChannelLifetime
	}
	if err := initDatabase(cfg.DB); err != nil {
		return nil, err
	}
	addr, err := cfg.Wallet.NewAddress()
	if err != nil {
		return nil, err
	}
	payoutScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:               cfg,
		channels:          make(map[chainhash.Hash]*Channel),
		cmtx:              newChanMutex(),
		localPayoutScript: payoutScript,
	}
	channels, err := fetchChannels(cfg.DB)
	if err != nil {
		return nil, err
	}
	for _, channel := range channels {
		m.channels[channel.ID] = channel
	}
	log.Infof("Channel manager loaded %d channels", len(channels))
	return m, nil
}

// PubKey returns the node's payment public key.
func (m *Manager) PubKey() *bchec.PublicKey {
	return m.cfg.PaymentKey.PubKey()
}

// PayoutScript returns the script channel funds are paid out to.
func (m *Manager) PayoutScript() []byte {
	return m.localPayoutScript
}

// ParsePubKey parses a hex encoded compressed public key.
func ParsePubKey(hexKey string) (*bchec.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	pub, err := bchec.ParsePubKey(raw, bchec.S256())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return pub, nil
}

// ParseChannelID parses a hex encoded channel id.
func ParseChannelID(s string) (chainhash.Hash, error) {
	id, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrUnknownChannel, err)
	}
	return *id, nil
}

func (m *Manager) getChannel(id chainhash.Hash) (*Channel, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	channel, ok := m.channels[id]
	if !ok {
		return nil, ErrUnknownChannel
	}
	return channel, nil
}

// Get returns a snapshot of the channel with the given id.
func (m *Manager) Get(id chainhash.Hash) (*Channel, error) {
	channel, err := m.getChannel(id)
	if err != nil {
		return nil, err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)
	snapshot := *channel
	return &snapshot, nil
}

// List returns snapshots of all known channels.
func (m *Manager) List() []*Channel {
	m.mtx.RLock()
	ids := make([]chainhash.Hash, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mtx.RUnlock()

	channels := make([]*Channel, 0, len(ids))
	for _, id := range ids {
		if snapshot, err := m.Get(id); err == nil {
			channels = append(channels, snapshot)
		}
	}
	return channels
}

// Payments returns the accepted payment log for a channel in sequence order.
func (m *Manager) Payments(id chainhash.Hash) ([]*Payment, error) {
	if _, err := m.getChannel(id); err != nil {
		return nil, err
	}
	return fetchPayments(m.cfg.DB, id)
}

func (m *Manager) checkCapacity(capacity bchutil.Amount) error {
	if capacity < m.cfg.MinCapacity ||
		(m.cfg.MaxCapacity > 0 && capacity > m.cfg.MaxCapacity) {
		return ErrCapacityOutOfRange
	}
	return nil
}

// Create sets up the local half of an outbound channel in the pending state.
// The channel id is derived from the two payment public keys with ours, the
// initiator's, first.
func (m *Manager) Create(remotePeer peer.ID, remotePub *bchec.PublicKey,
	capacity bchutil.Amount, lifetime time.Duration) (*Channel, error) {

	if err := m.checkCapacity(capacity); err != nil {
		return nil, err
	}
	localPub := m.cfg.PaymentKey.PubKey()
	id, err := NewChannelID(localPub, remotePub)
	if err != nil {
		return nil, err
	}

	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	m.mtx.Lock()
	if existing, ok := m.channels[id]; ok {
		m.mtx.Unlock()
		if existing.State == StatePending && !existing.Inbound &&
			existing.Capacity == capacity {
			snapshot := *existing
			return &snapshot, nil
		}
		return nil, ErrChannelIDReused
	}
	m.mtx.Unlock()

	fundingScript, err := FundingScript(localPub, remotePub)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	channel := &Channel{
		ID:                id,
		State:             StatePending,
		Inbound:           false,
		LocalPeerID:       m.cfg.LocalPeer,
		RemotePeerID:      remotePeer,
		LocalPubKey:       localPub,
		RemotePubKey:      remotePub,
		Capacity:          capacity,
		LocalBalance:      capacity,
		RemoteBalance:     0,
		FundingScript:     fundingScript,
		NLockTime:         uint32(now.Add(lifetime).Unix()),
		LocalPayoutScript: m.localPayoutScript,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := saveChannel(m.cfg.DB, channel, nil); err != nil {
		return nil, err
	}
	m.mtx.Lock()
	m.channels[id] = channel
	m.mtx.Unlock()

	log.Infof("Created outbound channel %s to %s with capacity %d",
		id, remotePeer, capacity)
	snapshot := *channel
	return &snapshot, nil
}

// Accept sets up the local half of an inbound channel. It is idempotent:
// re-accepting an identical proposal returns the existing channel, while a
// colliding id with different parameters is an error.
func (m *Manager) Accept(remotePeer peer.ID, remotePub *bchec.PublicKey,
	capacity bchutil.Amount, nLockTime uint32,
	remotePayoutScript []byte) (*Channel, error) {

	if err := m.checkCapacity(capacity); err != nil {
		return nil, err
	}
	localPub := m.cfg.PaymentKey.PubKey()
	id, err := NewChannelID(remotePub, localPub)
	if err != nil {
		return nil, err
	}

	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	m.mtx.Lock()
	if existing, ok := m.channels[id]; ok {
		m.mtx.Unlock()
		if existing.Inbound && existing.Capacity == capacity &&
			existing.NLockTime == nLockTime &&
			(existing.State == StatePending || existing.State == StateOpen) {
			snapshot := *existing
			return &snapshot, nil
		}
		return nil, ErrChannelIDReused
	}
	m.mtx.Unlock()

	fundingScript, err := FundingScript(localPub, remotePub)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	channel := &Channel{
		ID:                 id,
		State:              StatePending,
		Inbound:            true,
		LocalPeerID:        m.cfg.LocalPeer,
		RemotePeerID:       remotePeer,
		LocalPubKey:        localPub,
		RemotePubKey:       remotePub,
		Capacity:           capacity,
		LocalBalance:       0,
		RemoteBalance:      capacity,
		FundingScript:      fundingScript,
		NLockTime:          nLockTime,
		LocalPayoutScript:  m.localPayoutScript,
		RemotePayoutScript: remotePayoutScript,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := saveChannel(m.cfg.DB, channel, nil); err != nil {
		return nil, err
	}
	m.mtx.Lock()
	m.channels[id] = channel
	m.mtx.Unlock()

	log.Infof("Accepted inbound channel %s from %s with capacity %d",
		id, remotePeer, capacity)
	snapshot := *channel
	return &snapshot, nil
}

// SetFunding records the funding outpoint on a pending channel. Setting the
// same outpoint again is a no-op.
func (m *Manager) SetFunding(id chainhash.Hash, txid chainhash.Hash, vout uint32) error {
	channel, err := m.getChannel(id)
	if err != nil {
		return err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	if channel.FundingTxid == txid && channel.FundingOutpoint.Index == vout {
		return nil
	}
	if channel.State != StatePending {
		return ErrWrongState
	}
	if channel.FundingTxid != (chainhash.Hash{}) {
		return fmt.Errorf("%w: funding already set", ErrWrongState)
	}
	channel.FundingTxid = txid
	channel.FundingOutpoint = wire.OutPoint{Hash: txid, Index: vout}
	channel.UpdatedAt = time.Now()
	return saveChannel(m.cfg.DB, channel, nil)
}

// MarkOpen transitions a funded pending channel to open.
func (m *Manager) MarkOpen(id chainhash.Hash) error {
	channel, err := m.getChannel(id)
	if err != nil {
		return err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	if channel.State == StateOpen {
		return nil
	}
	if channel.State != StatePending {
		return ErrWrongState
	}
	if channel.FundingTxid == (chainhash.Hash{}) {
		return fmt.Errorf("%w: channel has no funding", ErrWrongState)
	}
	channel.State = StateOpen
	channel.UpdatedAt = time.Now()
	return saveChannel(m.cfg.DB, channel, nil)
}

// CreatePayment builds and signs the next outgoing payment, applying it
// optimistically. The channel keeps the pre-payment state so the payment can
// be rolled back if the counterparty rejects it; retrying delivery of the
// pending payment never increments the sequence number again.
func (m *Manager) CreatePayment(id chainhash.Hash, amount bchutil.Amount) (*Payment, error) {
	channel, err := m.getChannel(id)
	if err != nil {
		return nil, err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	if channel.State != StateOpen {
		return nil, ErrWrongState
	}
	if channel.PendingPayment != nil {
		return nil, ErrPaymentPending
	}
	if amount <= 0 || amount > channel.LocalBalance {
		return nil, ErrInsufficientBalance
	}

	newSequence := channel.SequenceNumber + 1
	newLocal := channel.LocalBalance - amount
	newRemote := channel.RemoteBalance + amount

	commitment, err := BuildCommitmentTx(channel.FundingOutpoint,
		channel.NLockTime, newSequence, newLocal, newRemote,
		channel.LocalPayoutScript, channel.RemotePayoutScript,
		m.cfg.CommitmentFee)
	if err != nil {
		return nil, err
	}
	sig, err := SignStateTx(commitment, channel.FundingScript,
		channel.Capacity, m.cfg.PaymentKey)
	if err != nil {
		return nil, err
	}

	payment := Payment{
		ChannelID:         id,
		Amount:            amount,
		NewSequenceNumber: newSequence,
		NewLocalBalance:   newLocal,
		NewRemoteBalance:  newRemote,
		Signature:         sig,
		Timestamp:         time.Now(),
	}
	channel.PendingPayment = &PendingPayment{
		Payment:           payment,
		PrevLocalBalance:  channel.LocalBalance,
		PrevRemoteBalance: channel.RemoteBalance,
		PrevSequence:      channel.SequenceNumber,
	}
	channel.LocalBalance = newLocal
	channel.RemoteBalance = newRemote
	channel.SequenceNumber = newSequence
	channel.UpdatedAt = time.Now()
	if err := saveChannel(m.cfg.DB, channel, nil); err != nil {
		return nil, err
	}
	return &payment, nil
}

// CommitPayment finalizes the pending outgoing payment after the
// counterparty acknowledged it, appending it to the payment log.
func (m *Manager) CommitPayment(id chainhash.Hash) error {
	channel, err := m.getChannel(id)
	if err != nil {
		return err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	if channel.PendingPayment == nil {
		return fmt.Errorf("%w: no pending payment", ErrWrongState)
	}
	payment := channel.PendingPayment.Payment
	channel.PendingPayment = nil
	channel.UpdatedAt = time.Now()
	return saveChannel(m.cfg.DB, channel, &payment)
}

// RollbackPayment reverts the pending outgoing payment, restoring the
// pre-payment balances and sequence number.
func (m *Manager) RollbackPayment(id chainhash.Hash) error {
	channel, err := m.getChannel(id)
	if err != nil {
		return err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	if channel.PendingPayment == nil {
		return fmt.Errorf("%w: no pending payment", ErrWrongState)
	}
	pending := channel.PendingPayment
	channel.LocalBalance = pending.PrevLocalBalance
	channel.RemoteBalance = pending.PrevRemoteBalance
	channel.SequenceNumber = pending.PrevSequence
	channel.PendingPayment = nil
	channel.UpdatedAt = time.Now()
	log.Debugf("Rolled back payment of %d on channel %s",
		pending.Payment.Amount, id)
	return saveChannel(m.cfg.DB, channel, nil)
}

// ProcessPayment validates and applies an inbound payment. The payment's
// balances are from the payer's perspective, so local and remote are swapped
// before being applied here.
func (m *Manager) ProcessPayment(remote peer.ID, p *Payment) error {
	channel, err := m.getChannel(p.ChannelID)
	if err != nil {
		return err
	}
	m.cmtx.Lock(p.ChannelID)
	defer m.cmtx.Unlock(p.ChannelID)

	if channel.RemotePeerID != remote {
		return fmt.Errorf("%w: payment from wrong peer", ErrUnknownChannel)
	}
	if channel.State != StateOpen {
		return ErrWrongState
	}
	if p.NewSequenceNumber != channel.SequenceNumber+1 {
		return ErrStaleSequence
	}
	if p.NewLocalBalance+p.NewRemoteBalance != channel.Capacity {
		return ErrBalanceImbalance
	}
	if p.Amount <= 0 || p.Amount > channel.RemoteBalance {
		return ErrInsufficientBalance
	}
	// The payer's new balance must equal their old balance minus the
	// amount; from this side their balance is RemoteBalance.
	if p.NewLocalBalance != channel.RemoteBalance-p.Amount {
		return ErrBalanceImbalance
	}
	if channel.FundingTxid == (chainhash.Hash{}) {
		return fmt.Errorf("%w: channel has no funding", ErrWrongState)
	}

	// Rebuild the commitment the payer signed. Their local payout script
	// is our remote one and vice versa; the canonical output ordering
	// makes both sides serialize the identical transaction.
	commitment, err := BuildCommitmentTx(channel.FundingOutpoint,
		channel.NLockTime, p.NewSequenceNumber,
		p.NewLocalBalance, p.NewRemoteBalance,
		channel.RemotePayoutScript, channel.LocalPayoutScript,
		m.cfg.CommitmentFee)
	if err != nil {
		return err
	}
	if !VerifyStateSignature(commitment, channel.FundingScript,
		channel.Capacity, channel.RemotePubKey, p.Signature) {
		return ErrBadSignature
	}

	channel.LocalBalance = p.NewRemoteBalance
	channel.RemoteBalance = p.NewLocalBalance
	channel.SequenceNumber = p.NewSequenceNumber
	channel.UpdatedAt = time.Now()

	record := *p
	record.Timestamp = time.Now()
	if err := saveChannel(m.cfg.DB, channel, &record); err != nil {
		return err
	}
	log.Infof("Received payment of %d on channel %s, sequence %d",
		p.Amount, p.ChannelID, p.NewSequenceNumber)
	return nil
}

// Close freezes the channel and builds our half of the cooperative
// settlement. An unfunded pending channel is closed immediately with no
// settlement transaction.
func (m *Manager) Close(id chainhash.Hash) (*wire.MsgTx, []byte, error) {
	channel, err := m.getChannel(id)
	if err != nil {
		return nil, nil, err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	if channel.State == StatePending && channel.FundingTxid == (chainhash.Hash{}) {
		channel.State = StateClosed
		channel.UpdatedAt = time.Now()
		return nil, nil, saveChannel(m.cfg.DB, channel, nil)
	}
	if channel.State != StateOpen {
		return nil, nil, ErrWrongState
	}
	if channel.PendingPayment != nil {
		return nil, nil, ErrPaymentPending
	}

	settlement, err := BuildSettlementTx(channel.FundingOutpoint,
		channel.LocalBalance, channel.RemoteBalance,
		channel.LocalPayoutScript, channel.RemotePayoutScript,
		m.cfg.CommitmentFee)
	if err != nil {
		return nil, nil, err
	}
	sig, err := SignStateTx(settlement, channel.FundingScript,
		channel.Capacity, m.cfg.PaymentKey)
	if err != nil {
		return nil, nil, err
	}
	channel.State = StateClosing
	channel.UpdatedAt = time.Now()
	if err := saveChannel(m.cfg.DB, channel, nil); err != nil {
		return nil, nil, err
	}
	return settlement, sig, nil
}

// FinalizeClose records the settlement txid and moves the channel to its
// terminal state.
func (m *Manager) FinalizeClose(id chainhash.Hash, closeTxid chainhash.Hash) error {
	channel, err := m.getChannel(id)
	if err != nil {
		return err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	if channel.State != StateClosing {
		return ErrWrongState
	}
	channel.State = StateClosed
	channel.SettlementTxid = closeTxid
	channel.UpdatedAt = time.Now()
	log.Infof("Channel %s closed by settlement %s", id, closeTxid)
	return saveChannel(m.cfg.DB, channel, nil)
}

func (m *Manager) reopenFromClosing(id chainhash.Hash) {
	channel, err := m.getChannel(id)
	if err != nil {
		return
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)
	if channel.State == StateClosing {
		channel.State = StateOpen
		channel.UpdatedAt = time.Now()
		if err := saveChannel(m.cfg.DB, channel, nil); err != nil {
			log.Errorf("Failed to persist channel %s: %v", id, err)
		}
	}
}

// OpenChannel runs the full outbound open flow: propose the channel to the
// remote peer, and on acceptance create, publish, and record the funding
// transaction.
func (m *Manager) OpenChannel(ctx context.Context, remotePeer peer.ID,
	remotePub *bchec.PublicKey, capacity bchutil.Amount) (*Channel, error) {

	channel, err := m.Create(remotePeer, remotePub, capacity, m.cfg.DefaultLifetime)
	if err != nil {
		return nil, err
	}

	payload := m.openPayload(channel)
	msg, err := messaging.NewMessage(messaging.TypeChannelOpen,
		m.cfg.LocalPeer, remotePeer, payload)
	if err != nil {
		return nil, err
	}
	reply, err := m.cfg.Sender.Exchange(ctx, remotePeer, msg, m.cfg.ExchangeTimeout)
	if err != nil {
		return nil, fmt.Errorf("channel open exchange: %w", err)
	}

	switch reply.Type {
	case messaging.TypeChannelAccept:
		var accept messaging.ChannelAcceptPayload
		if err := reply.DecodePayload(&accept); err != nil {
			return nil, err
		}
		remoteScript, err := hex.DecodeString(accept.PayoutScript)
		if err != nil {
			return nil, fmt.Errorf("bad payout script from peer: %v", err)
		}
		acceptPub, err := ParsePubKey(accept.PubKey)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(acceptPub.SerializeCompressed(),
			remotePub.SerializeCompressed()) {
			return nil, fmt.Errorf("%w: accept key does not match", ErrBadPublicKey)
		}
		if err := m.setRemotePayoutScript(channel.ID, remoteScript); err != nil {
			return nil, err
		}
	case messaging.TypeChannelReject:
		var reject messaging.ChannelRejectPayload
		_ = reply.DecodePayload(&reject)
		return nil, fmt.Errorf("%w: %s", ErrRejected, reject.Reason)
	default:
		return nil, fmt.Errorf("unexpected reply type %q to channel open", reply.Type)
	}

	fundingOut, _, err := FundingOutput(m.cfg.PaymentKey.PubKey(), remotePub,
		capacity, m.cfg.Params)
	if err != nil {
		return nil, err
	}
	fundingTx, err := m.cfg.Wallet.CreateSimpleTx([]*wire.TxOut{fundingOut},
		m.cfg.FeePerByte)
	if err != nil {
		return nil, fmt.Errorf("funding transaction: %w", err)
	}
	vout := uint32(0)
	for i, out := range fundingTx.TxOut {
		if bytes.Equal(out.PkScript, fundingOut.PkScript) {
			vout = uint32(i)
			break
		}
	}
	if err := m.cfg.Wallet.PublishTransaction(fundingTx); err != nil {
		return nil, fmt.Errorf("publish funding transaction: %w", err)
	}
	txid := fundingTx.TxHash()
	if err := m.SetFunding(channel.ID, txid, vout); err != nil {
		return nil, err
	}
	if err := m.MarkOpen(channel.ID); err != nil {
		return nil, err
	}
	log.Infof("Opened channel %s funded by %s:%d", channel.ID, txid, vout)
	return m.Get(channel.ID)
}

func (m *Manager) setRemotePayoutScript(id chainhash.Hash, script []byte) error {
	channel, err := m.getChannel(id)
	if err != nil {
		return err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)
	channel.RemotePayoutScript = script
	channel.UpdatedAt = time.Now()
	return saveChannel(m.cfg.DB, channel, nil)
}

// Pay sends an off-chain payment over the channel and waits for the
// acknowledgement. A reject or a failed exchange rolls the optimistic state
// back.
func (m *Manager) Pay(ctx context.Context, id chainhash.Hash,
	amount bchutil.Amount) (*Payment, error) {

	payment, err := m.CreatePayment(id, amount)
	if err != nil {
		return nil, err
	}
	channel, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	payload := channelUpdateBody(channel, payment)
	msg, err := messaging.NewMessage(messaging.TypeChannelUpdate,
		m.cfg.LocalPeer, channel.RemotePeerID, payload)
	if err != nil {
		m.rollbackLogged(id)
		return nil, err
	}
	reply, err := m.cfg.Sender.Exchange(ctx, channel.RemotePeerID, msg,
		m.cfg.ExchangeTimeout)
	if err != nil {
		m.rollbackLogged(id)
		return nil, fmt.Errorf("payment exchange: %w", err)
	}

	switch reply.Type {
	case messaging.TypePaymentAck:
		var ack messaging.PaymentAckPayload
		if err := reply.DecodePayload(&ack); err != nil {
			m.rollbackLogged(id)
			return nil, err
		}
		if !ack.Accepted {
			m.rollbackLogged(id)
			return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
		}
		if err := m.CommitPayment(id); err != nil {
			return nil, err
		}
		return payment, nil
	case messaging.TypeChannelReject:
		var reject messaging.ChannelRejectPayload
		_ = reply.DecodePayload(&reject)
		m.rollbackLogged(id)
		return nil, fmt.Errorf("%w: %s", ErrRejected, reject.Reason)
	default:
		m.rollbackLogged(id)
		return nil, fmt.Errorf("unexpected reply type %q to payment", reply.Type)
	}
}

func (m *Manager) rollbackLogged(id chainhash.Hash) {
	if err := m.RollbackPayment(id); err != nil {
		log.Errorf("Failed to roll back payment on channel %s: %v", id, err)
	}
}

// CloseChannel runs the cooperative close flow: freeze the channel, send the
// half-signed settlement, and record the txid the counterparty broadcast.
func (m *Manager) CloseChannel(ctx context.Context, id chainhash.Hash) (*chainhash.Hash, error) {
	settlement, sig, err := m.Close(id)
	if err != nil {
		return nil, err
	}
	if settlement == nil {
		// Unfunded channel, closed locally with nothing to settle.
		return nil, nil
	}
	channel, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := settlement.Serialize(&buf); err != nil {
		return nil, err
	}
	payload := messaging.ChannelClosePayload{
		ChannelID:    id.String(),
		Cooperative:  true,
		SettlementTx: hex.EncodeToString(buf.Bytes()),
		Signature:    hex.EncodeToString(sig),
	}
	msg, err := messaging.NewMessage(messaging.TypeChannelClose,
		m.cfg.LocalPeer, channel.RemotePeerID, payload)
	if err != nil {
		return nil, err
	}
	reply, err := m.cfg.Sender.Exchange(ctx, channel.RemotePeerID, msg,
		m.cfg.ExchangeTimeout)
	if err != nil {
		m.reopenFromClosing(id)
		return nil, fmt.Errorf("close exchange: %w", err)
	}

	switch reply.Type {
	case messaging.TypeChannelClose:
		var closeReply messaging.ChannelClosePayload
		if err := reply.DecodePayload(&closeReply); err != nil {
			return nil, err
		}
		closeTxid, err := chainhash.NewHashFromStr(closeReply.CloseTxID)
		if err != nil {
			return nil, fmt.Errorf("bad close txid from peer: %v", err)
		}
		if err := m.FinalizeClose(id, *closeTxid); err != nil {
			return nil, err
		}
		return closeTxid, nil
	case messaging.TypeChannelReject:
		var reject messaging.ChannelRejectPayload
		_ = reply.DecodePayload(&reject)
		m.reopenFromClosing(id)
		return nil, fmt.Errorf("%w: %s", ErrRejected, reject.Reason)
	default:
		return nil, fmt.Errorf("unexpected reply type %q to channel close", reply.Type)
	}
}

// PayForService bundles a channel payment with a service request and returns
// the service result. The payment is committed only if the remote peer
// reports it accepted.
func (m *Manager) PayForService(ctx context.Context, id chainhash.Hash,
	amount bchutil.Amount, service string,
	params json.RawMessage) (json.RawMessage, error) {

	payment, err := m.CreatePayment(id, amount)
	if err != nil {
		return nil, err
	}
	channel, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	payload := messaging.PaidRequestPayload{
		Service: service,
		Params:  params,
		Update:  channelUpdateBody(channel, payment),
	}
	msg, err := messaging.NewMessage(messaging.TypePaidRequest,
		m.cfg.LocalPeer, channel.RemotePeerID, payload)
	if err != nil {
		m.rollbackLogged(id)
		return nil, err
	}
	reply, err := m.cfg.Sender.Exchange(ctx, channel.RemotePeerID, msg,
		m.cfg.ExchangeTimeout)
	if err != nil {
		m.rollbackLogged(id)
		return nil, fmt.Errorf("paid request exchange: %w", err)
	}
	if reply.Type != messaging.TypePaidResult {
		m.rollbackLogged(id)
		return nil, fmt.Errorf("unexpected reply type %q to paid request", reply.Type)
	}
	var result messaging.PaidResultPayload
	if err := reply.DecodePayload(&result); err != nil {
		m.rollbackLogged(id)
		return nil, err
	}
	if !result.PaymentAccepted {
		m.rollbackLogged(id)
		if result.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRejected, result.Error)
		}
		return nil, ErrRejected
	}
	if err := m.CommitPayment(id); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return result.Result, fmt.Errorf("remote service error: %s", result.Error)
	}
	return result.Result, nil
}
