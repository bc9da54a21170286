package channels

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dcrlabs/bchagent/messaging"
)

// openPayload renders an outbound channel proposal.
func (m *Manager) openPayload(c *Channel) messaging.ChannelOpenPayload {
	return messaging.ChannelOpenPayload{
		ChannelID:    c.ID.String(),
		PubKey:       hex.EncodeToString(c.LocalPubKey.SerializeCompressed()),
		Capacity:     int64(c.Capacity),
		NLockTime:    c.NLockTime,
		PayoutScript: hex.EncodeToString(c.LocalPayoutScript),
	}
}

// channelUpdateBody renders a signed payment as an update payload. The
// funding outpoint rides along so a responder that has not observed the
// funding transaction learns it here.
func channelUpdateBody(c *Channel, p *Payment) messaging.ChannelUpdatePayload {
	payload := messaging.ChannelUpdatePayload{
		ChannelID:         p.ChannelID.String(),
		Amount:            int64(p.Amount),
		NewSequenceNumber: p.NewSequenceNumber,
		NewLocalBalance:   int64(p.NewLocalBalance),
		NewRemoteBalance:  int64(p.NewRemoteBalance),
		Signature:         hex.EncodeToString(p.Signature),
	}
	if c.FundingTxid != (chainhash.Hash{}) {
		payload.FundingTxID = c.FundingTxid.String()
		payload.FundingVout = c.FundingOutpoint.Index
	}
	return payload
}

// paymentFromUpdate parses an update payload back into a payment.
func paymentFromUpdate(update *messaging.ChannelUpdatePayload) (*Payment, error) {
	id, err := ParseChannelID(update.ChannelID)
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(update.Signature)
	if err != nil {
		return nil, ErrBadSignature
	}
	return &Payment{
		ChannelID:         id,
		Amount:            bchutil.Amount(update.Amount),
		NewSequenceNumber: update.NewSequenceNumber,
		NewLocalBalance:   bchutil.Amount(update.NewLocalBalance),
		NewRemoteBalance:  bchutil.Amount(update.NewRemoteBalance),
		Signature:         sig,
		Timestamp:         time.Now(),
	}, nil
}

func (m *Manager) rejectReply(remote peer.ID, channelID, reason string) *messaging.Message {
	reply, err := messaging.NewMessage(messaging.TypeChannelReject,
		m.cfg.LocalPeer, remote, messaging.ChannelRejectPayload{
			ChannelID: channelID,
			Reason:    reason,
		})
	if err != nil {
		log.Errorf("Failed to build reject message: %v", err)
		return nil
	}
	return reply
}

// HandleChannelOpen processes an inbound channel proposal. It replies with
// channel_accept when the proposal passes the capacity bounds and the
// auto-accept policy, and channel_reject otherwise.
func (m *Manager) HandleChannelOpen(ctx context.Context, remote peer.ID,
	msg *messaging.Message) (*messaging.Message, bool) {

	var proposal messaging.ChannelOpenPayload
	if err := msg.DecodePayload(&proposal); err != nil {
		return m.rejectReply(remote, proposal.ChannelID, "malformed channel open"), true
	}
	capacity := bchutil.Amount(proposal.Capacity)

	auto := m.cfg.AutoAcceptBelow
	if auto != AcceptAll && (auto == 0 || capacity >= auto) {
		log.Infof("Refusing channel open from %s: capacity %d requires manual approval",
			remote, capacity)
		return m.rejectReply(remote, proposal.ChannelID,
			"channel open requires manual approval"), true
	}

	remotePub, err := ParsePubKey(proposal.PubKey)
	if err != nil {
		return m.rejectReply(remote, proposal.ChannelID, err.Error()), true
	}
	remoteScript, err := hex.DecodeString(proposal.PayoutScript)
	if err != nil {
		return m.rejectReply(remote, proposal.ChannelID, "malformed payout script"), true
	}

	channel, err := m.Accept(remote, remotePub, capacity, proposal.NLockTime,
		remoteScript)
	if err != nil {
		return m.rejectReply(remote, proposal.ChannelID, err.Error()), true
	}
	if proposal.ChannelID != channel.ID.String() {
		return m.rejectReply(remote, proposal.ChannelID, "channel id mismatch"), true
	}

	reply, err := messaging.NewMessage(messaging.TypeChannelAccept,
		m.cfg.LocalPeer, remote, messaging.ChannelAcceptPayload{
			ChannelID:    channel.ID.String(),
			PubKey:       hex.EncodeToString(m.PubKey().SerializeCompressed()),
			PayoutScript: hex.EncodeToString(m.localPayoutScript),
		})
	if err != nil {
		log.Errorf("Failed to build channel accept: %v", err)
		return nil, false
	}
	return reply, true
}

// applyInboundUpdate runs the shared path for channel_update and the update
// half of paid_request: record the funding outpoint if this is the first
// funded update, then validate and apply the payment.
func (m *Manager) applyInboundUpdate(remote peer.ID,
	update *messaging.ChannelUpdatePayload) error {

	payment, err := paymentFromUpdate(update)
	if err != nil {
		return err
	}
	if update.FundingTxID != "" {
		txid, err := chainhash.NewHashFromStr(update.FundingTxID)
		if err != nil {
			return errors.New("malformed funding txid")
		}
		if err := m.SetFunding(payment.ChannelID, *txid, update.FundingVout); err != nil &&
			!errors.Is(err, ErrWrongState) {
			return err
		}
		if err := m.MarkOpen(payment.ChannelID); err != nil &&
			!errors.Is(err, ErrWrongState) {
			return err
		}
	}
	return m.ProcessPayment(remote, payment)
}

// HandleChannelUpdate processes an inbound payment and replies with
// payment_ack on success or channel_reject with the failure reason.
func (m *Manager) HandleChannelUpdate(ctx context.Context, remote peer.ID,
	msg *messaging.Message) (*messaging.Message, bool) {

	var update messaging.ChannelUpdatePayload
	if err := msg.DecodePayload(&update); err != nil {
		return m.rejectReply(remote, update.ChannelID, "malformed channel update"), true
	}
	if err := m.applyInboundUpdate(remote, &update); err != nil {
		log.Debugf("Rejecting payment on channel %s from %s: %v",
			update.ChannelID, remote, err)
		return m.rejectReply(remote, update.ChannelID, err.Error()), true
	}
	reply, err := messaging.NewMessage(messaging.TypePaymentAck,
		m.cfg.LocalPeer, remote, messaging.PaymentAckPayload{
			PaymentID: msg.ID,
			Accepted:  true,
		})
	if err != nil {
		log.Errorf("Failed to build payment ack: %v", err)
		return nil, false
	}
	return reply, true
}

// HandleChannelClose processes a cooperative close proposal: verify the
// settlement matches our view of the final state, counter-sign, broadcast,
// and reply with the txid.
func (m *Manager) HandleChannelClose(ctx context.Context, remote peer.ID,
	msg *messaging.Message) (*messaging.Message, bool) {

	var proposal messaging.ChannelClosePayload
	if err := msg.DecodePayload(&proposal); err != nil {
		return m.rejectReply(remote, proposal.ChannelID, "malformed channel close"), true
	}
	id, err := ParseChannelID(proposal.ChannelID)
	if err != nil {
		return m.rejectReply(remote, proposal.ChannelID, err.Error()), true
	}

	if !proposal.Cooperative {
		// A unilateral close lands on chain, not here. Record the
		// channel as disputed so it is frozen until the commitment
		// confirms.
		channel, err := m.getChannel(id)
		if err == nil && channel.RemotePeerID == remote {
			m.cmtx.Lock(id)
			channel.State = StateDisputed
			channel.UpdatedAt = time.Now()
			if err := saveChannel(m.cfg.DB, channel, nil); err != nil {
				log.Errorf("Failed to persist channel %s: %v", id, err)
			}
			m.cmtx.Unlock(id)
			log.Warnf("Channel %s marked disputed by %s", id, remote)
		}
		// No reply, but the message was handled; reporting it consumed
		// lets the agent notification fan-out fire for the dispute.
		return nil, true
	}

	closeTxid, err := m.acceptCooperativeClose(remote, id, &proposal)
	if err != nil {
		log.Debugf("Rejecting close of channel %s from %s: %v", id, remote, err)
		return m.rejectReply(remote, proposal.ChannelID, err.Error()), true
	}
	reply, err := messaging.NewMessage(messaging.TypeChannelClose,
		m.cfg.LocalPeer, remote, messaging.ChannelClosePayload{
			ChannelID:   proposal.ChannelID,
			Cooperative: true,
			CloseTxID:   closeTxid.String(),
		})
	if err != nil {
		log.Errorf("Failed to build close reply: %v", err)
		return nil, false
	}
	return reply, true
}

func (m *Manager) acceptCooperativeClose(remote peer.ID, id chainhash.Hash,
	proposal *messaging.ChannelClosePayload) (*chainhash.Hash, error) {

	channel, err := m.getChannel(id)
	if err != nil {
		return nil, err
	}
	m.cmtx.Lock(id)
	defer m.cmtx.Unlock(id)

	if channel.RemotePeerID != remote {
		return nil, ErrUnknownChannel
	}
	if channel.State != StateOpen {
		return nil, ErrWrongState
	}

	rawTx, err := hex.DecodeString(proposal.SettlementTx)
	if err != nil {
		return nil, errors.New("malformed settlement transaction")
	}
	var received wire.MsgTx
	if err := received.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, errors.New("malformed settlement transaction")
	}

	// Rebuild the settlement from our view of the final state. The
	// canonical builder produces the identical transaction on both sides,
	// so any divergence means the proposal does not match our state.
	expected, err := BuildSettlementTx(channel.FundingOutpoint,
		channel.LocalBalance, channel.RemoteBalance,
		channel.LocalPayoutScript, channel.RemotePayoutScript,
		m.cfg.CommitmentFee)
	if err != nil {
		return nil, err
	}
	if expected.TxHash() != received.TxHash() {
		return nil, errors.New("settlement does not match channel state")
	}

	theirSig, err := hex.DecodeString(proposal.Signature)
	if err != nil {
		return nil, ErrBadSignature
	}
	if !VerifyStateSignature(expected, channel.FundingScript,
		channel.Capacity, channel.RemotePubKey, theirSig) {
		return nil, ErrBadSignature
	}
	ourSig, err := SignStateTx(expected, channel.FundingScript,
		channel.Capacity, m.cfg.PaymentKey)
	if err != nil {
		return nil, err
	}
	scriptSig, err := MultisigScriptSig(ourSig, theirSig,
		channel.LocalPubKey, channel.RemotePubKey, channel.FundingScript)
	if err != nil {
		return nil, err
	}
	expected.TxIn[0].SignatureScript = scriptSig

	closeTxid, err := m.cfg.Broadcaster.Broadcast(expected)
	if err != nil {
		return nil, err
	}
	channel.State = StateClosed
	channel.SettlementTxid = *closeTxid
	channel.UpdatedAt = time.Now()
	if err := saveChannel(m.cfg.DB, channel, nil); err != nil {
		return nil, err
	}
	log.Infof("Channel %s closed cooperatively by settlement %s", id, closeTxid)
	return closeTxid, nil
}

// HandlePaidRequest applies the bundled payment and, if it is accepted, runs
// the requested service. The paid_result reply always reports whether the
// payment was applied so the payer knows whether to commit or roll back.
func (m *Manager) HandlePaidRequest(ctx context.Context, remote peer.ID,
	msg *messaging.Message) (*messaging.Message, bool) {

	var request messaging.PaidRequestPayload
	if err := msg.DecodePayload(&request); err != nil {
		return m.paidResultReply(remote, msg.ID, nil,
			"malformed paid request", false), true
	}
	if err := m.applyInboundUpdate(remote, &request.Update); err != nil {
		return m.paidResultReply(remote, msg.ID, nil, err.Error(), false), true
	}
	if m.cfg.ServiceHandler == nil {
		return m.paidResultReply(remote, msg.ID, nil,
			"no services available", true), true
	}
	result, err := m.cfg.ServiceHandler(ctx, request.Service, request.Params)
	if err != nil {
		return m.paidResultReply(remote, msg.ID, nil, err.Error(), true), true
	}
	return m.paidResultReply(remote, msg.ID, result, "", true), true
}

func (m *Manager) paidResultReply(remote peer.ID, requestID string,
	result []byte, errText string, paymentAccepted bool) *messaging.Message {

	reply, err := messaging.NewMessage(messaging.TypePaidResult,
		m.cfg.LocalPeer, remote, messaging.PaidResultPayload{
			RequestID:       requestID,
			Result:          result,
			Error:           errText,
			PaymentAccepted: paymentAccepted,
		})
	if err != nil {
		log.Errorf("Failed to build paid result: %v", err)
		return nil
	}
	return reply
}
