package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"

	"github.com/dcrlabs/bchagent/p2pnet"
)

const (
	// DefaultMaxMessageSize caps the length prefix of a single envelope.
	// Streams presenting a larger prefix are reset without reading the body.
	DefaultMaxMessageSize = 1 << 20

	// DefaultSendTimeout bounds dialing plus writing one framed envelope.
	DefaultSendTimeout = 15 * time.Second

	// defaultHandleTimeout bounds the processing of one inbound stream.
	defaultHandleTimeout = 30 * time.Second
)

var (
	// ErrNotConnected is returned when the remote peer is neither connected
	// nor dialable from known addresses.
	ErrNotConnected = errors.New("peer not connected")

	// ErrDialFailed is returned when a stream to the remote peer could not
	// be opened.
	ErrDialFailed = errors.New("dial failed")

	// ErrSendTimeout is returned when writing the envelope did not complete
	// within the send timeout.
	ErrSendTimeout = errors.New("send timeout")

	// ErrTimeout is returned by Request and Exchange when no response
	// arrived before the deadline.
	ErrTimeout = errors.New("request timeout")

	// ErrOversizeMessage is reported when an inbound length prefix exceeds
	// the configured maximum.
	ErrOversizeMessage = errors.New("oversize message")
)

// SubscriberFunc consumes an inbound message. It returns an optional reply to
// be written back on the same stream, and whether the message was consumed.
type SubscriberFunc func(ctx context.Context, remote peer.ID, msg *Message) (*Message, bool)

// Config bundles the handler dependencies.
type Config struct {
	Host host.Host

	// MaxMessageSize overrides DefaultMaxMessageSize when nonzero.
	MaxMessageSize int

	// SendTimeout overrides DefaultSendTimeout when nonzero.
	SendTimeout time.Duration

	// Notifier receives a human-readable summary of every accepted inbound
	// message. May be nil.
	Notifier Notifier
}

// Handler frames, transports, and correlates typed messages over the
// messaging protocol. Streams are single-shot: one framed envelope in each
// direction at most.
type Handler struct {
	host           host.Host
	maxMessageSize int
	sendTimeout    time.Duration
	notifier       Notifier

	pendingMtx sync.Mutex
	pending    map[string]chan *Message

	subMtx      sync.RWMutex
	subscribers map[Type][]SubscriberFunc

	wg      sync.WaitGroup
	quitMtx sync.Mutex
	quit    chan struct{}
}

// NewHandler registers the messaging and ping protocols on the host and
// returns the handler.
func NewHandler(cfg *Config) *Handler {
	h := &Handler{
		host:           cfg.Host,
		maxMessageSize: cfg.MaxMessageSize,
		sendTimeout:    cfg.SendTimeout,
		notifier:       cfg.Notifier,
		pending:        make(map[string]chan *Message),
		subscribers:    make(map[Type][]SubscriberFunc),
		quit:           make(chan struct{}),
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = DefaultMaxMessageSize
	}
	if h.sendTimeout <= 0 {
		h.sendTimeout = DefaultSendTimeout
	}
	if h.notifier == nil {
		h.notifier = NoopNotifier{}
	}
	cfg.Host.SetStreamHandler(p2pnet.ProtocolMessage, h.handleStream)
	cfg.Host.SetStreamHandler(p2pnet.ProtocolPing, h.handlePing)
	return h
}

// Stop deregisters the stream handlers and waits for in-flight notification
// deliveries to finish.
func (h *Handler) Stop() {
	h.host.RemoveStreamHandler(p2pnet.ProtocolMessage)
	h.host.RemoveStreamHandler(p2pnet.ProtocolPing)
	h.quitMtx.Lock()
	close(h.quit)
	h.quitMtx.Unlock()
	h.wg.Wait()
}

// Subscribe registers fn for inbound messages of the given type. Subscribers
// run in registration order until one consumes the message.
func (h *Handler) Subscribe(typ Type, fn SubscriberFunc) {
	h.subMtx.Lock()
	h.subscribers[typ] = append(h.subscribers[typ], fn)
	h.subMtx.Unlock()
}

// LocalPeer returns the host identity messages are sent from.
func (h *Handler) LocalPeer() peer.ID {
	return h.host.ID()
}

// Send writes one framed envelope to the remote peer and closes the stream.
func (h *Handler) Send(ctx context.Context, to peer.ID, msg *Message) error {
	s, err := h.openAndWrite(ctx, to, msg)
	if err != nil {
		return err
	}
	return s.Close()
}

// Request sends a request envelope for the named service and blocks until the
// matching response arrives, the timeout elapses, or ctx is cancelled. The
// correlation entry is removed on every exit path.
func (h *Handler) Request(ctx context.Context, to peer.ID, service string,
	params json.RawMessage, timeout time.Duration) (*ResponsePayload, error) {

	msg, err := NewMessage(TypeRequest, h.host.ID(), to, &RequestPayload{
		Service: service,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	reply, err := h.Exchange(ctx, to, msg, timeout)
	if err != nil {
		return nil, err
	}
	var resp ResponsePayload
	if err := reply.DecodePayload(&resp); err != nil {
		return nil, fmt.Errorf("malformed response payload: %w", err)
	}
	return &resp, nil
}

// Exchange sends msg and waits for the single framed reply. The reply may
// arrive on the same stream or, if the responder chose to answer out of band,
// as an inbound response envelope referencing msg's id.
func (h *Handler) Exchange(ctx context.Context, to peer.ID, msg *Message,
	timeout time.Duration) (*Message, error) {

	ch := make(chan *Message, 1)
	h.pendingMtx.Lock()
	h.pending[msg.ID] = ch
	h.pendingMtx.Unlock()
	defer h.Cancel(msg.ID)

	s, err := h.openAndWrite(ctx, to, msg)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	// Read the same-stream reply in the background and resolve the
	// correlation entry. A late reply after cancellation is dropped.
	go func() {
		s.SetReadDeadline(time.Now().Add(timeout))
		r := msgio.NewVarintReaderSize(s, h.maxMessageSize)
		raw, err := r.ReadMsg()
		if err != nil {
			return
		}
		defer r.ReleaseMsg(raw)
		var reply Message
		if err := json.Unmarshal(raw, &reply); err != nil {
			log.Warnf("Malformed reply from %v: %v", to, err)
			return
		}
		if reply.From != to.String() {
			log.Warnf("Dropping reply with spoofed from field: "+
				"claimed %s, authenticated %s", reply.From, to)
			return
		}
		h.resolve(msg.ID, &reply)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes the correlation entry for the given request id. A response
// arriving afterwards is discarded without error.
func (h *Handler) Cancel(id string) {
	h.pendingMtx.Lock()
	delete(h.pending, id)
	h.pendingMtx.Unlock()
}

// PendingRequests returns the number of outstanding correlation entries.
func (h *Handler) PendingRequests() int {
	h.pendingMtx.Lock()
	defer h.pendingMtx.Unlock()
	return len(h.pending)
}

func (h *Handler) resolve(id string, reply *Message) bool {
	h.pendingMtx.Lock()
	ch, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.pendingMtx.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- reply:
	default:
	}
	return true
}

func (h *Handler) openAndWrite(ctx context.Context, to peer.ID, msg *Message) (network.Stream, error) {
	if h.host.Network().Connectedness(to) != network.Connected &&
		len(h.host.Peerstore().Addrs(to)) == 0 {
		return nil, ErrNotConnected
	}

	dialCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	s, err := h.host.NewStream(dialCtx, to, p2pnet.ProtocolMessage)
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, ErrSendTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	b, err := json.Marshal(msg)
	if err != nil {
		s.Reset()
		return nil, err
	}
	s.SetWriteDeadline(time.Now().Add(h.sendTimeout))
	w := msgio.NewVarintWriter(s)
	if err := w.WriteMsg(b); err != nil {
		s.Reset()
		return nil, ErrSendTimeout
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return nil, err
	}
	return s, nil
}

// handleStream processes one inbound single-shot stream: read one framed
// envelope, authenticate the from field, dispatch, and optionally write the
// subscriber's reply back on the same stream.
func (h *Handler) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	s.SetReadDeadline(time.Now().Add(defaultHandleTimeout))
	r := msgio.NewVarintReaderSize(s, h.maxMessageSize)
	raw, err := r.ReadMsg()
	if err != nil {
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			log.Warnf("Rejecting stream from %v: %v", remote, ErrOversizeMessage)
		} else {
			log.Debugf("Failed to read frame from %v: %v", remote, err)
		}
		s.Reset()
		return
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.ReleaseMsg(raw)
		log.Warnf("Framing error from %v: %v", remote, err)
		s.Reset()
		return
	}
	r.ReleaseMsg(raw)

	if msg.From != remote.String() {
		log.Warnf("Rejecting message %s: from field %q does not match "+
			"authenticated peer %v", msg.ID, msg.From, remote)
		s.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultHandleTimeout)
	defer cancel()

	reply, accepted := h.dispatch(ctx, remote, &msg)
	if reply != nil {
		b, err := json.Marshal(reply)
		if err != nil {
			log.Errorf("Failed to marshal reply to %v: %v", remote, err)
			s.Reset()
			return
		}
		s.SetWriteDeadline(time.Now().Add(h.sendTimeout))
		w := msgio.NewVarintWriter(s)
		if err := w.WriteMsg(b); err != nil {
			log.Debugf("Failed to write reply to %v: %v", remote, err)
			s.Reset()
			return
		}
	}
	if accepted {
		h.fanout(&msg)
	}
}

// dispatch routes the message. Responses resolve pending correlation entries;
// everything else goes to the registered subscribers for its type.
func (h *Handler) dispatch(ctx context.Context, remote peer.ID, msg *Message) (*Message, bool) {
	switch msg.Type {
	case TypeResponse:
		var p ResponsePayload
		if err := msg.DecodePayload(&p); err == nil && h.resolve(p.RequestID, msg) {
			return nil, true
		}
		log.Debugf("Dropping uncorrelated response %s from %v", msg.ID, remote)
		return nil, false
	case TypePaidResult:
		var p PaidResultPayload
		if err := msg.DecodePayload(&p); err == nil && h.resolve(p.RequestID, msg) {
			return nil, true
		}
		log.Debugf("Dropping uncorrelated paid result %s from %v", msg.ID, remote)
		return nil, false
	}

	h.subMtx.RLock()
	subs := h.subscribers[msg.Type]
	h.subMtx.RUnlock()
	for _, fn := range subs {
		if reply, consumed := fn(ctx, remote, msg); consumed {
			return reply, true
		}
	}
	log.Warnf("No subscriber consumed %s message %s from %v, dropping",
		msg.Type, msg.ID, remote)
	return nil, false
}

// fanout delivers a best-effort agent notification for an accepted message.
// Failures are logged and ignored.
func (h *Handler) fanout(msg *Message) {
	// The quit check and the Add happen under quitMtx so a delivery
	// admitted here is always seen by Stop's Wait.
	h.quitMtx.Lock()
	select {
	case <-h.quit:
		h.quitMtx.Unlock()
		return
	default:
	}
	h.wg.Add(1)
	h.quitMtx.Unlock()
	summary := summarize(msg)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.notifier.Wake(ctx, summary); err != nil {
			log.Debugf("Agent notification failed: %v", err)
		}
	}()
}

// handlePing echoes one frame back to the sender.
func (h *Handler) handlePing(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(defaultHandleTimeout))
	r := msgio.NewVarintReaderSize(s, h.maxMessageSize)
	raw, err := r.ReadMsg()
	if err != nil {
		s.Reset()
		return
	}
	w := msgio.NewVarintWriter(s)
	if err := w.WriteMsg(raw); err != nil {
		s.Reset()
	}
	r.ReleaseMsg(raw)
}

// Ping round-trips a small payload over the ping protocol and returns the
// measured latency.
func (h *Handler) Ping(ctx context.Context, to peer.ID) (time.Duration, error) {
	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	s, err := h.host.NewStream(dialCtx, to, p2pnet.ProtocolPing)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(h.sendTimeout))
	w := msgio.NewVarintWriter(s)
	if err := w.WriteMsg([]byte("ping")); err != nil {
		s.Reset()
		return 0, ErrSendTimeout
	}
	r := msgio.NewVarintReaderSize(s, h.maxMessageSize)
	raw, err := r.ReadMsg()
	if err != nil {
		s.Reset()
		return 0, err
	}
	r.ReleaseMsg(raw)
	return time.Since(start), nil
}

// summarize renders a one-line human-readable description of the message for
// the agent-notification sink.
func summarize(msg *Message) string {
	switch msg.Type {
	case TypeText:
		var p TextPayload
		if msg.DecodePayload(&p) == nil {
			return fmt.Sprintf("message from %s: %s", msg.From, p.Content)
		}
	case TypeRequest:
		var p RequestPayload
		if msg.DecodePayload(&p) == nil {
			return fmt.Sprintf("service request %q from %s", p.Service, msg.From)
		}
	case TypePayment:
		var p PaymentPayload
		if msg.DecodePayload(&p) == nil {
			return fmt.Sprintf("on-chain payment of %d sats from %s (txid %s)",
				p.Amount, msg.From, p.TxID)
		}
	case TypePaymentAck:
		return fmt.Sprintf("payment acknowledged by %s", msg.From)
	case TypeChannelOpen:
		var p ChannelOpenPayload
		if msg.DecodePayload(&p) == nil {
			return fmt.Sprintf("channel open proposal from %s for %d sats",
				msg.From, p.Capacity)
		}
	case TypeChannelUpdate:
		var p ChannelUpdatePayload
		if msg.DecodePayload(&p) == nil {
			return fmt.Sprintf("channel payment of %d sats from %s (seq %d)",
				p.Amount, msg.From, p.NewSequenceNumber)
		}
	case TypeChannelClose:
		return fmt.Sprintf("channel close requested by %s", msg.From)
	case TypePaidRequest:
		var p PaidRequestPayload
		if msg.DecodePayload(&p) == nil {
			return fmt.Sprintf("paid request %q from %s (%d sats)",
				p.Service, msg.From, p.Update.Amount)
		}
	}
	return fmt.Sprintf("%s message from %s", msg.Type, msg.From)
}
