package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchutil"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dcrlabs/bchagent/channels"
	"github.com/dcrlabs/bchagent/messaging"
	"github.com/dcrlabs/bchagent/p2pnet"
)

// NodeService is the subset of the p2p node the API needs.
type NodeService interface {
	ID() peer.ID
	Addrs() []ma.Multiaddr
	Peers() []peer.ID
}

// RelayService reports reservation health.
type RelayService interface {
	Health() (bool, error)
}

// DirectoryService lists discovered peers.
type DirectoryService interface {
	List() []*p2pnet.PeerInfo
}

// MessengerService sends envelopes and measures latency.
type MessengerService interface {
	Send(ctx context.Context, to peer.ID, msg *messaging.Message) error
	Request(ctx context.Context, to peer.ID, service string,
		params json.RawMessage, timeout time.Duration) (*messaging.ResponsePayload, error)
	Ping(ctx context.Context, to peer.ID) (time.Duration, error)
	LocalPeer() peer.ID
}

// ChannelService drives the payment channel flows.
type ChannelService interface {
	List() []*channels.Channel
	Get(id chainhash.Hash) (*channels.Channel, error)
	Payments(id chainhash.Hash) ([]*channels.Payment, error)
	OpenChannel(ctx context.Context, remotePeer peer.ID,
		remotePub *bchec.PublicKey, capacity bchutil.Amount) (*channels.Channel, error)
	SetFunding(id chainhash.Hash, txid chainhash.Hash, vout uint32) error
	MarkOpen(id chainhash.Hash) error
	Pay(ctx context.Context, id chainhash.Hash,
		amount bchutil.Amount) (*channels.Payment, error)
	CloseChannel(ctx context.Context, id chainhash.Hash) (*chainhash.Hash, error)
	PayForService(ctx context.Context, id chainhash.Hash,
		amount bchutil.Amount, service string,
		params json.RawMessage) (json.RawMessage, error)
}

// WalletService exposes the on-chain wallet operations.
type WalletService interface {
	Address() (bchutil.Address, error)
	Balance() (bchutil.Amount, error)
	SendToAddress(addr string, amount, feePerByte bchutil.Amount) (*chainhash.Hash, error)
}

// Config holds the dependencies and options for the API server.
type Config struct {
	ListenAddr string

	Node      NodeService
	Relay     RelayService
	Directory DirectoryService
	Messenger MessengerService
	Channels  ChannelService
	Wallet    WalletService

	// RequestTimeout bounds remote round trips triggered by API calls.
	RequestTimeout time.Duration

	StartedAt time.Time
}

// Server is the loopback HTTP control plane.
type Server struct {
	cfg  *Config
	http *http.Server
}

// NewServer builds the API server and its routes.
func NewServer(cfg *Config) *Server {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second * 30
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /peers", s.handlePeers)
	mux.HandleFunc("GET /discover", s.handleDiscover)
	mux.HandleFunc("GET /channels", s.handleChannels)
	mux.HandleFunc("GET /channels/{id}", s.handleChannel)
	mux.HandleFunc("GET /channels/{id}/payments", s.handleChannelPayments)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /request", s.handleRequest)
	mux.HandleFunc("POST /ping", s.handlePing)
	mux.HandleFunc("POST /channel/open", s.handleChannelOpen)
	mux.HandleFunc("POST /channel/fund", s.handleChannelFund)
	mux.HandleFunc("POST /channel/pay", s.handleChannelPay)
	mux.HandleFunc("POST /channel/close", s.handleChannelClose)
	mux.HandleFunc("POST /channel/paidrequest", s.handlePaidRequest)
	mux.HandleFunc("GET /wallet/balance", s.handleWalletBalance)
	mux.HandleFunc("POST /wallet/send", s.handleWalletSend)

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  time.Second * 30,
		WriteTimeout: time.Minute,
	}
	return s
}

// Start begins serving on the configured listen address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Infof("HTTP API listening on %s", listener.Addr())
	go func() {
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP API server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Failed to encode API response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, channels.ErrUnknownChannel):
		status = http.StatusNotFound
	case errors.Is(err, channels.ErrWrongState),
		errors.Is(err, channels.ErrPaymentPending),
		errors.Is(err, channels.ErrChannelIDReused):
		status = http.StatusConflict
	case errors.Is(err, channels.ErrInsufficientBalance),
		errors.Is(err, channels.ErrCapacityOutOfRange),
		errors.Is(err, channels.ErrBadPublicKey):
		status = http.StatusBadRequest
	case errors.Is(err, channels.ErrRejected):
		status = http.StatusBadGateway
	case errors.Is(err, messaging.ErrTimeout),
		errors.Is(err, messaging.ErrSendTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, messaging.ErrNotConnected),
		errors.Is(err, messaging.ErrDialFailed):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, text string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: text})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, "malformed request body")
		return false
	}
	return true
}

type statusResponse struct {
	PeerID        string   `json:"peerId"`
	Addrs         []string `json:"addrs"`
	NumPeers      int      `json:"numPeers"`
	RelayHealthy  bool     `json:"relayHealthy"`
	RelayError    string   `json:"relayError,omitempty"`
	UptimeSeconds int64    `json:"uptimeSeconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	addrs := s.cfg.Node.Addrs()
	strAddrs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		strAddrs = append(strAddrs, addr.String())
	}
	resp := statusResponse{
		PeerID:        s.cfg.Node.ID().String(),
		Addrs:         strAddrs,
		NumPeers:      len(s.cfg.Node.Peers()),
		UptimeSeconds: int64(time.Since(s.cfg.StartedAt).Seconds()),
	}
	if s.cfg.Relay != nil {
		healthy, err := s.cfg.Relay.Health()
		resp.RelayHealthy = healthy
		if err != nil {
			resp.RelayError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.cfg.Node.Peers()
	strPeers := make([]string, 0, len(peers))
	for _, p := range peers {
		strPeers = append(strPeers, p.String())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": strPeers})
}

type discoveredPeer struct {
	PeerID   string   `json:"peerId"`
	Addrs    []string `json:"addrs"`
	Services []string `json:"services"`
	LastSeen int64    `json:"lastSeen"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	entries := s.cfg.Directory.List()
	out := make([]discoveredPeer, 0, len(entries))
	for _, entry := range entries {
		addrs := make([]string, 0, len(entry.Addrs))
		for _, addr := range entry.Addrs {
			addrs = append(addrs, addr.String())
		}
		out = append(out, discoveredPeer{
			PeerID:   entry.ID.String(),
			Addrs:    addrs,
			Services: entry.Services,
			LastSeen: entry.LastSeen.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": out})
}

type channelResponse struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	Inbound        bool   `json:"inbound"`
	RemotePeerID   string `json:"remotePeerId"`
	Capacity       int64  `json:"capacity"`
	LocalBalance   int64  `json:"localBalance"`
	RemoteBalance  int64  `json:"remoteBalance"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	FundingTxid    string `json:"fundingTxid,omitempty"`
	FundingVout    uint32 `json:"fundingVout"`
	NLockTime      uint32 `json:"nLockTime"`
	SettlementTxid string `json:"settlementTxid,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

func renderChannel(c *channels.Channel) channelResponse {
	resp := channelResponse{
		ID:             c.ID.String(),
		State:          c.State.String(),
		Inbound:        c.Inbound,
		RemotePeerID:   c.RemotePeerID.String(),
		Capacity:       int64(c.Capacity),
		LocalBalance:   int64(c.LocalBalance),
		RemoteBalance:  int64(c.RemoteBalance),
		SequenceNumber: c.SequenceNumber,
		FundingVout:    c.FundingOutpoint.Index,
		NLockTime:      c.NLockTime,
		CreatedAt:      c.CreatedAt.UnixMilli(),
		UpdatedAt:      c.UpdatedAt.UnixMilli(),
	}
	if c.FundingTxid != (chainhash.Hash{}) {
		resp.FundingTxid = c.FundingTxid.String()
	}
	if c.SettlementTxid != (chainhash.Hash{}) {
		resp.SettlementTxid = c.SettlementTxid.String()
	}
	return resp
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	list := s.cfg.Channels.List()
	out := make([]channelResponse, 0, len(list))
	for _, c := range list {
		out = append(out, renderChannel(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": out})
}

func (s *Server) channelID(w http.ResponseWriter, r *http.Request) (chainhash.Hash, bool) {
	id, err := channels.ParseChannelID(r.PathValue("id"))
	if err != nil {
		badRequest(w, "malformed channel id")
		return chainhash.Hash{}, false
	}
	return id, true
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.channelID(w, r)
	if !ok {
		return
	}
	channel, err := s.cfg.Channels.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderChannel(channel))
}

type paymentResponse struct {
	Amount            int64  `json:"amount"`
	NewSequenceNumber uint64 `json:"newSequenceNumber"`
	NewLocalBalance   int64  `json:"newLocalBalance"`
	NewRemoteBalance  int64  `json:"newRemoteBalance"`
	Timestamp         int64  `json:"timestamp"`
}

func (s *Server) handleChannelPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := s.channelID(w, r)
	if !ok {
		return
	}
	payments, err := s.cfg.Channels.Payments(id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, paymentResponse{
			Amount:            int64(p.Amount),
			NewSequenceNumber: p.NewSequenceNumber,
			NewLocalBalance:   int64(p.NewLocalBalance),
			NewRemoteBalance:  int64(p.NewRemoteBalance),
			Timestamp:         p.Timestamp.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": out})
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := peer.Decode(req.To)
	if err != nil {
		badRequest(w, "malformed peer id")
		return
	}
	msg, err := messaging.NewMessage(messaging.TypeText,
		s.cfg.Messenger.LocalPeer(), to,
		messaging.TextPayload{Content: req.Content})
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.cfg.Messenger.Send(ctx, to, msg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": msg.ID})
}

type requestRequest struct {
	To      string          `json:"to"`
	Service string          `json:"service"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req requestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := peer.Decode(req.To)
	if err != nil {
		badRequest(w, "malformed peer id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	resp, err := s.cfg.Messenger.Request(ctx, to, req.Service, req.Params,
		s.cfg.RequestTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type pingRequest struct {
	To string `json:"to"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := peer.Decode(req.To)
	if err != nil {
		badRequest(w, "malformed peer id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	rtt, err := s.cfg.Messenger.Ping(ctx, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rttMillis": rtt.Milliseconds()})
}

type channelOpenRequest struct {
	Peer     string `json:"peer"`
	PubKey   string `json:"pubKey"`
	Capacity int64  `json:"capacity"`
}

func (s *Server) handleChannelOpen(w http.ResponseWriter, r *http.Request) {
	var req channelOpenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := peer.Decode(req.Peer)
	if err != nil {
		badRequest(w, "malformed peer id")
		return
	}
	pub, err := channels.ParsePubKey(req.PubKey)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	channel, err := s.cfg.Channels.OpenChannel(ctx, to, pub,
		bchutil.Amount(req.Capacity))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderChannel(channel))
}

type channelPayRequest struct {
	ChannelID string `json:"channelId"`
	Amount    int64  `json:"amount"`
}

func (s *Server) handleChannelPay(w http.ResponseWriter, r *http.Request) {
	var req channelPayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := channels.ParseChannelID(req.ChannelID)
	if err != nil {
		badRequest(w, "malformed channel id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	payment, err := s.cfg.Channels.Pay(ctx, id, bchutil.Amount(req.Amount))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{
		Amount:            int64(payment.Amount),
		NewSequenceNumber: payment.NewSequenceNumber,
		NewLocalBalance:   int64(payment.NewLocalBalance),
		NewRemoteBalance:  int64(payment.NewRemoteBalance),
		Timestamp:         payment.Timestamp.UnixMilli(),
	})
}

type channelFundRequest struct {
	ChannelID   string `json:"channelId"`
	FundingTxid string `json:"fundingTxid"`
	FundingVout uint32 `json:"fundingVout"`
}

// handleChannelFund records an externally created funding outpoint on a
// pending channel and moves it to open. Channels opened through
// /channel/open fund themselves and never need this.
func (s *Server) handleChannelFund(w http.ResponseWriter, r *http.Request) {
	var req channelFundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := channels.ParseChannelID(req.ChannelID)
	if err != nil {
		badRequest(w, "malformed channel id")
		return
	}
	txid, err := chainhash.NewHashFromStr(req.FundingTxid)
	if err != nil {
		badRequest(w, "malformed funding txid")
		return
	}
	if err := s.cfg.Channels.SetFunding(id, *txid, req.FundingVout); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Channels.MarkOpen(id); err != nil {
		writeError(w, err)
		return
	}
	channel, err := s.cfg.Channels.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderChannel(channel))
}

type channelCloseRequest struct {
	ChannelID string `json:"channelId"`
}

func (s *Server) handleChannelClose(w http.ResponseWriter, r *http.Request) {
	var req channelCloseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := channels.ParseChannelID(req.ChannelID)
	if err != nil {
		badRequest(w, "malformed channel id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	closeTxid, err := s.cfg.Channels.CloseChannel(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]string{}
	if closeTxid != nil {
		resp["closeTxid"] = closeTxid.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type paidRequestRequest struct {
	ChannelID string          `json:"channelId"`
	Amount    int64           `json:"amount"`
	Service   string          `json:"service"`
	Params    json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handlePaidRequest(w http.ResponseWriter, r *http.Request) {
	var req paidRequestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := channels.ParseChannelID(req.ChannelID)
	if err != nil {
		badRequest(w, "malformed channel id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	result, err := s.cfg.Channels.PayForService(ctx, id,
		bchutil.Amount(req.Amount), req.Service, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.cfg.Wallet.Balance()
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := s.cfg.Wallet.Address()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": addr.String(),
		"balance": int64(balance),
	})
}

type walletSendRequest struct {
	Address    string `json:"address"`
	Amount     int64  `json:"amount"`
	FeePerByte int64  `json:"feePerByte,omitempty"`
}

func (s *Server) handleWalletSend(w http.ResponseWriter, r *http.Request) {
	var req walletSendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		badRequest(w, "amount must be positive")
		return
	}
	txid, err := s.cfg.Wallet.SendToAddress(req.Address,
		bchutil.Amount(req.Amount), bchutil.Amount(req.FeePerByte))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txid": txid.String()})
}
