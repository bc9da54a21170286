package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchutil"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/dcrlabs/bchagent/channels"
	"github.com/dcrlabs/bchagent/messaging"
	"github.com/dcrlabs/bchagent/p2pnet"
)

type stubNode struct {
	id    peer.ID
	addrs []ma.Multiaddr
	peers []peer.ID
}

func (n *stubNode) ID() peer.ID          { return n.id }
func (n *stubNode) Addrs() []ma.Multiaddr { return n.addrs }
func (n *stubNode) Peers() []peer.ID     { return n.peers }

type stubRelay struct {
	healthy bool
	err     error
}

func (r *stubRelay) Health() (bool, error) { return r.healthy, r.err }

type stubDirectory struct {
	entries []*p2pnet.PeerInfo
}

func (d *stubDirectory) List() []*p2pnet.PeerInfo { return d.entries }

type stubMessenger struct {
	local   peer.ID
	sendErr error
	sent    []*messaging.Message
	resp    *messaging.ResponsePayload
	reqErr  error
	rtt     time.Duration
	pingErr error
}

func (m *stubMessenger) Send(ctx context.Context, to peer.ID,
	msg *messaging.Message) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *stubMessenger) Request(ctx context.Context, to peer.ID, service string,
	params json.RawMessage, timeout time.Duration) (*messaging.ResponsePayload, error) {
	return m.resp, m.reqErr
}

func (m *stubMessenger) Ping(ctx context.Context, to peer.ID) (time.Duration, error) {
	return m.rtt, m.pingErr
}

func (m *stubMessenger) LocalPeer() peer.ID { return m.local }

type stubChannels struct {
	channel  *channels.Channel
	payments []*channels.Payment
	payment  *channels.Payment
	result   json.RawMessage
	err      error
}

func (c *stubChannels) List() []*channels.Channel {
	if c.channel == nil {
		return nil
	}
	return []*channels.Channel{c.channel}
}

func (c *stubChannels) Get(id chainhash.Hash) (*channels.Channel, error) {
	return c.channel, c.err
}

func (c *stubChannels) Payments(id chainhash.Hash) ([]*channels.Payment, error) {
	return c.payments, c.err
}

func (c *stubChannels) OpenChannel(ctx context.Context, remotePeer peer.ID,
	remotePub *bchec.PublicKey, capacity bchutil.Amount) (*channels.Channel, error) {
	return c.channel, c.err
}

func (c *stubChannels) SetFunding(id chainhash.Hash, txid chainhash.Hash, vout uint32) error {
	if c.err != nil {
		return c.err
	}
	c.channel.FundingTxid = txid
	c.channel.FundingOutpoint.Hash = txid
	c.channel.FundingOutpoint.Index = vout
	return nil
}

func (c *stubChannels) MarkOpen(id chainhash.Hash) error {
	if c.err != nil {
		return c.err
	}
	c.channel.State = channels.StateOpen
	return nil
}

func (c *stubChannels) Pay(ctx context.Context, id chainhash.Hash,
	amount bchutil.Amount) (*channels.Payment, error) {
	return c.payment, c.err
}

func (c *stubChannels) CloseChannel(ctx context.Context,
	id chainhash.Hash) (*chainhash.Hash, error) {
	if c.err != nil {
		return nil, c.err
	}
	h := chainhash.Hash{0x0c}
	return &h, nil
}

func (c *stubChannels) PayForService(ctx context.Context, id chainhash.Hash,
	amount bchutil.Amount, service string,
	params json.RawMessage) (json.RawMessage, error) {
	return c.result, c.err
}

type stubWallet struct {
	addr    bchutil.Address
	balance bchutil.Amount
	txid    *chainhash.Hash
	err     error
}

func (w *stubWallet) Address() (bchutil.Address, error) { return w.addr, nil }
func (w *stubWallet) Balance() (bchutil.Amount, error)  { return w.balance, w.err }
func (w *stubWallet) SendToAddress(addr string, amount,
	feePerByte bchutil.Amount) (*chainhash.Hash, error) {
	return w.txid, w.err
}

type testEnv struct {
	server    *httptest.Server
	node      *stubNode
	relay     *stubRelay
	messenger *stubMessenger
	channels  *stubChannels
	wallet    *stubWallet
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	id, err := test.RandPeerID()
	require.NoError(t, err)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4747")
	require.NoError(t, err)

	env := &testEnv{
		node:      &stubNode{id: id, addrs: []ma.Multiaddr{addr}},
		relay:     &stubRelay{healthy: true},
		messenger: &stubMessenger{local: id, rtt: 25 * time.Millisecond},
		channels:  &stubChannels{},
		wallet:    &stubWallet{balance: 123456},
	}
	s := NewServer(&Config{
		ListenAddr: "127.0.0.1:0",
		Node:       env.node,
		Relay:      env.relay,
		Directory:  &stubDirectory{},
		Messenger:  env.messenger,
		Channels:   env.channels,
		Wallet:     env.wallet,
		StartedAt:  time.Now().Add(-time.Minute),
	})
	env.server = httptest.NewServer(s.http.Handler)
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) get(t *testing.T, path string, dst interface{}) int {
	t.Helper()
	resp, err := http.Get(env.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func (env *testEnv) post(t *testing.T, path string, body, dst interface{}) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(env.server.URL+path, "application/json",
		bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var resp statusResponse
	require.Equal(t, http.StatusOK, env.get(t, "/status", &resp))
	require.Equal(t, env.node.id.String(), resp.PeerID)
	require.True(t, resp.RelayHealthy)
	require.GreaterOrEqual(t, resp.UptimeSeconds, int64(59))

	env.relay.healthy = false
	env.relay.err = p2pnet.ErrNoReservation
	require.Equal(t, http.StatusOK, env.get(t, "/status", &resp))
	require.False(t, resp.RelayHealthy)
	require.Equal(t, p2pnet.ErrNoReservation.Error(), resp.RelayError)
}

func TestSendEndpoint(t *testing.T) {
	env := newTestEnv(t)
	to, err := test.RandPeerID()
	require.NoError(t, err)

	var resp map[string]string
	status := env.post(t, "/send", sendRequest{
		To:      to.String(),
		Content: "hello there",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp["id"])
	require.Len(t, env.messenger.sent, 1)
	require.Equal(t, messaging.TypeText, env.messenger.sent[0].Type)

	status = env.post(t, "/send", sendRequest{To: "not-a-peer-id"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestSendErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	to, err := test.RandPeerID()
	require.NoError(t, err)

	env.messenger.sendErr = messaging.ErrNotConnected
	status := env.post(t, "/send", sendRequest{To: to.String()}, nil)
	require.Equal(t, http.StatusBadGateway, status)

	env.messenger.sendErr = messaging.ErrSendTimeout
	status = env.post(t, "/send", sendRequest{To: to.String()}, nil)
	require.Equal(t, http.StatusGatewayTimeout, status)
}

func TestPingEndpoint(t *testing.T) {
	env := newTestEnv(t)
	to, err := test.RandPeerID()
	require.NoError(t, err)

	var resp map[string]int64
	status := env.post(t, "/ping", pingRequest{To: to.String()}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, int64(25), resp["rttMillis"])
}

func TestChannelEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := chainhash.Hash{0x01, 0x02}
	now := time.Now()
	env.channels.channel = &channels.Channel{
		ID:            id,
		State:         channels.StateOpen,
		RemotePeerID:  peer.ID("remote"),
		Capacity:      10000,
		LocalBalance:  9000,
		RemoteBalance: 1000,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var listResp struct {
		Channels []channelResponse `json:"channels"`
	}
	require.Equal(t, http.StatusOK, env.get(t, "/channels", &listResp))
	require.Len(t, listResp.Channels, 1)
	require.Equal(t, "Open", listResp.Channels[0].State)
	require.Equal(t, int64(9000), listResp.Channels[0].LocalBalance)

	var single channelResponse
	require.Equal(t, http.StatusOK,
		env.get(t, "/channels/"+id.String(), &single))
	require.Equal(t, id.String(), single.ID)

	require.Equal(t, http.StatusBadRequest,
		env.get(t, "/channels/zzzz", nil))
}

func TestChannelFundEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := chainhash.Hash{0x01, 0x02}
	now := time.Now()
	env.channels.channel = &channels.Channel{
		ID:           id,
		State:        channels.StatePending,
		RemotePeerID: peer.ID("remote"),
		Capacity:     10000,
		LocalBalance: 10000,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	fundingTxid := chainhash.Hash{0x0f}

	var resp channelResponse
	status := env.post(t, "/channel/fund", channelFundRequest{
		ChannelID:   id.String(),
		FundingTxid: fundingTxid.String(),
		FundingVout: 1,
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Open", resp.State)
	require.Equal(t, fundingTxid.String(), resp.FundingTxid)
	require.Equal(t, uint32(1), resp.FundingVout)

	status = env.post(t, "/channel/fund", channelFundRequest{
		ChannelID:   id.String(),
		FundingTxid: "zzzz",
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestChannelNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.channels.err = channels.ErrUnknownChannel
	id := chainhash.Hash{0x01}
	require.Equal(t, http.StatusNotFound,
		env.get(t, "/channels/"+id.String(), nil))
}

func TestChannelPayErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	id := chainhash.Hash{0x01}

	cases := []struct {
		err  error
		want int
	}{
		{channels.ErrInsufficientBalance, http.StatusBadRequest},
		{channels.ErrPaymentPending, http.StatusConflict},
		{channels.ErrWrongState, http.StatusConflict},
		{channels.ErrRejected, http.StatusBadGateway},
		{messaging.ErrTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		env.channels.err = tc.err
		status := env.post(t, "/channel/pay", channelPayRequest{
			ChannelID: id.String(),
			Amount:    100,
		}, nil)
		require.Equal(t, tc.want, status, "error %v", tc.err)
	}
}

func TestChannelPaySuccess(t *testing.T) {
	env := newTestEnv(t)
	id := chainhash.Hash{0x01}
	env.channels.payment = &channels.Payment{
		ChannelID:         id,
		Amount:            100,
		NewSequenceNumber: 3,
		NewLocalBalance:   9900,
		NewRemoteBalance:  100,
		Timestamp:         time.Now(),
	}

	var resp paymentResponse
	status := env.post(t, "/channel/pay", channelPayRequest{
		ChannelID: id.String(),
		Amount:    100,
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, uint64(3), resp.NewSequenceNumber)
	require.Equal(t, int64(9900), resp.NewLocalBalance)
}

func TestChannelCloseEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := chainhash.Hash{0x01}

	var resp map[string]string
	status := env.post(t, "/channel/close", channelCloseRequest{
		ChannelID: id.String(),
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp["closeTxid"])
}

func TestPaidRequestEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := chainhash.Hash{0x01}
	env.channels.result = json.RawMessage(`{"answer":42}`)

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	status := env.post(t, "/channel/paidrequest", paidRequestRequest{
		ChannelID: id.String(),
		Amount:    50,
		Service:   "echo",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"answer":42}`, string(resp.Result))
}

func TestWalletEndpoints(t *testing.T) {
	env := newTestEnv(t)
	addr, err := bchutil.NewAddressPubKeyHash(make([]byte, 20),
		&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	env.wallet.addr = addr
	txid := chainhash.Hash{0x0d}
	env.wallet.txid = &txid

	var balResp struct {
		Address string `json:"address"`
		Balance int64  `json:"balance"`
	}
	require.Equal(t, http.StatusOK, env.get(t, "/wallet/balance", &balResp))
	require.Equal(t, int64(123456), balResp.Balance)
	require.Equal(t, addr.String(), balResp.Address)

	var sendResp map[string]string
	status := env.post(t, "/wallet/send", walletSendRequest{
		Address: addr.String(),
		Amount:  5000,
	}, &sendResp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, txid.String(), sendResp["txid"])

	status = env.post(t, "/wallet/send", walletSendRequest{
		Address: addr.String(),
		Amount:  0,
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}
