// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package boot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/walletdb"
	_ "github.com/gcash/bchwallet/walletdb/bdb"
	golog "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/tyler-smith/go-bip39"

	"github.com/dcrlabs/bchagent/chain"
	"github.com/dcrlabs/bchagent/channels"
	"github.com/dcrlabs/bchagent/messaging"
	"github.com/dcrlabs/bchagent/p2pnet"
	"github.com/dcrlabs/bchagent/rpc/httpapi"
	"github.com/dcrlabs/bchagent/wallet"
)

const (
	identityKeyFilename = "identity.key"
	paymentSeedFilename = "payment.seed"
	agentDbFilename     = "agent.db"
)

// shutdownChannel is closed once the main interrupt handler has run every
// registered shutdown callback.
var shutdownChannel = make(chan struct{})

// AgentMain is the real main function for bchagent.  It is invoked from the
// command line entry point and from the mobile bindings.
func AgentMain(configPath *string) error {
	if configPath != nil {
		os.Args = append(os.Args, "--configfile="+*configPath)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()
	log.Infof("Version %s", version())

	// The libp2p stack logs through ipfs go-log; keep it quiet unless
	// something goes wrong.
	golog.SetAllLoggers(golog.LevelError)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addInterruptHandler(cancel)

	identityKey, err := loadIdentityKey(filepath.Join(cfg.netDir(), identityKeyFilename))
	if err != nil {
		log.Errorf("Failed to load identity key: %v", err)
		return err
	}
	paymentKey, err := loadPaymentKey(filepath.Join(cfg.netDir(), paymentSeedFilename))
	if err != nil {
		log.Errorf("Failed to load payment key: %v", err)
		return err
	}

	db, err := openDatabase(filepath.Join(cfg.netDir(), agentDbFilename))
	if err != nil {
		log.Errorf("Failed to open database: %v", err)
		return err
	}
	addInterruptHandler(func() {
		if err := db.Close(); err != nil {
			log.Warnf("Error closing database: %v", err)
		}
	})

	// The chain backend is optional. Without it the node can message and
	// receive channel payments, but cannot fund channels or settle.
	var chainService chain.Interface
	if cfg.BchdRPC != "" {
		var certs []byte
		if cfg.BchdCert != "" {
			certs, err = os.ReadFile(cleanAndExpandPath(string(cfg.BchdCert)))
			if err != nil {
				log.Errorf("Failed to read bchd certificate: %v", err)
				return err
			}
		}
		rpcService, err := chain.NewRPCService(&chain.RPCClientConfig{
			Host:         cfg.BchdRPC,
			User:         cfg.BchdUser,
			Pass:         cfg.BchdPass,
			Certificates: certs,
		}, cfg.params)
		if err != nil {
			log.Errorf("Failed to create bchd RPC client: %v", err)
			return err
		}
		if err := rpcService.Start(); err != nil {
			log.Warnf("bchd backend unreachable, continuing without it: %v", err)
		}
		chainService = rpcService
		addInterruptHandler(rpcService.Stop)
	} else {
		log.Warn("No chain backend configured; on-chain operations are disabled")
	}

	nodeConfig := &p2pnet.NodeConfig{
		Port:       uint32(cfg.Port),
		PrivateKey: identityKey,
		EnableMDNS: cfg.EnableMDNS,
	}
	for _, addr := range cfg.BootstrapPeers {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Errorf("Invalid bootstrap peer %q: %v", addr, err)
			return err
		}
		nodeConfig.BootstrapPeers = append(nodeConfig.BootstrapPeers, *pi)
	}
	nodeConfig.AnnounceAddrs = cfg.AnnounceAddrs
	if cfg.RelayPeer != "" {
		pi, err := peer.AddrInfoFromString(cfg.RelayPeer)
		if err != nil {
			log.Errorf("Invalid relay peer %q: %v", cfg.RelayPeer, err)
			return err
		}
		nodeConfig.RelayPeer = pi
	}

	node, err := p2pnet.NewNode(ctx, nodeConfig)
	if err != nil {
		log.Errorf("Failed to create p2p node: %v", err)
		return err
	}
	addInterruptHandler(func() {
		if err := node.Shutdown(); err != nil {
			log.Warnf("Error shutting down node: %v", err)
		}
	})
	log.Infof("Peer ID: %s", node.ID())
	for _, addr := range node.Addrs() {
		log.Infof("Listening on %s", addr)
	}

	if err := node.StartOnlineServices(ctx); err != nil {
		log.Warnf("Bootstrap failed: %v", err)
	}

	if node.Relay != nil {
		if err := node.Relay.DialRelay(ctx); err != nil {
			log.Warnf("Relay dial failed, retrying in background: %v", err)
			node.Relay.StartBackgroundRetry()
		} else if !node.Relay.WaitForReservation(ctx, cfg.RelayWait) {
			log.Warnf("No relay reservation after %s, retrying in background",
				cfg.RelayWait)
			node.Relay.StartBackgroundRetry()
		}
		node.Relay.Start(ticker.New(cfg.HealthInterval))
	}

	var notifier messaging.Notifier
	if cfg.AgentHookURL != "" {
		notifier = messaging.NewHTTPNotifier(cfg.AgentHookURL, cfg.AgentHookToken)
	}
	handler := messaging.NewHandler(&messaging.Config{
		Host:     node.Host,
		Notifier: notifier,
	})
	addInterruptHandler(handler.Stop)

	registry := p2pnet.NewServiceRegistry()
	registry.Register(p2pnet.Service{
		Name:        "echo",
		Description: "returns the request parameters unchanged",
	})

	walletService := wallet.New(paymentKey, cfg.params, chainService)

	autoAccept := cfg.AutoAcceptBelow.Amount
	if cfg.AcceptAllChannels {
		autoAccept = channels.AcceptAll
	}
	manager, err := channels.NewManager(&channels.Config{
		DB:              db,
		Wallet:          walletService,
		Broadcaster:     broadcaster(chainService),
		Sender:          handler,
		Params:          cfg.params,
		LocalPeer:       node.ID(),
		PaymentKey:      paymentKey,
		MinCapacity:     cfg.MinCapacity.Amount,
		MaxCapacity:     cfg.MaxCapacity.Amount,
		DefaultLifetime: cfg.ChannelLifetime,
		AutoAcceptBelow: autoAccept,
		FeePerByte:      bchutil.Amount(cfg.FeePerByte),
		ServiceHandler:  serviceDispatcher(registry),
	})
	if err != nil {
		log.Errorf("Failed to create channel manager: %v", err)
		return err
	}
	handler.Subscribe(messaging.TypeChannelOpen, manager.HandleChannelOpen)
	handler.Subscribe(messaging.TypeChannelUpdate, manager.HandleChannelUpdate)
	handler.Subscribe(messaging.TypeChannelClose, manager.HandleChannelClose)
	handler.Subscribe(messaging.TypePaidRequest, manager.HandlePaidRequest)
	handler.Subscribe(messaging.TypeText, acceptText())
	handler.Subscribe(messaging.TypePayment, ackPayments(handler))
	handler.Subscribe(messaging.TypeRequest, answerRequests(handler, registry))

	announcer, err := p2pnet.NewAnnouncer(node.Host, node.PubSub(), registry,
		node.Directory)
	if err != nil {
		log.Errorf("Failed to create announcer: %v", err)
		return err
	}
	announcer.Start(cfg.AnnounceInterval)
	addInterruptHandler(announcer.Stop)

	api := httpapi.NewServer(&httpapi.Config{
		ListenAddr: cfg.RPCListen,
		Node:       node,
		Relay:      relayHealth(node),
		Directory:  node.Directory,
		Messenger:  handler,
		Channels:   manager,
		Wallet:     walletService,
		StartedAt:  time.Now(),
	})
	if err := api.Start(); err != nil {
		log.Errorf("Failed to start HTTP API: %v", err)
		return err
	}
	addInterruptHandler(func() {
		if err := api.Stop(); err != nil {
			log.Warnf("Error stopping HTTP API: %v", err)
		}
	})

	<-shutdownChannel
	log.Info("Shutdown complete")
	return nil
}

// relayHealth adapts an optional relay manager to the API's health probe.
func relayHealth(node *p2pnet.Node) httpapi.RelayService {
	if node.Relay == nil {
		return nil
	}
	return node.Relay
}

// broadcaster adapts the optional chain backend to the channel manager.
func broadcaster(chainService chain.Interface) channels.Broadcaster {
	if chainService == nil {
		return unavailableBroadcaster{}
	}
	return chainService
}

type unavailableBroadcaster struct{}

func (unavailableBroadcaster) Broadcast(*wire.MsgTx) (*chainhash.Hash, error) {
	return nil, chain.ErrUTXOServiceUnavailable
}

// serviceDispatcher executes paid service requests against the registry.
func serviceDispatcher(registry *p2pnet.ServiceRegistry) channels.ServiceHandlerFunc {
	return func(ctx context.Context, service string,
		params json.RawMessage) (json.RawMessage, error) {

		if _, ok := registry.Lookup(service); !ok {
			return nil, fmt.Errorf("unknown service %q", service)
		}
		switch service {
		case "echo":
			return params, nil
		default:
			return nil, fmt.Errorf("service %q has no executor", service)
		}
	}
}

// acceptText consumes inbound text messages. There is nothing to reply
// with; consuming the message is what lets the handler's agent
// notification fan-out deliver the wake-up for it.
func acceptText() messaging.SubscriberFunc {
	return func(ctx context.Context, remote peer.ID,
		msg *messaging.Message) (*messaging.Message, bool) {

		var text messaging.TextPayload
		if err := msg.DecodePayload(&text); err != nil {
			return nil, false
		}
		log.Infof("Text message from %s: %d bytes", remote, len(text.Content))
		return nil, true
	}
}

// ackPayments acknowledges on-chain payment notifications.
func ackPayments(handler *messaging.Handler) messaging.SubscriberFunc {
	return func(ctx context.Context, remote peer.ID,
		msg *messaging.Message) (*messaging.Message, bool) {

		var payment messaging.PaymentPayload
		if err := msg.DecodePayload(&payment); err != nil {
			return nil, false
		}
		log.Infof("Payment notification from %s: %d satoshis in %s",
			remote, payment.Amount, payment.TxID)
		reply, err := messaging.NewMessage(messaging.TypePaymentAck,
			handler.LocalPeer(), remote, messaging.PaymentAckPayload{
				PaymentID: msg.ID,
				Accepted:  true,
			})
		if err != nil {
			return nil, true
		}
		return reply, true
	}
}

// answerRequests serves unpaid request envelopes from the registry.
func answerRequests(handler *messaging.Handler,
	registry *p2pnet.ServiceRegistry) messaging.SubscriberFunc {

	return func(ctx context.Context, remote peer.ID,
		msg *messaging.Message) (*messaging.Message, bool) {

		var request messaging.RequestPayload
		if err := msg.DecodePayload(&request); err != nil {
			return nil, false
		}
		resp := messaging.ResponsePayload{RequestID: msg.ID}
		svc, ok := registry.Lookup(request.Service)
		switch {
		case !ok:
			resp.Error = fmt.Sprintf("unknown service %q", request.Service)
		case svc.PriceSats > 0:
			resp.Error = fmt.Sprintf("service %q requires payment of %d satoshis",
				request.Service, svc.PriceSats)
		case request.Service == "echo":
			resp.Result = request.Params
		default:
			resp.Error = fmt.Sprintf("service %q has no executor", request.Service)
		}
		reply, err := messaging.NewMessage(messaging.TypeResponse,
			handler.LocalPeer(), remote, resp)
		if err != nil {
			return nil, true
		}
		return reply, true
	}
}

// loadIdentityKey reads the libp2p identity key from disk, generating and
// persisting a new Ed25519 key on first run.
func loadIdentityKey(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return crypto.UnmarshalPrivateKey(raw)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, err
	}
	raw, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, err
	}
	log.Infof("Generated new identity key at %s", path)
	return priv, nil
}

// loadPaymentKey derives the node's payment key from a bip39 mnemonic stored
// on disk, generating one on first run.
func loadPaymentKey(path string) (*bchec.PrivateKey, error) {
	var mnemonic string
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		mnemonic = strings.TrimSpace(string(raw))
	case os.IsNotExist(err):
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return nil, err
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0600); err != nil {
			return nil, err
		}
		log.Infof("Generated new payment seed at %s", path)
	default:
		return nil, err
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid payment seed mnemonic in %s", path)
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv, _ := bchec.PrivKeyFromBytes(bchec.S256(), seed[:32])
	return priv, nil
}

// openDatabase opens the agent database, creating it on first run.
func openDatabase(path string) (walletdb.DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return walletdb.Create("bdb", path, true)
	}
	return walletdb.Open("bdb", path, true)
}
