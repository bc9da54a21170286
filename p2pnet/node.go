package p2pnet

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

// mdnsServiceTag namespaces local-network discovery so unrelated libp2p
// applications do not connect to us.
const mdnsServiceTag = "bchagent.local"

// NodeConfig contains basic configuration information that we'll need to
// start our node.
type NodeConfig struct {
	// Port specifies the port to use for incoming connections.
	Port uint32

	// BootstrapPeers is a list of peers to use for connecting to the
	// network at startup.
	BootstrapPeers []peer.AddrInfo

	// AnnounceAddrs optionally overrides the set of self-advertised
	// addresses. When empty the host auto-detects them.
	AnnounceAddrs []string

	// RelayPeer, if set, is the circuit relay this node keeps a
	// reservation with so NAT'd peers can reach it.
	RelayPeer *peer.AddrInfo

	// PrivateKey is the identity key to initialize the node with.
	// Typically this will be persisted somewhere and loaded from disk on
	// startup.
	PrivateKey crypto.PrivKey

	// EnableMDNS turns on local-network peer discovery.
	EnableMDNS bool
}

// Node represents our node in the overlay network. It owns the libp2p host,
// the relay lifecycle manager, the peer directory, and the gossip announcer.
type Node struct {
	// Host is the main libp2p instance which handles all our networking.
	// Protocol handlers are registered against it by the messaging layer.
	Host host.Host

	// Relay keeps the reservation with the configured relay alive. Nil
	// when no relay is configured.
	Relay *RelayManager

	// Directory is the bounded cache of recently seen peers.
	Directory *PeerDirectory

	pubsub         *pubsub.PubSub
	mdnsService    mdns.Service
	bootstrapPeers []peer.AddrInfo
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns connect to %v failed: %v", pi.ID, err)
	}
}

// NewNode is a constructor for our Node object.
func NewNode(ctx context.Context, config *NodeConfig) (*Node, error) {
	opts := []libp2p.Option{
		// Listen on all interfaces on both IPv4 and IPv6. The circuit
		// pseudo-address tells the transport to accept inbound streams
		// relayed through any peer that granted us a reservation.
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.Port),
			fmt.Sprintf("/ip6/::/tcp/%d", config.Port),
		),
		libp2p.Identity(config.PrivateKey),
		libp2p.NATPortMap(),
	}

	if config.RelayPeer != nil {
		opts = append(opts,
			libp2p.EnableRelay(),
			libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*config.RelayPeer}),
		)
	}

	if len(config.AnnounceAddrs) > 0 {
		announce := make([]ma.Multiaddr, 0, len(config.AnnounceAddrs))
		for _, s := range config.AnnounceAddrs {
			addr, err := ma.NewMultiaddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid announce address %q: %v", s, err)
			}
			announce = append(announce, addr)
		}
		opts = append(opts, libp2p.AddrsFactory(func([]ma.Multiaddr) []ma.Multiaddr {
			return announce
		}))
	}

	// This will initialize a new libp2p host with our options plus a bunch
	// of default options. The defaults include transports, muxers,
	// security (noise), and the peer store.
	peerHost, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, peerHost)
	if err != nil {
		peerHost.Close()
		return nil, err
	}

	node := &Node{
		Host:           peerHost,
		Directory:      NewPeerDirectory(DefaultDirectoryCapacity, DefaultDirectoryTTL),
		pubsub:         ps,
		bootstrapPeers: config.BootstrapPeers,
	}

	if config.RelayPeer != nil {
		node.Relay = NewRelayManager(peerHost, *config.RelayPeer)
	}

	if config.EnableMDNS {
		node.mdnsService = mdns.NewMdnsService(peerHost, mdnsServiceTag, &mdnsNotifee{h: peerHost})
		if err := node.mdnsService.Start(); err != nil {
			log.Warnf("Failed to start mdns discovery: %v", err)
			node.mdnsService = nil
		}
	}

	return node, nil
}

// StartOnlineServices connects to the bootstrap peers. Individual failures
// are logged; the node comes up as long as the transport is listening.
func (n *Node) StartOnlineServices(ctx context.Context) error {
	for _, pi := range n.bootstrapPeers {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := n.Host.Connect(connectCtx, pi)
		cancel()
		if err != nil {
			log.Warnf("Bootstrap connect to %v failed: %v", pi.ID, err)
			continue
		}
		n.Directory.Put(pi.ID, pi.Addrs, nil)
	}
	return nil
}

// Connect dials a peer by address info. If the addresses include a relay
// hop the circuit transport negotiates the hop transparently.
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return n.Host.Connect(ctx, pi)
}

// SetStreamHandler registers a per-protocol stream handler on the host.
func (n *Node) SetStreamHandler(id protocol.ID, handler network.StreamHandler) {
	n.Host.SetStreamHandler(id, handler)
}

// ID returns the node's peer identity.
func (n *Node) ID() peer.ID {
	return n.Host.ID()
}

// Addrs returns the current self-advertised multi-addresses.
func (n *Node) Addrs() []ma.Multiaddr {
	return n.Host.Addrs()
}

// Peers returns the peers with at least one live connection.
func (n *Node) Peers() []peer.ID {
	return n.Host.Network().Peers()
}

// PubSub exposes the gossip router for the announcer.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.pubsub
}

// Shutdown stops the relay supervisor and discovery and closes the host,
// disconnecting all peers in the process.
func (n *Node) Shutdown() error {
	if n.Relay != nil {
		n.Relay.Stop()
	}
	if n.mdnsService != nil {
		if err := n.mdnsService.Close(); err != nil {
			log.Warnf("Failed to close mdns service: %v", err)
		}
	}
	return n.Host.Close()
}
