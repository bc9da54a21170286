package p2pnet

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// ProtocolMessage is the protocol ID for the agent messaging protocol.
	// Every stream carries exactly one length-framed envelope. We prefix
	// with /bchagent/ to avoid colliding with other libp2p protocols.
	ProtocolMessage = protocol.ID("/bchagent/message/1.0.0")

	// ProtocolChannel is the legacy protocol ID for channel negotiation.
	// Channel messages now ride on ProtocolMessage; the ID is retained so
	// peers can detect old implementations.
	ProtocolChannel = protocol.ID("/bchagent/channel/1.0.0")

	// ProtocolPing is a minimal echo protocol used for liveness probes.
	ProtocolPing = protocol.ID("/bchagent/ping/1.0.0")
)

const (
	// TopicAnnounce is the pub-sub topic for periodic service announcements.
	TopicAnnounce = "/bchagent/announce/1.0.0"

	// TopicNodeStatus is the pub-sub topic for node status broadcasts.
	TopicNodeStatus = "/bchagent/node-status/1.0.0"
)
