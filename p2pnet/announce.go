package p2pnet

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Announcement is the periodic service advertisement published on the
// announce topic.
type Announcement struct {
	PeerID    string    `json:"peerId"`
	Addrs     []string  `json:"addrs"`
	Services  []Service `json:"services"`
	Timestamp int64     `json:"timestamp"`
}

// NodeStatus is published on the node-status topic on demand.
type NodeStatus struct {
	PeerID        string `json:"peerId"`
	NumPeers      int    `json:"numPeers"`
	RelayHealthy  bool   `json:"relayHealthy"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Timestamp     int64  `json:"timestamp"`
}

// Announcer publishes service announcements and node status over gossip and
// feeds received announcements into the peer directory.
type Announcer struct {
	host      host.Host
	registry  *ServiceRegistry
	directory *PeerDirectory

	announceTopic *pubsub.Topic
	statusTopic   *pubsub.Topic
	sub           *pubsub.Subscription

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewAnnouncer joins the announce and node-status topics and subscribes to
// peer announcements.
func NewAnnouncer(h host.Host, ps *pubsub.PubSub, registry *ServiceRegistry,
	directory *PeerDirectory) (*Announcer, error) {

	announceTopic, err := ps.Join(TopicAnnounce)
	if err != nil {
		return nil, err
	}
	statusTopic, err := ps.Join(TopicNodeStatus)
	if err != nil {
		return nil, err
	}
	sub, err := announceTopic.Subscribe()
	if err != nil {
		return nil, err
	}
	return &Announcer{
		host:          h,
		registry:      registry,
		directory:     directory,
		announceTopic: announceTopic,
		statusTopic:   statusTopic,
		sub:           sub,
		startedAt:     time.Now(),
	}, nil
}

// Start launches the periodic announcement publisher and the subscription
// reader.
func (a *Announcer) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		tick := time.NewTicker(interval)
		defer tick.Stop()
		// Announce once at startup rather than waiting a full interval.
		a.publishAnnouncement(ctx)
		for {
			select {
			case <-tick.C:
				a.publishAnnouncement(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer a.wg.Done()
		a.readLoop(ctx)
	}()
}

// Stop cancels the announcer tasks and waits for them to exit.
func (a *Announcer) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.sub.Cancel()
	a.wg.Wait()
}

// PublishStatus broadcasts the given node status.
func (a *Announcer) PublishStatus(ctx context.Context, status *NodeStatus) error {
	status.PeerID = a.host.ID().String()
	status.UptimeSeconds = int64(time.Since(a.startedAt).Seconds())
	status.Timestamp = time.Now().UnixMilli()
	b, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return a.statusTopic.Publish(ctx, b)
}

func (a *Announcer) publishAnnouncement(ctx context.Context) {
	addrs := a.host.Addrs()
	strAddrs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		strAddrs = append(strAddrs, addr.String())
	}
	ann := Announcement{
		PeerID:    a.host.ID().String(),
		Addrs:     strAddrs,
		Services:  a.registry.List(),
		Timestamp: time.Now().UnixMilli(),
	}
	b, err := json.Marshal(&ann)
	if err != nil {
		log.Errorf("Failed to marshal announcement: %v", err)
		return
	}
	if err := a.announceTopic.Publish(ctx, b); err != nil {
		log.Debugf("Failed to publish announcement: %v", err)
	}
}

func (a *Announcer) readLoop(ctx context.Context) {
	for {
		msg, err := a.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == a.host.ID() {
			continue
		}
		var ann Announcement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			log.Debugf("Dropping malformed announcement from %v: %v",
				msg.ReceivedFrom, err)
			continue
		}
		pid, err := peer.Decode(ann.PeerID)
		if err != nil || pid != msg.ReceivedFrom {
			log.Debugf("Dropping announcement with mismatched peer id from %v",
				msg.ReceivedFrom)
			continue
		}
		addrs := make([]ma.Multiaddr, 0, len(ann.Addrs))
		for _, s := range ann.Addrs {
			addr, err := ma.NewMultiaddr(s)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		services := make([]string, 0, len(ann.Services))
		for _, svc := range ann.Services {
			services = append(services, svc.Name)
		}
		a.directory.Put(pid, addrs, services)
	}
}
