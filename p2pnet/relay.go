package p2pnet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	relayclient "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	"github.com/lightningnetwork/lnd/ticker"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaintenanceInterval is the cadence of the relay connection
	// check when the caller does not override it.
	DefaultMaintenanceInterval = 10 * time.Second

	// reservationWaitTimeout bounds how long a reconnect waits for the
	// reservation to re-materialize in the self-advertised addresses.
	reservationWaitTimeout = 10 * time.Second

	// reservationPollInterval is the cadence of the self-address poll.
	reservationPollInterval = 500 * time.Millisecond

	// retryBackoffInitial and retryBackoffCap bound the background retry
	// schedule used when the startup reservation cannot be acquired.
	retryBackoffInitial = 30 * time.Second
	retryBackoffCap     = 5 * time.Minute

	// dialTimeout bounds a single connect-plus-reserve attempt.
	dialTimeout = 30 * time.Second
)

var (
	// ErrRelayNotConnected means there is no live connection to the relay.
	ErrRelayNotConnected = errors.New("not connected to relay")

	// ErrNoReservation means the relay connection is up but no circuit
	// address through the relay is being advertised.
	ErrNoReservation = errors.New("no relay reservation")

	// ErrRelayRetrying means the connection was lost and the background
	// retry task is attempting to restore it.
	ErrRelayRetrying = errors.New("relay disconnected, retrying")

	// ErrReservationRejected means the relay refused the reservation
	// request.
	ErrReservationRejected = errors.New("relay reservation rejected")
)

// RelayManager keeps the node reachable through a configured relay peer.
//
// A circuit reservation is only valid while the connection to the relay is
// continuously maintained, so the manager monitors the connection, never the
// reservation alone. It must never close a live relay connection: closing it
// invalidates the reservation.
type RelayManager struct {
	host  host.Host
	relay peer.AddrInfo

	tick     ticker.Ticker
	sf       singleflight.Group
	retrying atomic.Bool
	notifiee *network.NotifyBundle

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// NewRelayManager returns a manager for the given relay peer. The supervisor
// does not run until Start is called.
func NewRelayManager(h host.Host, relay peer.AddrInfo) *RelayManager {
	m := &RelayManager{
		host:  h,
		relay: relay,
		quit:  make(chan struct{}),
	}
	m.notifiee = &network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			if c.RemotePeer() != relay.ID {
				return
			}
			if m.IsConnected() {
				// Another connection to the relay is still up.
				return
			}
			log.Infof("Lost connection to relay %v, reconnecting now", relay.ID)
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.recover("disconnect")
			}()
		},
	}
	return m
}

// RelayPeer returns the configured relay identity.
func (m *RelayManager) RelayPeer() peer.ID {
	return m.relay.ID
}

// DialRelay opens a connection to the relay peer and explicitly requests a
// reservation. A nil return does not imply the reservation is already
// visible in the self-advertised addresses; use WaitForReservation for that.
func (m *RelayManager) DialRelay(ctx context.Context) error {
	m.host.Peerstore().AddAddrs(m.relay.ID, m.relay.Addrs, peerstore.PermanentAddrTTL)
	if err := m.host.Connect(ctx, m.relay); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayNotConnected, err)
	}
	// Request the reservation ourselves instead of waiting for autorelay.
	// This surfaces the exact error on failure and skips autorelay's
	// internal backoff timer.
	rsvp, err := relayclient.Reserve(ctx, m.host, m.relay)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReservationRejected, err)
	}
	log.Debugf("Relay reservation granted by %v, expires %v",
		m.relay.ID, rsvp.Expiration)
	return nil
}

// IsConnected reports whether at least one live connection to the relay
// exists.
func (m *RelayManager) IsConnected() bool {
	return len(m.host.Network().ConnsToPeer(m.relay.ID)) > 0
}

// HasReservation reports whether the self-advertised addresses contain a
// circuit address through the configured relay. This is the canonical signal
// of a live reservation.
func (m *RelayManager) HasReservation() bool {
	for _, addr := range m.host.Addrs() {
		if addrIsCircuitThrough(addr, m.relay.ID) {
			return true
		}
	}
	return false
}

// WaitForReservation polls the self-advertised addresses until a circuit
// address through the relay appears or the timeout elapses.
func (m *RelayManager) WaitForReservation(ctx context.Context, timeout time.Duration) bool {
	deadline := time.After(timeout)
	tick := time.NewTicker(reservationPollInterval)
	defer tick.Stop()
	for {
		if m.HasReservation() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-m.quit:
			return false
		case <-deadline:
			return false
		case <-tick.C:
		}
	}
}

// Start launches the maintenance supervisor on the given ticker and begins
// watching for relay disconnects. Callers typically pass
// ticker.New(DefaultMaintenanceInterval); tests substitute a forced ticker.
func (m *RelayManager) Start(t ticker.Ticker) {
	m.startOnce.Do(func() {
		m.tick = t
		m.host.Network().Notify(m.notifiee)
		t.Resume()
		m.wg.Add(1)
		go m.maintenanceLoop()
	})
}

func (m *RelayManager) maintenanceLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.tick.Ticks():
			// Check the connection, not the reservation: the
			// reservation cannot outlive the connection, and a
			// live connection must never be closed to refresh it.
			if m.IsConnected() {
				continue
			}
			log.Debugf("Maintenance check: relay %v not connected", m.relay.ID)
			m.recover("maintenance")
		case <-m.quit:
			return
		}
	}
}

// recover dials the relay and waits for the reservation to come back.
// Concurrent recoveries (maintenance tick racing a disconnect event) are
// deduplicated through singleflight.
func (m *RelayManager) recover(label string) bool {
	v, _, _ := m.sf.Do("recover", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := m.DialRelay(ctx); err != nil {
			log.Warnf("Relay recovery (%s) failed: %v", label, err)
			return false, nil
		}
		if !m.WaitForReservation(ctx, reservationWaitTimeout) {
			log.Warnf("Relay recovery (%s): reservation not restored "+
				"within %v", label, reservationWaitTimeout)
			return false, nil
		}
		log.Infof("Relay reservation through %v restored", m.relay.ID)
		return true, nil
	})
	ok, _ := v.(bool)
	return ok
}

// StartBackgroundRetry launches a supervised task that keeps attempting to
// acquire a reservation with exponential backoff, starting at 30 seconds and
// capped at 5 minutes. It runs until a reservation is observed or the
// manager is stopped. Used when the startup acquisition timed out; the node
// stays up in direct-dial-only mode meanwhile.
func (m *RelayManager) StartBackgroundRetry() {
	if !m.retrying.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.retrying.Store(false)
		backoff := retryBackoffInitial
		for {
			select {
			case <-time.After(backoff):
			case <-m.quit:
				return
			}
			if m.HasReservation() {
				return
			}
			log.Infof("Retrying relay reservation with %v backoff", backoff)
			if m.recover("background-retry") {
				return
			}
			backoff *= 2
			if backoff > retryBackoffCap {
				backoff = retryBackoffCap
			}
		}
	}()
}

// Health reports reachability through the relay as a boolean plus the
// reason when unhealthy.
func (m *RelayManager) Health() (bool, error) {
	switch {
	case !m.IsConnected() && m.retrying.Load():
		return false, ErrRelayRetrying
	case !m.IsConnected():
		return false, ErrRelayNotConnected
	case !m.HasReservation():
		return false, ErrNoReservation
	}
	return true, nil
}

// Stop halts the supervisor and removes the network listener. It returns
// once all supervisor goroutines have exited.
func (m *RelayManager) Stop() {
	m.stopOnce.Do(func() {
		if m.tick != nil {
			m.tick.Stop()
		}
		m.host.Network().StopNotify(m.notifiee)
		close(m.quit)
		m.wg.Wait()
	})
}

// addrIsCircuitThrough reports whether addr is a p2p-circuit address relayed
// by the given peer.
func addrIsCircuitThrough(addr ma.Multiaddr, relay peer.ID) bool {
	circuit := false
	for _, p := range addr.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			circuit = true
			break
		}
	}
	if !circuit {
		return false
	}
	return strings.Contains(addr.String(), "/p2p/"+relay.String()+"/p2p-circuit")
}
