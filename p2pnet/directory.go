package p2pnet

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// DefaultDirectoryCapacity bounds the number of cached peer entries.
	DefaultDirectoryCapacity = 1000

	// DefaultDirectoryTTL is how long an entry stays valid after it was
	// last refreshed.
	DefaultDirectoryTTL = time.Hour
)

// PeerInfo is a directory entry describing a recently seen peer and the
// services it announced.
type PeerInfo struct {
	ID       peer.ID
	Addrs    []ma.Multiaddr
	Services []string
	LastSeen time.Time
}

// PeerDirectory is a bounded cache of recently seen peers. Entries expire
// after the TTL and the oldest entry is evicted when the cache is full.
type PeerDirectory struct {
	mtx      sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[peer.ID]*PeerInfo
}

// NewPeerDirectory returns an empty directory with the given bounds.
func NewPeerDirectory(capacity int, ttl time.Duration) *PeerDirectory {
	return &PeerDirectory{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[peer.ID]*PeerInfo),
	}
}

// Put inserts or refreshes the entry for the peer.
func (d *PeerDirectory) Put(id peer.ID, addrs []ma.Multiaddr, services []string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.entries[id] = &PeerInfo{
		ID:       id,
		Addrs:    addrs,
		Services: services,
		LastSeen: time.Now(),
	}
	for len(d.entries) > d.capacity {
		d.evictOldestLocked()
	}
}

// Get returns the entry for the peer if present and not expired.
func (d *PeerDirectory) Get(id peer.ID) (*PeerInfo, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	entry, ok := d.entries[id]
	if !ok {
		return nil, false
	}
	if time.Since(entry.LastSeen) > d.ttl {
		delete(d.entries, id)
		return nil, false
	}
	return entry, true
}

// List returns all live entries, pruning expired ones as it goes.
func (d *PeerDirectory) List() []*PeerInfo {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	out := make([]*PeerInfo, 0, len(d.entries))
	for id, entry := range d.entries {
		if time.Since(entry.LastSeen) > d.ttl {
			delete(d.entries, id)
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Len returns the number of entries currently cached, including any that
// have expired but not yet been pruned.
func (d *PeerDirectory) Len() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.entries)
}

func (d *PeerDirectory) evictOldestLocked() {
	var oldest peer.ID
	var oldestSeen time.Time
	first := true
	for id, entry := range d.entries {
		if first || entry.LastSeen.Before(oldestSeen) {
			oldest = id
			oldestSeen = entry.LastSeen
			first = false
		}
	}
	if !first {
		delete(d.entries, oldest)
	}
}
