package channels

import (
	"sync"

	"github.com/gcash/bchd/chaincfg/chainhash"
)

// chanMutex is a keyed mutex that serializes state transitions per channel
// while letting operations on different channels proceed in parallel.
type chanMutex struct {
	m *sync.Map
}

func newChanMutex() chanMutex {
	m := sync.Map{}
	return chanMutex{&m}
}

// Lock locks the mutex for the given channel id.
func (s chanMutex) Lock(key chainhash.Hash) {
	m := sync.Mutex{}
	stored, _ := s.m.LoadOrStore(key, &m)
	mtx := stored.(*sync.Mutex)
	mtx.Lock()
	if mtx != &m {
		// Lost the race against an Unlock that deleted the key.
		mtx.Unlock()
		s.Lock(key)
		return
	}
}

// Unlock unlocks the mutex for the given channel id and deletes the key
// from the map.
func (s chanMutex) Unlock(key chainhash.Hash) {
	stored, exist := s.m.Load(key)
	if !exist {
		panic("chanMutex: unlock of unlocked mutex")
	}
	mtx := stored.(*sync.Mutex)
	s.m.Delete(key)
	mtx.Unlock()
}
