package store

import "sync"

// keyLocks serializes mutations per logical key (one conversation, one
// room) so unrelated keys proceed independently. Mutexes are retained
// for the process lifetime; the map is bounded by the number of live
// rooms and conversations.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: make(map[string]*sync.Mutex)}
}

func (k *keyLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.m[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	k.m[key] = l
	return l
}

func (k *keyLocks) lock(key string) func() {
	l := k.get(key)
	l.Lock()
	return l.Unlock
}
