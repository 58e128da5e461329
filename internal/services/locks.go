package services

import "sync"

// keyedMutex hands out one mutex per ID. Submissions for the same
// request, and stamping/sealing for the same document, serialize through
// it; entries are reclaimed once the last holder releases.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*lockEntry
}

type lockEntry struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint]*lockEntry)}
}

// Lock blocks until the ID's mutex is held and returns the release func.
func (k *keyedMutex) Lock(id uint) func() {
	k.mu.Lock()
	e := k.locks[id]
	if e == nil {
		e = &lockEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
