package pipeline

import "sync"

// keyedMutex serializes work per key. Keys exist in the set only while held,
// so the map never grows beyond the number of concurrent holders.
type keyedMutex struct {
	cond *sync.Cond
	held map[string]struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		cond: sync.NewCond(new(sync.Mutex)),
		held: make(map[string]struct{}),
	}
}

func (km *keyedMutex) Lock(key string) {
	km.cond.L.Lock()
	defer km.cond.L.Unlock()
	for km.locked(key) {
		km.cond.Wait()
	}
	km.held[key] = struct{}{}
}

func (km *keyedMutex) Unlock(key string) {
	km.cond.L.Lock()
	defer km.cond.L.Unlock()
	delete(km.held, key)
	km.cond.Broadcast()
}

func (km *keyedMutex) locked(key string) bool {
	_, ok := km.held[key]
	return ok
}

func (km *keyedMutex) size() int {
	km.cond.L.Lock()
	defer km.cond.L.Unlock()
	return len(km.held)
}
