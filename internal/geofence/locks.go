package geofence

import "sync"

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
    mu    sync.Mutex
    locks map[string]*keyLock
}

type keyLock struct {
    mu   sync.Mutex
    refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
    k.mu.Lock()
    if k.locks == nil { k.locks = map[string]*keyLock{} }
    l := k.locks[key]
    if l == nil {
        l = &keyLock{}
        k.locks[key] = l
    }
    l.refs++
    k.mu.Unlock()

    l.mu.Lock()
    return func() {
        l.mu.Unlock()
        k.mu.Lock()
        l.refs--
        if l.refs == 0 { delete(k.locks, key) }
        k.mu.Unlock()
    }
}
