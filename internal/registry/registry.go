// Package registry tracks the single active subscription per
// (topic, consumer group), implementing takeover: registering a new
// subscription displaces and cancels whatever held the key before.
package registry

import "sync"

// Key identifies a (topic, consumer group) pair.
type Key struct {
	TopicID int64
	Group   string
}

// CancelFunc terminates the subscription currently holding a key. It must
// be safe to call more than once (idempotent), mirroring the teacher's
// closeOnce pattern in src/connection.go.
type CancelFunc func(reason string)

// Registry is the connection registry (CR) from spec.md §4.7. The
// zero value is ready to use.
type Registry struct {
	mu      sync.Mutex
	holders map[Key]*entry
}

type entry struct {
	cancel CancelFunc
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{holders: make(map[Key]*entry)}
}

// Register installs cancel as the new holder of key, atomically swapping
// out and firing any prior holder's cancel func with "takeover". It
// returns a token the caller must pass to Unregister so that a stale
// unregister (racing with a later takeover) is a no-op rather than
// evicting the new holder.
func (r *Registry) Register(key Key, cancel CancelFunc) (token any) {
	r.mu.Lock()
	if r.holders == nil {
		r.holders = make(map[Key]*entry)
	}
	prior, had := r.holders[key]
	e := &entry{cancel: cancel}
	r.holders[key] = e
	r.mu.Unlock()

	if had && prior.cancel != nil {
		prior.cancel("takeover")
	}
	return e
}

// Unregister removes key's holder only if it is still the one identified
// by token (pointer identity), so a subscription that already lost a
// takeover race can't undo the new holder's registration.
func (r *Registry) Unregister(key Key, token any) {
	e, ok := token.(*entry)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, exists := r.holders[key]; exists && cur == e {
		delete(r.holders, key)
	}
}

// Len reports the number of actively registered (topic, group) pairs.
// Exposed for tests and for the admission snapshot.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.holders)
}
