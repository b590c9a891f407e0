// Package registry maps (signal-type, join-id) subscription keys to an
// ordered list of observer callbacks, and dispatches inbound join values to
// them without letting a panicking callback take down the caller.
package registry

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"crestroncip/codec"
)

// Key identifies a subscription: one signal type and join id pair.
type Key struct {
	Type codec.SignalType
	Join codec.JoinID
}

// Value is the tagged union delivered to a callback: exactly one of the
// three fields is meaningful, selected by the signal type the callback was
// registered or dispatched under.
type Value struct {
	Bool   bool
	U16    uint16
	String string
}

// Callback observes one subscription key's updates.
type Callback func(t codec.SignalType, id codec.JoinID, v Value)

// Registry holds an append-only map of subscription keys to ordered
// callback lists. Safe for concurrent Subscribe and Dispatch calls.
type Registry struct {
	mu   sync.Mutex
	subs map[Key][]Callback
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{subs: make(map[Key][]Callback)}
}

// Subscribe appends cb to key's callback list. Subscriptions are
// append-only for the registry's lifetime; there is no unsubscribe.
func (r *Registry) Subscribe(key Key, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[key] = append(r.subs[key], cb)
}

// Dispatch invokes every callback registered for key, in subscription
// order, passing t/id/v to each. A callback that panics is recovered so it
// cannot stop delivery to the remaining subscribers or crash the engine's
// dispatch lane (spec §7: "no exception is allowed to escape a user
// callback"). Unknown keys dispatch to no one; that is not an error.
func (r *Registry) Dispatch(key Key, v Value) {
	r.mu.Lock()
	cbs := append([]Callback(nil), r.subs[key]...)
	r.mu.Unlock()

	for _, cb := range cbs {
		tryDeliver(cb, key.Type, key.Join, v)
	}
}

func tryDeliver(cb Callback, t codec.SignalType, id codec.JoinID, v Value) {
	defer func() { recover() }()
	cb(t, id, v)
}

// Keys returns every subscribed key, sorted by signal type and then join id
// so the order is deterministic.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	out := maps.Keys(r.subs)
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Key) int {
		if a.Type != b.Type {
			return int(a.Type) - int(b.Type)
		}
		return int(a.Join) - int(b.Join)
	})
	return out
}
