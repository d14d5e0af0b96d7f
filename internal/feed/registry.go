package feed

import (
	"sync"

	"github.com/dob-edge/feedhub/internal/sportsdata"
)

// DeltaFunc is a subscription's single delta callback. It receives the delta
// as it arrived and the accumulated state after merging. Callbacks run on the
// session's receive goroutine; long work must be handed off by the callee.
type DeltaFunc func(delta, accumulated sportsdata.Payload)

// Subscription holds the accumulated state of one upstream subscription,
// assembled by repeatedly merging deltas into the initial snapshot.
type Subscription struct {
	ID    string
	state sportsdata.Payload
	cb    DeltaFunc
}

// State returns the accumulated document. The returned map is live; only the
// session goroutine mutates it, callers must treat it as read-only.
func (s *Subscription) State() sportsdata.Payload {
	return s.state
}

// Registry maps server-issued subscription ids to their accumulated state
// and delta callback. Mutation happens on the session goroutine; reads may
// come from anywhere.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Add registers a subscription with its initial snapshot. The snapshot is
// deep-copied: ApplyDelta mutates the accumulated state in place on the
// session goroutine, and it must never alias a document a caller still reads.
func (r *Registry) Add(id string, initial sportsdata.Payload, cb DeltaFunc) *Subscription {
	sub := &Subscription{ID: id, state: sportsdata.Clone(initial), cb: cb}
	if sub.state == nil {
		sub.state = sportsdata.Payload{}
	}
	r.mu.Lock()
	r.subs[id] = sub
	r.mu.Unlock()
	return sub
}

// Remove drops a subscription. Safe to call for unknown ids.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Get looks a subscription up by id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	return sub, ok
}

// Len reports the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// ApplyDelta merges a delta into the subscription's state and invokes its
// callback. Unknown ids are ignored: deltas can race an unsubscribe.
func (r *Registry) ApplyDelta(id string, delta sportsdata.Payload) {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	sub.state = Merge(sub.state, delta)
	if sub.cb != nil {
		sub.cb(delta, sub.state)
	}
}

// Clear drops every subscription. Called when the upstream session goes
// away: a new session issues new ids, nothing is resumed.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()
}
