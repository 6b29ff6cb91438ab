package proxy

import "sync"

// liveRegistry is the arena of shared live subscriptions, keyed by the id
// the backend assigned. No client owns an entry; listeners attach and
// detach by token, and the whole arena is cleared when the upstream
// connection dies. It outlives individual engine instances across
// reconnects, which is why it lives here and not in the engine.
type liveRegistry struct {
	mu   sync.Mutex
	seq  int
	subs map[string]map[int]func(action string, result any)
}

func newLiveRegistry() *liveRegistry {
	return &liveRegistry{subs: make(map[string]map[int]func(action string, result any))}
}

// Add registers a subscription id with no listeners yet.
func (r *liveRegistry) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		r.subs[id] = make(map[int]func(action string, result any))
	}
}

// Subscribe attaches a listener to a subscription id, creating the entry
// when needed.
func (r *liveRegistry) Subscribe(id string, fn func(action string, result any)) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[id]
	if !ok {
		set = make(map[int]func(action string, result any))
		r.subs[id] = set
	}
	r.seq++
	set[r.seq] = fn
	return r.seq
}

// Unsubscribe detaches exactly the listener identified by token.
func (r *liveRegistry) Unsubscribe(id string, token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subs[id]; ok {
		delete(set, token)
	}
}

// Remove drops a subscription entirely. Notifications already in flight
// for it are dropped by dispatch, not treated as an error.
func (r *liveRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Alive reports whether the id has a registry entry.
func (r *liveRegistry) Alive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	return ok
}

// Clear drops every entry; used when the connection is lost.
func (r *liveRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]map[int]func(action string, result any))
}

// dispatch invokes every listener of a subscription. Returns false when
// the id is unknown (a late frame after kill).
func (r *liveRegistry) dispatch(id, action string, result any) bool {
	r.mu.Lock()
	set, ok := r.subs[id]
	fns := make([]func(action string, result any), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, fn := range fns {
		fn(action, result)
	}
	return true
}
