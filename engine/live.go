package engine

import "context"

// LiveSubscription is one active push stream, keyed by the id the backend
// assigned to it. No single listener owns the subscription; it lives until
// Kill or until the connection closes.
type LiveSubscription struct {
	ID        string
	listeners map[int]func(Notification)
}

// Live establishes a live subscription for the given query and registers
// it in the engine's subscription arena.
func (e *Engine) Live(ctx context.Context, query string) (string, error) {
	res, err := e.Send(ctx, "live", query)
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", &RPCError{Code: -1, Message: "live: backend returned no subscription id"}
	}

	e.mu.Lock()
	if _, exists := e.subs[id]; !exists {
		e.subs[id] = &LiveSubscription{ID: id, listeners: make(map[int]func(Notification))}
	}
	e.mu.Unlock()
	return id, nil
}

// SubscribeLive attaches a listener to a subscription id. The entry is
// created if it does not exist yet, which lets a listener attach before
// the first notification arrives for an id established elsewhere.
func (e *Engine) SubscribeLive(id string, fn func(Notification)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[id]
	if !ok {
		sub = &LiveSubscription{ID: id, listeners: make(map[int]func(Notification))}
		e.subs[id] = sub
	}
	e.subSeq++
	sub.listeners[e.subSeq] = fn
	return e.subSeq
}

// UnsubscribeLive detaches exactly the listener identified by token.
func (e *Engine) UnsubscribeLive(id string, token int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub, ok := e.subs[id]; ok {
		delete(sub.listeners, token)
	}
}

// Kill tears down a live subscription. Best-effort: the registry entry is
// removed even when the backend call fails, so a notification already in
// flight is silently dropped by the reader instead of resurfacing.
func (e *Engine) Kill(ctx context.Context, id string) error {
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()

	_, err := e.Send(ctx, "kill", id)
	return err
}

// LiveAlive reports whether a subscription id is currently registered on a
// connected engine.
func (e *Engine) LiveAlive(id string) bool {
	if e.Status() != StatusConnected {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.subs[id]
	return ok
}

// dispatchNotification hands a push frame to every listener of its
// subscription, in arrival order. The notification event always fires so
// an owner tracking subscriptions outside this arena still sees the
// frame; arena listeners for unknown ids are skipped because the backend
// may emit late frames after a kill.
func (e *Engine) dispatchNotification(n *Notification) {
	e.events.emit(EventNotification, *n)

	e.mu.Lock()
	sub, ok := e.subs[n.QueryID]
	var fns []func(Notification)
	if ok {
		fns = make([]func(Notification), 0, len(sub.listeners))
		for _, fn := range sub.listeners {
			fns = append(fns, fn)
		}
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	for _, fn := range fns {
		fn(*n)
	}
}
