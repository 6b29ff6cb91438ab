package proxy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MainListActivity/cuckoox-google-sub014/config"
	"github.com/MainListActivity/cuckoox-google-sub014/engine"
	"github.com/MainListActivity/cuckoox-google-sub014/metrics"
)

// UpstreamState tracks the remote connection lifecycle.
type UpstreamState int32

const (
	StateUninitialized UpstreamState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateDisconnected is terminal: the reconnect budget is spent and
	// no further attempts are made until the process restarts.
	StateDisconnected
)

func (s UpstreamState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "uninitialized"
	}
}

// dialFunc produces a fresh engine whose Open already succeeded. Injected
// in tests; production wires a websocket dial plus handshake.
type dialFunc func(ctx context.Context) (*engine.Engine, error)

type notifyFrame struct {
	queryID string
	action  string
	result  any
}

// Upstream owns the connection to the remote database. It recreates the
// engine after transport failures with exponentially backed-off attempts,
// keeps live subscriptions in a registry that survives engine recreation,
// and funnels every live notification through one dispatch goroutine so
// each subscription observes events in arrival order.
type Upstream struct {
	cfg    config.RemoteConfig
	tokens *TokenManager
	dial   dialFunc

	state    atomic.Int32
	registry *liveRegistry

	mu      sync.Mutex
	eng     *engine.Engine
	readyCh chan struct{} // closed while connected
	termCh  chan struct{} // closed once, at terminal disconnect

	notifyCh chan notifyFrame
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// OnStatusChange is invoked with the new connectivity on every
	// transition in and out of StateConnected.
	OnStatusChange func(connected bool)
	// OnSessionExpired fires after an auth failure cleared the stored
	// tokens, so the proxy can tell its clients to log in again.
	OnSessionExpired func()
	// OnReconnected fires after a successful reconnect, once the
	// handshake completed. The warmer rebuilds its mirrors here.
	OnReconnected func(ctx context.Context)
	// OnDisconnect fires when the connection is lost, before any
	// reconnect attempt. The warmer deactivates its metadata here.
	OnDisconnect func(ctx context.Context)
}

// NewUpstream builds an upstream over a websocket transport.
func NewUpstream(cfg config.RemoteConfig, tm *TokenManager) *Upstream {
	u := newUpstream(cfg, tm)
	u.dial = u.dialWebsocket
	return u
}

func newUpstream(cfg config.RemoteConfig, tm *TokenManager) *Upstream {
	return &Upstream{
		cfg:      cfg,
		tokens:   tm,
		registry: newLiveRegistry(),
		readyCh:  make(chan struct{}),
		termCh:   make(chan struct{}),
		notifyCh: make(chan notifyFrame, 256),
	}
}

func (u *Upstream) dialWebsocket(ctx context.Context) (*engine.Engine, error) {
	handshake := time.Duration(u.cfg.HandshakeTimeout) * time.Second
	backend, err := engine.DialBackend(ctx, u.cfg.URL, handshake, handshake)
	if err != nil {
		return nil, err
	}

	eng := engine.New(backend)
	params := engine.ConnectParams{
		Namespace: u.cfg.Namespace,
		Database:  u.cfg.Database,
	}
	if t, err := u.tokens.GetTokens(ctx); err == nil && t != nil {
		params.Token = t.AccessToken
	}

	select {
	case err := <-eng.Open(params):
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		eng.Close()
		return nil, ctx.Err()
	}
	return eng, nil
}

// State returns the current lifecycle state.
func (u *Upstream) State() UpstreamState {
	return UpstreamState(u.state.Load())
}

// Connected reports whether requests can be served right now.
func (u *Upstream) Connected() bool {
	return u.State() == StateConnected
}

// Start connects and begins supervising the connection. It blocks until
// the initial connect succeeds or fails; a failed initial connect still
// hands the connection to the reconnect loop rather than giving up.
func (u *Upstream) Start(ctx context.Context) {
	u.ctx, u.cancel = context.WithCancel(ctx)

	u.wg.Add(1)
	go u.dispatchLoop()

	u.state.Store(int32(StateConnecting))
	if err := u.connect(u.ctx); err != nil {
		log.Printf("Initial upstream connect failed: %v", err)
		u.wg.Add(1)
		go u.supervise()
		return
	}
}

// connect dials, installs the engine and flips the state to connected.
func (u *Upstream) connect(ctx context.Context) error {
	eng, err := u.dial(ctx)
	if err != nil {
		return err
	}

	eng.Subscribe(engine.EventNotification, func(payload any) {
		n, ok := payload.(engine.Notification)
		if !ok {
			return
		}
		select {
		case u.notifyCh <- notifyFrame{queryID: n.QueryID, action: n.Action, result: n.Result}:
		default:
			log.Printf("Live notification buffer full, dropping event for %s", n.QueryID)
		}
	})
	eng.Subscribe(engine.EventDisconnected, func(payload any) {
		cause, _ := payload.(error)
		u.onEngineLost(cause)
	})

	u.mu.Lock()
	u.eng = eng
	close(u.readyCh)
	u.mu.Unlock()

	u.state.Store(int32(StateConnected))
	log.Printf("Connected to remote database at %s", u.cfg.URL)
	if u.OnStatusChange != nil {
		u.OnStatusChange(true)
	}
	return nil
}

// onEngineLost reacts to the engine's disconnected event. The engine is
// already torn down at this point; our job is scheduling its successor.
func (u *Upstream) onEngineLost(cause error) {
	if !u.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		return
	}
	log.Printf("Upstream connection lost: %v", cause)

	u.mu.Lock()
	u.eng = nil
	u.readyCh = make(chan struct{})
	u.mu.Unlock()

	u.registry.Clear()
	if u.OnStatusChange != nil {
		u.OnStatusChange(false)
	}
	if u.OnDisconnect != nil {
		u.OnDisconnect(u.ctx)
	}

	u.wg.Add(1)
	go u.supervise()
}

// reconnectPolicy builds the delay schedule between attempts: the
// configured base delay, doubled per attempt, with no jitter.
func (u *Upstream) reconnectPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(u.cfg.ReconnectBase) * time.Millisecond
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// supervise retries the connection with exponential backoff until it
// succeeds or the attempt budget is spent.
func (u *Upstream) supervise() {
	defer u.wg.Done()

	u.state.Store(int32(StateReconnecting))

	policy := u.reconnectPolicy()

	for attempt := 1; u.cfg.MaxReconnects <= 0 || attempt <= u.cfg.MaxReconnects; attempt++ {
		wait := policy.NextBackOff()
		select {
		case <-time.After(wait):
		case <-u.ctx.Done():
			return
		}

		metrics.ReconnectAttempts.Inc()
		log.Printf("Reconnect attempt %d to %s", attempt, u.cfg.URL)
		if err := u.connect(u.ctx); err != nil {
			log.Printf("Reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		if u.OnReconnected != nil {
			u.OnReconnected(u.ctx)
		}
		return
	}

	log.Printf("Reconnect budget spent after %d attempts, giving up", u.cfg.MaxReconnects)
	u.state.Store(int32(StateDisconnected))
	u.mu.Lock()
	select {
	case <-u.termCh:
	default:
		close(u.termCh)
	}
	u.mu.Unlock()
}

// dispatchLoop is the only goroutine that invokes live listeners, which
// keeps delivery per subscription in arrival order.
func (u *Upstream) dispatchLoop() {
	defer u.wg.Done()
	for {
		select {
		case f := <-u.notifyCh:
			if !u.registry.dispatch(f.queryID, f.action, f.result) {
				log.Printf("Dropping live event for unknown subscription %s", f.queryID)
				continue
			}
			metrics.LiveEventsFanned.Inc()
		case <-u.ctx.Done():
			return
		}
	}
}

// current blocks until an engine is available, the connection turns
// terminal, or the context expires.
func (u *Upstream) current(ctx context.Context) (*engine.Engine, error) {
	for {
		u.mu.Lock()
		eng, ready, term := u.eng, u.readyCh, u.termCh
		u.mu.Unlock()
		if eng != nil {
			return eng, nil
		}
		select {
		case <-ready:
		case <-term:
			return nil, engine.ErrConnectionUnavailable
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// send runs one RPC against the current engine with the configured
// request timeout and the shared error classification applied.
func (u *Upstream) send(ctx context.Context, method string, params ...any) (any, error) {
	eng, err := u.current(ctx)
	if err != nil {
		return nil, err
	}

	reqCtx := ctx
	if u.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(u.cfg.RequestTimeout)*time.Second)
		defer cancel()
	}

	res, err := eng.Send(reqCtx, method, params...)
	if err != nil && engine.ClassifyError(err) == engine.ClassSessionExpired {
		u.handleSessionExpired(ctx, err)
	}
	return res, err
}

func (u *Upstream) handleSessionExpired(ctx context.Context, cause error) {
	log.Printf("Session expired on upstream: %v", cause)
	metrics.SessionsExpired.Inc()
	if err := u.tokens.ClearTokens(ctx); err != nil {
		log.Printf("Failed to clear tokens after session expiry: %v", err)
	}
	if u.OnSessionExpired != nil {
		u.OnSessionExpired()
	}
}

// Query executes a parameterized statement on the remote database.
func (u *Upstream) Query(ctx context.Context, sql string, vars map[string]any) (any, error) {
	return u.send(ctx, "query", sql, vars)
}

// Authenticate presents a token on the current connection.
func (u *Upstream) Authenticate(ctx context.Context, token string) error {
	_, err := u.send(ctx, "authenticate", token)
	return err
}

// Invalidate drops the session on the current connection.
func (u *Upstream) Invalidate(ctx context.Context) error {
	_, err := u.send(ctx, "invalidate")
	return err
}

// SelectAll mirrors every row of a table.
func (u *Upstream) SelectAll(ctx context.Context, table string) ([]map[string]any, error) {
	res, err := u.send(ctx, "select", table)
	if err != nil {
		return nil, err
	}
	return toRecords(res), nil
}

// Live opens a live subscription over a whole table and registers it in
// the shared registry.
func (u *Upstream) Live(ctx context.Context, table string) (string, error) {
	res, err := u.send(ctx, "live", fmt.Sprintf("LIVE SELECT * FROM %s", table))
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("live subscription for %s returned no id", table)
	}
	u.registry.Add(id)
	return id, nil
}

// LiveQuery opens a live subscription from a raw statement, for clients
// that subscribe to filtered streams rather than whole tables.
func (u *Upstream) LiveQuery(ctx context.Context, sql string) (string, error) {
	res, err := u.send(ctx, "live", sql)
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("live query returned no id")
	}
	u.registry.Add(id)
	return id, nil
}

// SubscribeLive attaches a listener to a live subscription.
func (u *Upstream) SubscribeLive(id string, fn func(action string, result any)) int {
	return u.registry.Subscribe(id, fn)
}

// UnsubscribeLive detaches a single listener.
func (u *Upstream) UnsubscribeLive(id string, token int) {
	u.registry.Unsubscribe(id, token)
}

// Kill tears down a live subscription. The registry entry goes first so
// in-flight events for the id are dropped, then the backend is told; a
// kill failure after local removal is logged, not surfaced.
func (u *Upstream) Kill(ctx context.Context, id string) error {
	u.registry.Remove(id)
	if _, err := u.send(ctx, "kill", id); err != nil {
		log.Printf("Kill of live subscription %s failed: %v", id, err)
	}
	return nil
}

// LiveAlive reports whether a live subscription is currently held.
func (u *Upstream) LiveAlive(id string) bool {
	return u.registry.Alive(id)
}

// Close tears the connection down and stops the supervisor.
func (u *Upstream) Close() {
	if u.cancel != nil {
		u.cancel()
	}
	u.mu.Lock()
	eng := u.eng
	u.eng = nil
	u.mu.Unlock()
	if eng != nil {
		eng.Close()
	}
	u.wg.Wait()
}

// toRecords normalizes a decoded result into a slice of string-keyed
// records. CBOR decodes maps as map[any]any, so both shapes appear.
func toRecords(res any) []map[string]any {
	switch v := res.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if rec := toRecord(item); rec != nil {
				out = append(out, rec)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{v}
	case map[any]any:
		if rec := toRecord(v); rec != nil {
			return []map[string]any{rec}
		}
		return nil
	default:
		return nil
	}
}

func toRecord(item any) map[string]any {
	switch m := item.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out
	default:
		return nil
	}
}
