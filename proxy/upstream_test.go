package proxy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainListActivity/cuckoox-google-sub014/config"
	"github.com/MainListActivity/cuckoox-google-sub014/engine"
	"github.com/MainListActivity/cuckoox-google-sub014/tokens"
)

// stubBackend is an in-memory engine.Backend that answers requests
// through a scripted handler.
type stubBackend struct {
	mu      sync.Mutex
	frames  chan []byte
	handler func(method string, params []any) (any, map[string]any)
	closed  bool
}

func newStubBackend() *stubBackend {
	b := &stubBackend{frames: make(chan []byte, 64)}
	b.handler = func(method string, params []any) (any, map[string]any) {
		return nil, nil
	}
	return b
}

func (b *stubBackend) Send(ctx context.Context, frame []byte) error {
	var req struct {
		ID     uint64 `cbor:"id"`
		Method string `cbor:"method"`
		Params []any  `cbor:"params"`
	}
	if err := cbor.Unmarshal(frame, &req); err != nil {
		return err
	}

	b.mu.Lock()
	handler := b.handler
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("backend closed")
	}

	result, rpcErr := handler(req.Method, req.Params)
	resp := map[string]any{"id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else if result != nil {
		resp["result"] = result
	}
	encoded, err := cbor.Marshal(resp)
	if err != nil {
		return err
	}
	b.frames <- encoded
	return nil
}

func (b *stubBackend) Frames() <-chan []byte { return b.frames }

func (b *stubBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.frames)
	}
	return nil
}

func (b *stubBackend) pushNotification(queryID, action string, result any) {
	frame, _ := cbor.Marshal(map[string]any{
		"query_id": queryID,
		"action":   action,
		"result":   result,
	})
	b.frames <- frame
}

func testRemoteConfig() config.RemoteConfig {
	return config.RemoteConfig{
		URL:            "ws://test.invalid/rpc",
		Namespace:      "test",
		Database:       "test",
		RequestTimeout: 2,
		ReconnectBase:  1,
		MaxReconnects:  2,
	}
}

func newTestUpstream(t *testing.T, dial dialFunc) *Upstream {
	t.Helper()
	tm := NewTokenManager(tokens.NewMemoryStore(), time.Minute)
	u := newUpstream(testRemoteConfig(), tm)
	u.dial = dial
	t.Cleanup(u.Close)
	return u
}

func dialStub(backends chan *stubBackend) dialFunc {
	return func(ctx context.Context) (*engine.Engine, error) {
		var b *stubBackend
		select {
		case b = <-backends:
		default:
			return nil, errors.New("no backend available")
		}
		e := engine.New(b)
		if err := <-e.Open(engine.ConnectParams{Namespace: "test", Database: "test"}); err != nil {
			return nil, err
		}
		return e, nil
	}
}

func TestUpstream_QueryAfterConnect(t *testing.T) {
	b := newStubBackend()
	b.handler = func(method string, params []any) (any, map[string]any) {
		if method == "query" {
			return []any{map[string]any{"id": "claim:1"}}, nil
		}
		return nil, nil
	}
	backends := make(chan *stubBackend, 1)
	backends <- b

	u := newTestUpstream(t, dialStub(backends))
	u.Start(context.Background())
	require.True(t, u.Connected())

	res, err := u.Query(context.Background(), "SELECT * FROM claim", nil)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestUpstream_TerminalAfterReconnectBudget(t *testing.T) {
	var attempts atomic.Int32
	dial := func(ctx context.Context) (*engine.Engine, error) {
		attempts.Add(1)
		return nil, errors.New("dial refused")
	}

	statuses := make(chan bool, 8)
	u := newTestUpstream(t, dial)
	u.OnStatusChange = func(connected bool) { statuses <- connected }
	u.Start(context.Background())

	require.Eventually(t, func() bool {
		return u.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	// Initial attempt plus the configured reconnect budget.
	assert.EqualValues(t, 3, attempts.Load())

	// Operations fail fast once the state is terminal.
	start := time.Now()
	_, err := u.Query(context.Background(), "SELECT * FROM claim", nil)
	assert.ErrorIs(t, err, engine.ErrConnectionUnavailable)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, statuses)
}

func TestUpstream_ReconnectAfterEngineLoss(t *testing.T) {
	first := newStubBackend()
	second := newStubBackend()
	backends := make(chan *stubBackend, 2)
	backends <- first
	backends <- second

	u := newTestUpstream(t, dialStub(backends))

	var statusLog []bool
	var statusMu sync.Mutex
	u.OnStatusChange = func(connected bool) {
		statusMu.Lock()
		statusLog = append(statusLog, connected)
		statusMu.Unlock()
	}
	disconnected := make(chan struct{}, 1)
	u.OnDisconnect = func(ctx context.Context) { disconnected <- struct{}{} }
	reconnected := make(chan struct{}, 1)
	u.OnReconnected = func(ctx context.Context) { reconnected <- struct{}{} }

	u.Start(context.Background())
	require.True(t, u.Connected())

	// A held live subscription must not survive the connection loss.
	u.registry.Add("sub-1")
	require.True(t, u.LiveAlive("sub-1"))

	first.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect callback never fired")
	}

	require.Eventually(t, func() bool { return u.Connected() }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, u.LiveAlive("sub-1"))

	statusMu.Lock()
	assert.Equal(t, []bool{true, false, true}, statusLog)
	statusMu.Unlock()
}

func TestUpstream_SessionExpiredClearsTokens(t *testing.T) {
	b := newStubBackend()
	b.handler = func(method string, params []any) (any, map[string]any) {
		if method == "query" {
			return nil, map[string]any{"code": -32000, "message": "There was a problem with authentication: token expired"}
		}
		return nil, nil
	}
	backends := make(chan *stubBackend, 1)
	backends <- b

	u := newTestUpstream(t, dialStub(backends))
	expired := make(chan struct{}, 1)
	u.OnSessionExpired = func() { expired <- struct{}{} }
	u.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, u.tokens.SetTokens(ctx, "access", "refresh", time.Hour))

	_, err := u.Query(ctx, "SELECT * FROM claim", nil)
	require.Error(t, err)
	assert.Equal(t, engine.ClassSessionExpired, engine.ClassifyError(err))

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("session expired callback never fired")
	}

	got, err := u.tokens.GetTokens(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "tokens must be cleared after session expiry")
}

func TestUpstream_LiveDispatchOrder(t *testing.T) {
	b := newStubBackend()
	b.handler = func(method string, params []any) (any, map[string]any) {
		if method == "live" {
			return "sub-1", nil
		}
		return nil, nil
	}
	backends := make(chan *stubBackend, 1)
	backends <- b

	u := newTestUpstream(t, dialStub(backends))
	u.Start(context.Background())

	id, err := u.Live(context.Background(), "claim")
	require.NoError(t, err)
	require.Equal(t, "sub-1", id)

	got := make(chan string, 8)
	u.SubscribeLive(id, func(action string, result any) { got <- action })

	b.pushNotification(id, "CREATE", map[string]any{"id": "claim:1"})
	b.pushNotification(id, "UPDATE", map[string]any{"id": "claim:1"})
	b.pushNotification(id, "DELETE", map[string]any{"id": "claim:1"})

	for _, want := range []string{"CREATE", "UPDATE", "DELETE"} {
		select {
		case action := <-got:
			assert.Equal(t, want, action)
		case <-time.After(time.Second):
			t.Fatalf("never received %s", want)
		}
	}

	// Kill drops the registry entry before telling the backend, so late
	// events for the id vanish silently.
	require.NoError(t, u.Kill(context.Background(), id))
	assert.False(t, u.LiveAlive(id))
	b.pushNotification(id, "CREATE", nil)
	select {
	case action := <-got:
		t.Fatalf("unexpected late event %s", action)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUpstream_ReconnectDelayDoubles(t *testing.T) {
	tm := NewTokenManager(tokens.NewMemoryStore(), time.Minute)
	u := newUpstream(testRemoteConfig(), tm)

	policy := u.reconnectPolicy()
	assert.Equal(t, 1*time.Millisecond, policy.NextBackOff())
	assert.Equal(t, 2*time.Millisecond, policy.NextBackOff())
	assert.Equal(t, 4*time.Millisecond, policy.NextBackOff())
}
