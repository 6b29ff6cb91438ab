package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend decodes outgoing requests and answers them through a
// pluggable handler, so tests control response content and timing.
type fakeBackend struct {
	mu      sync.Mutex
	frames  chan []byte
	sent    []Request
	handler func(req Request) (result any, rpcErr *RPCError, respond bool)
	sendErr error
	closed  bool
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{frames: make(chan []byte, 64)}
	b.handler = func(req Request) (any, *RPCError, bool) {
		// Echo the method back by default; handshake methods get nil.
		if req.Method == "use" || req.Method == "authenticate" {
			return nil, nil, true
		}
		return req.Method, nil, true
	}
	return b
}

func (b *fakeBackend) Send(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return err
	}
	var req Request
	if err := cbor.Unmarshal(frame, &req); err != nil {
		b.mu.Unlock()
		return err
	}
	b.sent = append(b.sent, req)
	handler := b.handler
	closed := b.closed
	b.mu.Unlock()

	if handler == nil || closed {
		return nil
	}
	result, rpcErr, respond := handler(req)
	if !respond {
		return nil
	}
	resp, err := encodeResponse(req.ID, result, rpcErr)
	if err != nil {
		return err
	}
	b.frames <- resp
	return nil
}

func (b *fakeBackend) Frames() <-chan []byte { return b.frames }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.frames)
	}
	return nil
}

func (b *fakeBackend) push(t *testing.T, id uint64, result any, rpcErr *RPCError) {
	t.Helper()
	frame, err := encodeResponse(id, result, rpcErr)
	require.NoError(t, err)
	b.frames <- frame
}

func (b *fakeBackend) pushNotification(t *testing.T, queryID, action string, result any) {
	t.Helper()
	frame, err := encodeNotification(&Notification{QueryID: queryID, Action: action, Result: result})
	require.NoError(t, err)
	b.frames <- frame
}

func (b *fakeBackend) sentRequests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.sent))
	copy(out, b.sent)
	return out
}

func openEngine(t *testing.T, b *fakeBackend) *Engine {
	t.Helper()
	e := New(b)
	require.NoError(t, <-e.Open(ConnectParams{Namespace: "test", Database: "test"}))
	require.Equal(t, StatusConnected, e.Status())
	return e
}

func TestEngine_OpenAndSend(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)
	defer e.Close()

	res, err := e.Send(context.Background(), "query", "SELECT * FROM claim", nil)
	require.NoError(t, err)
	assert.Equal(t, "query", res)

	// The handshake issued "use" before anything else.
	sent := b.sentRequests()
	require.NotEmpty(t, sent)
	assert.Equal(t, "use", sent[0].Method)
}

func TestEngine_OpenOnlyOnce(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)
	defer e.Close()

	err := <-e.Open(ConnectParams{Namespace: "test", Database: "test"})
	assert.Error(t, err)
}

func TestEngine_HandshakeFailure(t *testing.T) {
	b := newFakeBackend()
	b.handler = func(req Request) (any, *RPCError, bool) {
		return nil, &RPCError{Code: -32000, Message: "no such namespace"}, true
	}

	e := New(b)
	err := <-e.Open(ConnectParams{Namespace: "missing", Database: "test"})
	require.Error(t, err)

	var connErr *UnexpectedConnectionError
	assert.True(t, errors.As(err, &connErr))
	assert.Equal(t, StatusDisconnected, e.Status())
}

func TestEngine_OutOfOrderResponses(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)
	defer e.Close()

	// Hold responses so the test can answer in reverse arrival order.
	var held struct {
		sync.Mutex
		ids []uint64
	}
	b.mu.Lock()
	b.handler = func(req Request) (any, *RPCError, bool) {
		held.Lock()
		held.ids = append(held.ids, req.ID)
		held.Unlock()
		return nil, nil, false
	}
	b.mu.Unlock()

	type outcome struct {
		res any
		err error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)
	go func() {
		res, err := e.Send(context.Background(), "first")
		first <- outcome{res, err}
	}()
	go func() {
		res, err := e.Send(context.Background(), "second")
		second <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		held.Lock()
		defer held.Unlock()
		return len(held.ids) == 2
	}, time.Second, 5*time.Millisecond)

	held.Lock()
	ids := append([]uint64(nil), held.ids...)
	held.Unlock()

	sent := b.sentRequests()
	byID := make(map[uint64]string)
	for _, req := range sent {
		byID[req.ID] = req.Method
	}

	// Answer in reverse order; each caller must still get its own result.
	b.push(t, ids[1], byID[ids[1]]+"-result", nil)
	b.push(t, ids[0], byID[ids[0]]+"-result", nil)

	o1 := <-first
	o2 := <-second
	require.NoError(t, o1.err)
	require.NoError(t, o2.err)
	assert.Equal(t, "first-result", o1.res)
	assert.Equal(t, "second-result", o2.res)
}

func TestEngine_ConcurrentSendsCorrelate(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)
	defer e.Close()

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := string(rune('a'+i%26)) + "-method"
			res, err := e.Send(context.Background(), method)
			if err != nil {
				errs <- err
				return
			}
			if res != method {
				errs <- errors.New("response crossed between callers")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestEngine_StatementErrorDoesNotKillConnection(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)
	defer e.Close()

	b.mu.Lock()
	b.handler = func(req Request) (any, *RPCError, bool) {
		if req.Method == "bad" {
			return nil, &RPCError{Code: -32602, Message: "parse error"}, true
		}
		return req.Method, nil, true
	}
	b.mu.Unlock()

	_, err := e.Send(context.Background(), "bad")
	require.Error(t, err)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, ClassStatement, ClassifyError(err))

	// The connection survived the statement failure.
	res, err := e.Send(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "good", res)
	assert.Equal(t, StatusConnected, e.Status())
}

func TestEngine_UnknownResponseDropped(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)
	defer e.Close()

	b.push(t, 9999, "orphan", nil)

	res, err := e.Send(context.Background(), "query")
	require.NoError(t, err)
	assert.Equal(t, "query", res)
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Send(context.Background(), "query")
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
}

func TestEngine_BackendLossRejectsPendingAndBroadcasts(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)
	defer e.Close()

	b.mu.Lock()
	b.handler = func(req Request) (any, *RPCError, bool) { return nil, nil, false }
	b.mu.Unlock()

	disconnected := make(chan any, 1)
	e.Subscribe(EventDisconnected, func(payload any) {
		disconnected <- payload
	})

	pendingErr := make(chan error, 1)
	go func() {
		_, err := e.Send(context.Background(), "stuck")
		pendingErr <- err
	}()

	require.Eventually(t, func() bool {
		return len(b.sentRequests()) > 1 // handshake plus the stuck request
	}, time.Second, 5*time.Millisecond)

	b.Close()

	select {
	case err := <-pendingErr:
		assert.ErrorIs(t, err, ErrConnectionUnavailable)
	case <-time.After(time.Second):
		t.Fatal("pending request was not rejected")
	}

	select {
	case payload := <-disconnected:
		err, ok := payload.(error)
		require.True(t, ok)
		assert.Equal(t, ClassConnectionFatal, ClassifyError(err))
	case <-time.After(time.Second):
		t.Fatal("disconnect event was not emitted")
	}
	assert.Equal(t, StatusDisconnected, e.Status())
}

func TestEngine_SendContextCancellation(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)
	defer e.Close()

	b.mu.Lock()
	b.handler = func(req Request) (any, *RPCError, bool) { return nil, nil, false }
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Send(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_LiveLifecycle(t *testing.T) {
	b := newFakeBackend()
	e := openEngine(t, b)
	defer e.Close()

	b.mu.Lock()
	b.handler = func(req Request) (any, *RPCError, bool) {
		switch req.Method {
		case "live":
			return "sub-1", nil, true
		default:
			return nil, nil, true
		}
	}
	b.mu.Unlock()

	id, err := e.Live(context.Background(), "LIVE SELECT * FROM claim")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)
	assert.True(t, e.LiveAlive(id))

	got := make(chan Notification, 4)
	token := e.SubscribeLive(id, func(n Notification) { got <- n })

	b.pushNotification(t, id, "CREATE", map[string]any{"id": "claim:1"})
	b.pushNotification(t, id, "UPDATE", map[string]any{"id": "claim:1"})

	n1 := <-got
	n2 := <-got
	assert.Equal(t, "CREATE", n1.Action)
	assert.Equal(t, "UPDATE", n2.Action)

	// Events for unknown subscriptions are dropped without affecting
	// the live ones.
	b.pushNotification(t, "unknown-sub", "DELETE", nil)

	e.UnsubscribeLive(id, token)
	require.NoError(t, e.Kill(context.Background(), id))
	assert.False(t, e.LiveAlive(id))
}

func TestDecodeFrameResultMarshalsToJSON(t *testing.T) {
	frame, err := cbor.Marshal(map[string]any{
		"id": uint64(7),
		"result": []any{
			map[string]any{"id": "claim:1", "amount": 42},
			map[string]any{"id": "claim:2", "nested": map[string]any{"case": "case:1"}},
		},
	})
	require.NoError(t, err)

	env, err := decodeFrame(frame)
	require.NoError(t, err)
	require.EqualValues(t, 7, env.ID)

	records, ok := env.Result.([]any)
	require.True(t, ok)
	_, ok = records[0].(map[string]any)
	require.True(t, ok, "decoded maps are keyed by string")

	// Results go straight to clients over JSON; the decode must produce
	// something encoding/json accepts, nested maps included.
	data, err := json.Marshal(env.Result)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"claim:1"`)
	assert.Contains(t, string(data), `"case:1"`)
}
