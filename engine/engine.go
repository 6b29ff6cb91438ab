package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Status is the lifecycle state of one connection.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectParams identify the namespace/database a connection targets and
// the credentials to present during the handshake.
type ConnectParams struct {
	Namespace string
	Database  string
	Token     string
}

type pendingResult struct {
	result any
	err    error
}

type pendingRequest struct {
	id    uint64
	frame []byte
	done  chan pendingResult
}

// Engine turns the send(method, params) contract into wire I/O against a
// Backend. It enforces strictly FIFO request writes through a single drain
// goroutine and correlates responses to callers by request id, so the
// arrival order of responses never matters. The Engine is the sole owner
// of its Backend handle.
type Engine struct {
	backend Backend
	events  *emitter

	status atomic.Int32
	nextID atomic.Uint64

	sendCh chan *pendingRequest

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	subs    map[string]*LiveSubscription
	subSeq  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

const sendQueueDepth = 256

// New creates an Engine over the given backend. The connection starts
// disconnected; call Open to begin the handshake.
func New(backend Backend) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		backend: backend,
		events:  newEmitter(),
		sendCh:  make(chan *pendingRequest, sendQueueDepth),
		pending: make(map[uint64]*pendingRequest),
		subs:    make(map[string]*LiveSubscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Status reports the current connection state.
func (e *Engine) Status() Status {
	return Status(e.status.Load())
}

// Open begins the handshake and returns immediately. The returned channel
// delivers the handshake result to the opener only; a failure is never
// broadcast as a disconnect event.
func (e *Engine) Open(params ConnectParams) <-chan error {
	result := make(chan error, 1)

	if !e.status.CompareAndSwap(int32(StatusDisconnected), int32(StatusConnecting)) {
		result <- fmt.Errorf("open: connection is %s", e.Status())
		return result
	}

	e.wg.Add(2)
	go e.drainLoop()
	go e.readerLoop()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.handshake(params); err != nil {
			e.shutdown(err, false)
			result <- err
			return
		}
		e.status.Store(int32(StatusConnected))
		e.events.emit(EventConnected, nil)
		result <- nil
	}()

	return result
}

func (e *Engine) handshake(params ConnectParams) error {
	ctx := e.ctx
	if _, err := e.Send(ctx, "use", params.Namespace, params.Database); err != nil {
		return &UnexpectedConnectionError{Err: err}
	}
	if params.Token != "" {
		if _, err := e.Send(ctx, "authenticate", params.Token); err != nil {
			return err
		}
	}
	return nil
}

// Send allocates a fresh request id, queues the encoded request and waits
// for the matching response. Safe for concurrent use; writes are
// serialized by the drain loop, never by a lock around the transport.
func (e *Engine) Send(ctx context.Context, method string, params ...any) (any, error) {
	if e.Status() == StatusDisconnected {
		return nil, ErrConnectionUnavailable
	}

	id := e.nextID.Add(1)
	frame, err := encodeRequest(&Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{id: id, frame: frame, done: make(chan pendingResult, 1)}
	e.mu.Lock()
	e.pending[id] = p
	e.mu.Unlock()

	select {
	case e.sendCh <- p:
	case <-ctx.Done():
		e.dropPending(id)
		return nil, ctx.Err()
	case <-e.ctx.Done():
		e.dropPending(id)
		return nil, ErrConnectionUnavailable
	}

	select {
	case res := <-p.done:
		return res.result, res.err
	case <-ctx.Done():
		e.dropPending(id)
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, ErrConnectionUnavailable
	}
}

// Export transfers a full snapshot out of the backend.
func (e *Engine) Export(ctx context.Context) ([]byte, error) {
	res, err := e.Send(ctx, "export")
	if err != nil {
		return nil, err
	}
	data, ok := res.([]byte)
	if !ok {
		return nil, fmt.Errorf("export: unexpected result type %T", res)
	}
	return data, nil
}

// Import loads a snapshot previously produced by Export.
func (e *Engine) Import(ctx context.Context, data []byte) error {
	_, err := e.Send(ctx, "import", data)
	return err
}

// Subscribe registers a listener for a connection event. Multiple
// listeners per event are allowed.
func (e *Engine) Subscribe(event string, fn func(any)) ListenerToken {
	return e.events.subscribe(event, fn)
}

// Unsubscribe removes exactly the listener identified by token.
func (e *Engine) Unsubscribe(token ListenerToken) {
	e.events.unsubscribe(token)
}

// Close stops the drain and reader loops, rejects in-flight requests and
// releases the backend. Idempotent: a second call is a no-op.
func (e *Engine) Close() error {
	e.shutdown(nil, true)
	e.wg.Wait()
	return nil
}

// shutdown is the single teardown path. The reader loop calls it when the
// backend's frame channel closes; Close calls it directly. Loop exit is
// driven by the cancelled context, not by panics or sentinel frames, so
// shutdown is deterministic.
func (e *Engine) shutdown(cause error, broadcast bool) {
	e.closeOnce.Do(func() {
		wasConnected := Status(e.status.Swap(int32(StatusDisconnected))) == StatusConnected
		e.cancel()
		if err := e.backend.Close(); err != nil {
			log.Printf("engine: backend close: %v", err)
		}

		if cause == nil {
			cause = ErrConnectionUnavailable
		}
		e.mu.Lock()
		for id, p := range e.pending {
			delete(e.pending, id)
			select {
			case p.done <- pendingResult{err: ErrConnectionUnavailable}:
			default:
			}
		}
		e.subs = make(map[string]*LiveSubscription)
		e.mu.Unlock()

		if broadcast && wasConnected {
			e.events.emit(EventDisconnected, cause)
		}
	})
}

func (e *Engine) dropPending(id uint64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// drainLoop is the only writer to the backend. Requests leave in the exact
// order they were queued; a statement-level send failure rejects just that
// request, while an I/O failure tears the connection down.
func (e *Engine) drainLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case p := <-e.sendCh:
			if err := e.backend.Send(e.ctx, p.frame); err != nil {
				if ClassifyError(err) == ClassConnectionFatal {
					e.failPending(p.id, &UnexpectedConnectionError{Err: err})
					go e.shutdown(err, true)
					return
				}
				e.failPending(p.id, err)
			}
		}
	}
}

func (e *Engine) readerLoop() {
	defer e.wg.Done()
	frames := e.backend.Frames()
	for {
		select {
		case <-e.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				go e.shutdown(&UnexpectedConnectionError{Err: errors.New("backend frame channel closed")}, true)
				return
			}
			env, err := decodeFrame(frame)
			if err != nil {
				log.Printf("engine: dropping undecodable frame: %v", err)
				continue
			}
			if env.QueryID != "" {
				e.dispatchNotification(&Notification{
					QueryID: env.QueryID,
					Action:  env.Action,
					Result:  env.Result,
				})
				continue
			}
			e.resolve(env)
		}
	}
}

func (e *Engine) resolve(env *envelope) {
	e.mu.Lock()
	p, ok := e.pending[env.ID]
	if ok {
		delete(e.pending, env.ID)
	}
	e.mu.Unlock()

	if !ok {
		// The backend may answer an id we already gave up on.
		log.Printf("engine: response for unknown request id %d dropped", env.ID)
		return
	}

	res := pendingResult{result: env.Result}
	if env.Error != nil {
		res = pendingResult{err: env.Error}
	}
	select {
	case p.done <- res:
	default:
	}
}

func (e *Engine) failPending(id uint64, err error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.done <- pendingResult{err: err}:
	default:
	}
}
