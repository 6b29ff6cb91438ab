package proxy

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/MainListActivity/cuckoox-google-sub014/config"
)

const websocketRetryDelay = 200 * time.Millisecond

// ClientSession represents one registered client of the gateway, e.g. one
// browser tab. The manager holds it weakly: a session whose socket stops
// accepting writes is dropped, never waited on.
type ClientSession struct {
	id            string
	conn          *websocket.Conn
	ctx           context.Context
	cfg           *config.WebSocketConfig
	claims        *CustomClaims
	lastActivity  atomic.Int64
	pingTicker    *time.Ticker
	activityTimer *time.Timer
	cancel        context.CancelFunc
	mu            sync.Mutex
}

// NewClientSession creates a new client session.
func NewClientSession(id string, conn *websocket.Conn, cfg *config.WebSocketConfig, claims *CustomClaims) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &ClientSession{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		claims: claims,
		cancel: cancel,
		ctx:    ctx,
	}
	cs.lastActivity.Store(time.Now().Unix())
	return cs
}

func (s *ClientSession) ID() string { return s.id }

// Send writes one event to the client with retry capability.
func (s *ClientSession) Send(event *ServerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	operation := func() error {
		s.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.cfg.WriteTimeout) * time.Second))
		return s.conn.WriteJSON(event)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(websocketRetryDelay), 2),
		s.ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Printf("Retrying write to client %s: %v (next attempt in %s)", s.id, err, d)
	})
}

// CanWrite evaluates the opaque permission predicate gating write
// operations. Scopes look like "write:claim" or "write:*"; a session
// without claims (auth disabled) may write anything.
func (s *ClientSession) CanWrite(table string) bool {
	if s.claims == nil {
		return true
	}
	for _, scope := range s.claims.Scopes {
		action, target, found := strings.Cut(scope, ":")
		if !found || action != "write" {
			continue
		}
		if target == "*" || strings.EqualFold(target, table) {
			return true
		}
		if strings.HasSuffix(target, "*") && strings.HasPrefix(strings.ToLower(table), strings.ToLower(strings.TrimSuffix(target, "*"))) {
			return true
		}
	}
	return false
}

// UpdateActivity updates the last activity timestamp and resets the
// timeout timer. Only called for actual client messages, not pongs.
func (s *ClientSession) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity.Store(time.Now().Unix())

	if s.activityTimer != nil {
		s.activityTimer.Stop()
		s.activityTimer = time.AfterFunc(
			time.Duration(s.cfg.ActivityTimeout)*time.Second,
			s.onActivityTimeout,
		)
	}
}

// LastActivityTime returns the time of last activity.
func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

func (s *ClientSession) StartTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activityTimer = time.AfterFunc(
		time.Duration(s.cfg.ActivityTimeout)*time.Second,
		s.onActivityTimeout,
	)

	s.pingTicker = time.NewTicker(
		time.Duration(s.cfg.PingInterval) * time.Second,
	)
	go s.pingLoop()
}

func (s *ClientSession) pingLoop() {
	defer s.pingTicker.Stop()

	for {
		select {
		case <-s.pingTicker.C:
			if err := s.SendPing(); err != nil {
				log.Printf("Failed to send ping to %s: %v", s.id, err)
				s.Close(websocket.CloseInternalServerErr, "Ping failure")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ClientSession) onActivityTimeout() {
	log.Printf("Client %s timed out", s.id)
	s.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
}

func (s *ClientSession) SendPing() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.WriteControl(
		websocket.PingMessage,
		[]byte{},
		time.Now().Add(time.Duration(s.cfg.WriteTimeout)*time.Second),
	)
}

// UpdateLastSeen updates only the timestamp (for pong responses); it does
// not reset the activity timer.
func (s *ClientSession) UpdateLastSeen() {
	s.lastActivity.Store(time.Now().Unix())
}

// GetPongHandler returns a pong handler function based on configuration.
func (s *ClientSession) GetPongHandler() func(string) error {
	return func(msg string) error {
		if s.cfg.KeepAlive {
			s.UpdateActivity()
		} else {
			s.UpdateLastSeen()
		}
		return nil
	}
}

// Close closes the websocket connection.
func (s *ClientSession) Close(code int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pingTicker != nil {
		s.pingTicker.Stop()
	}
	if s.activityTimer != nil {
		s.activityTimer.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}

	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeTimeout),
	)
	if err != nil && err != websocket.ErrCloseSent {
		log.Printf("Error sending close message: %v", err)
	}

	return s.conn.Close()
}
