package engine

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSBackend carries protocol frames over a websocket to the remote
// database. Frames are binary messages, one frame per message.
type WSBackend struct {
	conn         *websocket.Conn
	frames       chan []byte
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// DialBackend connects to the remote RPC endpoint and starts the read
// pump feeding the frame channel.
func DialBackend(ctx context.Context, url string, handshakeTimeout, writeTimeout time.Duration) (*WSBackend, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &UnexpectedConnectionError{Err: err}
	}

	b := &WSBackend{
		conn:         conn,
		frames:       make(chan []byte, sendQueueDepth),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	go b.readPump()
	return b, nil
}

func (b *WSBackend) Frames() <-chan []byte { return b.frames }

// Send writes one frame. Callers are already serialized by the engine's
// drain loop, so no write lock is needed.
func (b *WSBackend) Send(ctx context.Context, frame []byte) error {
	select {
	case <-b.done:
		return ErrConnectionUnavailable
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	if err := b.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return &UnexpectedConnectionError{Err: err}
	}
	return nil
}

func (b *WSBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(b.writeTimeout),
		)
		err = b.conn.Close()
	})
	return err
}

// readPump keeps pulling frames until the connection dies, then closes
// the frame channel so the engine's reader observes the loss.
func (b *WSBackend) readPump() {
	defer close(b.frames)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case b.frames <- data:
		case <-b.done:
			return
		}
	}
}
