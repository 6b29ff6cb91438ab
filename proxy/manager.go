package proxy

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/MainListActivity/cuckoox-google-sub014/metrics"
)

// Client is what the manager needs from a registered consumer: an
// identity, a way to post events back, and a way to hang up.
type Client interface {
	ID() string
	Send(event *ServerEvent) error
	Close(code int, text string) error
}

// ClientManager is the fan-out set of the gateway. It holds clients
// weakly: a client whose event delivery fails irrecoverably is removed,
// and delivery between different clients is fire-and-forget and
// unordered.
type ClientManager struct {
	clients sync.Map // client id -> Client
	wg      sync.WaitGroup
}

// NewClientManager creates a new client manager.
func NewClientManager() *ClientManager {
	return &ClientManager{}
}

// Register adds a client to the fan-out set.
func (m *ClientManager) Register(c Client) {
	m.clients.Store(c.ID(), c)
	metrics.ActiveClients.Inc()
	metrics.TotalClients.Inc()
	log.Printf("Client %s registered", c.ID())
}

// Unregister removes a client from the fan-out set.
func (m *ClientManager) Unregister(clientID string) {
	if _, loaded := m.clients.LoadAndDelete(clientID); loaded {
		metrics.ActiveClients.Dec()
		log.Printf("Client %s unregistered", clientID)
	}
}

// Get retrieves a registered client by ID.
func (m *ClientManager) Get(clientID string) (Client, bool) {
	if c, ok := m.clients.Load(clientID); ok {
		return c.(Client), true
	}
	return nil, false
}

// Count reports the number of registered clients.
func (m *ClientManager) Count() int {
	n := 0
	m.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Broadcast delivers one event to every registered client. A client that
// cannot be written to is dropped from the set.
func (m *ClientManager) Broadcast(event *ServerEvent) {
	m.clients.Range(func(key, value any) bool {
		clientID := key.(string)
		c := value.(Client)
		if err := c.Send(event); err != nil {
			log.Printf("Failed to deliver event to client %s, dropping it: %v", clientID, err)
			c.Close(websocket.CloseInternalServerErr, "Failed to send message")
			m.Unregister(clientID)
			return true
		}
		metrics.MessagesSent.Inc()
		return true
	})
}

// BroadcastStatus tells every client whether the upstream is reachable.
func (m *ClientManager) BroadcastStatus(connected bool) {
	m.Broadcast(statusEvent(connected, nil))
}

// BroadcastSessionExpired tells every client to re-authenticate.
func (m *ClientManager) BroadcastSessionExpired() {
	m.Broadcast(&ServerEvent{Kind: EventSessionExpired})
}

// IncreaseWaitGroup tracks one in-flight background operation.
func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

// DecreaseWaitGroup marks one background operation done.
func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

// WaitForCompletion waits for all background operations to complete.
func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

// CloseAll sends close messages to all clients and removes them.
func (m *ClientManager) CloseAll(reason string) {
	m.clients.Range(func(key, value any) bool {
		clientID := key.(string)
		c := value.(Client)

		log.Printf("Closing connection for client %s: %s", clientID, reason)
		c.Close(websocket.CloseGoingAway, reason)
		m.Unregister(clientID)
		return true
	})
}
