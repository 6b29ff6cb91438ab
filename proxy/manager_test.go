package proxy

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient records delivered events and can be made to fail sends.
type fakeClient struct {
	id string

	mu      sync.Mutex
	events  []*ServerEvent
	sendErr error
	closed  bool
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(event *ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeClient) Close(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) delivered() []*ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ServerEvent, len(c.events))
	copy(out, c.events)
	return out
}

func TestClientManager_RegisterAndGet(t *testing.T) {
	m := NewClientManager()
	c := &fakeClient{id: "c1"}

	m.Register(c)
	assert.Equal(t, 1, m.Count())

	got, ok := m.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID())

	m.Unregister("c1")
	assert.Equal(t, 0, m.Count())
	_, ok = m.Get("c1")
	assert.False(t, ok)

	// Unregistering twice is harmless.
	m.Unregister("c1")
}

func TestClientManager_BroadcastReachesEveryClientOnce(t *testing.T) {
	m := NewClientManager()
	clients := []*fakeClient{{id: "c1"}, {id: "c2"}, {id: "c3"}}
	for _, c := range clients {
		m.Register(c)
	}

	m.BroadcastStatus(true)

	for _, c := range clients {
		events := c.delivered()
		require.Len(t, events, 1, c.id)
		assert.Equal(t, EventConnectionStatus, events[0].Kind)
		require.NotNil(t, events[0].IsConnected)
		assert.True(t, *events[0].IsConnected)
	}
}

func TestClientManager_BroadcastDropsFailingClient(t *testing.T) {
	m := NewClientManager()
	healthy := &fakeClient{id: "healthy"}
	broken := &fakeClient{id: "broken", sendErr: errors.New("gone")}
	m.Register(healthy)
	m.Register(broken)

	m.BroadcastSessionExpired()

	assert.Equal(t, 1, m.Count())
	_, ok := m.Get("broken")
	assert.False(t, ok)
	assert.True(t, broken.closed)
	require.Len(t, healthy.delivered(), 1)
	assert.Equal(t, EventSessionExpired, healthy.delivered()[0].Kind)
}

func TestClientManager_CloseAll(t *testing.T) {
	m := NewClientManager()
	clients := []*fakeClient{{id: "c1"}, {id: "c2"}}
	for _, c := range clients {
		m.Register(c)
	}

	m.CloseAll("shutting down")

	assert.Equal(t, 0, m.Count())
	for _, c := range clients {
		assert.True(t, c.closed, c.id)
	}
}
