package integration

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainListActivity/cuckoox-google-sub014/proxy"
)

// End-to-end flow against a running gateway plus the test backend from
// backend/main.go:
//
//	BACKEND_ADDRESS=:8900 go run ./backend &
//	DATAGATE_REMOTE_URL=ws://localhost:8900/rpc go run . &
//	INTEGRATION=1 go test ./tests/integration/
const (
	gatewayHost = "localhost:8080"
	testTimeout = 15 * time.Second
)

type gatewayClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func dialGateway(t *testing.T) *gatewayClient {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: gatewayHost, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err, "Failed to connect to gateway")
	t.Cleanup(func() { conn.Close() })
	return &gatewayClient{t: t, conn: conn}
}

// request sends one message and waits for the event correlated to it,
// buffering nothing: broadcasts arriving in between are returned to the
// caller through the skip callback.
func (c *gatewayClient) request(req proxy.ClientRequest, onOther func(proxy.ServerEvent)) proxy.ServerEvent {
	c.t.Helper()
	c.seq++
	req.ID = fmt.Sprintf("req-%d", c.seq)
	require.NoError(c.t, c.conn.WriteJSON(req))

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		var ev proxy.ServerEvent
		require.NoError(c.t, c.conn.ReadJSON(&ev))
		if ev.ID == req.ID {
			return ev
		}
		if onOther != nil {
			onOther(ev)
		}
	}
	c.t.Fatalf("no reply for %s within %s", req.ID, testTimeout)
	return proxy.ServerEvent{}
}

func (c *gatewayClient) readEvent() proxy.ServerEvent {
	c.t.Helper()
	var ev proxy.ServerEvent
	require.NoError(c.t, c.conn.ReadJSON(&ev))
	return ev
}

func TestE2EQueryFlow(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	client := dialGateway(t)

	// 1. The gateway announces its upstream status on connect.
	status := client.readEvent()
	require.Equal(t, proxy.EventConnectionStatus, status.Kind)
	require.NotNil(t, status.IsConnected)
	assert.True(t, *status.IsConnected, "gateway should be connected to the test backend")
	log.Println("Gateway reports upstream connected.")

	// 2. A read comes back with the strategy that served it.
	ev := client.request(proxy.ClientRequest{
		Kind: proxy.KindQuery,
		SQL:  "SELECT * FROM claim",
	}, nil)
	require.Equal(t, proxy.EventResult, ev.Kind)
	assert.NotEmpty(t, ev.Strategy)
	log.Printf("Query served via %s", ev.Strategy)

	// 3. Writes go through the remote and report WRITE_THROUGH.
	ev = client.request(proxy.ClientRequest{
		Kind: proxy.KindMutate,
		SQL:  "CREATE claim",
		Vars: map[string]any{"amount": 42, "case_id": "case:integration"},
	}, nil)
	require.Equal(t, proxy.EventResult, ev.Kind, "mutate failed: %s", ev.Error)
	assert.Equal(t, "WRITE_THROUGH", ev.Strategy)

	// 4. Ping round trip.
	ev = client.request(proxy.ClientRequest{Kind: proxy.KindPing}, nil)
	assert.Equal(t, proxy.EventPong, ev.Kind)
}

func TestE2ELiveSubscription(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	subscriber := dialGateway(t)
	writer := dialGateway(t)

	// Drain the connection status events first.
	require.Equal(t, proxy.EventConnectionStatus, subscriber.readEvent().Kind)
	require.Equal(t, proxy.EventConnectionStatus, writer.readEvent().Kind)

	ev := subscriber.request(proxy.ClientRequest{
		Kind: proxy.KindLive,
		SQL:  "LIVE SELECT * FROM claim",
	}, nil)
	require.Equal(t, proxy.EventResult, ev.Kind, "live failed: %s", ev.Error)
	subscriptionID := ev.SubscriptionID
	require.NotEmpty(t, subscriptionID)
	log.Printf("Live subscription established: %s", subscriptionID)

	marker := fmt.Sprintf("live-%d", time.Now().UnixNano())
	wev := writer.request(proxy.ClientRequest{
		Kind: proxy.KindMutate,
		SQL:  "CREATE claim",
		Vars: map[string]any{"case_id": marker},
	}, nil)
	require.Equal(t, proxy.EventResult, wev.Kind, "mutate failed: %s", wev.Error)

	// The subscriber receives the update pushed by the backend.
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		update := subscriber.readEvent()
		if update.Kind != proxy.EventLiveUpdate {
			continue
		}
		assert.Equal(t, subscriptionID, update.SubscriptionID)
		assert.Equal(t, "CREATE", update.Action)
		log.Printf("Live update received: %v", update.Result)

		kill := subscriber.request(proxy.ClientRequest{
			Kind:           proxy.KindKill,
			SubscriptionID: subscriptionID,
		}, nil)
		assert.Equal(t, proxy.EventResult, kill.Kind)
		return
	}
	t.Fatal("live update never arrived")
}

func TestE2ESessionState(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	client := dialGateway(t)
	require.Equal(t, proxy.EventConnectionStatus, client.readEvent().Kind)

	ev := client.request(proxy.ClientRequest{
		Kind:       proxy.KindSetTenant,
		TenantCode: "tenant-42",
	}, nil)
	require.Equal(t, proxy.EventResult, ev.Kind)

	// A second connection observes the shared session state.
	other := dialGateway(t)
	require.Equal(t, proxy.EventConnectionStatus, other.readEvent().Kind)

	ev = other.request(proxy.ClientRequest{Kind: proxy.KindGetTenant}, nil)
	require.Equal(t, proxy.EventResult, ev.Kind)
	assert.Equal(t, "tenant-42", ev.Result)
}
