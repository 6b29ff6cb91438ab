package proxy

// MessageKind is the closed set of request kinds a client may send. The
// handler dispatches on it with an exhaustive switch; unknown kinds get an
// error reply instead of a string-keyed handler table.
type MessageKind string

const (
	KindQuery           MessageKind = "query"
	KindMutate          MessageKind = "mutate"
	KindLive            MessageKind = "live"
	KindSubscribeLive   MessageKind = "subscribe_live"
	KindUnsubscribeLive MessageKind = "unsubscribe_live"
	KindKill            MessageKind = "kill"
	KindSetTokens       MessageKind = "set_tokens"
	KindClearTokens     MessageKind = "clear_tokens"
	KindGetTokens       MessageKind = "get_tokens"
	KindSetTenant       MessageKind = "set_tenant"
	KindGetTenant       MessageKind = "get_tenant"
	KindSetUser         MessageKind = "set_user"
	KindGetUser         MessageKind = "get_user"
	KindPing            MessageKind = "ping"
)

// ClientRequest is one inbound message from a registered client. ID is the
// client's own correlation handle and is echoed back on the reply.
type ClientRequest struct {
	Kind           MessageKind    `json:"kind"`
	ID             string         `json:"id,omitempty"`
	SQL            string         `json:"sql,omitempty"`
	Vars           map[string]any `json:"vars,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	AccessToken    string         `json:"access_token,omitempty"`
	RefreshToken   string         `json:"refresh_token,omitempty"`
	ExpiresIn      int64          `json:"expires_in,omitempty"`
	TenantCode     string         `json:"tenant_code,omitempty"`
	User           map[string]any `json:"user,omitempty"`
}

// EventKind is the closed set of outbound event kinds.
type EventKind string

const (
	EventResult           EventKind = "result"
	EventError            EventKind = "error"
	EventConnectionStatus EventKind = "connection_status"
	EventLiveUpdate       EventKind = "live_update"
	EventSessionExpired   EventKind = "session_expired"
	EventPong             EventKind = "pong"
)

// ServerEvent is one outbound message to a client: a reply correlated by
// ID, or a broadcast (connection status, live update, session expiry).
type ServerEvent struct {
	Kind           EventKind `json:"kind"`
	ID             string    `json:"id,omitempty"`
	Result         any       `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	Strategy       string    `json:"strategy,omitempty"`
	IsConnected    *bool     `json:"is_connected,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Action         string    `json:"action,omitempty"`
}

func resultEvent(id string, result any) *ServerEvent {
	return &ServerEvent{Kind: EventResult, ID: id, Result: result}
}

func errorEvent(id string, err error) *ServerEvent {
	return &ServerEvent{Kind: EventError, ID: id, Error: err.Error()}
}

func statusEvent(connected bool, err error) *ServerEvent {
	ev := &ServerEvent{Kind: EventConnectionStatus, IsConnected: &connected}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
