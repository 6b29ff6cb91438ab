// A stand-in remote database for local development and integration tests.
// It speaks the gateway's CBOR RPC protocol over a websocket: responses
// correlate by request id, live subscriptions push notification frames on
// every mutation of the subscribed table.
package main

import (
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type request struct {
	ID     uint64 `cbor:"id"`
	Method string `cbor:"method"`
	Params []any  `cbor:"params"`
}

type rpcError struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}

type response struct {
	ID     uint64    `cbor:"id"`
	Result any       `cbor:"result,omitempty"`
	Error  *rpcError `cbor:"error,omitempty"`
}

type notification struct {
	QueryID string `cbor:"query_id"`
	Action  string `cbor:"action"`
	Result  any    `cbor:"result"`
}

var liveTableRe = regexp.MustCompile(`(?i)\bFROM\s+([A-Za-z_][A-Za-z0-9_]*)`)

// store is the shared in-memory dataset; every connection sees the same
// tables but holds its own live subscriptions.
type store struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
}

func newStore() *store {
	return &store{tables: map[string][]map[string]any{
		"claim":    {{"id": "claim:1", "case_id": "case:1", "amount": 1200}},
		"creditor": {{"id": "creditor:1", "name": "acme", "case_id": "case:1"}},
	}}
}

type conn struct {
	ws    *websocket.Conn
	store *store

	mu    sync.Mutex // guards writes to ws and lives
	lives map[string]string // live id -> table
}

func (c *conn) write(v any) {
	frame, err := cbor.Marshal(v)
	if err != nil {
		log.Printf("Encode failed: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		log.Printf("Write failed: %v", err)
	}
}

func (c *conn) notify(table, action string, result any) {
	c.mu.Lock()
	var ids []string
	for id, t := range c.lives {
		if t == table {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.write(notification{QueryID: id, Action: action, Result: result})
	}
}

func (c *conn) handle(req *request) {
	fail := func(code int, msg string) {
		c.write(response{ID: req.ID, Error: &rpcError{Code: code, Message: msg}})
	}
	ok := func(result any) {
		c.write(response{ID: req.ID, Result: result})
	}
	param := func(i int) string {
		if i < len(req.Params) {
			if s, isStr := req.Params[i].(string); isStr {
				return s
			}
		}
		return ""
	}

	switch req.Method {
	case "use", "ping", "invalidate":
		ok(nil)
	case "authenticate":
		token := param(0)
		if token == "" || token == "expired" {
			fail(-32000, "There was a problem with authentication: token expired")
			return
		}
		ok(nil)
	case "select":
		c.store.mu.Lock()
		rows := append([]map[string]any(nil), c.store.tables[param(0)]...)
		c.store.mu.Unlock()
		ok(rows)
	case "query":
		c.query(req, param(0), ok, fail)
	case "live":
		m := liveTableRe.FindStringSubmatch(param(0))
		if m == nil {
			fail(-32602, "live: no table in query")
			return
		}
		id := uuid.New().String()
		c.mu.Lock()
		c.lives[id] = strings.ToLower(m[1])
		c.mu.Unlock()
		ok(id)
	case "kill":
		c.mu.Lock()
		delete(c.lives, param(0))
		c.mu.Unlock()
		ok(nil)
	default:
		fail(-32601, "method not found: "+req.Method)
	}
}

// query implements just enough statement handling to exercise the
// gateway: CREATE appends a record and fans a live event, everything
// else echoes the table content named in the FROM clause.
func (c *conn) query(req *request, sql string, ok func(any), fail func(int, string)) {
	var vars map[string]any
	if len(req.Params) > 1 {
		vars, _ = req.Params[1].(map[string]any)
	}

	upper := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case strings.HasPrefix(upper, "CREATE"):
		m := regexp.MustCompile(`(?i)\bCREATE\s+([A-Za-z_][A-Za-z0-9_]*)`).FindStringSubmatch(sql)
		if m == nil {
			fail(-32602, "create: no table")
			return
		}
		table := strings.ToLower(m[1])
		record := map[string]any{"id": table + ":" + uuid.New().String()}
		for k, v := range vars {
			record[k] = v
		}
		c.store.mu.Lock()
		c.store.tables[table] = append(c.store.tables[table], record)
		c.store.mu.Unlock()
		ok([]any{record})
		c.notify(table, "CREATE", record)
	default:
		m := liveTableRe.FindStringSubmatch(sql)
		if m == nil {
			ok([]any{})
			return
		}
		c.store.mu.Lock()
		rows := append([]map[string]any(nil), c.store.tables[strings.ToLower(m[1])]...)
		c.store.mu.Unlock()
		ok(rows)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serve(s *store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Upgrade failed: %v", err)
			return
		}
		defer ws.Close()

		c := &conn{ws: ws, store: s, lives: make(map[string]string)}
		log.Printf("Client connected from %s", r.RemoteAddr)
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				log.Printf("Client gone: %v", err)
				return
			}
			var req request
			if err := cbor.Unmarshal(frame, &req); err != nil {
				log.Printf("Bad frame: %v", err)
				continue
			}
			c.handle(&req)
		}
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	addr := getEnv("BACKEND_ADDRESS", ":8900")
	http.HandleFunc("/rpc", serve(newStore()))
	log.Printf("Test backend listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
