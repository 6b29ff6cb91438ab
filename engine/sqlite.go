package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// OpenReplica opens the local replica database with the pool settings the
// gateway uses everywhere.
func OpenReplica(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open replica database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// SQLiteBackend serves the wire protocol from an in-process replica
// database instead of a network peer. Mutations applied through it
// synthesize notification frames for tables with live subscriptions, which
// is how local cache updates reach interested listeners.
type SQLiteBackend struct {
	db     *sql.DB
	frames chan []byte
	done   chan struct{}

	mu     sync.Mutex
	subs   map[string]string // live query id -> table
	closed bool
}

// NewSQLiteBackend wraps an open replica database. The caller keeps
// ownership of db (the cache metadata store shares the same handle).
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{
		db:     db,
		frames: make(chan []byte, sendQueueDepth),
		done:   make(chan struct{}),
		subs:   make(map[string]string),
	}
}

func (b *SQLiteBackend) Frames() <-chan []byte { return b.frames }

func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// Send executes one request frame and pushes the response (and any
// synthesized notifications) onto the frame channel.
func (b *SQLiteBackend) Send(ctx context.Context, frame []byte) error {
	var req Request
	if err := cbor.Unmarshal(frame, &req); err != nil {
		return fmt.Errorf("replica: bad request frame: %w", err)
	}

	result, err := b.execute(ctx, &req)

	var rpcErr *RPCError
	if err != nil {
		rpcErr = &RPCError{Code: -32000, Message: err.Error()}
	}
	resp, err := encodeResponse(req.ID, result, rpcErr)
	if err != nil {
		return err
	}
	return b.push(resp)
}

// push hands a frame to the reader. The frame channel is never closed;
// shutdown is signalled through done, so a Send racing Close selects the
// done case instead of writing to a closed channel.
func (b *SQLiteBackend) push(frame []byte) error {
	select {
	case <-b.done:
		return ErrConnectionUnavailable
	default:
	}
	select {
	case b.frames <- frame:
		return nil
	case <-b.done:
		return ErrConnectionUnavailable
	}
}

func (b *SQLiteBackend) execute(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case "use", "authenticate":
		// The replica trusts its in-process owner.
		return "ok", nil
	case "query":
		return b.query(ctx, req.Params)
	case "select":
		table, err := paramString(req.Params, 0)
		if err != nil {
			return nil, err
		}
		return b.selectAll(ctx, table)
	case "create":
		return b.create(ctx, req.Params)
	case "update":
		return b.update(ctx, req.Params, false)
	case "merge":
		return b.update(ctx, req.Params, true)
	case "delete":
		return b.deleteThing(ctx, req.Params)
	case "live":
		table, err := paramString(req.Params, 0)
		if err != nil {
			return nil, err
		}
		id := uuid.New().String()
		b.mu.Lock()
		b.subs[id] = strings.ToLower(table)
		b.mu.Unlock()
		return id, nil
	case "kill":
		id, err := paramString(req.Params, 0)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		return "ok", nil
	case "export":
		return b.export(ctx)
	case "import":
		return nil, b.importSnapshot(ctx, req.Params)
	default:
		return nil, &RPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

func (b *SQLiteBackend) query(ctx context.Context, params []any) (any, error) {
	stmt, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	var args []any
	if len(params) > 1 {
		for k, v := range toStringMap(params[1]) {
			args = append(args, sql.Named(k, flatten(v)))
		}
	}

	keyword := leadingKeyword(stmt)
	if keyword == "SELECT" {
		rows, err := b.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return nil, &RPCError{Code: -32001, Message: err.Error()}
		}
		defer rows.Close()
		return scanRows(rows)
	}

	res, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, &RPCError{Code: -32001, Message: err.Error()}
	}
	affected, _ := res.RowsAffected()
	if table := mutatedTable(keyword, stmt); table != "" {
		b.notify(table, actionForKeyword(keyword), map[string]any{"affected": affected})
	}
	return affected, nil
}

func (b *SQLiteBackend) selectAll(ctx context.Context, thing string) (any, error) {
	table, id := splitThing(thing)
	stmt := fmt.Sprintf("SELECT * FROM %s", table)
	var args []any
	if id != "" {
		stmt += " WHERE id = ?"
		args = append(args, id)
	}
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, &RPCError{Code: -32001, Message: err.Error()}
	}
	defer rows.Close()
	return scanRows(rows)
}

func (b *SQLiteBackend) create(ctx context.Context, params []any) (any, error) {
	thing, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, &RPCError{Code: -32602, Message: "create: missing record data"}
	}
	table, id := splitThing(thing)
	data := toStringMap(params[1])
	if id != "" {
		data["id"] = id
	}
	if _, ok := data["id"]; !ok {
		data["id"] = fmt.Sprintf("%s:%s", table, uuid.New().String())
	}

	if err := b.ensureTable(ctx, table, data); err != nil {
		return nil, err
	}

	cols := sortedKeys(data)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = flatten(data[c])
	}
	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := b.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, &RPCError{Code: -32001, Message: err.Error()}
	}

	b.notify(table, "CREATE", data)
	return data, nil
}

func (b *SQLiteBackend) update(ctx context.Context, params []any, merge bool) (any, error) {
	thing, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, &RPCError{Code: -32602, Message: "update: missing record data"}
	}
	table, id := splitThing(thing)
	data := toStringMap(params[1])
	delete(data, "id")
	if len(data) == 0 {
		return nil, &RPCError{Code: -32602, Message: "update: empty record data"}
	}
	if err := b.ensureTable(ctx, table, data); err != nil {
		return nil, err
	}

	cols := sortedKeys(data)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, flatten(data[c]))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", "))
	if id != "" {
		stmt += " WHERE id = ?"
		args = append(args, id)
	}
	res, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, &RPCError{Code: -32001, Message: err.Error()}
	}
	affected, _ := res.RowsAffected()

	// On the replica both update and merge are column-wise writes.
	b.notify(table, "UPDATE", data)
	return affected, nil
}

func (b *SQLiteBackend) deleteThing(ctx context.Context, params []any) (any, error) {
	thing, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	table, id := splitThing(thing)
	stmt := fmt.Sprintf("DELETE FROM %s", table)
	var args []any
	if id != "" {
		stmt += " WHERE id = ?"
		args = append(args, id)
	}
	res, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, &RPCError{Code: -32001, Message: err.Error()}
	}
	affected, _ := res.RowsAffected()
	b.notify(table, "DELETE", map[string]any{"id": thing})
	return affected, nil
}

func (b *SQLiteBackend) export(ctx context.Context) (any, error) {
	tables, err := b.userTables(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string][]map[string]any, len(tables))
	for _, t := range tables {
		rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", t))
		if err != nil {
			return nil, err
		}
		data, err := scanRows(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		snapshot[t] = data
	}
	return cbor.Marshal(snapshot)
}

func (b *SQLiteBackend) importSnapshot(ctx context.Context, params []any) error {
	if len(params) < 1 {
		return &RPCError{Code: -32602, Message: "import: missing snapshot"}
	}
	raw, ok := params[0].([]byte)
	if !ok {
		return &RPCError{Code: -32602, Message: fmt.Sprintf("import: unexpected snapshot type %T", params[0])}
	}
	var snapshot map[string][]map[string]any
	if err := cbor.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("import: bad snapshot: %w", err)
	}

	for table, records := range snapshot {
		if err := b.ReplaceTable(ctx, table, records); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceTable atomically swaps the contents of one replica table. The
// cache warmer uses it to mirror upstream state.
func (b *SQLiteBackend) ReplaceTable(ctx context.Context, table string, records []map[string]any) error {
	table = strings.ToLower(table)
	union := make(map[string]any)
	for _, r := range records {
		for k, v := range r {
			union[k] = v
		}
	}
	if len(union) == 0 {
		union["id"] = ""
	}
	if err := b.ensureTable(ctx, table, union); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return err
	}
	for _, r := range records {
		cols := sortedKeys(r)
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			placeholders[i] = "?"
			args[i] = flatten(r[c])
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ApplyChange applies one live notification to the replica. A
// notification that does not carry enough to target a row is an error so
// the caller can invalidate and re-warm instead of diverging silently.
func (b *SQLiteBackend) ApplyChange(ctx context.Context, table, action string, result any) error {
	table = strings.ToLower(table)
	record := toStringMap(result)

	switch strings.ToUpper(action) {
	case "CREATE", "UPDATE":
		if _, ok := record["id"]; !ok {
			return fmt.Errorf("apply %s to %s: notification carries no record id", action, table)
		}
		if err := b.ensureTable(ctx, table, record); err != nil {
			return err
		}
		cols := sortedKeys(record)
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			placeholders[i] = "?"
			args[i] = flatten(record[c])
		}
		stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		_, err := b.db.ExecContext(ctx, stmt, args...)
		return err
	case "DELETE":
		id, ok := record["id"]
		if !ok {
			return fmt.Errorf("apply DELETE to %s: notification carries no record id", table)
		}
		_, err := b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), flatten(id))
		return err
	default:
		return fmt.Errorf("apply to %s: unknown action %q", table, action)
	}
}

func (b *SQLiteBackend) userTables(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != 'cache_metadata'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// ensureTable creates the table on first sight and adds any column the
// incoming record carries that the table does not have yet. SQLite's
// dynamic typing makes untyped columns fine for a replica.
func (b *SQLiteBackend) ensureTable(ctx context.Context, table string, record map[string]any) error {
	cols := sortedKeys(record)
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "id" {
			defs = append(defs, "id TEXT PRIMARY KEY")
			continue
		}
		defs = append(defs, c)
	}
	if _, ok := record["id"]; !ok {
		defs = append([]string{"id TEXT PRIMARY KEY"}, defs...)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return err
	}

	existing, err := b.columns(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if _, ok := existing[c]; !ok {
			if _, err := b.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, c)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *SQLiteBackend) columns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := make(map[string]struct{})
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

func (b *SQLiteBackend) notify(table, action string, result any) {
	table = strings.ToLower(table)
	b.mu.Lock()
	var ids []string
	for id, t := range b.subs {
		if t == table {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		frame, err := encodeNotification(&Notification{QueryID: id, Action: action, Result: result})
		if err != nil {
			continue
		}
		_ = b.push(frame)
	}
}

// helpers

func paramString(params []any, i int) (string, error) {
	if len(params) <= i {
		return "", &RPCError{Code: -32602, Message: fmt.Sprintf("missing parameter %d", i)}
	}
	s, ok := params[i].(string)
	if !ok {
		return "", &RPCError{Code: -32602, Message: fmt.Sprintf("parameter %d: expected string, got %T", i, params[i])}
	}
	return s, nil
}

// splitThing turns "table:id" into its parts; a bare table name has no id.
func splitThing(thing string) (table, id string) {
	if i := strings.IndexByte(thing, ':'); i >= 0 {
		return strings.ToLower(thing[:i]), thing[i+1:]
	}
	return strings.ToLower(thing), ""
}

// toStringMap normalizes CBOR-decoded maps, which arrive keyed by any.
func toStringMap(v any) map[string]any {
	out := make(map[string]any)
	switch m := v.(type) {
	case map[string]any:
		for k, val := range m {
			out[k] = val
		}
	case map[any]any:
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
	}
	return out
}

// flatten converts nested structures to JSON text so they survive a trip
// through an untyped replica column.
func flatten(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int64, uint64, float32, float64, []byte, time.Time:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(cols))
		for i, c := range cols {
			if bs, ok := values[i].([]byte); ok {
				record[c] = string(bs)
				continue
			}
			record[c] = values[i]
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func leadingKeyword(stmt string) string {
	fields := strings.Fields(strings.TrimSpace(stmt))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func actionForKeyword(keyword string) string {
	switch keyword {
	case "INSERT", "CREATE":
		return "CREATE"
	case "DELETE":
		return "DELETE"
	default:
		return "UPDATE"
	}
}

// mutatedTable extracts the target table of a plain mutation statement.
var mutationPrefixes = map[string]string{
	"INSERT": "INTO",
	"DELETE": "FROM",
}

func mutatedTable(keyword, stmt string) string {
	fields := strings.Fields(strings.TrimSpace(stmt))
	if len(fields) < 2 {
		return ""
	}
	switch keyword {
	case "UPDATE":
		return strings.ToLower(fields[1])
	case "INSERT", "DELETE":
		want := mutationPrefixes[keyword]
		for i := 1; i < len(fields)-1; i++ {
			if strings.EqualFold(fields[i], want) {
				return strings.ToLower(strings.Trim(fields[i+1], "(,;"))
			}
		}
	}
	return ""
}
