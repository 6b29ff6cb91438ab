package engine

import "context"

// Record-level helpers expressed over Send. A thing is either a bare
// table name ("claim") or a table:id pair ("claim:abc123").

// Query runs a parameterized statement.
func (e *Engine) Query(ctx context.Context, sql string, vars map[string]any) (any, error) {
	return e.Send(ctx, "query", sql, vars)
}

// Select reads a whole table or a single record.
func (e *Engine) Select(ctx context.Context, thing string) (any, error) {
	return e.Send(ctx, "select", thing)
}

// Create inserts a record, generating an id when thing names only a table.
func (e *Engine) Create(ctx context.Context, thing string, data map[string]any) (any, error) {
	return e.Send(ctx, "create", thing, data)
}

// Update overwrites the targeted record's content.
func (e *Engine) Update(ctx context.Context, thing string, data map[string]any) (any, error) {
	return e.Send(ctx, "update", thing, data)
}

// Merge patches the targeted record, leaving absent fields untouched.
func (e *Engine) Merge(ctx context.Context, thing string, data map[string]any) (any, error) {
	return e.Send(ctx, "merge", thing, data)
}

// Delete removes a record, or every record of the table when thing has
// no id part.
func (e *Engine) Delete(ctx context.Context, thing string) (any, error) {
	return e.Send(ctx, "delete", thing)
}
