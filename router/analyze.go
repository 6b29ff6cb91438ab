package router

import (
	"regexp"
	"strings"
)

// QueryType is the leading-keyword classification of a statement.
type QueryType string

const (
	QueryTypeSelect QueryType = "SELECT"
	QueryTypeInsert QueryType = "INSERT"
	QueryTypeUpdate QueryType = "UPDATE"
	QueryTypeDelete QueryType = "DELETE"
	QueryTypeCreate QueryType = "CREATE"
	QueryTypeRelate QueryType = "RELATE"
	QueryTypeLive   QueryType = "LIVE"
	QueryTypeKill   QueryType = "KILL"
	QueryTypeOther  QueryType = "OTHER"
)

// Analysis is what the router learns about one statement.
type Analysis struct {
	QueryType QueryType
	IsWrite   bool
	Tables    []string
	HasAuth   bool
}

// Table references are extracted by pattern matching on the raw SQL text.
// This mirrors the known clause shapes rather than parsing the statement;
// a table name inside a string literal or a nested subquery can be
// misclassified. Misclassification only ever costs a remote round trip
// because routing degrades toward REMOTE.
var tableClauseRe = regexp.MustCompile(
	`(?i)\b(?:FROM|INTO|UPDATE|CREATE|RELATE|LIVE)\s+([A-Za-z_][A-Za-z0-9_]*)`,
)

var authRe = regexp.MustCompile(`\$(?:auth|session|token)\b`)

// Analyze classifies a statement and extracts the tables it references.
// Parameter placeholders ($var) are never table names; extracted names are
// folded to lowercase.
func Analyze(sql string) Analysis {
	trimmed := strings.TrimSpace(sql)
	a := Analysis{QueryType: QueryTypeOther}

	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return a
	}

	switch strings.ToUpper(fields[0]) {
	case "SELECT":
		a.QueryType = QueryTypeSelect
	case "INSERT":
		a.QueryType = QueryTypeInsert
	case "UPDATE":
		a.QueryType = QueryTypeUpdate
	case "DELETE":
		a.QueryType = QueryTypeDelete
	case "CREATE":
		a.QueryType = QueryTypeCreate
	case "RELATE":
		a.QueryType = QueryTypeRelate
	case "LIVE":
		a.QueryType = QueryTypeLive
	case "KILL":
		a.QueryType = QueryTypeKill
	}

	switch a.QueryType {
	case QueryTypeInsert, QueryTypeUpdate, QueryTypeDelete, QueryTypeCreate, QueryTypeRelate:
		a.IsWrite = true
	}

	seen := make(map[string]struct{})
	for _, m := range tableClauseRe.FindAllStringSubmatch(trimmed, -1) {
		name := strings.ToLower(m[1])
		if isKeyword(name) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		a.Tables = append(a.Tables, name)
	}

	a.HasAuth = authRe.MatchString(trimmed)
	return a
}

// Clause keywords that the table regex can capture when statements nest,
// e.g. "DELETE FROM x WHERE y IN (SELECT ...)".
var clauseKeywords = map[string]struct{}{
	"select": {}, "from": {}, "where": {}, "into": {}, "values": {},
	"set": {}, "live": {}, "only": {}, "table": {}, "index": {}, "if": {},
}

func isKeyword(name string) bool {
	_, ok := clauseKeywords[name]
	return ok
}
