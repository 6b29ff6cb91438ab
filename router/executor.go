package router

import (
	"context"

	"github.com/MainListActivity/cuckoox-google-sub014/metrics"
)

// QueryRunner is one place a statement can execute: the local replica or
// the remote connection.
type QueryRunner interface {
	Query(ctx context.Context, sql string, vars map[string]any) (any, error)
}

// Executor binds a Router to its two execution targets so callers get
// route-then-run as one operation.
type Executor struct {
	router *Router
	local  QueryRunner
	remote QueryRunner
}

func NewExecutor(r *Router, local, remote QueryRunner) *Executor {
	return &Executor{router: r, local: local, remote: remote}
}

// Query routes and executes a read. Statements referencing session state
// ($auth and friends) always run remote: only the remote connection
// carries the caller's session.
func (e *Executor) Query(ctx context.Context, sql string, vars map[string]any) (any, Decision, error) {
	analysis := Analyze(sql)
	decision := e.router.Route(ctx, analysis)
	if analysis.HasAuth && decision.Strategy == StrategyCached {
		decision.Strategy = StrategyRemote
	}
	metrics.RouteDecisions.WithLabelValues(string(decision.Strategy)).Inc()

	var (
		result any
		err    error
	)
	if decision.Strategy == StrategyCached {
		result, err = e.local.Query(ctx, sql, vars)
	} else {
		result, err = e.remote.Query(ctx, sql, vars)
	}
	return result, decision, err
}

// Mutate always writes through to the remote authority; the replica
// catches up via live events, never via direct writes.
func (e *Executor) Mutate(ctx context.Context, sql string, vars map[string]any) (any, Decision, error) {
	decision := Decision{Strategy: StrategyWriteThrough, Tables: Analyze(sql).Tables}
	metrics.RouteDecisions.WithLabelValues(string(StrategyWriteThrough)).Inc()

	result, err := e.remote.Query(ctx, sql, vars)
	return result, decision, err
}
