package router

import (
	"context"
	"log"
	"time"

	"github.com/MainListActivity/cuckoox-google-sub014/cache"
)

// Strategy is where a statement gets answered.
type Strategy string

const (
	// StrategyWriteThrough always forwards to the remote authority.
	StrategyWriteThrough Strategy = "WRITE_THROUGH"
	// StrategyCached answers from the local replica.
	StrategyCached Strategy = "CACHED"
	// StrategyRemote forwards reads the replica cannot answer.
	StrategyRemote Strategy = "REMOTE"
)

// Decision is the routing outcome for one statement.
type Decision struct {
	Strategy Strategy
	Tables   []string
}

// MetadataSource is the read-only view of the cache metadata store the
// router consults. The router never writes to it.
type MetadataSource interface {
	Get(ctx context.Context, table string) (*cache.Entry, error)
}

// LiveChecker reports whether a live subscription id is currently alive.
type LiveChecker interface {
	LiveAlive(id string) bool
}

// Router decides, per statement, whether the local replica is fresh
// enough to answer it.
type Router struct {
	metadata MetadataSource
	live     LiveChecker
	now      func() time.Time
}

func New(metadata MetadataSource, live LiveChecker) *Router {
	return &Router{metadata: metadata, live: live, now: time.Now}
}

// Route applies the decision table in order:
//
//  1. writes are never answered from cache;
//  2. a non-empty table set where every table is fresh routes to the
//     replica;
//  3. everything else goes remote.
//
// Freshness is all-or-nothing on purpose: a join across one fresh and one
// stale table must degrade the whole statement to remote rather than
// return partially stale rows.
func (r *Router) Route(ctx context.Context, a Analysis) Decision {
	if a.IsWrite {
		return Decision{Strategy: StrategyWriteThrough, Tables: a.Tables}
	}
	if len(a.Tables) == 0 {
		return Decision{Strategy: StrategyRemote}
	}

	now := r.now()
	for _, table := range a.Tables {
		entry, err := r.metadata.Get(ctx, table)
		if err != nil {
			// An unreachable metadata store means "nothing is cached".
			// Staleness is an acceptable remote-query cost; a wrong
			// cache hit is not.
			log.Printf("router: metadata lookup for %s failed, degrading to remote: %v", table, err)
			return Decision{Strategy: StrategyRemote, Tables: a.Tables}
		}
		if entry == nil || !entry.Fresh(now, r.live.LiveAlive(entry.LiveQueryID)) {
			return Decision{Strategy: StrategyRemote, Tables: a.Tables}
		}
	}
	return Decision{Strategy: StrategyCached, Tables: a.Tables}
}
