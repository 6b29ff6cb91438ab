package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainListActivity/cuckoox-google-sub014/cache"
)

func TestAnalyze(t *testing.T) {
	testCases := []struct {
		name      string
		sql       string
		queryType QueryType
		isWrite   bool
		tables    []string
		hasAuth   bool
	}{
		{
			name:      "simple select",
			sql:       "SELECT * FROM claim WHERE case_id = $id",
			queryType: QueryTypeSelect,
			tables:    []string{"claim"},
		},
		{
			name:      "update is a write",
			sql:       "UPDATE creditor SET name = $n",
			queryType: QueryTypeUpdate,
			isWrite:   true,
			tables:    []string{"creditor"},
		},
		{
			name:      "multi table select",
			sql:       "SELECT * FROM claim, creditor WHERE claim.creditor = creditor.id",
			queryType: QueryTypeSelect,
			tables:    []string{"claim"},
		},
		{
			name:      "insert",
			sql:       "INSERT INTO claim (amount) VALUES ($a)",
			queryType: QueryTypeInsert,
			isWrite:   true,
			tables:    []string{"claim"},
		},
		{
			name:      "delete",
			sql:       "DELETE FROM claim WHERE id = $id",
			queryType: QueryTypeDelete,
			isWrite:   true,
			tables:    []string{"claim"},
		},
		{
			name:      "create record",
			sql:       "CREATE claim SET amount = 10",
			queryType: QueryTypeCreate,
			isWrite:   true,
			tables:    []string{"claim"},
		},
		{
			name:      "live select",
			sql:       "LIVE SELECT * FROM claim",
			queryType: QueryTypeLive,
			tables:    []string{"claim"},
		},
		{
			name:      "kill",
			sql:       "KILL $id",
			queryType: QueryTypeKill,
		},
		{
			name:      "auth parameter detected",
			sql:       "SELECT * FROM claim WHERE owner = $auth.id",
			queryType: QueryTypeSelect,
			tables:    []string{"claim"},
			hasAuth:   true,
		},
		{
			name:      "session parameter detected",
			sql:       "SELECT * FROM claim WHERE tenant = $session.tenant",
			queryType: QueryTypeSelect,
			tables:    []string{"claim"},
			hasAuth:   true,
		},
		{
			name:      "placeholder is not a table",
			sql:       "SELECT * FROM $table",
			queryType: QueryTypeSelect,
		},
		{
			name:      "mixed case normalized",
			sql:       "select * from Claim",
			queryType: QueryTypeSelect,
			tables:    []string{"claim"},
		},
		{
			name:      "info statement",
			sql:       "INFO FOR DB",
			queryType: QueryTypeOther,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := Analyze(tc.sql)
			assert.Equal(t, tc.queryType, a.QueryType)
			assert.Equal(t, tc.isWrite, a.IsWrite)
			assert.Equal(t, tc.hasAuth, a.HasAuth)
			if len(tc.tables) == 0 {
				assert.Empty(t, a.Tables)
			} else {
				assert.Equal(t, tc.tables, a.Tables)
			}
		})
	}
}

// fakeMetadata answers Get from a fixed map and can be told to fail.
type fakeMetadata struct {
	entries map[string]*cache.Entry
	err     error
}

func (f *fakeMetadata) Get(ctx context.Context, table string) (*cache.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[table], nil
}

type fakeLive struct {
	alive map[string]bool
}

func (f *fakeLive) LiveAlive(id string) bool { return f.alive[id] }

func freshEntry(table, liveID string) *cache.Entry {
	return &cache.Entry{
		TableName:   table,
		CacheType:   cache.TypePersistent,
		LiveQueryID: liveID,
		IsActive:    true,
		LastRefresh: time.Now(),
	}
}

func TestRoute(t *testing.T) {
	metadata := &fakeMetadata{entries: map[string]*cache.Entry{
		"claim":    freshEntry("claim", "live-claim"),
		"creditor": freshEntry("creditor", "live-creditor"),
	}}
	live := &fakeLive{alive: map[string]bool{"live-claim": true, "live-creditor": true}}
	r := New(metadata, live)
	ctx := context.Background()

	t.Run("writes always go through", func(t *testing.T) {
		d := r.Route(ctx, Analyze("UPDATE creditor SET name = $n"))
		assert.Equal(t, StrategyWriteThrough, d.Strategy)
	})

	t.Run("fresh table served locally", func(t *testing.T) {
		d := r.Route(ctx, Analyze("SELECT * FROM claim WHERE case_id = $id"))
		assert.Equal(t, StrategyCached, d.Strategy)
		assert.Equal(t, []string{"claim"}, d.Tables)
	})

	t.Run("uncached table goes remote", func(t *testing.T) {
		d := r.Route(ctx, Analyze("SELECT * FROM unknown_table"))
		assert.Equal(t, StrategyRemote, d.Strategy)
	})

	t.Run("no tables goes remote", func(t *testing.T) {
		d := r.Route(ctx, Analyze("INFO FOR DB"))
		assert.Equal(t, StrategyRemote, d.Strategy)
	})

	t.Run("dead subscription degrades to remote", func(t *testing.T) {
		deadLive := &fakeLive{alive: map[string]bool{"live-claim": true}}
		rr := New(metadata, deadLive)
		d := rr.Route(ctx, Analyze("SELECT * FROM creditor"))
		assert.Equal(t, StrategyRemote, d.Strategy)
	})

	t.Run("metadata failure degrades to remote", func(t *testing.T) {
		failing := &fakeMetadata{err: errors.New("store unavailable")}
		rr := New(failing, live)
		d := rr.Route(ctx, Analyze("SELECT * FROM claim"))
		assert.Equal(t, StrategyRemote, d.Strategy)
	})
}

func TestRoute_TemporaryTTL(t *testing.T) {
	now := time.Now()
	entry := &cache.Entry{
		TableName:   "claim",
		CacheType:   cache.TypeTemporary,
		TTL:         30 * time.Second,
		LiveQueryID: "live-claim",
		IsActive:    true,
		LastRefresh: now.Add(-10 * time.Second),
	}
	metadata := &fakeMetadata{entries: map[string]*cache.Entry{"claim": entry}}
	live := &fakeLive{alive: map[string]bool{"live-claim": true}}

	r := New(metadata, live)
	r.now = func() time.Time { return now }
	d := r.Route(context.Background(), Analyze("SELECT * FROM claim"))
	require.Equal(t, StrategyCached, d.Strategy)

	// Past its TTL the same entry is stale.
	r.now = func() time.Time { return now.Add(time.Minute) }
	d = r.Route(context.Background(), Analyze("SELECT * FROM claim"))
	assert.Equal(t, StrategyRemote, d.Strategy)
}

func TestRoute_AllOrNothing(t *testing.T) {
	// One fresh and one uncached table must send the whole statement
	// remote rather than mix fresh and stale rows.
	metadata := &fakeMetadata{entries: map[string]*cache.Entry{
		"claim": freshEntry("claim", "live-claim"),
	}}
	live := &fakeLive{alive: map[string]bool{"live-claim": true}}
	r := New(metadata, live)

	a := Analysis{QueryType: QueryTypeSelect, Tables: []string{"claim", "creditor"}}
	d := r.Route(context.Background(), a)
	assert.Equal(t, StrategyRemote, d.Strategy)
}
