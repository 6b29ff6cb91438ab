package cache

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/MainListActivity/cuckoox-google-sub014/config"
)

// Remote is the slice of the upstream connection the warmer drives:
// mirroring a table's rows and holding a live subscription on it.
type Remote interface {
	SelectAll(ctx context.Context, table string) ([]map[string]any, error)
	Live(ctx context.Context, table string) (string, error)
	SubscribeLive(id string, fn func(action string, result any)) int
	UnsubscribeLive(id string, token int)
	Kill(ctx context.Context, id string) error
}

// Replica applies mirrored state to the local database.
type Replica interface {
	ReplaceTable(ctx context.Context, table string, records []map[string]any) error
	ApplyChange(ctx context.Context, table, action string, result any) error
}

type binding struct {
	liveID string
	token  int
}

// Warmer mirrors configured tables into the replica, keeps them fresh
// through live notifications, and invalidates their metadata the moment a
// subscription dies. It is the single writer to the metadata store.
type Warmer struct {
	store   *Store
	remote  Remote
	replica Replica
	cfg     config.CacheConfig
	sched   gocron.Scheduler

	mu       sync.Mutex
	bindings map[string]binding // table -> live subscription
}

func NewWarmer(store *Store, remote Remote, replica Replica, cfg config.CacheConfig) (*Warmer, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create warmer scheduler: %w", err)
	}
	return &Warmer{
		store:    store,
		remote:   remote,
		replica:  replica,
		cfg:      cfg,
		sched:    sched,
		bindings: make(map[string]binding),
	}, nil
}

// Start warms every configured table and schedules the periodic re-warm
// sweep for temporary entries.
func (w *Warmer) Start(ctx context.Context) error {
	w.WarmAll(ctx)

	interval := time.Duration(w.cfg.RefreshInterval) * time.Second
	_, err := w.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			w.refreshDue(context.Background())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule cache refresh: %w", err)
	}
	w.sched.Start()
	return nil
}

// Stop shuts the scheduler down and kills held subscriptions.
func (w *Warmer) Stop(ctx context.Context) {
	if err := w.sched.Shutdown(); err != nil {
		log.Printf("warmer: scheduler shutdown: %v", err)
	}
	w.mu.Lock()
	bindings := w.bindings
	w.bindings = make(map[string]binding)
	w.mu.Unlock()

	for table, b := range bindings {
		w.remote.UnsubscribeLive(b.liveID, b.token)
		if err := w.remote.Kill(ctx, b.liveID); err != nil {
			log.Printf("warmer: kill live query for %s: %v", table, err)
		}
	}
}

// WarmAll warms every configured table, logging failures per table rather
// than aborting the batch.
func (w *Warmer) WarmAll(ctx context.Context) {
	for _, table := range w.cfg.Tables {
		if err := w.Warm(ctx, table); err != nil {
			log.Printf("warmer: failed to warm %s: %v", table, err)
		}
	}
}

// Warm mirrors one table and subscribes to its changes. The metadata entry
// goes active only after both steps succeed.
func (w *Warmer) Warm(ctx context.Context, table string) error {
	table = strings.ToLower(table)

	rows, err := w.remote.SelectAll(ctx, table)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", table, err)
	}
	if err := w.replica.ReplaceTable(ctx, table, rows); err != nil {
		return fmt.Errorf("replace %s: %w", table, err)
	}

	liveID, err := w.remote.Live(ctx, table)
	if err != nil {
		return fmt.Errorf("live %s: %w", table, err)
	}
	token := w.remote.SubscribeLive(liveID, func(action string, result any) {
		w.onEvent(table, action, result)
	})

	w.mu.Lock()
	if old, ok := w.bindings[table]; ok {
		w.remote.UnsubscribeLive(old.liveID, old.token)
	}
	w.bindings[table] = binding{liveID: liveID, token: token}
	w.mu.Unlock()

	entry := &Entry{
		TableName:   table,
		CacheType:   w.cfg.DefaultType,
		TTL:         time.Duration(w.cfg.DefaultTTL) * time.Second,
		LiveQueryID: liveID,
		IsActive:    true,
		LastRefresh: time.Now().UTC(),
	}
	if err := w.store.Upsert(ctx, entry); err != nil {
		return err
	}
	log.Printf("warmer: table %s warmed, live query %s", table, liveID)
	return nil
}

// onEvent applies one live notification to the replica and refreshes the
// table's metadata.
func (w *Warmer) onEvent(table, action string, result any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.replica.ApplyChange(ctx, table, action, result); err != nil {
		log.Printf("warmer: failed to apply %s to %s: %v", action, table, err)
		// The replica may now lag the remote; drop the entry out of
		// CACHED routing until the next re-warm.
		if err := w.store.Deactivate(ctx, table); err != nil {
			log.Printf("warmer: deactivate %s: %v", table, err)
		}
		return
	}
	if err := w.store.Touch(ctx, table); err != nil {
		log.Printf("warmer: touch %s: %v", table, err)
	}
}

// OnSubscriptionDead invalidates every table bound to a dead live
// subscription, regardless of TTL.
func (w *Warmer) OnSubscriptionDead(ctx context.Context, liveID string) {
	if err := w.store.DeactivateByLiveID(ctx, liveID); err != nil {
		log.Printf("warmer: deactivate by live id %s: %v", liveID, err)
	}
	w.mu.Lock()
	for table, b := range w.bindings {
		if b.liveID == liveID {
			delete(w.bindings, table)
		}
	}
	w.mu.Unlock()
}

// OnDisconnect invalidates everything: every live subscription died with
// the connection.
func (w *Warmer) OnDisconnect(ctx context.Context) {
	if err := w.store.DeactivateAll(ctx); err != nil {
		log.Printf("warmer: deactivate all: %v", err)
	}
	w.mu.Lock()
	w.bindings = make(map[string]binding)
	w.mu.Unlock()
}

// refreshDue re-warms configured tables whose entries are inactive or, for
// temporary entries, past their TTL.
func (w *Warmer) refreshDue(ctx context.Context) {
	now := time.Now()
	for _, table := range w.cfg.Tables {
		entry, err := w.store.Get(ctx, table)
		if err != nil {
			log.Printf("warmer: refresh lookup for %s: %v", table, err)
			continue
		}
		due := entry == nil || !entry.IsActive
		if !due && strings.EqualFold(entry.CacheType, TypeTemporary) {
			due = !now.Before(entry.LastRefresh.Add(entry.TTL))
		}
		if !due {
			continue
		}
		if err := w.Warm(ctx, table); err != nil {
			log.Printf("warmer: re-warm %s: %v", table, err)
		}
	}
}
