package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// PubSubChannel is the Redis channel on which admin surfaces publish
// configuration-change notifications. Any payload triggers a reload.
const PubSubChannel = "synaxis:config"

// Store owns the current configuration snapshot. Reads go through an atomic
// pointer so a request that began under snapshot N keeps observing N until it
// completes; reloads validate first and swap the pointer only on success.
type Store struct {
	path string
	log  *slog.Logger

	snap atomic.Pointer[Snapshot]

	// reloadMu serialises reloads so Notify and the poll loop never race on
	// version assignment.
	reloadMu sync.Mutex
	version  int64
	lastMod  time.Time

	// rdb is optional; when set, Watch also subscribes to PubSubChannel.
	rdb *redis.Client

	// onReload, when set, observes every reload outcome (metrics).
	onReload func(ok bool)
}

// NewStore loads the initial snapshot from path. A load failure at startup is
// fatal to the caller: the gateway never starts without a valid configuration.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	st := &Store{path: path, log: log}
	if err := st.Reload(context.Background()); err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	return st, nil
}

// SetRedis attaches a Redis client used for change notifications.
func (st *Store) SetRedis(rdb *redis.Client) { st.rdb = rdb }

// SetOnReload registers an observer called with each reload outcome.
func (st *Store) SetOnReload(fn func(ok bool)) { st.onReload = fn }

// Current returns the active snapshot. Never nil after NewStore succeeds.
func (st *Store) Current() *Snapshot { return st.snap.Load() }

// Reload re-reads the configuration file, validates it, and publishes the new
// snapshot. It returns only after the snapshot is visible to new requests.
// On error the previous snapshot remains in force.
func (st *Store) Reload(_ context.Context) error {
	st.reloadMu.Lock()
	defer st.reloadMu.Unlock()

	fc, err := readFile(st.path)
	if err != nil {
		return err
	}

	next, err := buildSnapshot(fc, st.version+1)
	if err != nil {
		return err
	}

	st.version++
	st.snap.Store(next)
	if info, err := os.Stat(st.path); err == nil {
		st.lastMod = info.ModTime()
	}

	st.log.Info("config_loaded",
		slog.Int64("version", next.Version),
		slog.Int("providers", len(next.providerOrder)),
		slog.Int("models", len(next.models)),
	)
	return nil
}

// Watch polls the configuration file every interval and reloads when its
// mtime changes. When a Redis client is attached it also subscribes to
// PubSubChannel and reloads immediately on any message. Watch blocks until
// ctx is cancelled.
func (st *Store) Watch(ctx context.Context, interval time.Duration) {
	notify := make(chan struct{}, 1)

	if st.rdb != nil {
		go st.subscribe(ctx, notify)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
			st.reloadLogged(ctx, "pubsub")
		case <-ticker.C:
			if !st.fileChanged() {
				continue
			}
			st.reloadLogged(ctx, "poll")
		}
	}
}

func (st *Store) reloadLogged(ctx context.Context, trigger string) {
	err := st.Reload(ctx)
	if st.onReload != nil {
		st.onReload(err == nil)
	}
	if err != nil {
		// Keep serving the previous snapshot; the operator sees the reason.
		st.log.Error("config_reload_rejected",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}

func (st *Store) fileChanged() bool {
	info, err := os.Stat(st.path)
	if err != nil {
		return false
	}
	st.reloadMu.Lock()
	defer st.reloadMu.Unlock()
	return info.ModTime().After(st.lastMod)
}

func (st *Store) subscribe(ctx context.Context, notify chan<- struct{}) {
	sub := st.rdb.Subscribe(ctx, PubSubChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case notify <- struct{}{}:
			default: // a reload is already pending
			}
		}
	}
}

// readFile parses the YAML configuration file at path.
func readFile(path string) (*fileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, &ValidateError{Reason: fmt.Sprintf("unmarshal %s: %v", path, err)}
	}
	return &fc, nil
}
