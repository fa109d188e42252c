package main

import (
	"context"
	"database/sql"
	"log/slog"

	"call-signaling/internal/audit"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/inbox"
	"call-signaling/internal/metrics"
	"call-signaling/internal/routing"
	"call-signaling/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// openCallStore picks the durable call repository. Anything that cannot be
// reached degrades to memory with a warning; a durable store is wrapped so a
// failing create still lands in memory.
func openCallStore(ctx context.Context, cfg config.Config, db *sql.DB, mx *metrics.Collectors, log *slog.Logger) calls.Repository {
	var primary calls.Repository
	switch cfg.Store.Driver {
	case config.StorePostgres:
		if db == nil {
			log.Warn("postgres not available; calls kept in memory")
			return calls.NewMemoryRepo()
		}
		pg := calls.NewPostgresRepo(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Warn("postgres migrate failed; calls kept in memory", "err", err)
			return calls.NewMemoryRepo()
		}
		primary = pg
	case config.StoreSQLite:
		gdb, err := utils.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			log.Warn("sqlite open failed; calls kept in memory", "path", cfg.Store.SQLitePath, "err", err)
			return calls.NewMemoryRepo()
		}
		lite := calls.NewSQLiteRepo(gdb)
		if err := lite.Migrate(ctx); err != nil {
			log.Warn("sqlite migrate failed; calls kept in memory", "err", err)
			return calls.NewMemoryRepo()
		}
		primary = lite
	default:
		log.Info("call store is memory")
		return calls.NewMemoryRepo()
	}

	log.Info("call store ready", "driver", cfg.Store.Driver)
	fb := calls.NewFallbackRepo(primary, log)
	fb.OnFallback = mx.StoreFallback
	return fb
}

func openAuditStore(ctx context.Context, db *sql.DB, log *slog.Logger) audit.Repository {
	if db == nil {
		return audit.NewMemoryRepo()
	}
	pg := audit.NewPostgresRepo(db)
	if err := pg.Migrate(ctx); err != nil {
		log.Warn("audit migrate failed; audit kept in memory", "err", err)
		return audit.NewMemoryRepo()
	}
	return pg
}

func openDirectory(rdb *redis.Client) routing.Directory {
	if rdb == nil {
		return routing.NewMemoryDirectory()
	}
	return routing.NewRedisDirectory(rdb, "calls")
}

func openInbox(cfg config.CallsConfig, rdb *redis.Client, mx *metrics.Collectors) inbox.Queue {
	if rdb == nil {
		q := inbox.NewMemoryQueue(cfg.InboxCapacity)
		q.OnDrop = func(inbox.Entry) { mx.InboxEvicted(1) }
		return q
	}
	q := inbox.NewRedisQueue(rdb, "calls", cfg.InboxCapacity, cfg.InboxTTL)
	q.OnDrop = mx.InboxEvicted
	return q
}
