// Package boot wires configured backends for the floq binaries. It turns
// a config.Config into a ready store and broker, running migrations where
// the backend needs them.
package boot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/floqueue/floq/broker"
	membroker "github.com/floqueue/floq/broker/memory"
	redisbroker "github.com/floqueue/floq/broker/redis"
	"github.com/floqueue/floq/config"
	"github.com/floqueue/floq/job"
	bunstore "github.com/floqueue/floq/store/bun"
	memstore "github.com/floqueue/floq/store/memory"
	mongostore "github.com/floqueue/floq/store/mongo"
	sqlitestore "github.com/floqueue/floq/store/sqlite"
)

// CloseFunc releases a backend's resources.
type CloseFunc func(context.Context) error

func noClose(context.Context) error { return nil }

// OpenStore builds the configured result store and runs its migrations.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Store, CloseFunc, error) {
	switch cfg.Store {
	case "memory":
		return memstore.New(), noClose, nil

	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %q: %w", cfg.SQLitePath, err)
		}
		// modernc.org/sqlite serializes writers; a single connection
		// avoids SQLITE_BUSY under concurrent claims.
		db.SetMaxOpenConns(1)
		s := sqlitestore.New(db, sqlitestore.WithLogger(logger))
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return s, func(context.Context) error { return db.Close() }, nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("FLOQ_POSTGRES_DSN is required for the postgres store")
		}
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.PostgresDSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		s := bunstore.New(db, bunstore.WithLogger(logger))
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return s, func(context.Context) error { return db.Close() }, nil

	case "mongo":
		client, err := mongod.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo %q: %w", cfg.MongoURI, err)
		}
		s := mongostore.New(client.Database(cfg.MongoDB), mongostore.WithLogger(logger))
		if err := s.Migrate(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		return s, client.Disconnect, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

// OpenBroker builds the configured delivery channel.
func OpenBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, CloseFunc, error) {
	switch cfg.Broker {
	case "memory":
		b := membroker.New()
		return b, func(context.Context) error { return b.Close() }, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		b := redisbroker.New(client,
			redisbroker.WithLogger(logger),
			redisbroker.WithQueue(cfg.RedisQueue),
		)
		if err := b.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %q: %w", cfg.RedisAddr, err)
		}
		closer := func(context.Context) error {
			if err := b.Close(); err != nil {
				return err
			}
			return client.Close()
		}
		return b, closer, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker backend %q", cfg.Broker)
	}
}
