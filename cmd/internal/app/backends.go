package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/messaging"
	"relay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendMongo    = "mongo"
)

// backends owns every external resource the server opened.
// Stores built on a pool or client do not own it; Close releases them here.
type backends struct {
	kind string

	pool  *pgxpool.Pool
	mongo *mongo.Client
	redis redis.UniversalClient

	messages  messaging.MessageStore
	notes     messaging.NotificationStore
	users     identity.Directory
	mirror    *realtime.RedisPresenceMirror
	publisher *messaging.KafkaPublisher
}

// openBackends picks the persistence backend (Postgres, then Mongo, then in-memory) and
// the optional Redis presence mirror and Kafka notification publisher.
func openBackends(ctx context.Context, cfg Config, log *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close(context.Background())
		}
	}()

	switch {
	case cfg.DatabaseURL != "":
		if err := b.openPostgres(ctx, cfg); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
	case cfg.MongoURI != "":
		if err := b.openMongo(ctx, cfg); err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
	default:
		store := messaging.NewMemoryStore()
		b.kind = backendMemory
		b.messages = store
		b.notes = store
		b.users = identity.NewMemoryStore(identity.WithAutoCreate(cfg.DevAutoCreateUsers))
	}
	log.Info("db.enabled", "backend", b.kind)

	if cfg.RedisAddr != "" {
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.redis = rdb
		mirror, err := realtime.NewRedisPresenceMirror(rdb, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		// No connection survives a restart, so the mirrored online set starts empty.
		if err := mirror.Reset(ctx); err != nil {
			log.Warn("presence.mirror.reset.fail", "err", err)
		}
		b.mirror = mirror
		log.Info("presence.mirror.enabled", "prefix", cfg.RedisPrefix)
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		b.publisher = pub
		log.Info("notifications.kafka.enabled", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}

	return b, nil
}

func (b *backends) openPostgres(ctx context.Context, cfg Config) error {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	b.pool = pool
	b.kind = backendPostgres

	msgStore, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
	if err != nil {
		return err
	}
	users, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		return err
	}
	b.messages = msgStore
	b.notes = msgStore
	b.users = users
	return nil
}

func (b *backends) openMongo(ctx context.Context, cfg Config) error {
	client, err := NewMongoClient(ctx, cfg)
	if err != nil {
		return err
	}
	b.mongo = client
	b.kind = backendMongo

	db := client.Database(cfg.MongoDatabase)
	msgStore, err := messaging.NewMongoStore(db)
	if err != nil {
		return err
	}
	if err := msgStore.EnsureIndexes(ctx); err != nil {
		return err
	}
	users, err := identity.NewMongoStore(db)
	if err != nil {
		return err
	}
	b.messages = msgStore
	b.notes = msgStore
	b.users = users
	return nil
}

// presenceOptions returns the registry options for the configured backends.
func (b *backends) presenceOptions() []realtime.RegistryOption {
	opts := []realtime.RegistryOption{realtime.WithDirectory(b.users)}
	if b.mirror != nil {
		opts = append(opts, realtime.WithPresenceMirror(b.mirror))
	}
	return opts
}

// serviceOptions returns the messaging options for the configured backends.
func (b *backends) serviceOptions() []messaging.Option {
	if b.publisher == nil {
		return nil
	}
	return []messaging.Option{messaging.WithPublisher(b.publisher)}
}

// ping reports whether the persistence backend is reachable.
func (b *backends) ping(ctx context.Context) error {
	switch b.kind {
	case backendPostgres:
		return PingDB(ctx, b.pool, 2*time.Second)
	case backendMongo:
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return b.mongo.Ping(ctx, nil)
	default:
		return nil
	}
}

// Close releases every resource. Safe on a partially opened set.
func (b *backends) Close(ctx context.Context) error {
	var errs []error
	if b.publisher != nil {
		errs = append(errs, b.publisher.Close())
	}
	if b.messages != nil {
		errs = append(errs, b.messages.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.mongo != nil {
		errs = append(errs, b.mongo.Disconnect(ctx))
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return errors.Join(errs...)
}
