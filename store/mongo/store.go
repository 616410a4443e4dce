// Package mongo implements job.Store on MongoDB. Conditional transitions
// use filtered single-document updates, so the claim and terminal writes
// are atomic without transactions.
//
// Usage:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	s := mongostore.New(client.Database("floq"))
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/floqueue/floq/job"
)

const colJobs = "floq_jobs"

var _ job.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements job.Store backed by MongoDB.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// New creates a MongoDB-backed store. The caller owns the client lifecycle;
// Store never disconnects it.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// col returns the jobs collection.
func (s *Store) col() *mongod.Collection { return s.db.Collection(colJobs) }

// Migrate creates the indexes the conditional updates and sweep scans rely on.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := []mongod.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "heartbeat_at", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}}},
	}
	if _, err := s.col().Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("floq/mongo: migrate indexes: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op; the caller owns the client lifecycle.
func (s *Store) Close(_ context.Context) error { return nil }

// now returns the current UTC time truncated to millisecond precision,
// matching what BSON datetimes can represent.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// isNoDocuments reports whether err means no matching document.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// findOpts pages and sorts a list query.
func findOpts(opts job.ListOpts, sort bson.D) *options.FindOptionsBuilder {
	fo := options.Find().SetSort(sort)
	if opts.Limit > 0 {
		fo.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		fo.SetSkip(int64(opts.Offset))
	}
	return fo
}
