// Package storage defines the document-store contract the framework consumes.
// Implementations must provide conditional atomic update-with-match-and-modify
// semantics; every cron coordination race is resolved by that guarantee.
package storage

import (
	"context"
	"errors"
)

// M is a document, filter, or update payload in mongo-style map form.
type M = map[string]any

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("storage: document not found")

// ErrNoMatch is returned by FindOneAndUpdate when the filter precondition
// matched no document. Callers treat this as "lost the race", not a fault.
var ErrNoMatch = errors.New("storage: no document matched the update precondition")

// ErrIndexExists is returned by EnsureIndex when an equivalent index already
// exists. Index creation tolerates this race.
var ErrIndexExists = errors.New("storage: index already exists")

// ErrCollectionNotFound is returned by strict collection lookup.
var ErrCollectionNotFound = errors.New("storage: collection not found")

// ErrCollectionExists is returned by CreateCollection when the collection
// already exists, typically because a concurrent caller created it first.
var ErrCollectionExists = errors.New("storage: collection already exists")

// IndexKey is one field of an index definition. Order is 1 or -1.
type IndexKey struct {
	Field string
	Order int
}

// IndexModel describes a single, compound, or text index.
type IndexModel struct {
	Name       string
	Keys       []IndexKey
	Unique     bool
	Sparse     bool
	Text       bool
	Background bool
}

// FindOptions narrows a Find call.
type FindOptions struct {
	Sort       M
	Limit      int64
	Skip       int64
	Projection M
}

// UpdateResult reports how many documents an update touched.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// Collection is one document collection. All operations are safe for
// concurrent use.
type Collection interface {
	Name() string

	InsertOne(ctx context.Context, doc M) (id any, err error)
	Find(ctx context.Context, filter M, opts *FindOptions) ([]M, error)
	FindOne(ctx context.Context, filter M) (M, error)
	Count(ctx context.Context, filter M) (int64, error)
	Distinct(ctx context.Context, field string, filter M) ([]any, error)
	UpdateOne(ctx context.Context, filter, update M) (UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update M) (UpdateResult, error)
	DeleteOne(ctx context.Context, filter M) (int64, error)
	DeleteMany(ctx context.Context, filter M) (int64, error)

	// FindOneAndUpdate applies update to the first document matching filter
	// and returns the document (the updated version when returnNew is true).
	// The filter acts as an atomic precondition: concurrent callers cannot
	// both succeed past a condition the update invalidates.
	FindOneAndUpdate(ctx context.Context, filter, update M, returnNew bool) (M, error)

	EnsureIndex(ctx context.Context, index IndexModel) error
}

// Database resolves collections by name. Lookup is strict so the model layer
// can implement its create-then-lookup fallback.
type Database interface {
	// Collection returns an existing collection or ErrCollectionNotFound.
	Collection(ctx context.Context, name string) (Collection, error)

	// CreateCollection creates the named collection. Creating an existing
	// collection is an error; callers fall back to lookup.
	CreateCollection(ctx context.Context, name string) error
}
