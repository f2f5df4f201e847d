// Package mongodb adapts a MongoDB database to the storage contract. Filters
// and updates pass through unchanged since the framework already speaks the
// document-store operator dialect.
package mongodb

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/apiforge/apiforge/internal/storage"
)

// Database wraps a *mongo.Database.
type Database struct {
	db *mongo.Database
}

// NewDatabase creates an adapter over db.
func NewDatabase(db *mongo.Database) *Database {
	return &Database{db: db}
}

// Collection performs a strict lookup: the collection must already exist.
func (d *Database) Collection(ctx context.Context, name string) (storage.Collection, error) {
	names, err := d.db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, storage.ErrCollectionNotFound
	}
	return &Collection{coll: d.db.Collection(name)}, nil
}

// CreateCollection creates the named collection, mapping the namespace-exists
// server error to storage.ErrCollectionExists.
func (d *Database) CreateCollection(ctx context.Context, name string) error {
	err := d.db.CreateCollection(ctx, name)
	if err == nil {
		return nil
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 48 { // NamespaceExists
		return storage.ErrCollectionExists
	}
	return err
}

// Collection wraps a *mongo.Collection.
type Collection struct {
	coll *mongo.Collection
}

func (c *Collection) Name() string { return c.coll.Name() }

func (c *Collection) InsertOne(ctx context.Context, doc storage.M) (any, error) {
	res, err := c.coll.InsertOne(ctx, bson.M(doc))
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

func (c *Collection) Find(ctx context.Context, filter storage.M, fo *storage.FindOptions) ([]storage.M, error) {
	opts := options.Find()
	if fo != nil {
		if len(fo.Sort) > 0 {
			opts.SetSort(bson.M(fo.Sort))
		}
		if fo.Limit > 0 {
			opts.SetLimit(fo.Limit)
		}
		if fo.Skip > 0 {
			opts.SetSkip(fo.Skip)
		}
		if len(fo.Projection) > 0 {
			opts.SetProjection(bson.M(fo.Projection))
		}
	}
	cursor, err := c.coll.Find(ctx, normalizeFilter(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []storage.M
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, normalizeDoc(doc))
	}
	return out, cursor.Err()
}

func (c *Collection) FindOne(ctx context.Context, filter storage.M) (storage.M, error) {
	var doc bson.M
	err := c.coll.FindOne(ctx, normalizeFilter(filter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return normalizeDoc(doc), nil
}

func (c *Collection) Count(ctx context.Context, filter storage.M) (int64, error) {
	return c.coll.CountDocuments(ctx, normalizeFilter(filter))
}

func (c *Collection) Distinct(ctx context.Context, field string, filter storage.M) ([]any, error) {
	return c.coll.Distinct(ctx, field, normalizeFilter(filter))
}

func (c *Collection) UpdateOne(ctx context.Context, filter, update storage.M) (storage.UpdateResult, error) {
	res, err := c.coll.UpdateOne(ctx, normalizeFilter(filter), bson.M(update))
	if err != nil {
		return storage.UpdateResult{}, err
	}
	return storage.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update storage.M) (storage.UpdateResult, error) {
	res, err := c.coll.UpdateMany(ctx, normalizeFilter(filter), bson.M(update))
	if err != nil {
		return storage.UpdateResult{}, err
	}
	return storage.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (c *Collection) DeleteOne(ctx context.Context, filter storage.M) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, normalizeFilter(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter storage.M) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, normalizeFilter(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update storage.M, returnNew bool) (storage.M, error) {
	opts := options.FindOneAndUpdate()
	if returnNew {
		opts.SetReturnDocument(options.After)
	} else {
		opts.SetReturnDocument(options.Before)
	}
	var doc bson.M
	err := c.coll.FindOneAndUpdate(ctx, normalizeFilter(filter), bson.M(update), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return normalizeDoc(doc), nil
}

func (c *Collection) EnsureIndex(ctx context.Context, index storage.IndexModel) error {
	keys := bson.D{}
	for _, k := range index.Keys {
		if index.Text {
			keys = append(keys, bson.E{Key: k.Field, Value: "text"})
			continue
		}
		order := k.Order
		if order == 0 {
			order = 1
		}
		keys = append(keys, bson.E{Key: k.Field, Value: order})
	}
	opts := options.Index().SetName(index.Name)
	if index.Unique {
		opts.SetUnique(true)
	}
	if index.Sparse {
		opts.SetSparse(true)
	}
	_, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: opts})
	if err == nil {
		return nil
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		// IndexOptionsConflict / IndexKeySpecsConflict: an equivalent or
		// conflicting index already exists.
		if cmdErr.Code == 85 || cmdErr.Code == 86 {
			return storage.ErrIndexExists
		}
	}
	if strings.Contains(err.Error(), "already exists") {
		return storage.ErrIndexExists
	}
	return err
}

// normalizeFilter leaves the caller's operator structure intact; it exists so
// a nil filter still matches everything.
func normalizeFilter(filter storage.M) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return bson.M(filter)
}

// normalizeDoc converts driver decode artifacts (bson.D, primitive.A,
// primitive.DateTime) back into the plain map/slice shapes the framework
// works with.
func normalizeDoc(doc bson.M) storage.M {
	out := make(storage.M, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return normalizeDoc(t)
	case bson.D:
		m := make(storage.M, len(t))
		for _, e := range t {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case primitive.A:
		arr := make([]any, len(t))
		for i, el := range t {
			arr[i] = normalizeValue(el)
		}
		return arr
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
