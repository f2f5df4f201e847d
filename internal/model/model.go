// Package model binds a named schema tree to a storage collection. Every
// write goes through the schema validator; every filter-accepting call is
// gated on the model's shard key.
package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/apiforge/apiforge/internal/apperr"
	"github.com/apiforge/apiforge/internal/flatten"
	"github.com/apiforge/apiforge/internal/logging"
	"github.com/apiforge/apiforge/internal/schema"
	"github.com/apiforge/apiforge/internal/storage"
)

// Definition declares a model. Structure is immutable after New, except for
// lazily resolved schema Extend fragments which splice themselves in on first
// validation.
type Definition struct {
	Name           string
	Version        string
	CollectionName string
	DBName         string

	// ShardKey lists the fields every query filter must carry.
	ShardKey map[string]int

	CompoundIndexes []CompoundIndex
	TextIndexes     []TextIndex

	Schema schema.Tree
}

// CompoundIndex declares a multi-field index. An empty Name gets the default
// derived from the key paths.
type CompoundIndex struct {
	Name   string
	Keys   []storage.IndexKey
	Unique bool
	Sparse bool
}

// TextIndex declares a text index over the listed fields.
type TextIndex struct {
	Name   string
	Fields []string
}

// Model is a loaded, immutable model bound to a database.
type Model struct {
	def Definition
	db  storage.Database
	log *logging.Logger

	collMu sync.Mutex
	coll   storage.Collection
}

// New validates the definition and creates the model. Definition faults are
// configuration errors: they abort startup.
func New(def Definition, db storage.Database, log *logging.Logger) (*Model, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, apperr.Configf("model requires a name")
	}
	if strings.TrimSpace(def.CollectionName) == "" {
		return nil, apperr.Configf("model %s requires a collection name", def.Name)
	}
	if def.Schema == nil {
		return nil, apperr.Configf("model %s requires a schema", def.Name)
	}
	if db == nil {
		return nil, apperr.Configf("model %s requires a database", def.Name)
	}
	return &Model{def: def, db: db, log: log.Component("model." + def.Name)}, nil
}

// Name returns the model name.
func (m *Model) Name() string { return m.def.Name }

// Version returns the model version.
func (m *Model) Version() string { return m.def.Version }

// Schema returns the model's schema tree.
func (m *Model) Schema() schema.Tree { return m.def.Schema }

// Collection lazily resolves the backing collection and memoizes the handle.
// Strict lookup first; on a miss the collection is created and re-resolved.
// When a concurrent creator wins the creation race, the final lookup still
// succeeds.
func (m *Model) Collection(ctx context.Context) (storage.Collection, error) {
	m.collMu.Lock()
	defer m.collMu.Unlock()
	if m.coll != nil {
		return m.coll, nil
	}

	coll, err := m.db.Collection(ctx, m.def.CollectionName)
	if errors.Is(err, storage.ErrCollectionNotFound) {
		createErr := m.db.CreateCollection(ctx, m.def.CollectionName)
		if createErr != nil && !errors.Is(createErr, storage.ErrCollectionExists) {
			return nil, fmt.Errorf("create collection %s: %w", m.def.CollectionName, createErr)
		}
		coll, err = m.db.Collection(ctx, m.def.CollectionName)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve collection %s: %w", m.def.CollectionName, err)
	}
	m.coll = coll
	return coll, nil
}

// --- validation -------------------------------------------------------------

// ValidateOptions widens schema.Options with the per-operator overrides used
// when the input wraps payloads in update operators.
type ValidateOptions struct {
	Partial bool
	Query   bool

	// Flat overrides the output shape. Unset, it defaults to flat when the
	// input carried update operators and nested otherwise.
	Flat *bool

	// OperatorPartial overrides Partial for a specific operator key.
	OperatorPartial map[string]bool

	// OperatorValidate set to false passes that operator's payload through
	// without validation.
	OperatorValidate map[string]bool
}

// Validate runs the schema validator. When top-level keys are $-prefixed
// update operators, each operator's payload is validated independently and
// reassembled under its original key; a failing operator is dropped from the
// reassembly without poisoning the others, and its field errors are carried
// in the returned ValidationError.
func (m *Model) Validate(values map[string]any, opts ValidateOptions) (map[string]any, error) {
	operators := operatorKeys(values)
	if len(operators) == 0 {
		return schema.Validate(values, m.def.Schema, schema.Options{
			Partial: opts.Partial,
			Query:   opts.Query,
			Flat:    opts.Flat != nil && *opts.Flat,
		})
	}

	flat := true
	if opts.Flat != nil {
		flat = *opts.Flat
	}

	out := make(map[string]any, len(values))
	var fieldErrs []apperr.FieldError
	for _, op := range operators {
		payload, ok := values[op].(map[string]any)
		if !ok {
			fieldErrs = append(fieldErrs, apperr.FieldError{
				Code: apperr.CodeInternalError,
				ID:   op,
				Msg:  "operator payload must be an object",
			})
			continue
		}
		if validate, declared := opts.OperatorValidate[op]; declared && !validate {
			out[op] = payload
			continue
		}
		partial := opts.Partial
		if override, declared := opts.OperatorPartial[op]; declared {
			partial = override
		}
		validated, err := schema.Validate(payload, m.def.Schema, schema.Options{
			Partial: partial,
			Query:   opts.Query,
			Flat:    flat,
		})
		if err != nil {
			if ve, ok := apperr.AsValidation(err); ok {
				fieldErrs = append(fieldErrs, ve.Errors...)
				continue
			}
			return nil, err
		}
		out[op] = validated
	}

	// Plain fields travelling beside operators validate as one extra payload.
	plain := make(map[string]any)
	for k, v := range values {
		if !strings.HasPrefix(k, "$") {
			plain[k] = v
		}
	}
	if len(plain) > 0 {
		validated, err := schema.Validate(plain, m.def.Schema, schema.Options{
			Partial: opts.Partial,
			Query:   opts.Query,
			Flat:    flat,
		})
		if err != nil {
			if ve, ok := apperr.AsValidation(err); ok {
				fieldErrs = append(fieldErrs, ve.Errors...)
			} else {
				return nil, err
			}
		} else {
			for k, v := range validated {
				out[k] = v
			}
		}
	}

	if len(fieldErrs) > 0 {
		return out, &apperr.ValidationError{Errors: fieldErrs}
	}
	return out, nil
}

func operatorKeys(values map[string]any) []string {
	var ops []string
	for k := range values {
		if strings.HasPrefix(k, "$") {
			ops = append(ops, k)
		}
	}
	sort.Strings(ops)
	return ops
}

// --- shard gate -------------------------------------------------------------

// QueryOption adjusts one CRUD call.
type QueryOption func(*queryOptions)

type queryOptions struct {
	ignoreShardKey bool
	find           *storage.FindOptions
}

// IgnoreShardKey disables the shard-key precondition for one call.
func IgnoreShardKey() QueryOption {
	return func(o *queryOptions) { o.ignoreShardKey = true }
}

// WithFindOptions attaches sort/limit/skip/projection to a Find call.
func WithFindOptions(fo *storage.FindOptions) QueryOption {
	return func(o *queryOptions) { o.find = fo }
}

func applyQueryOptions(opts []QueryOption) queryOptions {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// checkShardKey fails fast when the model declares a shard key and the filter
// does not carry every shard-key field. Runs before the query reaches storage.
func (m *Model) checkShardKey(filter storage.M, o queryOptions) error {
	if len(m.def.ShardKey) == 0 || o.ignoreShardKey {
		return nil
	}
	flat := flatten.Flatten(filter)
	var missing []string
	for field := range m.def.ShardKey {
		if shardFieldPresent(flat, field) {
			continue
		}
		missing = append(missing, field)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("model %s: query filter is missing shard key field(s): %s",
			m.def.Name, strings.Join(missing, ", "))
	}
	return nil
}

func shardFieldPresent(flat map[string]any, field string) bool {
	if _, ok := flat[field]; ok {
		return true
	}
	prefix := field + "."
	for k := range flat {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// --- CRUD passthrough -------------------------------------------------------

func (m *Model) Find(ctx context.Context, filter storage.M, opts ...QueryOption) ([]storage.M, error) {
	o := applyQueryOptions(opts)
	if err := m.checkShardKey(filter, o); err != nil {
		return nil, err
	}
	coll, err := m.Collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Find(ctx, filter, o.find)
}

func (m *Model) FindOne(ctx context.Context, filter storage.M, opts ...QueryOption) (storage.M, error) {
	o := applyQueryOptions(opts)
	if err := m.checkShardKey(filter, o); err != nil {
		return nil, err
	}
	coll, err := m.Collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.FindOne(ctx, filter)
}

func (m *Model) Count(ctx context.Context, filter storage.M, opts ...QueryOption) (int64, error) {
	o := applyQueryOptions(opts)
	if err := m.checkShardKey(filter, o); err != nil {
		return 0, err
	}
	coll, err := m.Collection(ctx)
	if err != nil {
		return 0, err
	}
	return coll.Count(ctx, filter)
}

func (m *Model) Distinct(ctx context.Context, field string, filter storage.M, opts ...QueryOption) ([]any, error) {
	o := applyQueryOptions(opts)
	if err := m.checkShardKey(filter, o); err != nil {
		return nil, err
	}
	coll, err := m.Collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Distinct(ctx, field, filter)
}

func (m *Model) InsertOne(ctx context.Context, doc storage.M) (any, error) {
	coll, err := m.Collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.InsertOne(ctx, doc)
}

func (m *Model) UpdateOne(ctx context.Context, filter, update storage.M, opts ...QueryOption) (storage.UpdateResult, error) {
	o := applyQueryOptions(opts)
	if err := m.checkShardKey(filter, o); err != nil {
		return storage.UpdateResult{}, err
	}
	coll, err := m.Collection(ctx)
	if err != nil {
		return storage.UpdateResult{}, err
	}
	return coll.UpdateOne(ctx, filter, update)
}

func (m *Model) UpdateMany(ctx context.Context, filter, update storage.M, opts ...QueryOption) (storage.UpdateResult, error) {
	o := applyQueryOptions(opts)
	if err := m.checkShardKey(filter, o); err != nil {
		return storage.UpdateResult{}, err
	}
	coll, err := m.Collection(ctx)
	if err != nil {
		return storage.UpdateResult{}, err
	}
	return coll.UpdateMany(ctx, filter, update)
}

func (m *Model) DeleteOne(ctx context.Context, filter storage.M, opts ...QueryOption) (int64, error) {
	o := applyQueryOptions(opts)
	if err := m.checkShardKey(filter, o); err != nil {
		return 0, err
	}
	coll, err := m.Collection(ctx)
	if err != nil {
		return 0, err
	}
	return coll.DeleteOne(ctx, filter)
}

func (m *Model) DeleteMany(ctx context.Context, filter storage.M, opts ...QueryOption) (int64, error) {
	o := applyQueryOptions(opts)
	if err := m.checkShardKey(filter, o); err != nil {
		return 0, err
	}
	coll, err := m.Collection(ctx)
	if err != nil {
		return 0, err
	}
	return coll.DeleteMany(ctx, filter)
}

func (m *Model) FindOneAndUpdate(ctx context.Context, filter, update storage.M, returnNew bool, opts ...QueryOption) (storage.M, error) {
	o := applyQueryOptions(opts)
	if err := m.checkShardKey(filter, o); err != nil {
		return nil, err
	}
	coll, err := m.Collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.FindOneAndUpdate(ctx, filter, update, returnNew)
}
