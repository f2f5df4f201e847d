// Package memory implements the storage contract with an in-process document
// engine. It supports the filter and update operators the framework relies on
// ($eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists, $or, $elemMatch for
// filters; $set, $unset, $inc, $push, $pull for updates, including the "$"
// positional and "$[]" all-elements segments) and keeps every update atomic
// under a collection mutex, so conditional update races behave exactly as
// they do against a real document store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apiforge/apiforge/internal/storage"
)

// Database is an in-memory storage.Database.
type Database struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewDatabase creates an empty database.
func NewDatabase() *Database {
	return &Database{collections: make(map[string]*Collection)}
}

// Collection returns an existing collection or storage.ErrCollectionNotFound.
func (d *Database) Collection(_ context.Context, name string) (storage.Collection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	coll, ok := d.collections[name]
	if !ok {
		return nil, storage.ErrCollectionNotFound
	}
	return coll, nil
}

// CreateCollection creates the named collection; creating twice is an error.
func (d *Database) CreateCollection(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.collections[name]; ok {
		return storage.ErrCollectionExists
	}
	d.collections[name] = newCollection(name)
	return nil
}

// MustCollection creates (if needed) and returns a collection. Test helper.
func (d *Database) MustCollection(name string) *Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	coll, ok := d.collections[name]
	if !ok {
		coll = newCollection(name)
		d.collections[name] = coll
	}
	return coll
}

// Collection is an in-memory document collection.
type Collection struct {
	name string

	mu      sync.Mutex
	docs    []storage.M
	indexes map[string]storage.IndexModel
}

func newCollection(name string) *Collection {
	return &Collection{name: name, indexes: make(map[string]storage.IndexModel)}
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) InsertOne(_ context.Context, doc storage.M) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := deepCopy(doc).(storage.M)
	if _, ok := copied["_id"]; !ok {
		copied["_id"] = uuid.NewString()
	}
	c.docs = append(c.docs, copied)
	return copied["_id"], nil
}

func (c *Collection) Find(_ context.Context, filter storage.M, opts *storage.FindOptions) ([]storage.M, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []storage.M
	for _, doc := range c.docs {
		if matches(doc, filter, nil) {
			result = append(result, deepCopy(doc).(storage.M))
		}
	}
	if opts != nil {
		applySort(result, opts.Sort)
		if opts.Skip > 0 {
			if opts.Skip >= int64(len(result)) {
				result = nil
			} else {
				result = result[opts.Skip:]
			}
		}
		if opts.Limit > 0 && int64(len(result)) > opts.Limit {
			result = result[:opts.Limit]
		}
	}
	return result, nil
}

func (c *Collection) FindOne(ctx context.Context, filter storage.M) (storage.M, error) {
	docs, err := c.Find(ctx, filter, &storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, storage.ErrNotFound
	}
	return docs[0], nil
}

func (c *Collection) Count(_ context.Context, filter storage.M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter, nil) {
			n++
		}
	}
	return n, nil
}

func (c *Collection) Distinct(_ context.Context, field string, filter storage.M) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	var values []any
	for _, doc := range c.docs {
		if !matches(doc, filter, nil) {
			continue
		}
		for _, v := range resolveAll(doc, strings.Split(field, ".")) {
			key := stringKey(v)
			if !seen[key] {
				seen[key] = true
				values = append(values, deepCopy(v))
			}
		}
	}
	return values, nil
}

func (c *Collection) UpdateOne(_ context.Context, filter, update storage.M) (storage.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		pos := positions{}
		if matches(doc, filter, pos) {
			c.docs[i] = applyUpdate(doc, update, pos)
			return storage.UpdateResult{Matched: 1, Modified: 1}, nil
		}
	}
	return storage.UpdateResult{}, nil
}

func (c *Collection) UpdateMany(_ context.Context, filter, update storage.M) (storage.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res storage.UpdateResult
	for i, doc := range c.docs {
		pos := positions{}
		if matches(doc, filter, pos) {
			c.docs[i] = applyUpdate(doc, update, pos)
			res.Matched++
			res.Modified++
		}
	}
	return res, nil
}

func (c *Collection) DeleteOne(_ context.Context, filter storage.M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		if matches(doc, filter, nil) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *Collection) DeleteMany(_ context.Context, filter storage.M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []storage.M
	var deleted int64
	for _, doc := range c.docs {
		if matches(doc, filter, nil) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return deleted, nil
}

func (c *Collection) FindOneAndUpdate(_ context.Context, filter, update storage.M, returnNew bool) (storage.M, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		pos := positions{}
		if matches(doc, filter, pos) {
			before := deepCopy(doc).(storage.M)
			c.docs[i] = applyUpdate(doc, update, pos)
			if returnNew {
				return deepCopy(c.docs[i]).(storage.M), nil
			}
			return before, nil
		}
	}
	return nil, storage.ErrNoMatch
}

func (c *Collection) EnsureIndex(_ context.Context, index storage.IndexModel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indexes[index.Name]; ok {
		return storage.ErrIndexExists
	}
	c.indexes[index.Name] = index
	return nil
}

// Indexes returns the registered index definitions. Test helper.
func (c *Collection) Indexes() []storage.IndexModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]storage.IndexModel, 0, len(c.indexes))
	for _, idx := range c.indexes {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- matching ---------------------------------------------------------------

// positions records, per array field path, the index of the first element
// matched by an $elemMatch condition. Consumed by the "$" positional segment.
type positions map[string]int

func matches(doc storage.M, filter storage.M, pos positions) bool {
	for key, cond := range filter {
		switch key {
		case "$or":
			if !matchOr(doc, cond, pos) {
				return false
			}
		case "$and":
			branches, ok := cond.([]any)
			if !ok {
				return false
			}
			for _, b := range branches {
				f, ok := b.(storage.M)
				if !ok || !matches(doc, f, pos) {
					return false
				}
			}
		default:
			if !matchField(doc, key, cond, pos) {
				return false
			}
		}
	}
	return true
}

func matchOr(doc storage.M, cond any, pos positions) bool {
	branches, ok := cond.([]any)
	if !ok {
		return false
	}
	for _, b := range branches {
		f, ok := b.(storage.M)
		if ok && matches(doc, f, pos) {
			return true
		}
	}
	return false
}

func matchField(doc storage.M, path string, cond any, pos positions) bool {
	segments := strings.Split(path, ".")
	candidates := resolveAll(doc, segments)
	exists := len(candidates) > 0

	if condMap, ok := cond.(storage.M); ok && isOperatorMap(condMap) {
		return matchOperators(doc, path, candidates, exists, condMap, pos)
	}
	// Plain equality: matches when any candidate (or any element of an array
	// candidate) equals the condition.
	return anyEquals(candidates, cond)
}

func matchOperators(doc storage.M, path string, candidates []any, exists bool, ops storage.M, pos positions) bool {
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !anyEquals(candidates, arg) {
				return false
			}
		case "$ne":
			if anyEquals(candidates, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if exists != want {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !anyCompares(candidates, op, arg) {
				return false
			}
		case "$in":
			list, ok := arg.([]any)
			if !ok || !anyInList(candidates, list) {
				return false
			}
		case "$nin":
			list, ok := arg.([]any)
			if !ok || anyInList(candidates, list) {
				return false
			}
		case "$size":
			n, ok := toFloat(arg)
			if !ok || !anySize(candidates, int(n)) {
				return false
			}
		case "$elemMatch":
			sub, ok := arg.(storage.M)
			if !ok || !matchElem(doc, path, sub, pos) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// matchElem finds the first element of the array at path satisfying sub and
// records its index for positional updates.
func matchElem(doc storage.M, path string, sub storage.M, pos positions) bool {
	value, ok := resolveOne(doc, strings.Split(path, "."))
	if !ok {
		return false
	}
	arr, ok := value.([]any)
	if !ok {
		return false
	}
	for i, el := range arr {
		elDoc, ok := el.(storage.M)
		if !ok {
			continue
		}
		if matches(elDoc, sub, nil) {
			if pos != nil {
				pos[path] = i
			}
			return true
		}
	}
	return false
}

func isOperatorMap(m storage.M) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// resolveOne walks segments strictly: numeric segments index arrays, other
// segments index maps.
func resolveOne(v any, segments []string) (any, bool) {
	cur := v
	for _, seg := range segments {
		switch t := cur.(type) {
		case storage.M:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// resolveAll walks segments with array fan-out: a non-numeric segment applied
// to an array of documents collects the value from every element, matching
// document-store traversal semantics.
func resolveAll(v any, segments []string) []any {
	if len(segments) == 0 {
		return []any{v}
	}
	seg, rest := segments[0], segments[1:]
	switch t := v.(type) {
	case storage.M:
		next, ok := t[seg]
		if !ok {
			return nil
		}
		return resolveAll(next, rest)
	case []any:
		if i, err := strconv.Atoi(seg); err == nil {
			if i < 0 || i >= len(t) {
				return nil
			}
			return resolveAll(t[i], rest)
		}
		var out []any
		for _, el := range t {
			out = append(out, resolveAll(el, segments)...)
		}
		return out
	default:
		return nil
	}
}

func anyEquals(candidates []any, want any) bool {
	for _, c := range candidates {
		if valueEquals(c, want) {
			return true
		}
		if arr, ok := c.([]any); ok {
			for _, el := range arr {
				if valueEquals(el, want) {
					return true
				}
			}
		}
	}
	return false
}

func anyInList(candidates []any, list []any) bool {
	for _, want := range list {
		if anyEquals(candidates, want) {
			return true
		}
	}
	return false
}

func anyCompares(candidates []any, op string, arg any) bool {
	for _, c := range candidates {
		cmp, ok := compare(c, arg)
		if !ok {
			continue
		}
		switch op {
		case "$gt":
			if cmp > 0 {
				return true
			}
		case "$gte":
			if cmp >= 0 {
				return true
			}
		case "$lt":
			if cmp < 0 {
				return true
			}
		case "$lte":
			if cmp <= 0 {
				return true
			}
		}
	}
	return false
}

func anySize(candidates []any, n int) bool {
	for _, c := range candidates {
		if arr, ok := c.([]any); ok && len(arr) == n {
			return true
		}
	}
	return false
}

func valueEquals(a, b any) bool {
	if an, ok := toFloat(a); ok {
		if bn, ok := toFloat(b); ok {
			return an == bn
		}
		return false
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
		return false
	}
	if am, ok := a.(storage.M); ok {
		bm, ok := b.(storage.M)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			if !valueEquals(av, bm[k]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func compare(a, b any) (int, bool) {
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// --- updates ----------------------------------------------------------------

func applyUpdate(doc storage.M, update storage.M, pos positions) storage.M {
	out := deepCopy(doc).(storage.M)
	for op, arg := range update {
		fields, ok := arg.(storage.M)
		if !ok {
			continue
		}
		switch op {
		case "$set":
			for path, v := range fields {
				setPath(out, expandPath(path, pos), deepCopy(v))
			}
		case "$unset":
			for path := range fields {
				unsetPath(out, expandPath(path, pos))
			}
		case "$inc":
			for path, v := range fields {
				segs := expandPath(path, pos)
				delta, _ := toFloat(v)
				cur, _ := resolveOne(out, segs)
				base, _ := toFloat(cur)
				setPath(out, segs, base+delta)
			}
		case "$push":
			for path, v := range fields {
				pushPath(out, expandPath(path, pos), deepCopy(v))
			}
		case "$pull":
			for path, cond := range fields {
				pullPath(out, expandPath(path, pos), cond)
			}
		}
	}
	return out
}

// expandPath replaces the "$" positional segment with the index recorded at
// match time for the owning array path.
func expandPath(path string, pos positions) []string {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		if seg != "$" {
			continue
		}
		arrayPath := strings.Join(segments[:i], ".")
		if idx, ok := pos[arrayPath]; ok {
			segments[i] = strconv.Itoa(idx)
		} else {
			segments[i] = "0"
		}
	}
	return segments
}

// setPath writes v at the segment path, creating intermediate maps. The "$[]"
// segment fans out over every array element.
func setPath(v any, segments []string, value any) {
	walkUpdatePath(v, segments, func(parent storage.M, key string) {
		parent[key] = value
	})
}

func unsetPath(v any, segments []string) {
	walkUpdatePath(v, segments, func(parent storage.M, key string) {
		delete(parent, key)
	})
}

func pushPath(v any, segments []string, value any) {
	walkUpdatePath(v, segments, func(parent storage.M, key string) {
		arr, _ := parent[key].([]any)
		parent[key] = append(arr, value)
	})
}

func pullPath(v any, segments []string, cond any) {
	walkUpdatePath(v, segments, func(parent storage.M, key string) {
		arr, ok := parent[key].([]any)
		if !ok {
			return
		}
		var kept []any
		for _, el := range arr {
			if !pullMatches(el, cond) {
				kept = append(kept, el)
			}
		}
		if kept == nil {
			kept = []any{}
		}
		parent[key] = kept
	})
}

// pullMatches decides whether an array element matches a $pull condition:
// an operator map applies to the element value, a plain map is a partial
// document match, anything else is scalar equality.
func pullMatches(el any, cond any) bool {
	if condMap, ok := cond.(storage.M); ok {
		if isOperatorMap(condMap) {
			return matchOperators(nil, "", []any{el}, true, condMap, nil)
		}
		elDoc, ok := el.(storage.M)
		if !ok {
			return false
		}
		return matches(elDoc, condMap, nil)
	}
	return valueEquals(el, cond)
}

// walkUpdatePath walks to the parent of the final segment and invokes apply.
// Intermediate maps are created on demand; "$[]" fans out across arrays.
func walkUpdatePath(v any, segments []string, apply func(parent storage.M, key string)) {
	if len(segments) == 0 {
		return
	}
	if len(segments) == 1 {
		if m, ok := v.(storage.M); ok {
			apply(m, segments[0])
		}
		return
	}
	seg, rest := segments[0], segments[1:]
	switch t := v.(type) {
	case storage.M:
		next, ok := t[seg]
		if !ok {
			next = storage.M{}
			t[seg] = next
		}
		walkUpdatePath(next, rest, apply)
	case []any:
		if seg == "$[]" {
			for _, el := range t {
				walkUpdatePath(el, rest, apply)
			}
			return
		}
		if i, err := strconv.Atoi(seg); err == nil && i >= 0 && i < len(t) {
			walkUpdatePath(t[i], rest, apply)
		}
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case storage.M:
		out := make(storage.M, len(t))
		for k, cv := range t {
			out[k] = deepCopy(cv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, cv := range t {
			out[i] = deepCopy(cv)
		}
		return out
	default:
		return v
	}
}

func applySort(docs []storage.M, by storage.M) {
	if len(by) == 0 {
		return
	}
	var field string
	order := 1
	for k, v := range by {
		field = k
		if n, ok := toFloat(v); ok && n < 0 {
			order = -1
		}
		break
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := resolveOne(docs[i], strings.Split(field, "."))
		b, _ := resolveOne(docs[j], strings.Split(field, "."))
		cmp, ok := compare(a, b)
		if !ok {
			return false
		}
		if order < 0 {
			return cmp > 0
		}
		return cmp < 0
	})
}

func stringKey(v any) string {
	if n, ok := toFloat(v); ok {
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64)
	}
	if s, ok := v.(string); ok {
		return "s:" + s
	}
	return "o:" + fmt.Sprintf("%v", v)
}
