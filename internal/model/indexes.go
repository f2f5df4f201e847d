package model

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/apiforge/apiforge/internal/schema"
	"github.com/apiforge/apiforge/internal/storage"
)

// GetSingleIndexes derives one index per schema node carrying an index,
// unique, or sparse marker. Unique implies index.
func (m *Model) GetSingleIndexes() []storage.IndexModel {
	var out []storage.IndexModel
	walkIndexNodes("", m.def.Schema, func(path string, node *schema.Node) {
		if !node.Index && !node.Unique {
			return
		}
		out = append(out, storage.IndexModel{
			Name:   defaultIndexName(path),
			Keys:   []storage.IndexKey{{Field: path, Order: 1}},
			Unique: node.Unique,
			Sparse: node.Sparse,
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetCompoundIndexes returns the declared compound indexes with default names
// filled in.
func (m *Model) GetCompoundIndexes() []storage.IndexModel {
	out := make([]storage.IndexModel, 0, len(m.def.CompoundIndexes))
	for _, ci := range m.def.CompoundIndexes {
		name := ci.Name
		if name == "" {
			paths := make([]string, len(ci.Keys))
			for i, k := range ci.Keys {
				paths[i] = k.Field
			}
			name = defaultIndexName(strings.Join(paths, ""))
		}
		out = append(out, storage.IndexModel{
			Name:   name,
			Keys:   ci.Keys,
			Unique: ci.Unique,
			Sparse: ci.Sparse,
		})
	}
	return out
}

// GetTextIndexes combines schema nodes carrying the text marker into one text
// index and appends the declared text indexes.
func (m *Model) GetTextIndexes() []storage.IndexModel {
	var fields []string
	walkIndexNodes("", m.def.Schema, func(path string, node *schema.Node) {
		if node.Text {
			fields = append(fields, path)
		}
	})
	sort.Strings(fields)

	var out []storage.IndexModel
	if len(fields) > 0 {
		keys := make([]storage.IndexKey, len(fields))
		for i, f := range fields {
			keys[i] = storage.IndexKey{Field: f}
		}
		out = append(out, storage.IndexModel{
			Name: defaultIndexName(strings.Join(fields, "") + "text"),
			Keys: keys,
			Text: true,
		})
	}
	for _, ti := range m.def.TextIndexes {
		name := ti.Name
		if name == "" {
			name = defaultIndexName(strings.Join(ti.Fields, "") + "text")
		}
		keys := make([]storage.IndexKey, len(ti.Fields))
		for i, f := range ti.Fields {
			keys[i] = storage.IndexKey{Field: f}
		}
		out = append(out, storage.IndexModel{Name: name, Keys: keys, Text: true})
	}
	return out
}

// GetIndexes returns every index of the model: single, compound, then text.
func (m *Model) GetIndexes() []storage.IndexModel {
	var out []storage.IndexModel
	out = append(out, m.GetSingleIndexes()...)
	out = append(out, m.GetCompoundIndexes()...)
	out = append(out, m.GetTextIndexes()...)
	return out
}

// EnsureAllIndexes creates every derived index, tolerating the
// already-exists race.
func (m *Model) EnsureAllIndexes(ctx context.Context, background bool) error {
	coll, err := m.Collection(ctx)
	if err != nil {
		return err
	}
	for _, idx := range m.GetIndexes() {
		idx.Background = background
		if err := coll.EnsureIndex(ctx, idx); err != nil {
			if errors.Is(err, storage.ErrIndexExists) {
				m.log.Debug("index already exists", "index", idx.Name)
				continue
			}
			return err
		}
	}
	return nil
}

// defaultIndexName is the concatenated path with non-alphanumerics stripped.
func defaultIndexName(path string) string {
	var b strings.Builder
	for _, r := range path {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func walkIndexNodes(prefix string, tree schema.Tree, visit func(path string, node *schema.Node)) {
	names := make([]string, 0, len(tree))
	for name := range tree {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		node := tree[name]
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		visit(path, node)
		if len(node.Children) > 0 {
			walkIndexNodes(path, node.Children, visit)
		}
	}
}
