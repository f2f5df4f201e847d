// Package schema implements the declarative schema tree and its validator.
// A Tree maps field names to Nodes; every write into a model and every
// request-parameter check goes through Validate.
package schema

import (
	"regexp"
	"strings"
	"sync"
)

// Recognized node types. A Type is normalized to its lowercase name before
// comparison, so "String" and "string" are equivalent.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeIP      = "ip"
	TypeCIDR    = "cidr"
)

// String conversions applied after a value passes its checks.
const (
	ConvertUpper = "upper"
	ConvertLower = "lower"
	ConvertTrim  = "trim"
)

// Tree is one level of a schema: field name to node.
type Tree map[string]*Node

// Public gates whether a caller may set or read a field. A nil Public on a
// Node means fully public.
type Public struct {
	Set bool
	Get bool
}

// Virtual declares a computed field as a {set, get} pair. Set receives the
// raw caller value and returns key/value pairs merged into the result; a
// returned key "this" renames to the field's own name. Caller-supplied keys
// are never overwritten. Get, when non-nil, transforms the validated value on
// its way into the output.
type Virtual struct {
	Set func(raw any) map[string]any
	Get func(stored any) any
}

// Node is the declarative description of one field. The zero Node (no
// recognized attributes, no children) accepts any sub-document unchecked.
type Node struct {
	Type    string
	SubType string // element type when Type is "array"

	Required bool
	Nullable bool

	// Index markers consumed by the model layer. Unique implies Index.
	Unique bool
	Index  bool
	Sparse bool
	Text   bool

	MinLength *int
	MaxLength *int
	Min       *float64
	Max       *float64

	// Allow and Deny are compared case-insensitively for strings.
	Allow []any
	Deny  []any

	Match string // regular expression the value must match

	// Default is a scalar or a func() any producer, applied when the value is
	// absent in non-partial mode.
	Default any

	Virtual *Virtual
	Convert []string
	Public  *Public

	// Extend lazily produces a schema fragment spliced into Children on first
	// validation pass. Resolved at most once.
	Extend func() Tree

	Children Tree

	extendOnce sync.Once
	matchOnce  sync.Once
	matchRe    *regexp.Regexp
	matchErr   error
}

// IsAny reports whether the node is the accept-anything escape hatch: no
// recognized attributes and no children.
func (n *Node) IsAny() bool {
	return n != nil && n.Type == "" && !n.Required && !n.Nullable &&
		n.MinLength == nil && n.MaxLength == nil && n.Min == nil && n.Max == nil &&
		len(n.Allow) == 0 && len(n.Deny) == 0 && n.Match == "" &&
		n.Default == nil && n.Virtual == nil && len(n.Convert) == 0 &&
		n.Public == nil && n.Extend == nil && len(n.Children) == 0
}

// CanSet reports whether a caller may supply this field directly.
func (n *Node) CanSet() bool { return n.Public == nil || n.Public.Set }

// CanGet reports whether this field may appear in validated output.
func (n *Node) CanGet() bool { return n.Public == nil || n.Public.Get }

// normalizedType returns the lowercase type name.
func (n *Node) normalizedType() string { return strings.ToLower(strings.TrimSpace(n.Type)) }

// pattern compiles Match once and caches the result.
func (n *Node) pattern() (*regexp.Regexp, error) {
	n.matchOnce.Do(func() {
		n.matchRe, n.matchErr = regexp.Compile(n.Match)
	})
	return n.matchRe, n.matchErr
}

// resolveExtend splices the lazy fragment into Children, at most once.
// Fragment fields never replace an explicitly declared child.
func (n *Node) resolveExtend() {
	if n.Extend == nil {
		return
	}
	n.extendOnce.Do(func() {
		fragment := n.Extend()
		if len(fragment) == 0 {
			return
		}
		if n.Children == nil {
			n.Children = make(Tree, len(fragment))
		}
		for name, child := range fragment {
			if _, exists := n.Children[name]; !exists {
				n.Children[name] = child
			}
		}
	})
}

// Ptr returns a pointer to v. Convenience for Min/Max/MinLength/MaxLength
// literals in schema declarations.
func Ptr[T any](v T) *T { return &v }
