package schema

import (
	"fmt"
	"sort"

	"github.com/apiforge/apiforge/internal/apperr"
	"github.com/apiforge/apiforge/internal/flatten"
)

// Options controls a single Validate call.
type Options struct {
	// Partial skips default injection and required checks. Used for partial
	// updates.
	Partial bool
	// Query skips virtual injection and public-set stripping. Used for
	// read-side filters.
	Query bool
	// Flat returns the result in dot-path form instead of nested.
	Flat bool
}

// Validate checks values against the schema tree and returns the validated
// result: dot paths normalized, defaults and conversions applied, virtuals
// injected, non-settable input stripped and non-gettable fields removed.
// On constraint failures the returned error is a *apperr.ValidationError
// aggregating every field error; the result is nil.
func Validate(values map[string]any, tree Tree, opts Options) (map[string]any, error) {
	if tree == nil || values == nil {
		return nil, apperr.NewValidation(apperr.FieldError{
			Code: apperr.CodeInternalError,
			Msg:  "schema and values must be objects",
		})
	}

	v := &validator{opts: opts}
	out := map[string]any{}
	v.walkTree("", tree, flatten.Unflatten(values), out)

	if len(v.errs) > 0 {
		return nil, &apperr.ValidationError{Errors: v.errs}
	}
	if len(out) == 0 {
		return nil, apperr.NewValidation(apperr.FieldError{
			Code: apperr.CodeModelNotMatch,
			Msg:  "values do not match any schema field",
		})
	}
	if opts.Flat {
		return flatten.Flatten(out), nil
	}
	return out, nil
}

type validator struct {
	opts Options
	errs []apperr.FieldError
}

func (v *validator) addErr(code, id, msg string) {
	v.errs = append(v.errs, apperr.FieldError{Code: code, ID: id, Msg: msg})
}

// walkTree validates one nesting level. Fields are visited in sorted name
// order so the error list is deterministic. Keys absent from the schema are
// dropped from the output.
func (v *validator) walkTree(prefix string, tree Tree, values map[string]any, out map[string]any) {
	// Work on a copy: stripping and virtual injection must not mutate the
	// caller's document.
	work := make(map[string]any, len(values))
	for k, val := range values {
		work[k] = val
	}

	for _, node := range tree {
		node.resolveExtend()
	}

	// Strip fields the caller may not set, then record which keys the caller
	// actually supplied so virtuals never overwrite them.
	if !v.opts.Query {
		for name, node := range tree {
			if !node.CanSet() {
				delete(work, name)
			}
		}
	}
	callerKeys := make(map[string]bool, len(work))
	for k := range work {
		callerKeys[k] = true
	}

	// Virtual injection.
	if !v.opts.Query {
		for _, name := range sortedKeys(tree) {
			node := tree[name]
			if node.Virtual == nil || node.Virtual.Set == nil {
				continue
			}
			raw, present := work[name]
			if !present {
				continue
			}
			for k, produced := range node.Virtual.Set(raw) {
				if k == "this" {
					k = name
				}
				if callerKeys[k] && k != name {
					continue
				}
				work[k] = produced
			}
		}
	}

	for _, name := range sortedKeys(tree) {
		node := tree[name]
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		raw, present := work[name]
		v.validateField(path, name, node, raw, present, out)
	}
}

func (v *validator) validateField(path, name string, node *Node, raw any, present bool, out map[string]any) {
	defer func() {
		if !node.CanGet() {
			delete(out, name)
			return
		}
		// The get side of a virtual pair transforms the value on output.
		if !v.opts.Query && node.Virtual != nil && node.Virtual.Get != nil {
			if val, ok := out[name]; ok {
				out[name] = node.Virtual.Get(val)
			}
		}
	}()

	// Escape hatch: accept any sub-document unchecked.
	if node.IsAny() {
		if present {
			out[name] = raw
		}
		return
	}

	// Nested object node.
	if len(node.Children) > 0 {
		if !present {
			v.checkRequired(path, node, raw, present)
			return
		}
		childValues, ok := raw.(map[string]any)
		if !ok {
			v.addErr(apperr.CodeUnexpectedType, path, "expected an object")
			return
		}
		childOut := map[string]any{}
		v.walkTree(path, node.Children, childValues, childOut)
		if len(childOut) > 0 {
			out[name] = childOut
		}
		return
	}

	// Default injection.
	if !present && !v.opts.Partial && node.Default != nil {
		def := resolveDefault(node)
		coerced, ok := coerce(def, node.normalizedType())
		if !ok {
			v.addErr(apperr.CodeUnexpectedDefaultValue, path,
				fmt.Sprintf("default value %v does not satisfy type %s", def, node.normalizedType()))
			return
		}
		out[name] = applyConvert(node, coerced)
		return
	}

	if !present {
		v.checkRequired(path, node, raw, present)
		return
	}

	// Explicit null.
	if raw == nil {
		if node.Nullable {
			out[name] = nil
			return
		}
		v.addErr(apperr.CodeUnexpectedType, path, "value must not be null")
		return
	}

	if raw == "" && node.Required && !v.opts.Partial && node.CanSet() {
		v.addErr(apperr.CodeMissingRequiredParameter, path, "required parameter is empty")
		return
	}

	typ := node.normalizedType()
	coerced, ok := coerce(raw, typ)
	if !ok {
		v.addErr(apperr.CodeUnexpectedType, path, fmt.Sprintf("expected type %s", typ))
		return
	}

	if typ == TypeArray {
		v.validateArray(path, name, node, coerced.([]any), out)
		return
	}

	if v.checkScalar(path, node, coerced) {
		out[name] = applyConvert(node, coerced)
	}
}

// validateArray applies the node's rule set per element using SubType, with
// error ids indexed "path[n]". An empty array is treated as absent with
// respect to allow/deny constraints.
func (v *validator) validateArray(path, name string, node *Node, arr []any, out map[string]any) {
	if len(arr) == 0 {
		out[name] = arr
		return
	}
	subType := node.SubType
	elemNode := &Node{
		Type:      subType,
		MinLength: node.MinLength,
		MaxLength: node.MaxLength,
		Min:       node.Min,
		Max:       node.Max,
		Allow:     node.Allow,
		Deny:      node.Deny,
		Match:     node.Match,
		Convert:   node.Convert,
	}
	validated := make([]any, 0, len(arr))
	failed := false
	for i, el := range arr {
		elemPath := fmt.Sprintf("%s[%d]", path, i)
		coerced, ok := coerce(el, elemNode.normalizedType())
		if !ok {
			v.addErr(apperr.CodeUnexpectedType, elemPath, fmt.Sprintf("expected type %s", subType))
			failed = true
			continue
		}
		if !v.checkScalar(elemPath, elemNode, coerced) {
			failed = true
			continue
		}
		validated = append(validated, applyConvert(elemNode, coerced))
	}
	if !failed {
		out[name] = validated
	}
}

// checkScalar runs the length/range/allow/deny/pattern rules, accumulating
// every failed constraint. Returns true when the value passed all of them.
func (v *validator) checkScalar(path string, node *Node, value any) bool {
	ok := true
	switch checkLength(node, value) {
	case "min":
		v.addErr(apperr.CodeMinLengthUnderachieved, path,
			fmt.Sprintf("value must be at least %d characters", *node.MinLength))
		ok = false
	case "max":
		v.addErr(apperr.CodeMaxLengthExceeded, path,
			fmt.Sprintf("value must be at most %d characters", *node.MaxLength))
		ok = false
	}
	switch checkRange(node, value) {
	case "min":
		v.addErr(apperr.CodeMinValueUnderachived, path,
			fmt.Sprintf("value must be at least %v", *node.Min))
		ok = false
	case "max":
		v.addErr(apperr.CodeMaxValueExceeded, path,
			fmt.Sprintf("value must be at most %v", *node.Max))
		ok = false
	}
	if !checkAllowDeny(node, value) {
		v.addErr(apperr.CodeValueNotAllowed, path, fmt.Sprintf("value %v is not allowed", value))
		ok = false
	}
	if node.Match != "" && !checkPattern(node, value) {
		v.addErr(apperr.CodePatternMismatch, path,
			fmt.Sprintf("value does not match pattern %s", node.Match))
		ok = false
	}
	return ok
}

// checkRequired emits MissingRequiredParameter for an absent value. Skipped
// in partial mode and for fields the caller may not set, since those can only
// arrive via virtuals or defaults.
func (v *validator) checkRequired(path string, node *Node, _ any, present bool) {
	if !node.Required || v.opts.Partial {
		return
	}
	if !node.CanSet() {
		return
	}
	if !present {
		v.addErr(apperr.CodeMissingRequiredParameter, path, "required parameter is missing")
	}
}

func sortedKeys(tree Tree) []string {
	keys := make([]string, 0, len(tree))
	for name := range tree {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}
