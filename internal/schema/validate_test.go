package schema

import (
	"reflect"
	"strings"
	"testing"

	"github.com/apiforge/apiforge/internal/apperr"
)

func fieldErrors(t *testing.T, err error) []apperr.FieldError {
	t.Helper()
	ve, ok := apperr.AsValidation(err)
	if !ok {
		t.Fatalf("expected *apperr.ValidationError, got %v", err)
	}
	return ve.Errors
}

func TestValidateTypeCoercion(t *testing.T) {
	tree := Tree{
		"age":    {Type: TypeNumber},
		"active": {Type: TypeBoolean},
	}
	out, err := Validate(map[string]any{"age": "42", "active": "true"}, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if out["age"] != float64(42) {
		t.Errorf("age = %v, want 42", out["age"])
	}
	if out["active"] != true {
		t.Errorf("active = %v, want true", out["active"])
	}
}

func TestValidateUnexpectedType(t *testing.T) {
	tree := Tree{"age": {Type: TypeNumber}}
	_, err := Validate(map[string]any{"age": "not a number"}, tree, Options{})
	errs := fieldErrors(t, err)
	if len(errs) != 1 || errs[0].Code != apperr.CodeUnexpectedType || errs[0].ID != "age" {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateAllowDenyCaseInsensitive(t *testing.T) {
	tree := Tree{"status": {Type: TypeString, Allow: []any{"Active", "Inactive"}}}

	if _, err := Validate(map[string]any{"status": "active"}, tree, Options{}); err != nil {
		t.Errorf("lowercase allowed value rejected: %v", err)
	}

	_, err := Validate(map[string]any{"status": "disabled"}, tree, Options{})
	errs := fieldErrors(t, err)
	if len(errs) != 1 || errs[0].Code != apperr.CodeValueNotAllowed {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateArrayElementIndexing(t *testing.T) {
	tree := Tree{"nums": {Type: TypeArray, SubType: TypeNumber, Max: Ptr(10.0)}}
	_, err := Validate(map[string]any{"nums": []any{float64(1), float64(20), float64(3)}}, tree, Options{})
	errs := fieldErrors(t, err)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %v", errs)
	}
	if errs[0].Code != apperr.CodeMaxValueExceeded || errs[0].ID != "nums[1]" {
		t.Errorf("error = %+v, want MaxValueExceeded at nums[1]", errs[0])
	}
}

func TestValidatePartialSuppressesRequired(t *testing.T) {
	tree := Tree{"name": {Type: TypeString, Required: true}}
	if _, err := Validate(map[string]any{"other": "x"}, tree, Options{Partial: true}); err != nil {
		// The only field is dropped, so the result is empty.
		errs := fieldErrors(t, err)
		if len(errs) != 1 || errs[0].Code != apperr.CodeModelNotMatch {
			t.Errorf("unexpected errors: %v", errs)
		}
	}

	tree2 := Tree{"name": {Type: TypeString, Required: true}, "note": {Type: TypeString}}
	out, err := Validate(map[string]any{"note": "x"}, tree2, Options{Partial: true})
	if err != nil {
		t.Fatalf("partial mode still errored: %v", err)
	}
	if out["note"] != "x" {
		t.Errorf("note = %v", out["note"])
	}
}

func TestValidateRequiredMissing(t *testing.T) {
	tree := Tree{"name": {Type: TypeString, Required: true}, "note": {Type: TypeString}}
	_, err := Validate(map[string]any{"note": "x"}, tree, Options{})
	errs := fieldErrors(t, err)
	if len(errs) != 1 || errs[0].Code != apperr.CodeMissingRequiredParameter || errs[0].ID != "name" {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateDefaultIdempotence(t *testing.T) {
	tree := Tree{
		"role":  {Type: TypeString, Default: "member"},
		"count": {Type: TypeNumber, Default: func() any { return float64(0) }},
	}
	first, err := Validate(map[string]any{"role": "admin"}, tree, Options{})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first["count"] != float64(0) {
		t.Errorf("default not applied: %v", first["count"])
	}
	second, err := Validate(first, tree, Options{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second validation changed result: %v vs %v", first, second)
	}
}

func TestValidateConversions(t *testing.T) {
	tree := Tree{"code": {Type: TypeString, Convert: []string{ConvertTrim, ConvertUpper}}}
	out, err := Validate(map[string]any{"code": "  abc "}, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if out["code"] != "ABC" {
		t.Errorf("code = %q, want ABC", out["code"])
	}
}

func TestValidateMinMaxLength(t *testing.T) {
	tree := Tree{"pin": {Type: TypeString, MinLength: Ptr(4), MaxLength: Ptr(6)}}

	_, err := Validate(map[string]any{"pin": "12"}, tree, Options{})
	errs := fieldErrors(t, err)
	if len(errs) != 1 || errs[0].Code != apperr.CodeMinLengthUnderachieved {
		t.Errorf("short value: %v", errs)
	}

	_, err = Validate(map[string]any{"pin": "1234567"}, tree, Options{})
	errs = fieldErrors(t, err)
	if len(errs) != 1 || errs[0].Code != apperr.CodeMaxLengthExceeded {
		t.Errorf("long value: %v", errs)
	}
}

func TestValidatePattern(t *testing.T) {
	tree := Tree{"slug": {Type: TypeString, Match: `^[a-z-]+$`}}
	_, err := Validate(map[string]any{"slug": "Not Valid"}, tree, Options{})
	errs := fieldErrors(t, err)
	if len(errs) != 1 || errs[0].Code != apperr.CodePatternMismatch {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateNullable(t *testing.T) {
	tree := Tree{"note": {Type: TypeString, Nullable: true}, "other": {Type: TypeString}}
	out, err := Validate(map[string]any{"note": nil, "other": "x"}, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	val, present := out["note"]
	if !present || val != nil {
		t.Errorf("explicit null not preserved: %v present=%v", val, present)
	}
}

func TestValidateVirtualInjection(t *testing.T) {
	tree := Tree{
		"password": {
			Type: TypeString,
			Virtual: &Virtual{Set: func(raw any) map[string]any {
				return map[string]any{
					"this":         "<hashed>",
					"passwordTail": strings.ToLower(raw.(string)[:1]),
				}
			}},
			Public: nil,
		},
		"passwordTail": {Type: TypeString, Public: &Public{Set: false, Get: true}},
	}
	out, err := Validate(map[string]any{"password": "Secret1"}, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if out["password"] != "<hashed>" {
		t.Errorf(`virtual "this" rename failed: %v`, out["password"])
	}
	if out["passwordTail"] != "s" {
		t.Errorf("virtual sibling not injected: %v", out["passwordTail"])
	}
}

func TestValidateVirtualGetTransformsOutput(t *testing.T) {
	tree := Tree{
		"card": {
			Type: TypeString,
			Virtual: &Virtual{Get: func(stored any) any {
				s := stored.(string)
				return "****" + s[len(s)-4:]
			}},
		},
	}
	out, err := Validate(map[string]any{"card": "4111111111111111"}, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if out["card"] != "****1111" {
		t.Errorf("card = %v, want masked value", out["card"])
	}

	// Query mode reads values as filters; the get transform does not apply.
	out, err = Validate(map[string]any{"card": "4111111111111111"}, tree, Options{Query: true})
	if err != nil {
		t.Fatalf("Validate() query error = %v", err)
	}
	if out["card"] != "4111111111111111" {
		t.Errorf("query card = %v, want untransformed value", out["card"])
	}
}

func TestValidateVirtualNeverOverwritesCallerKey(t *testing.T) {
	tree := Tree{
		"name":     {Type: TypeString, Virtual: &Virtual{Set: func(any) map[string]any { return map[string]any{"nickname": "generated"} }}},
		"nickname": {Type: TypeString},
	}
	out, err := Validate(map[string]any{"name": "alice", "nickname": "explicit"}, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if out["nickname"] != "explicit" {
		t.Errorf("caller-supplied key was overwritten: %v", out["nickname"])
	}
}

func TestValidatePublicSetStripped(t *testing.T) {
	tree := Tree{
		"secret": {Type: TypeString, Public: &Public{Set: false, Get: true}},
		"name":   {Type: TypeString},
	}
	out, err := Validate(map[string]any{"secret": "sneaky", "name": "x"}, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, ok := out["secret"]; ok {
		t.Error("non-settable field survived validation")
	}

	// Query mode keeps it: filters may reference internal fields.
	out, err = Validate(map[string]any{"secret": "sneaky", "name": "x"}, tree, Options{Query: true})
	if err != nil {
		t.Fatalf("query mode error = %v", err)
	}
	if out["secret"] != "sneaky" {
		t.Error("query mode stripped the filter field")
	}
}

func TestValidatePublicGetRemoved(t *testing.T) {
	tree := Tree{
		"internal": {Type: TypeString, Public: &Public{Set: true, Get: false}},
		"name":     {Type: TypeString},
	}
	out, err := Validate(map[string]any{"internal": "v", "name": "x"}, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, ok := out["internal"]; ok {
		t.Error("non-gettable field present in output")
	}
}

func TestValidateRequiredSkippedWhenNotSettable(t *testing.T) {
	tree := Tree{
		"hash": {Type: TypeString, Required: true, Public: &Public{Set: false, Get: false}},
		"name": {Type: TypeString},
	}
	if _, err := Validate(map[string]any{"name": "x"}, tree, Options{}); err != nil {
		t.Errorf("required check fired for a non-settable field: %v", err)
	}
}

func TestValidateExtendResolvedOnce(t *testing.T) {
	calls := 0
	tree := Tree{
		"meta": {
			Children: Tree{"base": {Type: TypeString}},
			Extend: func() Tree {
				calls++
				return Tree{"extra": {Type: TypeString}}
			},
		},
	}
	in := map[string]any{"meta": map[string]any{"base": "a", "extra": "b"}}
	for i := 0; i < 3; i++ {
		out, err := Validate(in, tree, Options{})
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		meta := out["meta"].(map[string]any)
		if meta["extra"] != "b" {
			t.Fatalf("pass %d: extended field missing: %v", i, meta)
		}
	}
	if calls != 1 {
		t.Errorf("extend producer invoked %d times, want 1", calls)
	}
}

func TestValidateAnyNodeEscapeHatch(t *testing.T) {
	tree := Tree{"blob": {}, "name": {Type: TypeString}}
	in := map[string]any{
		"blob": map[string]any{"anything": []any{float64(1), "two"}},
		"name": "x",
	}
	out, err := Validate(in, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !reflect.DeepEqual(out["blob"], in["blob"]) {
		t.Errorf("escape hatch altered the sub-document: %v", out["blob"])
	}
}

func TestValidateNestedAndDotPathInput(t *testing.T) {
	tree := Tree{
		"user": {Children: Tree{
			"name": {Type: TypeString, Required: true},
			"age":  {Type: TypeNumber},
		}},
	}
	nested, err := Validate(map[string]any{"user": map[string]any{"name": "a", "age": float64(3)}}, tree, Options{})
	if err != nil {
		t.Fatalf("nested input: %v", err)
	}
	dotted, err := Validate(map[string]any{"user.name": "a", "user.age": float64(3)}, tree, Options{})
	if err != nil {
		t.Fatalf("dotted input: %v", err)
	}
	if !reflect.DeepEqual(nested, dotted) {
		t.Errorf("dot-path and nested inputs validated differently: %v vs %v", nested, dotted)
	}
}

func TestValidateFlatOutput(t *testing.T) {
	tree := Tree{"user": {Children: Tree{"name": {Type: TypeString}}}}
	out, err := Validate(map[string]any{"user": map[string]any{"name": "a"}}, tree, Options{Flat: true})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if out["user.name"] != "a" {
		t.Errorf("flat output missing dot path: %v", out)
	}
}

func TestValidateModelNotMatch(t *testing.T) {
	tree := Tree{"name": {Type: TypeString}}
	_, err := Validate(map[string]any{"unrelated": "x"}, tree, Options{})
	errs := fieldErrors(t, err)
	if len(errs) != 1 || errs[0].Code != apperr.CodeModelNotMatch {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateNilInputs(t *testing.T) {
	_, err := Validate(nil, Tree{"a": {}}, Options{})
	errs := fieldErrors(t, err)
	if len(errs) != 1 || errs[0].Code != apperr.CodeInternalError {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateEmptyArrayTreatedAsAbsentForAllowDeny(t *testing.T) {
	// Documented policy: an empty array carries no values to check against
	// allow/deny, so it passes through untouched.
	tree := Tree{"tags": {Type: TypeArray, SubType: TypeString, Allow: []any{"a", "b"}}, "name": {Type: TypeString}}
	out, err := Validate(map[string]any{"tags": []any{}, "name": "x"}, tree, Options{})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if arr, ok := out["tags"].([]any); !ok || len(arr) != 0 {
		t.Errorf("empty array not preserved: %v", out["tags"])
	}
}

func TestValidateErrorOrderDeterministic(t *testing.T) {
	tree := Tree{
		"alpha": {Type: TypeNumber},
		"beta":  {Type: TypeNumber},
		"gamma": {Type: TypeNumber},
	}
	in := map[string]any{"alpha": "x", "beta": "y", "gamma": "z"}
	var prev []string
	for i := 0; i < 5; i++ {
		_, err := Validate(in, tree, Options{})
		errs := fieldErrors(t, err)
		ids := make([]string, len(errs))
		for j, e := range errs {
			ids[j] = e.ID
		}
		if prev != nil && !reflect.DeepEqual(prev, ids) {
			t.Fatalf("error order changed between runs: %v vs %v", prev, ids)
		}
		prev = ids
	}
	if !reflect.DeepEqual(prev, []string{"alpha", "beta", "gamma"}) {
		t.Errorf("error order = %v", prev)
	}
}
