package flatten

import (
	"reflect"
	"testing"
)

func TestFlattenNested(t *testing.T) {
	in := map[string]any{
		"user": map[string]any{
			"name": "alice",
			"address": map[string]any{
				"city": "berlin",
			},
		},
		"active": true,
	}
	got := Flatten(in)
	want := map[string]any{
		"user.name":         "alice",
		"user.address.city": "berlin",
		"active":            true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %#v, want %#v", got, want)
	}
}

func TestFlattenPrimitiveArrayPreserved(t *testing.T) {
	in := map[string]any{"tags": []any{"a", "b", "c"}}
	got := Flatten(in)
	if !reflect.DeepEqual(got["tags"], []any{"a", "b", "c"}) {
		t.Errorf("primitive array was not preserved: %#v", got)
	}
}

func TestFlattenObjectArrayElementWise(t *testing.T) {
	in := map[string]any{
		"items": []any{
			map[string]any{"sku": "x"},
			map[string]any{"sku": "y"},
		},
	}
	got := Flatten(in)
	want := map[string]any{
		"items.0.sku": "x",
		"items.1.sku": "y",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %#v, want %#v", got, want)
	}
}

func TestUnflattenRebuildsObjectArrays(t *testing.T) {
	in := map[string]any{
		"items.0.sku": "x",
		"items.1.sku": "y",
	}
	got := Unflatten(in)
	want := map[string]any{
		"items": []any{
			map[string]any{"sku": "x"},
			map[string]any{"sku": "y"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unflatten() = %#v, want %#v", got, want)
	}
}

func TestUnflattenMergesDotAndNested(t *testing.T) {
	in := map[string]any{
		"user.name": "alice",
		"user":      map[string]any{"age": float64(30)},
	}
	got := Unflatten(in)
	want := map[string]any{
		"user": map[string]any{"name": "alice", "age": float64(30)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unflatten() = %#v, want %#v", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []map[string]any{
		{"a": "x"},
		{"a": map[string]any{"b": map[string]any{"c": float64(1)}}},
		{"a": []any{float64(1), float64(2)}},
		{"a": []any{map[string]any{"b": "x"}, map[string]any{"b": "y"}}, "c": true},
		{"deep": map[string]any{"list": []any{map[string]any{"k": "v", "n": map[string]any{"m": "w"}}}}},
	}
	for _, in := range cases {
		if got := Unflatten(Flatten(in)); !reflect.DeepEqual(got, in) {
			t.Errorf("round trip changed value: in=%#v got=%#v", in, got)
		}
		// flatten(unflatten(flatten(x))) == flatten(x)
		f := Flatten(in)
		if got := Flatten(Unflatten(f)); !reflect.DeepEqual(got, f) {
			t.Errorf("flat round trip changed value: in=%#v got=%#v", f, got)
		}
	}
}
