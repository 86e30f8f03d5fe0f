package graph

import (
	"errors"
	"reflect"
	"testing"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := NewSchema(
		Field{Name: "title", Kind: KindString, Policy: Overwrite},
		Field{Name: "count", Kind: KindNumber, Policy: Overwrite},
		Field{Name: "items", Kind: KindList, Policy: Append},
		Field{Name: "attrs", Kind: KindMap, Policy: ShallowMerge},
	)
	if err != nil {
		t.Fatalf("NewSchema failed: %v", err)
	}
	return schema
}

func TestSchemaMerge(t *testing.T) {
	schema := testSchema(t)

	t.Run("overwrite replaces prior value", func(t *testing.T) {
		merged, err := schema.Merge(State{"title": "old"}, State{"title": "new"})
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		if merged["title"] != "new" {
			t.Errorf("expected new, got %v", merged["title"])
		}
	})

	t.Run("append concatenates in order", func(t *testing.T) {
		merged, err := schema.Merge(State{"items": []any{"a"}}, State{"items": []any{"b", "c"}})
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		want := []any{"a", "b", "c"}
		if !reflect.DeepEqual(merged["items"], want) {
			t.Errorf("expected %v, got %v", want, merged["items"])
		}
	})

	t.Run("append treats absent base as empty", func(t *testing.T) {
		merged, err := schema.Merge(State{}, State{"items": []any{"x"}})
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		if !reflect.DeepEqual(merged["items"], []any{"x"}) {
			t.Errorf("got %v", merged["items"])
		}
	})

	t.Run("shallow merge overwrites only colliding keys", func(t *testing.T) {
		base := State{"attrs": map[string]any{"a": 1, "b": 1}}
		merged, err := schema.Merge(base, State{"attrs": map[string]any{"b": 2, "c": 3}})
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		want := map[string]any{"a": 1, "b": 2, "c": 3}
		if !reflect.DeepEqual(merged["attrs"], want) {
			t.Errorf("expected %v, got %v", want, merged["attrs"])
		}
	})

	t.Run("unknown field fails with SchemaError", func(t *testing.T) {
		_, err := schema.Merge(State{}, State{"bogus": 1})
		var schemaErr *SchemaError
		if !errors.As(err, &schemaErr) {
			t.Fatalf("expected *SchemaError, got %v", err)
		}
		if schemaErr.Field != "bogus" {
			t.Errorf("expected field bogus, got %s", schemaErr.Field)
		}
	})

	t.Run("merge does not mutate inputs", func(t *testing.T) {
		base := State{"items": []any{"a"}, "attrs": map[string]any{"k": 1}}
		delta := State{"items": []any{"b"}, "attrs": map[string]any{"k": 2}}
		if _, err := schema.Merge(base, delta); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		if !reflect.DeepEqual(base["items"], []any{"a"}) {
			t.Errorf("base items mutated: %v", base["items"])
		}
		if base["attrs"].(map[string]any)["k"] != 1 {
			t.Errorf("base attrs mutated: %v", base["attrs"])
		}
	})

	t.Run("append is associative over delta grouping", func(t *testing.T) {
		d1 := State{"items": []any{"a"}}
		d2 := State{"items": []any{"b"}}
		d3 := State{"items": []any{"c"}}

		left, err := schema.Merge(State{}, d1)
		if err != nil {
			t.Fatal(err)
		}
		left, err = schema.Merge(left, d2)
		if err != nil {
			t.Fatal(err)
		}
		left, err = schema.Merge(left, d3)
		if err != nil {
			t.Fatal(err)
		}

		mid, err := schema.Merge(d1, d2)
		if err != nil {
			t.Fatal(err)
		}
		grouped, err := schema.Merge(State{}, mid)
		if err != nil {
			t.Fatal(err)
		}
		grouped, err = schema.Merge(grouped, d3)
		if err != nil {
			t.Fatal(err)
		}

		if !reflect.DeepEqual(left["items"], grouped["items"]) {
			t.Errorf("grouping changed result: %v vs %v", left["items"], grouped["items"])
		}
	})
}

func TestStateClone(t *testing.T) {
	original := State{
		"title": "hello",
		"items": []any{map[string]any{"k": "v"}},
	}
	clone, err := original.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	clone["title"] = "changed"
	clone["items"].([]any)[0].(map[string]any)["k"] = "changed"

	if original["title"] != "hello" {
		t.Errorf("clone shares top-level values")
	}
	if original["items"].([]any)[0].(map[string]any)["k"] != "v" {
		t.Errorf("clone shares nested values")
	}
}

func TestSchemaValidation(t *testing.T) {
	t.Run("duplicate field rejected", func(t *testing.T) {
		_, err := NewSchema(
			Field{Name: "x", Kind: KindString, Policy: Overwrite},
			Field{Name: "x", Kind: KindString, Policy: Overwrite},
		)
		if err == nil {
			t.Fatal("expected error for duplicate field")
		}
	})

	t.Run("empty field name rejected", func(t *testing.T) {
		if _, err := NewSchema(Field{Name: "", Kind: KindString, Policy: Overwrite}); err == nil {
			t.Fatal("expected error for empty field name")
		}
	})
}
