package jsonx

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestItemIDDeterministic(t *testing.T) {
	a, err := ItemID(map[string]any{"title": "one", "why": "because"})
	if err != nil {
		t.Fatalf("ItemID() error: %v", err)
	}
	b, err := ItemID(map[string]any{"why": "because", "title": "one"})
	if err != nil {
		t.Fatalf("ItemID() error: %v", err)
	}
	if a != b {
		t.Errorf("key order changed the id: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "item_") {
		t.Errorf("id missing prefix: %q", a)
	}
	if len(a) != len("item_")+16 {
		t.Errorf("id should carry 8 hash bytes as hex, got %q", a)
	}
}

func TestItemIDDistinguishesValues(t *testing.T) {
	a, _ := ItemID("alpha")
	b, _ := ItemID("beta")
	if a == b {
		t.Errorf("different values produced the same id: %q", a)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{
			name: "plain array",
			raw:  `["a", "b"]`,
			want: []any{"a", "b"},
		},
		{
			name: "fenced block",
			raw:  "Here you go:\n```json\n{\"items\": []}\n```\nEnjoy.",
			want: map[string]any{"items": []any{}},
		},
		{
			name: "fence without language tag",
			raw:  "```\n[1, 2]\n```",
			want: []any{float64(1), float64(2)},
		},
		{
			name: "prose around an object",
			raw:  `Sure! {"a": 1} hope that helps`,
			want: map[string]any{"a": float64(1)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(tt.raw)
			if err != nil {
				t.Fatalf("ParseResponse() error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseResponse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseResponseInvalid(t *testing.T) {
	_, err := ParseResponse("no json here at all")
	perr, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if perr.Kind != KindInvalidJSON {
		t.Errorf("expected kind %q, got %q", KindInvalidJSON, perr.Kind)
	}
}

func TestNormalizeArray(t *testing.T) {
	env, err := Normalize([]any{"one", "two"})
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if len(env.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(env.Items))
	}
	for _, item := range env.Items {
		if !item.Selected {
			t.Errorf("item %s should default to selected", item.ID)
		}
		if !strings.HasPrefix(item.ID, "item_") {
			t.Errorf("bad item id %q", item.ID)
		}
	}
	if env.Items[0].Value != "one" {
		t.Errorf("expected value 'one', got %v", env.Items[0].Value)
	}
}

func TestNormalizeObjectEnvelope(t *testing.T) {
	env, err := Normalize(map[string]any{
		"items": []any{map[string]any{"value": "x", "_selected": false, "weight": float64(3)}},
		"note":  "kept",
	})
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if len(env.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(env.Items))
	}
	item := env.Items[0]
	if item.Selected {
		t.Error("_selected=false should be preserved")
	}
	if item.Value != "x" {
		t.Errorf("expected value 'x', got %v", item.Value)
	}
	if item.Attrs["weight"] != float64(3) {
		t.Errorf("extra attribute lost: %v", item.Attrs)
	}
	if env.Extra["note"] != "kept" {
		t.Errorf("top-level key outside items should be preserved, got %v", env.Extra)
	}
}

func TestNormalizeEmptyList(t *testing.T) {
	env, err := Normalize([]any{})
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if len(env.Items) != 0 {
		t.Errorf("expected zero items, got %d", len(env.Items))
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if !strings.Contains(string(data), `"items":[]`) {
		t.Errorf("empty envelope should serialize an empty items array: %s", data)
	}
}

func TestNormalizeDropsDuplicates(t *testing.T) {
	env, err := Normalize([]any{"same", "same", "other"})
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if len(env.Items) != 2 {
		t.Errorf("expected duplicates dropped, got %d items", len(env.Items))
	}
	if env.DroppedDuplicates != 1 {
		t.Errorf("expected 1 dropped duplicate, got %d", env.DroppedDuplicates)
	}
	if env.Items[0].Value != "same" || env.Items[1].Value != "other" {
		t.Errorf("first occurrence should win, got %v / %v", env.Items[0].Value, env.Items[1].Value)
	}
}

func TestNormalizeInvalidShape(t *testing.T) {
	for _, root := range []any{"a string", float64(4), map[string]any{"no_items": true}} {
		_, err := Normalize(root)
		perr, ok := err.(*ParseError)
		if !ok {
			t.Fatalf("expected *ParseError for %v, got %v", root, err)
		}
		if perr.Kind != KindInvalidShape {
			t.Errorf("expected kind %q, got %q", KindInvalidShape, perr.Kind)
		}
	}
}

func TestNormalizeLines(t *testing.T) {
	env, err := NormalizeLines("alpha\n\n  beta  \n")
	if err != nil {
		t.Fatalf("NormalizeLines() error: %v", err)
	}
	var values []any
	for _, item := range env.Items {
		values = append(values, item.Value)
	}
	if diff := cmp.Diff([]any{"alpha", "beta"}, values); diff != "" {
		t.Errorf("NormalizeLines() mismatch (-want +got):\n%s", diff)
	}
}

func TestItemRoundTrip(t *testing.T) {
	env, err := Normalize([]any{map[string]any{"value": "v", "tag": "t"}})
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var decoded struct {
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if diff := cmp.Diff(env.Items, decoded.Items); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
