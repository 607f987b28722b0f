// Package jsonx owns the engine's JSON handling: lenient parsing of LLM
// responses, canonical serialization for item identity, and normalization
// of structured outputs into the {items: [...]} envelope.
package jsonx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Parse error kinds recorded in stage metadata.
const (
	KindInvalidJSON  = "invalid_json"
	KindInvalidShape = "invalid_json_shape"
)

// ParseError reports malformed or mis-shaped JSON output.
type ParseError struct {
	Kind string
	Msg  string
}

func (e *ParseError) Error() string { return e.Msg }

// Canonical returns the canonical JSON encoding of a value: object keys
// sorted, no insignificant whitespace. encoding/json sorts map keys, so a
// decode/re-encode round trip through any is sufficient for values that
// came from JSON in the first place.
func Canonical(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var round any
	if err := json.Unmarshal(data, &round); err != nil {
		return nil, err
	}
	return json.Marshal(round)
}

// ItemID derives the deterministic id for an item value:
// "item_" + hex of the first 8 bytes of SHA-256 over the canonical JSON.
func ItemID(value any) (string, error) {
	canonical, err := Canonical(value)
	if err != nil {
		return "", fmt.Errorf("canonicalizing item value: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "item_" + hex.EncodeToString(sum[:8]), nil
}

var fenceRe = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)\\s*```")

// ParseResponse extracts JSON from raw LLM output. It tries, in order: a
// fenced code block, the stripped text, and the first '{' or '[' onward.
func ParseResponse(raw string) (any, error) {
	var candidates []string
	if m := fenceRe.FindStringSubmatch(raw); m != nil && strings.TrimSpace(m[1]) != "" {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if stripped := strings.TrimSpace(raw); stripped != "" {
		candidates = append(candidates, stripped)
	}
	for _, candidate := range candidates {
		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return parsed, nil
		}
	}
	for _, candidate := range candidates {
		brace := strings.IndexByte(candidate, '{')
		bracket := strings.IndexByte(candidate, '[')
		start := brace
		if start < 0 || (bracket >= 0 && bracket < start) {
			start = bracket
		}
		if start < 0 {
			continue
		}
		decoder := json.NewDecoder(strings.NewReader(candidate[start:]))
		var parsed any
		if err := decoder.Decode(&parsed); err == nil {
			return parsed, nil
		}
	}
	return nil, &ParseError{Kind: KindInvalidJSON, Msg: "no valid JSON found in response"}
}

// Item is one normalized element of an envelope.
type Item struct {
	ID       string
	Selected bool
	Value    any
	Attrs    map[string]any // extra attributes from object elements
}

// Envelope is the canonical {items: [...]} shape produced by normalization.
type Envelope struct {
	Items             []Item
	Extra             map[string]any // top-level keys outside "items"
	DroppedDuplicates int
}

// Normalize coerces a parsed JSON value into the canonical envelope.
// Accepted roots: a JSON array, or an object with an "items" array.
func Normalize(root any) (*Envelope, error) {
	var rawItems []any
	env := &Envelope{}

	switch v := root.(type) {
	case []any:
		rawItems = v
	case map[string]any:
		items, ok := v["items"]
		if !ok {
			return nil, &ParseError{Kind: KindInvalidShape, Msg: "JSON output must be a list or an object with an 'items' list"}
		}
		list, ok := items.([]any)
		if !ok {
			return nil, &ParseError{Kind: KindInvalidShape, Msg: "JSON output 'items' must be a list"}
		}
		rawItems = list
		for key, value := range v {
			if key == "items" {
				continue
			}
			if env.Extra == nil {
				env.Extra = map[string]any{}
			}
			env.Extra[key] = value
		}
	default:
		return nil, &ParseError{Kind: KindInvalidShape, Msg: "JSON output must be a list or an object with an 'items' list"}
	}

	seen := map[string]bool{}
	for _, raw := range rawItems {
		item := Item{Selected: true, Value: raw}
		if obj, ok := raw.(map[string]any); ok {
			for key, value := range obj {
				switch key {
				case "_selected":
					if b, ok := value.(bool); ok {
						item.Selected = b
					}
				case "id", "value":
					// identity is recomputed; "value" stays in Value
				default:
					if item.Attrs == nil {
						item.Attrs = map[string]any{}
					}
					item.Attrs[key] = value
				}
			}
			if inner, ok := obj["value"]; ok {
				item.Value = inner
			} else {
				content := map[string]any{}
				for key, value := range obj {
					if key != "id" && key != "_selected" {
						content[key] = value
					}
				}
				item.Value = content
			}
		}
		id, err := ItemID(item.Value)
		if err != nil {
			return nil, &ParseError{Kind: KindInvalidShape, Msg: fmt.Sprintf("item value is not serializable: %v", err)}
		}
		item.ID = id
		if seen[id] {
			env.DroppedDuplicates++
			continue
		}
		seen[id] = true
		env.Items = append(env.Items, item)
	}

	return env, nil
}

// NormalizeLines builds an envelope from plain-text lines; each non-empty
// trimmed line becomes an item whose value is the line string.
func NormalizeLines(text string) (*Envelope, error) {
	var values []any
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return Normalize(values)
}

// MarshalJSON renders an item as {"id", "_selected", "value", <attrs>...}.
func (it Item) MarshalJSON() ([]byte, error) {
	obj := map[string]any{
		"id":        it.ID,
		"_selected": it.Selected,
		"value":     it.Value,
	}
	for key, value := range it.Attrs {
		if _, clash := obj[key]; !clash {
			obj[key] = value
		}
	}
	return json.Marshal(obj)
}

// UnmarshalJSON restores an item written by MarshalJSON.
func (it *Item) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	it.Selected = true
	if b, ok := obj["_selected"].(bool); ok {
		it.Selected = b
	}
	if id, ok := obj["id"].(string); ok {
		it.ID = id
	}
	it.Value = obj["value"]
	for key, value := range obj {
		switch key {
		case "id", "_selected", "value":
		default:
			if it.Attrs == nil {
				it.Attrs = map[string]any{}
			}
			it.Attrs[key] = value
		}
	}
	return nil
}

// MarshalJSON renders the envelope with its items, preserved top-level
// keys, and the duplicate counter when any were dropped.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	obj := map[string]any{"items": e.Items}
	if e.Items == nil {
		obj["items"] = []Item{}
	}
	for key, value := range e.Extra {
		if key != "items" {
			obj[key] = value
		}
	}
	if e.DroppedDuplicates > 0 {
		obj["dropped_duplicates"] = e.DroppedDuplicates
	}
	return json.Marshal(obj)
}

// ToMap exposes the envelope as a plain map for template contexts.
func (e *Envelope) ToMap() map[string]any {
	items := make([]any, 0, len(e.Items))
	for _, item := range e.Items {
		items = append(items, item.AsMap())
	}
	out := map[string]any{"items": items}
	for key, value := range e.Extra {
		if key != "items" {
			out[key] = value
		}
	}
	if e.DroppedDuplicates > 0 {
		out["dropped_duplicates"] = float64(e.DroppedDuplicates)
	}
	return out
}

// AsMap exposes the item as a plain map, attrs included.
func (it Item) AsMap() map[string]any {
	obj := map[string]any{
		"id":        it.ID,
		"_selected": it.Selected,
		"value":     it.Value,
	}
	for key, value := range it.Attrs {
		if _, clash := obj[key]; !clash {
			obj[key] = value
		}
	}
	return obj
}
