package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/yogeelabs/promptchain/internal/jsonx"
	"github.com/yogeelabs/promptchain/internal/template"
	"github.com/yogeelabs/promptchain/internal/types"
)

// stageContext is everything a stage's template may draw from, plus the
// bookkeeping needed for the context.json audit.
type stageContext struct {
	All          map[string]any    // the template lookup map
	StageOutputs map[string]string // upstream text outputs by stage id
	StageJSON    map[string]any    // upstream parsed JSON by stage id
	InputsText   map[string]string
	InputsJSON   map[string]any
	InputsMeta   map[string]any
}

// gatherStageContext loads upstream artifacts and file inputs for a stage.
// Upstream stages without a completed artifact are simply absent; a
// template referencing one fails with an unresolved-reference error at
// render time, before any provider call.
func (e *Engine) gatherStageContext(stageIndex int, stage *types.Stage) (*stageContext, error) {
	sc := &stageContext{
		StageOutputs: map[string]string{},
		StageJSON:    map[string]any{},
		InputsText:   map[string]string{},
		InputsJSON:   map[string]any{},
		InputsMeta:   map[string]any{},
	}

	for i := 0; i < stageIndex; i++ {
		prior := &e.Pipeline.Stages[i]
		if !prior.IsEnabled() || !e.Store.IsStageCompleted(prior) {
			continue
		}
		text, parsed, err := e.loadStageOutput(prior)
		if err != nil {
			return nil, err
		}
		sc.StageOutputs[prior.ID] = text
		if parsed != nil {
			sc.StageJSON[prior.ID] = parsed
		}
	}

	for name, input := range stage.FileInputs {
		path := e.Pipeline.ResolvePath(input.Path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ContextError{
				StageID: stage.ID,
				Kind:    kindMissingFileInput,
				Msg:     fmt.Sprintf("input file not found: %s", path),
			}
		}
		sc.InputsMeta[name] = map[string]any{"path": path, "kind": input.Kind}
		if input.Kind == "json" {
			var parsed any
			if err := json.Unmarshal(data, &parsed); err != nil {
				return nil, &ContextError{
					StageID: stage.ID,
					Kind:    jsonx.KindInvalidJSON,
					Msg:     fmt.Sprintf("input file '%s' contained invalid JSON: %s", name, path),
				}
			}
			sc.InputsJSON[name] = parsed
			pretty, _ := json.MarshalIndent(parsed, "", "  ")
			sc.InputsText[name] = string(pretty)
		} else {
			sc.InputsText[name] = string(data)
		}
	}

	sc.All = map[string]any{}
	for name, value := range e.Params {
		sc.All[name] = value
	}
	for name, content := range sc.InputsText {
		sc.All[name] = content
	}
	stageOutputsAny := map[string]any{}
	for id, text := range sc.StageOutputs {
		stageOutputsAny[id] = text
	}
	inputsAny := map[string]any{}
	for name, content := range sc.InputsText {
		inputsAny[name] = content
	}
	sc.All["stage_outputs"] = stageOutputsAny
	sc.All["stage_json"] = sc.StageJSON
	sc.All["inputs"] = inputsAny
	sc.All["inputs_json"] = sc.InputsJSON

	return sc, nil
}

// loadStageOutput reads an upstream stage's canonical artifact: the text
// rendering plus the parsed JSON when the output kind carries JSON.
func (e *Engine) loadStageOutput(stage *types.Stage) (string, any, error) {
	path := e.Store.StageOutputPath(stage)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("missing output for stage '%s' at %s", stage.ID, path)
	}
	if stage.IsMap() || stage.HasJSONOutput() {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return "", nil, fmt.Errorf("stage '%s' output contained invalid JSON: %w", stage.ID, err)
		}
		pretty, _ := json.MarshalIndent(parsed, "", "  ")
		return string(pretty), parsed, nil
	}
	return string(data), nil, nil
}

// itemContext layers per-item fields over a stage context.
func itemContext(base map[string]any, item jsonx.Item, index int) map[string]any {
	ctx := make(map[string]any, len(base)+4)
	for name, value := range base {
		ctx[name] = value
	}
	ctx["item"] = item.AsMap()
	ctx["item_value"] = item.Value
	ctx["item_index"] = index
	ctx["item_id"] = item.ID
	return ctx
}

// usedContext builds the context_used audit: the subset of the available
// context the template actually referenced, plus the raw field list.
func usedContext(fields []string, sc *stageContext, params map[string]any, item *jsonx.Item, itemIndex int) map[string]any {
	paramsUsed := map[string]any{}
	stageOutputsUsed := map[string]any{}
	stageJSONUsed := map[string]any{}
	inputsUsed := map[string]any{}
	inputsJSONUsed := map[string]any{}
	used := map[string]any{"template_fields": fields}

	for _, field := range fields {
		name, key, indexed := template.SplitField(field)
		switch name {
		case "stage_outputs":
			if indexed {
				if v, ok := sc.StageOutputs[key]; ok {
					stageOutputsUsed[key] = v
				}
			}
		case "stage_json":
			if indexed {
				if v, ok := sc.StageJSON[key]; ok {
					stageJSONUsed[key] = v
				}
			}
		case "inputs":
			if indexed {
				if v, ok := sc.InputsText[key]; ok {
					inputsUsed[key] = v
				}
			}
		case "inputs_json":
			if indexed {
				if v, ok := sc.InputsJSON[key]; ok {
					inputsJSONUsed[key] = v
				}
			}
		case "item":
			if item != nil {
				used["item"] = item.AsMap()
			}
		case "item_value":
			if item != nil {
				used["item_value"] = item.Value
			}
		case "item_index":
			if item != nil {
				used["item_index"] = itemIndex
			}
		case "item_id":
			if item != nil {
				used["item_id"] = item.ID
			}
		default:
			if v, ok := params[name]; ok {
				paramsUsed[name] = v
			} else if v, ok := sc.InputsText[name]; ok {
				inputsUsed[name] = v
			}
		}
	}

	used["params"] = paramsUsed
	used["stage_outputs"] = stageOutputsUsed
	used["stage_json"] = stageJSONUsed
	if len(inputsUsed) > 0 {
		used["inputs"] = inputsUsed
	}
	if len(inputsJSONUsed) > 0 {
		used["inputs_json"] = inputsJSONUsed
	}
	return used
}

// contextAll renders the full available context for context.json.
func contextAll(sc *stageContext, params map[string]any) map[string]any {
	return map[string]any{
		"params":        params,
		"inputs":        sc.InputsText,
		"inputs_json":   sc.InputsJSON,
		"inputs_meta":   sc.InputsMeta,
		"stage_outputs": sc.StageOutputs,
		"stage_json":    sc.StageJSON,
	}
}
