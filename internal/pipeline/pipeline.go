// Package pipeline parses and validates pipeline YAML definitions.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yogeelabs/promptchain/internal/types"
	"gopkg.in/yaml.v3"
)

// Pipeline represents a named, ordered sequence of stages with defaults.
type Pipeline struct {
	Name        string
	Provider    string
	Model       string
	Temperature *float64
	Reasoning   *types.Reasoning
	Params      []string
	Stages      []types.Stage
	Path        string
}

type pipelineYAML struct {
	Name        string           `yaml:"name"`
	Provider    string           `yaml:"provider"`
	Model       string           `yaml:"model"`
	Temperature *float64         `yaml:"temperature"`
	Reasoning   *types.Reasoning `yaml:"reasoning"`
	Params      []string         `yaml:"params"`
	Stages      []stageYAML      `yaml:"stages"`
}

type stageYAML struct {
	types.Stage `yaml:",inline"`
	FileInput   yaml.Node `yaml:"file_input"`
}

// ConfigError reports an invalid pipeline definition or stage reference.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// Parse decodes and validates a pipeline from YAML bytes. The path is
// retained for resolving relative file_input and list_source paths.
func Parse(data []byte, path string) (*Pipeline, error) {
	var raw pipelineYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, configErrorf("parsing pipeline: %v", err)
	}

	p := &Pipeline{
		Name:        raw.Name,
		Provider:    raw.Provider,
		Model:       raw.Model,
		Temperature: raw.Temperature,
		Reasoning:   raw.Reasoning,
		Params:      raw.Params,
		Path:        path,
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Name == "" {
		return nil, configErrorf("pipeline must have a name")
	}
	if len(raw.Stages) == 0 {
		return nil, configErrorf("pipeline must include a non-empty 'stages' list")
	}

	seen := map[string]bool{}
	for idx, sy := range raw.Stages {
		stage := sy.Stage
		if stage.ID == "" {
			stage.ID = fmt.Sprintf("stage_%d", idx+1)
		}
		if seen[stage.ID] {
			return nil, configErrorf("duplicate stage id '%s'", stage.ID)
		}
		seen[stage.ID] = true

		if stage.Kind == "" {
			stage.Kind = types.KindSingle
		}
		if stage.Kind != types.KindSingle && stage.Kind != types.KindMap {
			return nil, configErrorf("stage '%s' kind must be 'single' or 'map', got '%s'", stage.ID, stage.Kind)
		}
		if stage.Output == "" {
			stage.Output = types.OutputMarkdown
		}
		stage.Output = strings.ToLower(stage.Output)
		switch stage.Output {
		case types.OutputMarkdown, types.OutputJSON, types.OutputBoth:
		default:
			return nil, configErrorf("stage '%s' output must be 'markdown', 'json' or 'both', got '%s'", stage.ID, stage.Output)
		}
		if stage.Prompt == "" {
			return nil, configErrorf("stage '%s' must have a prompt", stage.ID)
		}
		if stage.Provider == "" {
			stage.Provider = p.Provider
		}
		if stage.Model == "" {
			stage.Model = p.Model
		}
		if stage.Temperature == nil {
			stage.Temperature = p.Temperature
		}
		if stage.Reasoning == nil {
			stage.Reasoning = p.Reasoning
		}

		if stage.Kind == types.KindMap {
			if stage.ListSource == "" {
				return nil, configErrorf("map stage '%s' is missing list_source", stage.ID)
			}
			if stage.Execution == "" {
				stage.Execution = types.ModeConcurrent
			}
			if stage.Execution != types.ModeConcurrent && stage.Execution != types.ModeBatch {
				return nil, configErrorf("stage '%s' execution_mode must be 'concurrent' or 'batch', got '%s'", stage.ID, stage.Execution)
			}
			if stage.Execution == types.ModeBatch && stage.MaxInFlight != 0 {
				return nil, configErrorf("stage '%s' cannot combine execution_mode=batch with max_in_flight", stage.ID)
			}
			if stage.MaxInFlight < 0 {
				return nil, configErrorf("stage '%s' max_in_flight must be >= 1", stage.ID)
			}
			if stage.Execution == types.ModeConcurrent && stage.MaxInFlight == 0 {
				stage.MaxInFlight = 1
			}
		} else {
			if stage.ListSource != "" || stage.Execution != "" || stage.MaxInFlight != 0 {
				return nil, configErrorf("stage '%s' declares map-only fields but kind is 'single'", stage.ID)
			}
		}

		inputs, err := parseFileInput(stage.ID, sy.FileInput)
		if err != nil {
			return nil, err
		}
		stage.FileInputs = inputs

		p.Stages = append(p.Stages, stage)
	}

	return p, nil
}

// parseFileInput accepts either a bare path string or a mapping of
// name → path / name → {path, kind}.
func parseFileInput(stageID string, node yaml.Node) (map[string]types.InputFile, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		var path string
		if err := node.Decode(&path); err != nil || path == "" {
			return nil, configErrorf("stage '%s' file_input must be a path or mapping", stageID)
		}
		return map[string]types.InputFile{
			"file_input": {Path: path, Kind: kindForPath(path)},
		}, nil
	case yaml.MappingNode:
		raw := map[string]yaml.Node{}
		if err := node.Decode(&raw); err != nil {
			return nil, configErrorf("stage '%s' file_input mapping is invalid: %v", stageID, err)
		}
		inputs := make(map[string]types.InputFile, len(raw))
		for name, entry := range raw {
			switch entry.Kind {
			case yaml.ScalarNode:
				var path string
				if err := entry.Decode(&path); err != nil || path == "" {
					return nil, configErrorf("stage '%s' file_input '%s' must be a path", stageID, name)
				}
				inputs[name] = types.InputFile{Path: path, Kind: kindForPath(path)}
			case yaml.MappingNode:
				var in types.InputFile
				if err := entry.Decode(&in); err != nil {
					return nil, configErrorf("stage '%s' file_input '%s' is invalid: %v", stageID, name, err)
				}
				if in.Path == "" {
					return nil, configErrorf("stage '%s' file_input '%s' is missing a path", stageID, name)
				}
				if in.Kind == "" {
					in.Kind = kindForPath(in.Path)
				}
				if in.Kind != "text" && in.Kind != "json" {
					return nil, configErrorf("stage '%s' file_input '%s' kind must be 'text' or 'json'", stageID, name)
				}
				inputs[name] = in
			default:
				return nil, configErrorf("stage '%s' file_input '%s' must be a path or mapping", stageID, name)
			}
		}
		return inputs, nil
	default:
		return nil, configErrorf("stage '%s' file_input must be a path or mapping", stageID)
	}
}

func kindForPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "text"
}

// ParseFile reads and parses a pipeline YAML file.
func ParseFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("reading pipeline file %s: %v", path, err)
	}
	return Parse(data, path)
}

// StageIndex returns the position of the stage with the given id, or -1.
func (p *Pipeline) StageIndex(id string) int {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return i
		}
	}
	return -1
}

// ResolvePath resolves a path relative to the pipeline file's directory.
func (p *Pipeline) ResolvePath(path string) string {
	if filepath.IsAbs(path) || p.Path == "" {
		return path
	}
	return filepath.Join(filepath.Dir(p.Path), path)
}
