// Package types holds shared data structures used across packages.
package types

// StageKind distinguishes single prompt stages from map fan-out stages.
const (
	KindSingle = "single"
	KindMap    = "map"
)

// Output kinds a stage may declare.
const (
	OutputMarkdown = "markdown"
	OutputJSON     = "json"
	OutputBoth     = "both"
)

// Execution modes for map stages.
const (
	ModeConcurrent = "concurrent"
	ModeBatch      = "batch"
)

// Reasoning carries optional reasoning configuration passed to providers.
type Reasoning struct {
	Effort string `yaml:"effort,omitempty" json:"effort,omitempty"`
}

// InputFile binds a file's contents into the template context under a name.
type InputFile struct {
	Path string `yaml:"path" json:"path"`
	Kind string `yaml:"kind,omitempty" json:"kind"` // "text" | "json"
}

// Stage is a single prompt-driven unit of work in a pipeline.
type Stage struct {
	ID          string               `yaml:"id"`
	Kind        string               `yaml:"kind,omitempty"` // "single" | "map"
	Prompt      string               `yaml:"prompt"`
	Output      string               `yaml:"output,omitempty"` // "markdown" | "json" | "both"
	Provider    string               `yaml:"provider,omitempty"`
	Model       string               `yaml:"model,omitempty"`
	Temperature *float64             `yaml:"temperature,omitempty"`
	Reasoning   *Reasoning           `yaml:"reasoning,omitempty"`
	Enabled     *bool                `yaml:"enabled,omitempty"`
	Publish     bool                 `yaml:"publish,omitempty"`
	FileInputs  map[string]InputFile `yaml:"-"`

	// Map-only fields.
	ListSource  string `yaml:"list_source,omitempty"`
	Execution   string `yaml:"execution_mode,omitempty"` // "concurrent" | "batch"
	MaxInFlight int    `yaml:"max_in_flight,omitempty"`
}

// IsEnabled reports the stage's enabled flag, defaulting to true.
func (s *Stage) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsMap reports whether the stage fans out over a list.
func (s *Stage) IsMap() bool {
	return s.Kind == KindMap
}

// HasJSONOutput reports whether the stage's declared output includes JSON.
func (s *Stage) HasJSONOutput() bool {
	return s.Output == OutputJSON || s.Output == OutputBoth
}

// HasMarkdownOutput reports whether the stage's declared output includes markdown.
func (s *Stage) HasMarkdownOutput() bool {
	return s.Output == OutputMarkdown || s.Output == OutputBoth
}

// ReasoningEffort returns the configured effort or "".
func (s *Stage) ReasoningEffort() string {
	if s.Reasoning == nil {
		return ""
	}
	return s.Reasoning.Effort
}
