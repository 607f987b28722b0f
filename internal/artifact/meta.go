package artifact

// StageMeta is the stage.json / <stage_id>.meta.json payload. The same
// shape covers per-item stage.json files; item-only and map-only fields
// are omitted when empty.
type StageMeta struct {
	StageID         string   `json:"stage_id"`
	Provider        string   `json:"provider,omitempty"`
	Model           string   `json:"model,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty"`
	Enabled         bool     `json:"enabled"`
	Output          string   `json:"output,omitempty"`
	Kind            string   `json:"kind,omitempty"`
	Publish         bool     `json:"publish,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	ContextFields   []string `json:"context_fields,omitempty"`

	ListSource    string `json:"list_source,omitempty"`
	ExecutionMode string `json:"execution_mode,omitempty"`
	MaxInFlight   int    `json:"max_in_flight,omitempty"`

	ItemID    string `json:"item_id,omitempty"`
	ItemIndex *int   `json:"item_index,omitempty"`

	Status     string `json:"status"`
	SkipReason string `json:"skip_reason,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Dependency string `json:"dependency,omitempty"`

	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	FailedAt    string `json:"failed_at,omitempty"`
	SkippedAt   string `json:"skipped_at,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`

	TokensIn  int `json:"tokens_in,omitempty"`
	TokensOut int `json:"tokens_out,omitempty"`

	SubmissionID string `json:"submission_id,omitempty"`
	BatchStatus  string `json:"batch_status,omitempty"`

	Items *ItemCounts `json:"items,omitempty"`
}

// ItemCounts summarizes a map stage's per-item outcomes.
type ItemCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ContextFile is the context.json payload: the rendered prompt, everything
// that was available to the template, and the subset it referenced.
type ContextFile struct {
	RenderedPrompt string         `json:"rendered_prompt,omitempty"`
	ContextAll     map[string]any `json:"context_all"`
	ContextUsed    map[string]any `json:"context_used"`
}

// ManifestEntry records one item's outcome in a map-stage manifest.
type ManifestEntry struct {
	ItemID     string `json:"item_id"`
	Selected   bool   `json:"_selected"`
	Status     string `json:"status"`
	SkipReason string `json:"skip_reason,omitempty"`
	Item       any    `json:"item,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	RawPath    string `json:"raw_path,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorPath  string `json:"error_path,omitempty"`
}

// Manifest is the output.json of a map stage.
type Manifest struct {
	Items      []ManifestEntry `json:"items"`
	ListSource string          `json:"list_source,omitempty"`
}

// PollSnapshot records one batch poll observation.
type PollSnapshot struct {
	At     string         `json:"at"`
	Status string         `json:"status"`
	Counts map[string]int `json:"counts,omitempty"`
}

// BatchState is support/stages/<stage_id>/batch.json.
type BatchState struct {
	SubmissionID string            `json:"submission_id"`
	SubmittedAt  string            `json:"submitted_at"`
	Status       string            `json:"status,omitempty"`
	Mapping      map[string]string `json:"mapping"` // item_id → request_id
	Polls        []PollSnapshot    `json:"polls,omitempty"`
}

// StageSummary is the per-stage block inside run.json.
type StageSummary struct {
	Status          string      `json:"status"`
	Provider        string      `json:"provider,omitempty"`
	Model           string      `json:"model,omitempty"`
	Temperature     *float64    `json:"temperature,omitempty"`
	ReasoningEffort string      `json:"reasoning_effort,omitempty"`
	Enabled         bool        `json:"enabled"`
	ExecutionMode   string      `json:"execution_mode,omitempty"`
	MaxInFlight     int         `json:"max_in_flight,omitempty"`
	SkipReason      string      `json:"skip_reason,omitempty"`
	Error           string      `json:"error,omitempty"`
	Dependency      string      `json:"dependency,omitempty"`
	SubmissionID    string      `json:"submission_id,omitempty"`
	BatchStatus     string      `json:"batch_status,omitempty"`
	StartedAt       string      `json:"started_at,omitempty"`
	CompletedAt     string      `json:"completed_at,omitempty"`
	FailedAt        string      `json:"failed_at,omitempty"`
	SkippedAt       string      `json:"skipped_at,omitempty"`
	Items           *ItemCounts `json:"items,omitempty"`
}

// PublishedArtifact records one copied deliverable.
type PublishedArtifact struct {
	StageID    string `json:"stage_id"`
	ItemID     string `json:"item_id,omitempty"`
	OutputPath string `json:"output_path"`
}

// OutputSummary is the publish-pass block inside run.json.
type OutputSummary struct {
	PublishedAt string              `json:"published_at"`
	Path        string              `json:"path"`
	Artifacts   []PublishedArtifact `json:"artifacts"`
}

// RunMeta is run.json: run identity, inputs, and the final status summary.
type RunMeta struct {
	RunID       string                   `json:"run_id"`
	Pipeline    string                   `json:"pipeline"`
	Provider    string                   `json:"pipeline_provider,omitempty"`
	Model       string                   `json:"pipeline_model,omitempty"`
	Temperature *float64                 `json:"pipeline_temperature,omitempty"`
	Reasoning   string                   `json:"pipeline_reasoning_effort,omitempty"`
	Path        string                   `json:"pipeline_path,omitempty"`
	Params      map[string]any           `json:"params"`
	Status      string                   `json:"status"`
	Error       string                   `json:"error,omitempty"`
	StartedAt   string                   `json:"started_at"`
	CompletedAt string                   `json:"completed_at,omitempty"`
	FailedAt    string                   `json:"failed_at,omitempty"`
	StoppedAt   string                   `json:"stopped_at,omitempty"`
	PendingAt   string                   `json:"batch_pending_at,omitempty"`
	Stages      map[string]*StageSummary `json:"stages"`
	Output      *OutputSummary           `json:"output,omitempty"`
}

// WriteRunMeta persists run.json.
func (s *Store) WriteRunMeta(meta *RunMeta) error {
	return s.WriteJSON(s.RunMetaPath(), meta)
}

// ReadRunMeta loads run.json for resume.
func (s *Store) ReadRunMeta() (*RunMeta, error) {
	var meta RunMeta
	if err := s.ReadJSON(s.RunMetaPath(), &meta); err != nil {
		return nil, err
	}
	if meta.Stages == nil {
		meta.Stages = map[string]*StageSummary{}
	}
	return &meta, nil
}
