package engine

import (
	"context"
	"io"
	"time"

	"github.com/yogeelabs/promptchain/internal/artifact"
	"github.com/yogeelabs/promptchain/internal/pipeline"
	"github.com/yogeelabs/promptchain/internal/provider"
	"github.com/yogeelabs/promptchain/internal/template"
	"github.com/yogeelabs/promptchain/internal/types"
)

// Engine executes one run of a pipeline against a run directory.
type Engine struct {
	Pipeline  *pipeline.Pipeline
	Store     *artifact.Store
	Providers *provider.Registry
	Params    map[string]any
	Meta      *artifact.RunMeta
	Display   *Display

	// RunsRoot is where fresh run directories are created.
	RunsRoot string

	// Stdout receives the run_dir line; defaults to os.Stdout.
	Stdout io.Writer

	// MaxInFlightOverride, when > 0, overrides max_in_flight for
	// concurrent map stages (the --max-in-flight flag).
	MaxInFlightOverride int

	// Batch poll backoff bounds.
	BatchPollInitial time.Duration
	BatchPollMax     time.Duration
}

func (e *Engine) display() *Display {
	if e.Display == nil {
		return NopDisplay()
	}
	return e.Display
}

func (e *Engine) pollBounds() (time.Duration, time.Duration) {
	initial, max := e.BatchPollInitial, e.BatchPollMax
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	return initial, max
}

// stageDependencies returns the upstream stage ids a stage references:
// its list_source (when it names a stage) and every stage_outputs[...] /
// stage_json[...] template field.
func (e *Engine) stageDependencies(stage *types.Stage) []string {
	seen := map[string]bool{}
	var deps []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	if stage.IsMap() && e.Pipeline.StageIndex(stage.ListSource) >= 0 {
		add(stage.ListSource)
	}
	for _, field := range template.Fields(stage.Prompt) {
		name, key, indexed := template.SplitField(field)
		if indexed && (name == "stage_outputs" || name == "stage_json") {
			add(key)
		}
	}
	return deps
}

// stageMetaFor seeds a StageMeta from the stage definition.
func stageMetaFor(stage *types.Stage) *artifact.StageMeta {
	return &artifact.StageMeta{
		StageID:         stage.ID,
		Provider:        stage.Provider,
		Model:           stage.Model,
		Temperature:     stage.Temperature,
		ReasoningEffort: stage.ReasoningEffort(),
		Enabled:         stage.IsEnabled(),
		Output:          stage.Output,
		Kind:            stage.Kind,
		Publish:         stage.Publish,
		ListSource:      stage.ListSource,
	}
}

// summaryFor seeds a run.json stage summary from the stage definition.
func summaryFor(stage *types.Stage, status string) *artifact.StageSummary {
	return &artifact.StageSummary{
		Status:          status,
		Provider:        stage.Provider,
		Model:           stage.Model,
		Temperature:     stage.Temperature,
		ReasoningEffort: stage.ReasoningEffort(),
		Enabled:         stage.IsEnabled(),
	}
}

// saveMeta persists run.json; best effort once a run is in flight.
func (e *Engine) saveMeta() {
	_ = e.Store.WriteRunMeta(e.Meta)
}

// completeRequest builds the provider request for a stage prompt.
func completeRequest(stage *types.Stage, prompt string) provider.Request {
	return provider.Request{
		Model:           stage.Model,
		Prompt:          prompt,
		Temperature:     stage.Temperature,
		ReasoningEffort: stage.ReasoningEffort(),
	}
}

// ctxErr reports whether ctx is already cancelled.
func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
