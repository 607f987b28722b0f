package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/yogeelabs/promptchain/internal/artifact"
	vlog "github.com/yogeelabs/promptchain/internal/log"
	"github.com/yogeelabs/promptchain/internal/types"
)

// Options are the runner's stage-window and resume controls.
type Options struct {
	RunDir      string // resume into an existing run
	StageOnly   string // --stage: run exactly one stage
	FromStage   string // --from-stage
	StopAfter   string // --stop-after
	MaxInFlight int    // --max-in-flight override for concurrent map stages
}

// Run executes the pipeline window against a fresh or resumed run
// directory and returns the run directory path. The "run_dir:" line is
// printed as soon as the directory exists, before any other output.
func (e *Engine) Run(ctx context.Context, opts Options) (string, error) {
	startedAt := time.Now()

	if opts.StageOnly != "" && (opts.FromStage != "" || opts.StopAfter != "") {
		return "", &pipelineConfigError{msg: "use --stage without --from-stage or --stop-after"}
	}
	fromStage, stopAfter := opts.FromStage, opts.StopAfter
	if opts.StageOnly != "" {
		fromStage, stopAfter = opts.StageOnly, opts.StageOnly
	}

	startIdx := 0
	if fromStage != "" {
		if startIdx = e.Pipeline.StageIndex(fromStage); startIdx < 0 {
			return "", &pipelineConfigError{msg: fmt.Sprintf("start stage not found: %s", fromStage)}
		}
	}
	stopIdx := len(e.Pipeline.Stages) - 1
	if stopAfter != "" {
		if stopIdx = e.Pipeline.StageIndex(stopAfter); stopIdx < 0 {
			return "", &pipelineConfigError{msg: fmt.Sprintf("stop-after stage not found: %s", stopAfter)}
		}
	}
	if startIdx > stopIdx {
		return "", &pipelineConfigError{msg: "start stage must come before stop-after stage"}
	}
	e.MaxInFlightOverride = opts.MaxInFlight
	if opts.MaxInFlight < 0 {
		return "", &pipelineConfigError{msg: "--max-in-flight must be >= 1"}
	}

	if err := e.bindRun(opts.RunDir, startIdx); err != nil {
		return "", err
	}
	fmt.Fprintf(e.stdout(), "run_dir: %s\n", e.Store.Root)

	// Everything before the window must already be complete.
	for i := 0; i < startIdx; i++ {
		prior := &e.Pipeline.Stages[i]
		if prior.IsEnabled() && !e.Store.IsStageCompleted(prior) {
			return e.Store.Root, &pipelineConfigError{msg: fmt.Sprintf(
				"cannot start at '%s': upstream stage '%s' is incomplete",
				e.Pipeline.Stages[startIdx].ID, prior.ID)}
		}
	}

	if err := e.validateDependencies(startIdx, stopIdx); err != nil {
		return e.Store.Root, e.failRun(err)
	}

	e.display().Header(e.Pipeline.Name)

	for idx := startIdx; idx <= stopIdx; idx++ {
		stage := &e.Pipeline.Stages[idx]
		if err := ctxErr(ctx); err != nil {
			return e.Store.Root, e.failRun(err)
		}

		switch {
		case !stage.IsEnabled():
			if err := e.skipStage(stage); err != nil {
				return e.Store.Root, e.failRun(err)
			}
		case e.Store.IsStageCompleted(stage):
			e.Store.AppendEvent("stage:%s status=reused", stage.ID)
			e.display().StageReused(stage.ID)
		case stage.IsMap():
			pending, err := e.runMapStage(ctx, idx, stage)
			if err != nil {
				return e.Store.Root, e.failRun(err)
			}
			if pending {
				e.Meta.Status = artifact.StatusBatchPending
				e.Meta.PendingAt = artifact.Now()
				e.saveMeta()
				e.Store.AppendEvent("run status=batch_pending")
				return e.Store.Root, nil
			}
		default:
			if err := e.runSingleStage(ctx, idx, stage); err != nil {
				return e.Store.Root, e.failRun(err)
			}
		}

		if idx == stopIdx {
			break
		}
	}

	status := artifact.StatusCompleted
	for _, summary := range e.Meta.Stages {
		if summary.Status == artifact.StatusCompletedErrors {
			status = artifact.StatusCompletedErrors
		}
	}
	if stopIdx < len(e.Pipeline.Stages)-1 {
		status = artifact.StatusStopped
		e.Meta.StoppedAt = artifact.Now()
	} else {
		e.Meta.CompletedAt = artifact.Now()
	}
	e.Meta.Status = status
	e.saveMeta()
	e.Store.AppendEvent("run status=%s", status)

	if err := e.publishOutputs(); err != nil {
		vlog.Warn("failed to publish outputs", "err", err)
	}
	e.display().Summary(status, time.Since(startedAt))
	return e.Store.Root, nil
}

func (e *Engine) stdout() io.Writer {
	if e.Stdout != nil {
		return e.Stdout
	}
	return os.Stdout
}

// bindRun creates a fresh run directory or opens one for resume.
func (e *Engine) bindRun(runDir string, startIdx int) error {
	if runDir == "" {
		if startIdx > 0 {
			return &pipelineConfigError{msg: "starting from a later stage requires --run-dir to resume"}
		}
		store, err := artifact.NewRun(e.RunsRoot)
		if err != nil {
			return err
		}
		e.Store = store
		e.Meta = &artifact.RunMeta{
			RunID:       store.RunID,
			Pipeline:    e.Pipeline.Name,
			Provider:    e.Pipeline.Provider,
			Model:       e.Pipeline.Model,
			Temperature: e.Pipeline.Temperature,
			Path:        e.Pipeline.Path,
			Params:      e.Params,
			Status:      artifact.StatusStarted,
			StartedAt:   artifact.Now(),
			Stages:      map[string]*artifact.StageSummary{},
		}
		if e.Pipeline.Reasoning != nil {
			e.Meta.Reasoning = e.Pipeline.Reasoning.Effort
		}
		if e.Meta.Params == nil {
			e.Meta.Params = map[string]any{}
		}
		if err := e.Store.WriteRunMeta(e.Meta); err != nil {
			return err
		}
		e.Store.AppendEvent("run status=started pipeline=%s", e.Pipeline.Name)
		return nil
	}

	store, err := artifact.OpenRun(runDir)
	if err != nil {
		return &pipelineConfigError{msg: err.Error()}
	}
	meta, err := store.ReadRunMeta()
	if err != nil {
		return &pipelineConfigError{msg: fmt.Sprintf("run metadata not found in %s", runDir)}
	}
	if meta.Pipeline != e.Pipeline.Name {
		return &pipelineConfigError{msg: "pipeline name does not match existing run"}
	}
	e.Store = store
	e.Meta = meta
	// Resumed runs keep their original parameters.
	if meta.Params != nil {
		e.Params = meta.Params
	}
	e.Store.AppendEvent("run status=resumed pipeline=%s", e.Pipeline.Name)
	return nil
}

// validateDependencies scans every enabled stage in the window before any
// execution: each referenced upstream must be a known, enabled stage
// earlier in the pipeline, and one that lies before the window must also
// have a completed artifact on disk. A disabled or later upstream fails
// even when its artifact exists.
func (e *Engine) validateDependencies(startIdx, stopIdx int) error {
	disabled := map[string]bool{}
	for i := range e.Pipeline.Stages {
		if !e.Pipeline.Stages[i].IsEnabled() {
			disabled[e.Pipeline.Stages[i].ID] = true
		}
	}

	for idx := startIdx; idx <= stopIdx; idx++ {
		stage := &e.Pipeline.Stages[idx]
		if !stage.IsEnabled() {
			continue
		}
		for _, dep := range e.stageDependencies(stage) {
			depIdx := e.Pipeline.StageIndex(dep)
			if depIdx < 0 {
				return &pipelineConfigError{msg: fmt.Sprintf(
					"stage '%s' references unknown stage '%s'", stage.ID, dep)}
			}
			if disabled[dep] {
				return e.failDisabledDependency(stage, dep)
			}
			if depIdx >= idx {
				return &pipelineConfigError{msg: fmt.Sprintf(
					"stage '%s' references later stage '%s'; stages may only reference upstream stages", stage.ID, dep)}
			}
			depStage := &e.Pipeline.Stages[depIdx]
			if depIdx < startIdx && !e.Store.IsStageCompleted(depStage) {
				return &pipelineConfigError{msg: fmt.Sprintf(
					"stage '%s' depends on '%s' which has no completed artifact in this run", stage.ID, dep)}
			}
		}
	}
	return nil
}

// failDisabledDependency records the failure artifacts and returns the
// stable, greppable error naming both stages.
func (e *Engine) failDisabledDependency(stage *types.Stage, dep string) error {
	meta := stageMetaFor(stage)
	meta.ExecutionMode = stage.Execution
	meta.Status = artifact.StatusFailed
	meta.Error = kindDisabledDependency
	meta.ErrorKind = kindDisabledDependency
	meta.Dependency = dep
	meta.FailedAt = artifact.Now()
	if err := e.Store.WriteJSON(e.Store.StageMetaPath(stage.ID), meta); err != nil {
		vlog.Error("failed to write stage meta", "stage", stage.ID, "err", err)
	}

	summary := summaryFor(stage, artifact.StatusFailed)
	summary.Error = kindDisabledDependency
	summary.Dependency = dep
	e.Meta.Stages[stage.ID] = summary
	e.saveMeta()
	e.Store.AppendEvent("stage:%s status=failed error=disabled_dependency dependency=%s", stage.ID, dep)
	return &DisabledDependencyError{StageID: stage.ID, Dependency: dep}
}

// skipStage records a disabled stage without touching providers.
func (e *Engine) skipStage(stage *types.Stage) error {
	meta := stageMetaFor(stage)
	meta.ExecutionMode = stage.Execution
	meta.Status = artifact.StatusSkipped
	meta.SkipReason = "disabled_in_yaml"
	meta.SkippedAt = artifact.Now()
	if err := e.Store.WriteJSON(filepath.Join(e.Store.StageDir(stage.ID), "stage.json"), meta); err != nil {
		return err
	}
	if err := e.Store.WriteJSON(e.Store.StageMetaPath(stage.ID), meta); err != nil {
		return err
	}

	summary := summaryFor(stage, artifact.StatusSkipped)
	summary.SkipReason = "disabled_in_yaml"
	summary.SkippedAt = meta.SkippedAt
	e.Meta.Stages[stage.ID] = summary
	e.saveMeta()
	e.Store.AppendEvent("Stage %s SKIPPED (disabled in pipeline yaml)", stage.ID)
	e.display().StageSkipped(stage.ID, "disabled in pipeline yaml")
	return nil
}

// failRun finalizes run.json after a fatal stage error.
func (e *Engine) failRun(cause error) error {
	e.Meta.Status = artifact.StatusFailed
	e.Meta.Error = cause.Error()
	e.Meta.FailedAt = artifact.Now()
	e.saveMeta()
	e.Store.AppendEvent("run status=failed error=%s", cause.Error())
	return cause
}
