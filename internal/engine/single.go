package engine

import (
	"context"
	"path/filepath"

	"github.com/yogeelabs/promptchain/internal/artifact"
	"github.com/yogeelabs/promptchain/internal/jsonx"
	vlog "github.com/yogeelabs/promptchain/internal/log"
	"github.com/yogeelabs/promptchain/internal/template"
	"github.com/yogeelabs/promptchain/internal/types"
)

// runSingleStage executes one single-kind stage end to end: gather
// context, render, call the provider, save raw before any parsing, then
// write outputs and metadata.
func (e *Engine) runSingleStage(ctx context.Context, stageIndex int, stage *types.Stage) error {
	stageDir := e.Store.StageDir(stage.ID)

	sc, err := e.gatherStageContext(stageIndex, stage)
	if err != nil {
		return e.failStage(stage, stageMetaFor(stage), err)
	}

	completer, err := e.Providers.Completer(stage.Provider)
	if err != nil {
		return e.failStage(stage, stageMetaFor(stage), err)
	}

	fields := template.Fields(stage.Prompt)
	rendered, err := template.Render(stage.Prompt, sc.All)
	if err != nil {
		return e.failStage(stage, stageMetaFor(stage), err)
	}

	meta := stageMetaFor(stage)
	meta.Prompt = rendered
	meta.ContextFields = fields
	meta.Status = artifact.StatusStarted
	meta.StartedAt = artifact.Now()
	if err := e.Store.WriteJSON(filepath.Join(stageDir, "stage.json"), meta); err != nil {
		return err
	}
	if err := e.Store.WriteJSON(filepath.Join(stageDir, "context.json"), &artifact.ContextFile{
		RenderedPrompt: rendered,
		ContextAll:     contextAll(sc, e.Params),
		ContextUsed:    usedContext(fields, sc, e.Params, nil, 0),
	}); err != nil {
		return err
	}

	e.Meta.Stages[stage.ID] = summaryFor(stage, artifact.StatusStarted)
	e.Meta.Stages[stage.ID].StartedAt = meta.StartedAt
	e.saveMeta()
	e.Store.AppendEvent("stage:%s status=started mode=%s provider=%s model=%s",
		stage.ID, stage.Kind, stage.Provider, stage.Model)
	e.display().StageStart(stage.ID, stage.Model)

	raw, provMeta, err := completer.Complete(ctx, completeRequest(stage, rendered))
	if err != nil {
		return e.failStage(stage, meta, err)
	}
	meta.TokensIn = provMeta.TokensIn
	meta.TokensOut = provMeta.TokensOut

	// Raw is written before any parsing so a crash mid-write never leaves
	// an apparently complete stage with no raw evidence.
	rawPath := filepath.Join(stageDir, "raw.txt")
	if err := e.Store.WriteText(rawPath, raw); err != nil {
		return err
	}
	e.mirrorRaw(e.Store.LogsStageDir(stage.ID), raw)

	if stage.HasJSONOutput() {
		envelope, perr := parseEnvelope(raw)
		if perr != nil {
			return e.failStage(stage, meta, perr)
		}
		if err := e.Store.WriteJSON(filepath.Join(stageDir, "output.json"), envelope); err != nil {
			return err
		}
	}
	if stage.HasMarkdownOutput() {
		if err := e.Store.WriteText(filepath.Join(stageDir, "output.md"), raw); err != nil {
			return err
		}
	}

	meta.Status = artifact.StatusCompleted
	meta.CompletedAt = artifact.Now()
	if err := e.Store.WriteJSON(filepath.Join(stageDir, "stage.json"), meta); err != nil {
		return err
	}
	if err := e.Store.WriteJSON(e.Store.StageMetaPath(stage.ID), meta); err != nil {
		return err
	}

	summary := summaryFor(stage, artifact.StatusCompleted)
	summary.StartedAt = meta.StartedAt
	summary.CompletedAt = meta.CompletedAt
	e.Meta.Stages[stage.ID] = summary
	e.saveMeta()
	e.Store.AppendEvent("stage:%s status=completed provider=%s model=%s",
		stage.ID, stage.Provider, stage.Model)
	e.display().StageDone(stage.ID, stage.Model)
	return nil
}

// parseEnvelope runs the lenient parser and the normalizer over raw text.
func parseEnvelope(raw string) (*jsonx.Envelope, error) {
	parsed, err := jsonx.ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	return jsonx.Normalize(parsed)
}

// mirrorRaw copies raw output under logs/ for log-consuming tooling. The
// mirror is best effort; the canonical copy lives in the stage dir.
func (e *Engine) mirrorRaw(dir, raw string) {
	if err := e.Store.WriteText(filepath.Join(dir, "raw.txt"), raw); err != nil {
		vlog.Warn("failed to mirror raw output", "dir", dir, "err", err)
	}
}

// failStage records a stage failure in stage.json, the stage meta file,
// run.json and run.log, then returns the original error.
func (e *Engine) failStage(stage *types.Stage, meta *artifact.StageMeta, cause error) error {
	kind := errorKind(cause)
	meta.Status = artifact.StatusFailed
	meta.Error = cause.Error()
	meta.ErrorKind = kind
	meta.FailedAt = artifact.Now()
	stageDir := e.Store.StageDir(stage.ID)
	if err := e.Store.WriteJSON(filepath.Join(stageDir, "stage.json"), meta); err != nil {
		vlog.Error("failed to write stage meta", "stage", stage.ID, "err", err)
	}
	if err := e.Store.WriteJSON(e.Store.StageMetaPath(stage.ID), meta); err != nil {
		vlog.Error("failed to write stage meta", "stage", stage.ID, "err", err)
	}

	summary := summaryFor(stage, artifact.StatusFailed)
	summary.Error = kind
	summary.FailedAt = meta.FailedAt
	e.Meta.Stages[stage.ID] = summary
	e.saveMeta()
	e.Store.AppendEvent("stage:%s status=failed error=%s", stage.ID, kind)
	e.display().StageFailed(stage.ID, stage.Model, cause)
	return cause
}
