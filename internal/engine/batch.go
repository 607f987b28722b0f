package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yogeelabs/promptchain/internal/artifact"
	"github.com/yogeelabs/promptchain/internal/jsonx"
	"github.com/yogeelabs/promptchain/internal/provider"
	"github.com/yogeelabs/promptchain/internal/types"
)

// runBatch drives the batch half of the map scheduler: prepare + submit
// on first entry, poll + fetch on resume. Returns pending=true when the
// run should stop and wait for the provider.
func (e *Engine) runBatch(ctx context.Context, stage *types.Stage, meta *artifact.StageMeta, env *jsonx.Envelope, entries []*artifact.ManifestEntry, work []workItem) (bool, error) {
	batcher, err := e.Providers.Batcher(stage.Provider)
	if err != nil {
		return false, e.failStage(stage, meta, &pipelineConfigError{msg: err.Error()})
	}

	statePath := filepath.Join(e.Store.SupportStageDir(stage.ID), "batch.json")
	if _, err := os.Stat(statePath); err == nil {
		return e.collectBatch(ctx, stage, meta, batcher, statePath, env, entries, work)
	}

	// Nothing left to submit: every item was reused or skipped.
	if len(work) == 0 {
		return false, e.finalizeMapStage(stage, meta, entries)
	}

	// Prepare: per-item shells go to disk before the submission so a
	// crash between prepare and submit leaves an inspectable state.
	items := make([]provider.BatchItem, 0, len(work))
	for _, w := range work {
		itemDir := e.Store.ItemDir(stage.ID, w.item.ID)
		itemMeta := e.itemMetaFor(stage, w)
		itemMeta.Status = artifact.StatusSubmittedPending
		itemMeta.SubmittedAt = artifact.Now()
		if err := e.Store.WriteJSON(filepath.Join(itemDir, "item.json"), w.item.AsMap()); err != nil {
			return false, err
		}
		if err := e.Store.WriteJSON(filepath.Join(itemDir, "stage.json"), itemMeta); err != nil {
			return false, err
		}
		if err := e.Store.WriteJSON(filepath.Join(itemDir, "context.json"), &artifact.ContextFile{
			RenderedPrompt: w.prompt,
			ContextUsed:    w.used,
		}); err != nil {
			return false, err
		}
		entries[w.index] = &artifact.ManifestEntry{
			ItemID:   w.item.ID,
			Selected: true,
			Status:   artifact.StatusSubmittedPending,
			Item:     w.item.AsMap(),
		}
		e.Store.AppendEvent("stage:%s item:%s status=submitted", stage.ID, w.item.ID)
		items = append(items, provider.BatchItem{ItemID: w.item.ID, Request: completeRequest(stage, w.prompt)})
	}
	e.writeManifest(stage, entries)

	handle, mapping, err := batcher.Submit(ctx, items)
	if err != nil {
		return false, e.failStage(stage, meta, err)
	}

	state := &artifact.BatchState{
		SubmissionID: handle,
		SubmittedAt:  artifact.Now(),
		Status:       provider.BatchSubmitted,
		Mapping:      mapping,
	}
	if err := e.Store.WriteJSON(statePath, state); err != nil {
		return false, err
	}

	meta.Status = artifact.StatusBatchPending
	meta.SubmissionID = handle
	meta.BatchStatus = provider.BatchSubmitted
	meta.UpdatedAt = artifact.Now()
	if err := e.Store.WriteJSON(filepath.Join(e.Store.StageDir(stage.ID), "stage.json"), meta); err != nil {
		return false, err
	}
	if err := e.Store.WriteJSON(e.Store.StageMetaPath(stage.ID), meta); err != nil {
		return false, err
	}

	summary := summaryFor(stage, artifact.StatusBatchPending)
	summary.ExecutionMode = stage.Execution
	summary.SubmissionID = handle
	summary.BatchStatus = provider.BatchSubmitted
	e.Meta.Stages[stage.ID] = summary
	e.saveMeta()
	e.Store.AppendEvent("stage:%s status=batch_submitted submission_id=%s", stage.ID, handle)
	e.Store.AppendEvent("To resume batch: re-run with --run-dir %s", e.Store.Root)
	return true, nil
}

// collectBatch polls a persisted submission with bounded exponential
// backoff, then fetches results and runs them through the same
// post-processing path as concurrent mode.
func (e *Engine) collectBatch(ctx context.Context, stage *types.Stage, meta *artifact.StageMeta, batcher provider.Batcher, statePath string, env *jsonx.Envelope, entries []*artifact.ManifestEntry, work []workItem) (bool, error) {
	var state artifact.BatchState
	if err := e.Store.ReadJSON(statePath, &state); err != nil {
		return false, e.failStage(stage, meta, fmt.Errorf("reading batch state: %w", err))
	}
	if state.SubmissionID == "" {
		return false, e.failStage(stage, meta, fmt.Errorf("batch state missing submission_id for stage '%s'", stage.ID))
	}
	meta.SubmissionID = state.SubmissionID

	delay, maxDelay := e.pollBounds()
	for {
		status, err := batcher.Poll(ctx, state.SubmissionID)
		if err != nil {
			return false, e.failStage(stage, meta, err)
		}
		state.Status = status.Status
		state.Polls = append(state.Polls, artifact.PollSnapshot{
			At:     artifact.Now(),
			Status: status.Status,
			Counts: status.Counts,
		})
		if err := e.Store.WriteJSON(statePath, &state); err != nil {
			return false, err
		}
		e.Store.AppendEvent("stage:%s status=batch_poll submission_id=%s batch_status=%s",
			stage.ID, state.SubmissionID, status.Status)

		if status.Status == provider.BatchCompleted {
			break
		}
		if status.Status == provider.BatchFailed {
			meta.BatchStatus = status.Status
			return false, e.failStage(stage, meta,
				fmt.Errorf("batch for stage '%s' failed with status '%s'", stage.ID, status.Status))
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}

	results, err := batcher.Fetch(ctx, state.SubmissionID)
	if err != nil {
		return false, e.failStage(stage, meta, err)
	}

	// Index pending work by item id; anything submitted earlier but not
	// in this run's work list is already complete on disk.
	workByID := make(map[string]workItem, len(work))
	for _, w := range work {
		workByID[w.item.ID] = w
	}

	for itemID := range state.Mapping {
		w, pending := workByID[itemID]
		if !pending {
			continue
		}
		result, found := results[itemID]
		if !found {
			result = provider.BatchResult{Err: fmt.Errorf("missing batch result for item %s", itemID)}
		}
		entries[w.index] = e.finishBatchItem(stage, w, result)
		e.writeManifest(stage, entries)
	}

	return false, e.finalizeMapStage(stage, meta, entries)
}

// finishBatchItem applies one fetched result through the shared per-item
// post-processing path.
func (e *Engine) finishBatchItem(stage *types.Stage, w workItem, result provider.BatchResult) *artifact.ManifestEntry {
	itemDir := e.Store.ItemDir(stage.ID, w.item.ID)
	itemMeta := e.itemMetaFor(stage, w)

	entry := &artifact.ManifestEntry{
		ItemID:   w.item.ID,
		Selected: true,
		Item:     w.item.AsMap(),
	}

	fail := func(cause error) *artifact.ManifestEntry {
		kind := errorKind(cause)
		errorPath := filepath.Join(e.Store.LogsItemDir(stage.ID, w.item.ID), "error.json")
		_ = e.Store.WriteJSON(errorPath, map[string]any{
			"stage_id": stage.ID,
			"item_id":  w.item.ID,
			"error":    cause.Error(),
			"kind":     kind,
		})
		itemMeta.Status = artifact.StatusFailed
		itemMeta.Error = cause.Error()
		itemMeta.ErrorKind = kind
		itemMeta.FailedAt = artifact.Now()
		_ = e.Store.WriteJSON(filepath.Join(itemDir, "stage.json"), itemMeta)
		entry.Status = artifact.StatusFailed
		entry.Error = kind
		entry.ErrorPath = e.Store.RelPath(errorPath)
		e.Store.AppendEvent("stage:%s item:%s status=failed error=%s", stage.ID, w.item.ID, kind)
		return entry
	}

	if result.Err != nil {
		return fail(result.Err)
	}

	outputPath, rawPath, err := e.writeItemOutputs(stage, w.item.ID, result.RawText)
	if err != nil {
		return fail(err)
	}

	itemMeta.Status = artifact.StatusCompleted
	itemMeta.CompletedAt = artifact.Now()
	_ = e.Store.WriteJSON(filepath.Join(itemDir, "stage.json"), itemMeta)

	entry.Status = artifact.StatusCompleted
	entry.OutputPath = e.Store.RelPath(outputPath)
	entry.RawPath = e.Store.RelPath(rawPath)
	e.Store.AppendEvent("stage:%s item:%s status=completed", stage.ID, w.item.ID)
	return entry
}
