package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yogeelabs/promptchain/internal/artifact"
	"github.com/yogeelabs/promptchain/internal/jsonx"
	"github.com/yogeelabs/promptchain/internal/template"
	"github.com/yogeelabs/promptchain/internal/types"
)

// workItem is one selected, not-yet-completed map item ready to execute.
type workItem struct {
	index  int
	item   jsonx.Item
	prompt string
	used   map[string]any
}

// itemOutcome is a worker's report to the manifest collector.
type itemOutcome struct {
	index int
	entry artifact.ManifestEntry
}

// runMapStage executes a map-kind stage in concurrent or batch mode.
// It returns pending=true when a batch was submitted and the run should
// stop until the next resume.
func (e *Engine) runMapStage(ctx context.Context, stageIndex int, stage *types.Stage) (pending bool, err error) {
	sc, err := e.gatherStageContext(stageIndex, stage)
	if err != nil {
		return false, e.failStage(stage, e.mapMetaFor(stage), err)
	}

	env, err := e.resolveItems(stage, sc)
	if err != nil {
		return false, e.failStage(stage, e.mapMetaFor(stage), err)
	}

	maxInFlight := stage.MaxInFlight
	if e.MaxInFlightOverride > 0 {
		if stage.Execution == types.ModeBatch {
			return false, e.failStage(stage, e.mapMetaFor(stage),
				&pipelineConfigError{msg: fmt.Sprintf("stage '%s' cannot combine batch execution with --max-in-flight", stage.ID)})
		}
		maxInFlight = e.MaxInFlightOverride
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}

	// Capability checks happen before any submission or provider call.
	if stage.Execution == types.ModeBatch {
		if _, err := e.Providers.Batcher(stage.Provider); err != nil {
			return false, e.failStage(stage, e.mapMetaFor(stage), &pipelineConfigError{msg: err.Error()})
		}
	} else {
		if _, err := e.Providers.Completer(stage.Provider); err != nil {
			return false, e.failStage(stage, e.mapMetaFor(stage), &pipelineConfigError{msg: err.Error()})
		}
	}

	meta := e.mapMetaFor(stage)
	meta.MaxInFlight = maxInFlight
	if stage.Execution == types.ModeBatch {
		meta.MaxInFlight = 0
	}
	meta.Status = artifact.StatusStarted
	meta.StartedAt = artifact.Now()
	stageDir := e.Store.StageDir(stage.ID)
	if err := e.Store.WriteJSON(filepath.Join(stageDir, "stage.json"), meta); err != nil {
		return false, err
	}
	if err := e.Store.WriteJSON(filepath.Join(stageDir, "context.json"), &artifact.ContextFile{
		ContextAll:  contextAll(sc, e.Params),
		ContextUsed: usedContext(template.Fields(stage.Prompt), sc, e.Params, nil, 0),
	}); err != nil {
		return false, err
	}

	summary := summaryFor(stage, artifact.StatusStarted)
	summary.StartedAt = meta.StartedAt
	summary.ExecutionMode = stage.Execution
	summary.MaxInFlight = meta.MaxInFlight
	e.Meta.Stages[stage.ID] = summary
	e.saveMeta()
	e.Store.AppendEvent("stage:%s status=started mode=map list_source=%s provider=%s model=%s",
		stage.ID, stage.ListSource, stage.Provider, stage.Model)
	if stage.Execution == types.ModeBatch {
		e.Store.AppendEvent("Stage %s running in BATCH mode (submit/collect)", stage.ID)
	} else {
		e.Store.AppendEvent("Stage %s running in CONCURRENT mode (max_in_flight=%d)", stage.ID, maxInFlight)
	}
	e.display().StageStart(stage.ID, stage.Model)

	entries, work, err := e.prepareItems(stage, sc, env)
	if err != nil {
		return false, e.failStage(stage, meta, err)
	}

	if stage.Execution == types.ModeBatch {
		return e.runBatch(ctx, stage, meta, env, entries, work)
	}

	e.executeConcurrent(ctx, stage, maxInFlight, entries, work)
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	return false, e.finalizeMapStage(stage, meta, entries)
}

// mapMetaFor seeds the stage meta with map-specific fields.
func (e *Engine) mapMetaFor(stage *types.Stage) *artifact.StageMeta {
	meta := stageMetaFor(stage)
	meta.ExecutionMode = stage.Execution
	return meta
}

// pipelineConfigError reports configuration failures found by the runner
// and scheduler (stage windows, missing provider capabilities). errorKind
// has no case for it, so stage metadata records its kind as "error".
type pipelineConfigError struct {
	msg string
}

func (e *pipelineConfigError) Error() string { return e.msg }

// resolveItems loads the iteration source: an upstream stage's normalized
// envelope, a JSON list file, or a plain-text list file.
func (e *Engine) resolveItems(stage *types.Stage, sc *stageContext) (*jsonx.Envelope, error) {
	if e.Pipeline.StageIndex(stage.ListSource) >= 0 {
		payload, ok := sc.StageJSON[stage.ListSource]
		if !ok {
			return nil, fmt.Errorf("map stage '%s' expects JSON output from '%s'", stage.ID, stage.ListSource)
		}
		obj, ok := payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("map stage '%s' expects JSON list from '%s'", stage.ID, stage.ListSource)
		}
		if _, ok := obj["items"]; !ok {
			return nil, fmt.Errorf("map stage '%s' expects JSON list from '%s'", stage.ID, stage.ListSource)
		}
		return jsonx.Normalize(obj)
	}

	path := e.Pipeline.ResolvePath(stage.ListSource)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ContextError{
			StageID: stage.ID,
			Kind:    kindMissingFileInput,
			Msg:     fmt.Sprintf("map source file not found: %s", path),
		}
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, &jsonx.ParseError{Kind: jsonx.KindInvalidJSON, Msg: fmt.Sprintf("map source file contained invalid JSON: %s", path)}
		}
		return jsonx.Normalize(parsed)
	}
	return jsonx.NormalizeLines(string(data))
}

// prepareItems walks the item list in order and splits it into manifest
// entries that are already decided (skipped, reused) and work still to do.
// Prompts are rendered up front so context errors surface before any
// provider call.
func (e *Engine) prepareItems(stage *types.Stage, sc *stageContext, env *jsonx.Envelope) ([]*artifact.ManifestEntry, []workItem, error) {
	entries := make([]*artifact.ManifestEntry, len(env.Items))
	var work []workItem
	fields := template.Fields(stage.Prompt)

	for index, item := range env.Items {
		itemDir := e.Store.ItemDir(stage.ID, item.ID)

		if !item.Selected {
			if _, err := os.Stat(filepath.Join(itemDir, "stage.json")); err != nil {
				itemMeta := &artifact.StageMeta{
					StageID:    stage.ID,
					ItemID:     item.ID,
					ItemIndex:  intPtr(index),
					Status:     artifact.StatusSkipped,
					SkipReason: "unselected",
					SkippedAt:  artifact.Now(),
					Enabled:    true,
				}
				if err := e.Store.WriteJSON(filepath.Join(itemDir, "item.json"), item.AsMap()); err != nil {
					return nil, nil, err
				}
				if err := e.Store.WriteJSON(filepath.Join(itemDir, "stage.json"), itemMeta); err != nil {
					return nil, nil, err
				}
			}
			entries[index] = &artifact.ManifestEntry{
				ItemID:     item.ID,
				Selected:   false,
				Status:     artifact.StatusSkipped,
				SkipReason: "unselected",
				Item:       item.AsMap(),
			}
			continue
		}

		outputPath := e.Store.ItemOutputPath(stage, item.ID)
		if _, err := os.Stat(outputPath); err == nil {
			entry := &artifact.ManifestEntry{
				ItemID:     item.ID,
				Selected:   true,
				Status:     artifact.StatusCompleted,
				Item:       item.AsMap(),
				OutputPath: e.Store.RelPath(outputPath),
			}
			rawPath := filepath.Join(itemDir, "raw.txt")
			if _, err := os.Stat(rawPath); err == nil {
				entry.RawPath = e.Store.RelPath(rawPath)
			}
			entries[index] = entry
			continue
		}

		prompt, err := template.Render(stage.Prompt, itemContext(sc.All, item, index))
		if err != nil {
			return nil, nil, err
		}
		work = append(work, workItem{
			index:  index,
			item:   item,
			prompt: prompt,
			used:   usedContext(fields, sc, e.Params, &env.Items[index], index),
		})
	}

	return entries, work, nil
}

func intPtr(v int) *int { return &v }

// executeConcurrent drives a bounded worker pool over the work queue.
// Workers call the provider independently; a collector goroutine owns the
// manifest and rewrites it, in original item order, after every
// transition. A worker failure never cancels its peers.
func (e *Engine) executeConcurrent(ctx context.Context, stage *types.Stage, maxInFlight int, entries []*artifact.ManifestEntry, work []workItem) {
	if len(work) == 0 {
		return
	}
	if maxInFlight > len(work) {
		maxInFlight = len(work)
	}

	jobs := make(chan workItem)
	results := make(chan itemOutcome)
	var wg sync.WaitGroup

	for w := 0; w < maxInFlight; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				results <- e.processItem(ctx, stage, item)
			}
		}()
	}

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		done := 0
		for outcome := range results {
			entries[outcome.index] = &outcome.entry
			done++
			e.writeManifest(stage, entries)
			e.display().ItemDone(stage.ID, outcome.entry.ItemID, outcome.entry.Status, done, len(work))
		}
	}()

	for _, item := range work {
		if ctxErr(ctx) != nil {
			break
		}
		jobs <- item
	}
	close(jobs)
	wg.Wait()
	close(results)
	<-collectorDone
}

// processItem runs one item end to end and reports its manifest entry.
func (e *Engine) processItem(ctx context.Context, stage *types.Stage, work workItem) itemOutcome {
	itemDir := e.Store.ItemDir(stage.ID, work.item.ID)
	itemMeta := e.itemMetaFor(stage, work)
	itemMeta.Status = artifact.StatusStarted
	itemMeta.StartedAt = artifact.Now()

	entry := artifact.ManifestEntry{
		ItemID:   work.item.ID,
		Selected: true,
		Item:     work.item.AsMap(),
	}

	fail := func(cause error) itemOutcome {
		kind := errorKind(cause)
		errorPath := filepath.Join(e.Store.LogsItemDir(stage.ID, work.item.ID), "error.json")
		_ = e.Store.WriteJSON(errorPath, map[string]any{
			"stage_id": stage.ID,
			"item_id":  work.item.ID,
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
		e.Store.AppendEvent("stage:%s item:%s status=failed error=%s", stage.ID, work.item.ID, kind)
		return itemOutcome{index: work.index, entry: entry}
	}

	if err := e.Store.WriteJSON(filepath.Join(itemDir, "item.json"), work.item.AsMap()); err != nil {
		return fail(err)
	}
	if err := e.Store.WriteJSON(filepath.Join(itemDir, "stage.json"), itemMeta); err != nil {
		return fail(err)
	}
	if err := e.Store.WriteJSON(filepath.Join(itemDir, "context.json"), &artifact.ContextFile{
		RenderedPrompt: work.prompt,
		ContextUsed:    work.used,
	}); err != nil {
		return fail(err)
	}
	e.Store.AppendEvent("stage:%s item:%s status=started mode=%s", stage.ID, work.item.ID, stage.Execution)

	completer, err := e.Providers.Completer(stage.Provider)
	if err != nil {
		return fail(err)
	}
	raw, provMeta, err := completer.Complete(ctx, completeRequest(stage, work.prompt))
	if err != nil {
		return fail(err)
	}
	itemMeta.TokensIn = provMeta.TokensIn
	itemMeta.TokensOut = provMeta.TokensOut

	outputPath, rawPath, err := e.writeItemOutputs(stage, work.item.ID, raw)
	if err != nil {
		return fail(err)
	}

	itemMeta.Status = artifact.StatusCompleted
	itemMeta.CompletedAt = artifact.Now()
	_ = e.Store.WriteJSON(filepath.Join(itemDir, "stage.json"), itemMeta)

	entry.Status = artifact.StatusCompleted
	entry.OutputPath = e.Store.RelPath(outputPath)
	entry.RawPath = e.Store.RelPath(rawPath)
	e.Store.AppendEvent("stage:%s item:%s status=completed", stage.ID, work.item.ID)
	return itemOutcome{index: work.index, entry: entry}
}

// writeItemOutputs is the shared post-processing path for sync and batch
// results: raw first, then the parsed output per the stage's output kind.
func (e *Engine) writeItemOutputs(stage *types.Stage, itemID, raw string) (outputPath, rawPath string, err error) {
	itemDir := e.Store.ItemDir(stage.ID, itemID)
	rawPath = filepath.Join(itemDir, "raw.txt")
	if err := e.Store.WriteText(rawPath, raw); err != nil {
		return "", "", err
	}
	e.mirrorRaw(e.Store.LogsItemDir(stage.ID, itemID), raw)

	if stage.HasJSONOutput() {
		envelope, perr := parseEnvelope(raw)
		if perr != nil {
			return "", "", perr
		}
		outputPath = filepath.Join(itemDir, "output.json")
		if err := e.Store.WriteJSON(outputPath, envelope); err != nil {
			return "", "", err
		}
	}
	if stage.HasMarkdownOutput() {
		mdPath := filepath.Join(itemDir, "output.md")
		if err := e.Store.WriteText(mdPath, raw); err != nil {
			return "", "", err
		}
		if outputPath == "" {
			outputPath = mdPath
		}
	}
	return outputPath, rawPath, nil
}

// itemMetaFor seeds per-item stage.json metadata.
func (e *Engine) itemMetaFor(stage *types.Stage, work workItem) *artifact.StageMeta {
	return &artifact.StageMeta{
		StageID:         stage.ID,
		Provider:        stage.Provider,
		Model:           stage.Model,
		Temperature:     stage.Temperature,
		ReasoningEffort: stage.ReasoningEffort(),
		Enabled:         true,
		Output:          stage.Output,
		ExecutionMode:   stage.Execution,
		ItemID:          work.item.ID,
		ItemIndex:       intPtr(work.index),
		Prompt:          work.prompt,
	}
}

// writeManifest rewrites the manifest in original item order.
func (e *Engine) writeManifest(stage *types.Stage, entries []*artifact.ManifestEntry) {
	manifest := artifact.Manifest{ListSource: stage.ListSource, Items: []artifact.ManifestEntry{}}
	for _, entry := range entries {
		if entry != nil {
			manifest.Items = append(manifest.Items, *entry)
		}
	}
	_ = e.Store.WriteJSON(e.Store.StageOutputPath(stage), &manifest)
}

// finalizeMapStage writes the final manifest, stage metadata and summary,
// and decides the terminal status from the per-item outcomes.
func (e *Engine) finalizeMapStage(stage *types.Stage, meta *artifact.StageMeta, entries []*artifact.ManifestEntry) error {
	counts := artifact.ItemCounts{}
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		counts.Total++
		switch entry.Status {
		case artifact.StatusCompleted:
			counts.Completed++
		case artifact.StatusFailed:
			counts.Failed++
		case artifact.StatusSkipped:
			counts.Skipped++
		}
	}

	status := artifact.StatusCompleted
	switch {
	case counts.Failed > 0 && counts.Completed == 0:
		status = artifact.StatusFailed
	case counts.Failed > 0:
		status = artifact.StatusCompletedErrors
	}

	e.writeManifest(stage, entries)

	meta.Status = status
	meta.Items = &counts
	if status == artifact.StatusFailed {
		meta.FailedAt = artifact.Now()
	} else {
		meta.CompletedAt = artifact.Now()
	}
	if err := e.Store.WriteJSON(filepath.Join(e.Store.StageDir(stage.ID), "stage.json"), meta); err != nil {
		return err
	}
	if err := e.Store.WriteJSON(e.Store.StageMetaPath(stage.ID), meta); err != nil {
		return err
	}

	summary := summaryFor(stage, status)
	summary.ExecutionMode = stage.Execution
	summary.MaxInFlight = meta.MaxInFlight
	summary.StartedAt = meta.StartedAt
	summary.CompletedAt = meta.CompletedAt
	summary.FailedAt = meta.FailedAt
	summary.Items = &counts
	e.Meta.Stages[stage.ID] = summary
	e.saveMeta()

	e.Store.AppendEvent("stage:%s status=%s items_completed=%d items_failed=%d items_skipped=%d provider=%s model=%s",
		stage.ID, status, counts.Completed, counts.Failed, counts.Skipped, stage.Provider, stage.Model)

	if status == artifact.StatusFailed {
		e.display().StageFailed(stage.ID, stage.Model, fmt.Errorf("no items completed"))
		return fmt.Errorf("stage '%s' failed: no items completed", stage.ID)
	}
	e.display().StageDone(stage.ID, stage.Model)
	return nil
}
