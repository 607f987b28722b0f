package engine

import (
	"os"
	"path/filepath"

	"github.com/yogeelabs/promptchain/internal/artifact"
	"github.com/yogeelabs/promptchain/internal/types"
)

// publishStages returns the stages whose outputs are the run's
// deliverables: those declaring publish, or the last enabled stage when
// none do.
func (e *Engine) publishStages() []*types.Stage {
	var publish []*types.Stage
	for i := range e.Pipeline.Stages {
		stage := &e.Pipeline.Stages[i]
		if stage.Publish && stage.IsEnabled() {
			publish = append(publish, stage)
		}
	}
	if len(publish) > 0 {
		return publish
	}
	for i := len(e.Pipeline.Stages) - 1; i >= 0; i-- {
		if e.Pipeline.Stages[i].IsEnabled() {
			return []*types.Stage{&e.Pipeline.Stages[i]}
		}
	}
	return nil
}

// publishOutputs copies the publish set's canonical outputs into the
// output/ tree. output/ is a derived view and is rebuilt on each pass;
// stage artifacts are never touched.
func (e *Engine) publishOutputs() error {
	outputDir := e.Store.OutputDir()
	if err := os.RemoveAll(outputDir); err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	var published []artifact.PublishedArtifact
	for _, stage := range e.publishStages() {
		if stage.IsMap() {
			itemsRoot := filepath.Join(e.Store.StageDir(stage.ID), "items")
			dirs, err := os.ReadDir(itemsRoot)
			if err != nil {
				continue
			}
			for _, dir := range dirs {
				if !dir.IsDir() {
					continue
				}
				itemID := dir.Name()
				src := e.Store.ItemOutputPath(stage, itemID)
				if _, err := os.Stat(src); err != nil {
					continue
				}
				dst := filepath.Join(outputDir, stage.ID, itemID, filepath.Base(src))
				if err := e.Store.CopyFile(src, dst); err != nil {
					return err
				}
				published = append(published, artifact.PublishedArtifact{
					StageID:    stage.ID,
					ItemID:     itemID,
					OutputPath: e.Store.RelPath(dst),
				})
			}
			continue
		}

		for _, src := range e.stageOutputFiles(stage) {
			if _, err := os.Stat(src); err != nil {
				continue
			}
			dst := filepath.Join(outputDir, stage.ID, filepath.Base(src))
			if err := e.Store.CopyFile(src, dst); err != nil {
				return err
			}
			published = append(published, artifact.PublishedArtifact{
				StageID:    stage.ID,
				OutputPath: e.Store.RelPath(dst),
			})
		}
	}

	e.Meta.Output = &artifact.OutputSummary{
		PublishedAt: artifact.Now(),
		Path:        "output",
		Artifacts:   published,
	}
	e.saveMeta()
	return nil
}

// stageOutputFiles lists a single stage's output artifacts; "both" stages
// publish the markdown alongside the canonical JSON.
func (e *Engine) stageOutputFiles(stage *types.Stage) []string {
	dir := e.Store.StageDir(stage.ID)
	switch stage.Output {
	case types.OutputBoth:
		return []string{filepath.Join(dir, "output.json"), filepath.Join(dir, "output.md")}
	default:
		return []string{e.Store.StageOutputPath(stage)}
	}
}
