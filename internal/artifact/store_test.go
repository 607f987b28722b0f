package artifact

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yogeelabs/promptchain/internal/types"
)

func TestNewRun(t *testing.T) {
	root := t.TempDir()
	store, err := NewRun(filepath.Join(root, "runs"))
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^\d{8}T\d{6}Z_[0-9a-f]{8}$`), store.RunID)
	info, err := os.Stat(store.Root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestOpenRunMissing(t *testing.T) {
	_, err := OpenRun(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestWriteJSONAtomic(t *testing.T) {
	store := testStore(t)
	path := filepath.Join(store.Root, "stages", "s1", "stage.json")
	require.NoError(t, store.WriteJSON(path, map[string]string{"status": "completed"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status": "completed"`)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp"), "stray temp file %s", e.Name())
	}
}

func TestAppendEvent(t *testing.T) {
	store := testStore(t)
	store.AppendEvent("run status=%s pipeline=%s", "started", "demo")
	store.AppendEvent("stage:%s status=completed", "first")

	data, err := os.ReadFile(filepath.Join(store.Root, "run.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "run status=started pipeline=demo")
	assert.Contains(t, lines[1], "stage:first status=completed")
	assert.True(t, strings.HasPrefix(lines[0], "["), "events should be timestamped")
}

func TestStageOutputPath(t *testing.T) {
	store := testStore(t)

	md := &types.Stage{ID: "a", Kind: types.KindSingle, Output: types.OutputMarkdown}
	assert.Equal(t, filepath.Join(store.Root, "stages", "a", "output.md"), store.StageOutputPath(md))

	js := &types.Stage{ID: "b", Kind: types.KindSingle, Output: types.OutputJSON}
	assert.Equal(t, filepath.Join(store.Root, "stages", "b", "output.json"), store.StageOutputPath(js))

	both := &types.Stage{ID: "c", Kind: types.KindSingle, Output: types.OutputBoth}
	assert.Equal(t, filepath.Join(store.Root, "stages", "c", "output.json"), store.StageOutputPath(both))

	mp := &types.Stage{ID: "d", Kind: types.KindMap, Output: types.OutputMarkdown}
	assert.Equal(t, filepath.Join(store.Root, "stages", "d", "output.json"), store.StageOutputPath(mp))
}

func TestIsStageCompletedSingle(t *testing.T) {
	store := testStore(t)
	stage := &types.Stage{ID: "write", Kind: types.KindSingle, Output: types.OutputMarkdown}

	assert.False(t, store.IsStageCompleted(stage))
	require.NoError(t, store.WriteText(store.StageOutputPath(stage), "done"))
	assert.True(t, store.IsStageCompleted(stage))
}

func TestIsStageCompletedMap(t *testing.T) {
	store := testStore(t)
	stage := &types.Stage{ID: "fan", Kind: types.KindMap, Output: types.OutputMarkdown}

	writeManifest := func(entries []ManifestEntry) {
		require.NoError(t, store.WriteJSON(store.StageOutputPath(stage), &Manifest{Items: entries}))
	}

	// Pending entries keep the stage incomplete even though the manifest exists.
	writeManifest([]ManifestEntry{{ItemID: "item_1", Status: StatusSubmittedPending}})
	assert.False(t, store.IsStageCompleted(stage))

	// Failed entries keep it incomplete so a resume retries them.
	writeManifest([]ManifestEntry{{ItemID: "item_1", Status: StatusFailed}})
	assert.False(t, store.IsStageCompleted(stage))

	// A completed entry requires its artifact on disk.
	writeManifest([]ManifestEntry{{ItemID: "item_1", Status: StatusCompleted}})
	assert.False(t, store.IsStageCompleted(stage))
	require.NoError(t, store.WriteText(store.ItemOutputPath(stage, "item_1"), "out"))
	assert.True(t, store.IsStageCompleted(stage))

	// Skipped entries are terminal.
	writeManifest([]ManifestEntry{
		{ItemID: "item_1", Status: StatusCompleted},
		{ItemID: "item_2", Status: StatusSkipped, SkipReason: "unselected"},
	})
	assert.True(t, store.IsStageCompleted(stage))
}

func TestRelPath(t *testing.T) {
	store := testStore(t)
	abs := filepath.Join(store.Root, "stages", "a", "output.md")
	assert.Equal(t, "stages/a/output.md", store.RelPath(abs))
}

func TestRunMetaRoundTrip(t *testing.T) {
	store := testStore(t)
	meta := &RunMeta{
		RunID:    store.RunID,
		Pipeline: "demo",
		Params:   map[string]any{"topic": "chess"},
		Status:   StatusStarted,
		Stages:   map[string]*StageSummary{},
	}
	require.NoError(t, store.WriteRunMeta(meta))

	loaded, err := store.ReadRunMeta()
	require.NoError(t, err)
	assert.Equal(t, "demo", loaded.Pipeline)
	assert.Equal(t, "chess", loaded.Params["topic"])
	assert.NotNil(t, loaded.Stages)
}

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewRun(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)
	return store
}
