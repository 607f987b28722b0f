package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yogeelabs/promptchain/internal/artifact"
	"github.com/yogeelabs/promptchain/internal/pipeline"
	"github.com/yogeelabs/promptchain/internal/provider"
)

// fakeProvider answers sync completions from a prompt-keyed function and
// counts calls so resume tests can assert "no provider calls".
type fakeProvider struct {
	name     string
	calls    atomic.Int64
	generate func(prompt string) (string, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req provider.Request) (string, provider.Metadata, error) {
	f.calls.Add(1)
	if f.generate == nil {
		return "ok", provider.Metadata{TokensIn: 1, TokensOut: 1}, nil
	}
	text, err := f.generate(req.Prompt)
	return text, provider.Metadata{TokensIn: 1, TokensOut: 1}, err
}

// fakeBatchProvider implements the batch capability in memory.
type fakeBatchProvider struct {
	fakeProvider
	submitted    []provider.BatchItem
	pollsToReady int
	polls        int
	failFetchFor map[string]bool
}

func (f *fakeBatchProvider) Submit(ctx context.Context, items []provider.BatchItem) (string, map[string]string, error) {
	f.submitted = items
	mapping := map[string]string{}
	for i, item := range items {
		mapping[item.ItemID] = fmt.Sprintf("req-%d", i)
	}
	return "sub-123", mapping, nil
}

func (f *fakeBatchProvider) Poll(ctx context.Context, handle string) (provider.BatchStatus, error) {
	f.polls++
	if f.polls <= f.pollsToReady {
		return provider.BatchStatus{Status: provider.BatchRunning}, nil
	}
	return provider.BatchStatus{Status: provider.BatchCompleted, Counts: map[string]int{"completed": len(f.submitted)}}, nil
}

func (f *fakeBatchProvider) Fetch(ctx context.Context, handle string) (map[string]provider.BatchResult, error) {
	results := map[string]provider.BatchResult{}
	for _, item := range f.submitted {
		if f.failFetchFor[item.ItemID] {
			results[item.ItemID] = provider.BatchResult{Err: &provider.Error{Provider: f.name, Kind: provider.KindProviderInternal, Msg: "boom"}}
			continue
		}
		results[item.ItemID] = provider.BatchResult{RawText: "batched: " + item.Prompt}
	}
	return results, nil
}

func mustParse(t *testing.T, yaml string) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Parse([]byte(yaml), "pipeline.yaml")
	require.NoError(t, err)
	return p
}

func newTestEngine(t *testing.T, p *pipeline.Pipeline, adapters ...any) (*Engine, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	eng := &Engine{
		Pipeline:  p,
		Providers: provider.NewRegistry(adapters...),
		Params:    map[string]any{"topic": "chess"},
		RunsRoot:  filepath.Join(t.TempDir(), "runs"),
		Stdout:    out,
	}
	return eng, out
}

const singleYAML = `
name: single
provider: fake
model: test-model
stages:
  - id: write_paragraph
    prompt: "Write one paragraph about {topic}."
    output: markdown
    publish: true
`

func TestSingleStageRun(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		return "a paragraph about chess", nil
	}}
	eng, out := newTestEngine(t, mustParse(t, singleYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.NoError(t, err)

	firstLine := strings.SplitN(out.String(), "\n", 2)[0]
	assert.Equal(t, "run_dir: "+runDir, firstLine)

	stageDir := filepath.Join(runDir, "stages", "write_paragraph")
	for _, name := range []string{"raw.txt", "output.md", "stage.json", "context.json"} {
		assert.FileExists(t, filepath.Join(stageDir, name))
	}

	var meta artifact.RunMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "run.json"), &meta))
	assert.Equal(t, artifact.StatusCompleted, meta.Status)
	assert.Equal(t, artifact.StatusCompleted, meta.Stages["write_paragraph"].Status)

	var stageMeta artifact.StageMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(stageDir, "stage.json"), &stageMeta))
	assert.Equal(t, "Write one paragraph about chess.", strings.TrimSpace(stageMeta.Prompt))
	assert.Contains(t, stageMeta.ContextFields, "topic")

	// Publish pass copied the deliverable.
	assert.FileExists(t, filepath.Join(runDir, "output", "write_paragraph", "output.md"))
}

const jsonChainYAML = `
name: json_chain
provider: fake
model: test-model
stages:
  - id: list_items
    prompt: "List items about {topic} as JSON."
    output: json
  - id: use_items
    prompt: "Use this: {stage_json[list_items]}"
    output: markdown
`

func TestJSONStageFeedsDownstream(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "List items") {
			return `["openings", "endgames", "tactics"]`, nil
		}
		return "overview", nil
	}}
	eng, _ := newTestEngine(t, mustParse(t, jsonChainYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.NoError(t, err)

	var envelope struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "stages", "list_items", "output.json"), &envelope))
	require.Len(t, envelope.Items, 3)
	for _, item := range envelope.Items {
		id, _ := item["id"].(string)
		assert.Regexp(t, `^item_[0-9a-f]{16}$`, id)
		assert.Equal(t, true, item["_selected"])
	}

	var stageMeta artifact.StageMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "stages", "use_items", "stage.json"), &stageMeta))
	assert.Contains(t, stageMeta.Prompt, "openings", "rendered prompt should embed the upstream JSON")
	assert.FileExists(t, filepath.Join(runDir, "stages", "use_items", "output.md"))
}

func TestResumePerformsNoProviderCalls(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "List items") {
			return `["one", "two"]`, nil
		}
		return "overview", nil
	}}
	eng, _ := newTestEngine(t, mustParse(t, jsonChainYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.NoError(t, err)
	firstCalls := fake.calls.Load()
	require.Equal(t, int64(2), firstCalls)

	eng2, _ := newTestEngine(t, mustParse(t, jsonChainYAML), fake)
	_, err = eng2.Run(context.Background(), Options{RunDir: runDir})
	require.NoError(t, err)
	assert.Equal(t, firstCalls, fake.calls.Load(), "resume must not call providers")

	data, err := os.ReadFile(filepath.Join(runDir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "stage:list_items status=reused")
	assert.Contains(t, string(data), "stage:use_items status=reused")
}

const concurrentMapYAML = `
name: concurrent_map
provider: fake
model: test-model
stages:
  - id: list_items
    prompt: "List angles on {topic} as JSON."
    output: json
  - id: expand_items
    kind: map
    list_source: list_items
    execution_mode: concurrent
    max_in_flight: 3
    prompt: "Expand: {item_value}"
    output: markdown
    publish: true
`

func TestConcurrentMapStage(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "List angles") {
			return `["a1", "a2", "a3", "a4"]`, nil
		}
		return "expanded " + prompt, nil
	}}
	eng, _ := newTestEngine(t, mustParse(t, concurrentMapYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.NoError(t, err)

	var stageMeta artifact.StageMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "expand_items.meta.json"), &stageMeta))
	assert.Equal(t, "concurrent", stageMeta.ExecutionMode)
	assert.Equal(t, 3, stageMeta.MaxInFlight)
	assert.Equal(t, artifact.StatusCompleted, stageMeta.Status)
	require.NotNil(t, stageMeta.Items)
	assert.Equal(t, 4, stageMeta.Items.Completed)

	var manifest artifact.Manifest
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "stages", "expand_items", "output.json"), &manifest))
	require.Len(t, manifest.Items, 4)
	for _, entry := range manifest.Items {
		assert.Equal(t, artifact.StatusCompleted, entry.Status)
		assert.FileExists(t, filepath.Join(runDir, filepath.FromSlash(entry.OutputPath)))
		assert.FileExists(t, filepath.Join(runDir, filepath.FromSlash(entry.RawPath)))
	}

	// The manifest preserves the upstream item order even though workers
	// finish out of order.
	var values []string
	for _, entry := range manifest.Items {
		item := entry.Item.(map[string]any)
		values = append(values, item["value"].(string))
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "a4"}, values)

	// Published deliverables never include raw provider output.
	err = filepath.Walk(filepath.Join(runDir, "output"), func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		assert.NotEqual(t, "raw.txt", filepath.Base(path))
		return nil
	})
	require.NoError(t, err)
}

func TestMapStageItemFailureIsolation(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "List angles") {
			return `["good", "bad", "fine"]`, nil
		}
		if strings.Contains(prompt, "bad") {
			return "", &provider.Error{Provider: "fake", Kind: provider.KindRateLimit, Msg: "slow down"}
		}
		return "expanded", nil
	}}
	eng, _ := newTestEngine(t, mustParse(t, concurrentMapYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.NoError(t, err, "a partial map failure must not abort the run")

	var manifest artifact.Manifest
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "stages", "expand_items", "output.json"), &manifest))
	byStatus := map[string]int{}
	for _, entry := range manifest.Items {
		byStatus[entry.Status]++
		if entry.Status == artifact.StatusFailed {
			assert.Equal(t, provider.KindRateLimit, entry.Error)
		}
	}
	assert.Equal(t, 2, byStatus[artifact.StatusCompleted])
	assert.Equal(t, 1, byStatus[artifact.StatusFailed])

	var meta artifact.RunMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "run.json"), &meta))
	assert.Equal(t, artifact.StatusCompletedErrors, meta.Status)
}

func TestMapStageAllFailuresFailsStage(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "List angles") {
			return `["x", "y"]`, nil
		}
		return "", &provider.Error{Provider: "fake", Kind: provider.KindNetwork, Msg: "down"}
	}}
	eng, _ := newTestEngine(t, mustParse(t, concurrentMapYAML), fake)

	_, err := eng.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no items completed")
}

func TestMapStageUnselectedItemsSkip(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "List angles") {
			return `{"items": [{"value": "a", "_selected": false}, {"value": "b", "_selected": false}]}`, nil
		}
		return "should not run", nil
	}}
	eng, _ := newTestEngine(t, mustParse(t, concurrentMapYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), fake.calls.Load(), "unselected items must not reach the provider")

	var manifest artifact.Manifest
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "stages", "expand_items", "output.json"), &manifest))
	require.Len(t, manifest.Items, 2)
	for _, entry := range manifest.Items {
		assert.Equal(t, artifact.StatusSkipped, entry.Status)
		assert.Equal(t, "unselected", entry.SkipReason)
		assert.False(t, entry.Selected)
	}

	var stageMeta artifact.StageMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "expand_items.meta.json"), &stageMeta))
	assert.Equal(t, artifact.StatusCompleted, stageMeta.Status)
}

func TestMapStageResumeReusesCompletedItems(t *testing.T) {
	var failNext atomic.Bool
	failNext.Store(true)
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "List angles") {
			return `["p", "q"]`, nil
		}
		if strings.Contains(prompt, "q") && failNext.Load() {
			return "", &provider.Error{Provider: "fake", Kind: provider.KindNetwork, Msg: "flaky"}
		}
		return "expanded", nil
	}}
	eng, _ := newTestEngine(t, mustParse(t, concurrentMapYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.NoError(t, err)
	callsAfterFirst := fake.calls.Load()

	// Second run retries only the failed item.
	failNext.Store(false)
	eng2, _ := newTestEngine(t, mustParse(t, concurrentMapYAML), fake)
	_, err = eng2.Run(context.Background(), Options{RunDir: runDir})
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst+1, fake.calls.Load())

	var manifest artifact.Manifest
	require.NoError(t, eng2.Store.ReadJSON(filepath.Join(runDir, "stages", "expand_items", "output.json"), &manifest))
	for _, entry := range manifest.Items {
		assert.Equal(t, artifact.StatusCompleted, entry.Status)
	}
}

const disabledStageYAML = `
name: disabled
provider: fake
model: test-model
stages:
  - id: intro
    enabled: false
    prompt: "Write an intro about {topic}."
    output: markdown
  - id: summary
    prompt: "Summarize {topic}."
    output: markdown
`

func TestDisabledStageSkips(t *testing.T) {
	fake := &fakeProvider{name: "fake"}
	eng, _ := newTestEngine(t, mustParse(t, disabledStageYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.NoError(t, err)

	var stageMeta artifact.StageMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "intro.meta.json"), &stageMeta))
	assert.Equal(t, artifact.StatusSkipped, stageMeta.Status)
	assert.Equal(t, "disabled_in_yaml", stageMeta.SkipReason)

	data, err := os.ReadFile(filepath.Join(runDir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Stage intro SKIPPED (disabled in pipeline yaml)")

	assert.FileExists(t, filepath.Join(runDir, "stages", "summary", "output.md"))
}

const disabledDepYAML = `
name: disabled_dep
provider: fake
model: test-model
stages:
  - id: list_items
    enabled: false
    prompt: "List items about {topic} as JSON."
    output: json
  - id: use_items
    prompt: "Use this: {stage_json[list_items]}"
    output: markdown
`

func TestDisabledDependencyFails(t *testing.T) {
	fake := &fakeProvider{name: "fake"}
	eng, _ := newTestEngine(t, mustParse(t, disabledDepYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t,
		"Cannot run stage 'use_items': dependency 'list_items' is disabled in pipeline yaml (enabled=false).",
		err.Error())
	assert.Equal(t, int64(0), fake.calls.Load(), "no provider call before the dependency check")

	data, readErr := os.ReadFile(filepath.Join(runDir, "run.log"))
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "error=disabled_dependency")
	assert.Contains(t, string(data), "dependency=list_items")
}

const invalidJSONYAML = `
name: invalid_json
provider: fake
model: test-model
stages:
  - id: list_items
    prompt: "List items about {topic} as JSON."
    output: json
`

func TestInvalidJSONOutputFails(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		return "this is prose, not JSON", nil
	}}
	eng, _ := newTestEngine(t, mustParse(t, invalidJSONYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.Error(t, err)

	stageDir := filepath.Join(runDir, "stages", "list_items")
	assert.FileExists(t, filepath.Join(stageDir, "raw.txt"))
	assert.NoFileExists(t, filepath.Join(stageDir, "output.json"))

	var stageMeta artifact.StageMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(stageDir, "stage.json"), &stageMeta))
	assert.Equal(t, artifact.StatusFailed, stageMeta.Status)
	assert.Equal(t, "invalid_json", stageMeta.ErrorKind)
}

func TestStageWindowing(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "List items") {
			return `["one"]`, nil
		}
		return "done", nil
	}}
	eng, _ := newTestEngine(t, mustParse(t, jsonChainYAML), fake)

	// --stop-after the first stage leaves the run in "stopped".
	runDir, err := eng.Run(context.Background(), Options{StopAfter: "list_items"})
	require.NoError(t, err)
	var meta artifact.RunMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "run.json"), &meta))
	assert.Equal(t, artifact.StatusStopped, meta.Status)
	assert.NoFileExists(t, filepath.Join(runDir, "stages", "use_items", "output.md"))

	// --from-stage resumes the rest against the same run dir.
	eng2, _ := newTestEngine(t, mustParse(t, jsonChainYAML), fake)
	_, err = eng2.Run(context.Background(), Options{RunDir: runDir, FromStage: "use_items"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(runDir, "stages", "use_items", "output.md"))

	// --stage without a run dir is a configuration error.
	eng3, _ := newTestEngine(t, mustParse(t, jsonChainYAML), fake)
	_, err = eng3.Run(context.Background(), Options{StageOnly: "use_items"})
	require.Error(t, err)

	// --stage combined with --from-stage is rejected.
	eng4, _ := newTestEngine(t, mustParse(t, jsonChainYAML), fake)
	_, err = eng4.Run(context.Background(), Options{StageOnly: "use_items", FromStage: "list_items"})
	require.Error(t, err)
}

func TestEmptyListCompletesEmptyManifest(t *testing.T) {
	fake := &fakeProvider{name: "fake", generate: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "List angles") {
			return `[]`, nil
		}
		return "unused", nil
	}}
	eng, _ := newTestEngine(t, mustParse(t, concurrentMapYAML), fake)

	runDir, err := eng.Run(context.Background(), Options{})
	require.NoError(t, err)

	var manifest artifact.Manifest
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "stages", "expand_items", "output.json"), &manifest))
	assert.Empty(t, manifest.Items)

	var meta artifact.RunMeta
	require.NoError(t, eng.Store.ReadJSON(filepath.Join(runDir, "run.json"), &meta))
	assert.Equal(t, artifact.StatusCompleted, meta.Status)
}
