package cli

import (
	"testing"
)

func TestParseRunArgs(t *testing.T) {
	parsed, err := parseRunArgs([]string{
		"--pipeline", "demo.yaml",
		"--run-dir", "runs/20250101T000000Z_abcd1234",
		"--stage", "expand_items",
		"--max-in-flight", "4",
		"--topic", "chess",
		"--audience=beginners",
	})
	if err != nil {
		t.Fatalf("parseRunArgs() error: %v", err)
	}
	if parsed.pipelinePath != "demo.yaml" {
		t.Errorf("pipeline = %q", parsed.pipelinePath)
	}
	if parsed.opts.RunDir != "runs/20250101T000000Z_abcd1234" {
		t.Errorf("run-dir = %q", parsed.opts.RunDir)
	}
	if parsed.opts.StageOnly != "expand_items" {
		t.Errorf("stage = %q", parsed.opts.StageOnly)
	}
	if parsed.opts.MaxInFlight != 4 {
		t.Errorf("max-in-flight = %d", parsed.opts.MaxInFlight)
	}
	if parsed.params["topic"] != "chess" {
		t.Errorf("params[topic] = %v", parsed.params["topic"])
	}
	if parsed.params["audience"] != "beginners" {
		t.Errorf("params[audience] = %v", parsed.params["audience"])
	}
}

func TestParseRunArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing pipeline", []string{"--topic", "chess"}},
		{"bare positional", []string{"demo.yaml"}},
		{"missing value", []string{"--pipeline", "demo.yaml", "--topic"}},
		{"empty param name", []string{"--pipeline", "demo.yaml", "--=x"}},
		{"bad max-in-flight", []string{"--pipeline", "demo.yaml", "--max-in-flight", "zero"}},
		{"max-in-flight below one", []string{"--pipeline", "demo.yaml", "--max-in-flight", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseRunArgs(tt.args); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParseRunArgsEqualsForms(t *testing.T) {
	parsed, err := parseRunArgs([]string{"--pipeline=p.yaml", "--from-stage=b", "--stop-after=c"})
	if err != nil {
		t.Fatalf("parseRunArgs() error: %v", err)
	}
	if parsed.pipelinePath != "p.yaml" || parsed.opts.FromStage != "b" || parsed.opts.StopAfter != "c" {
		t.Errorf("equals forms misparsed: %+v", parsed)
	}
}
