package engine

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Display handles terminal progress output for a run.
type Display struct {
	w       io.Writer
	started map[string]time.Time
}

// NewDisplay creates a display that writes to stdout.
func NewDisplay() *Display {
	return &Display{w: os.Stdout, started: map[string]time.Time{}}
}

// NopDisplay returns a display that discards everything (tests, quiet mode).
func NopDisplay() *Display {
	return &Display{w: io.Discard, started: map[string]time.Time{}}
}

// Header prints the pipeline header.
func (d *Display) Header(pipelineName string) {
	fmt.Fprintf(d.w, "\n⛓  promptchain — %s\n", pipelineName)
	fmt.Fprintln(d.w, strings.Repeat("─", 64))
}

func (d *Display) StageStart(stageID, model string) {
	d.started[stageID] = time.Now()
	fmt.Fprintf(d.w, "⏳ %-20s %-28s running...\n", stageID, model)
}

func (d *Display) StageDone(stageID, model string) {
	fmt.Fprintf(d.w, "✅ %-20s %-28s %.1fs\n", stageID, model, d.elapsed(stageID))
}

func (d *Display) StageFailed(stageID, model string, err error) {
	fmt.Fprintf(d.w, "❌ %-20s %-28s %s\n", stageID, model, err.Error())
}

func (d *Display) StageSkipped(stageID, reason string) {
	fmt.Fprintf(d.w, "⏭  %-20s skipped (%s)\n", stageID, reason)
}

func (d *Display) StageReused(stageID string) {
	fmt.Fprintf(d.w, "♻️  %-20s reused\n", stageID)
}

// ItemDone reports map-stage progress as items finish.
func (d *Display) ItemDone(stageID, itemID, status string, done, total int) {
	fmt.Fprintf(d.w, "   %-20s item %s %s (%d/%d)\n", stageID, itemID, status, done, total)
}

// Summary prints the final run line.
func (d *Display) Summary(status string, duration time.Duration) {
	fmt.Fprintln(d.w, strings.Repeat("─", 64))
	fmt.Fprintf(d.w, "run %s in %.0fs\n", status, duration.Seconds())
}

func (d *Display) elapsed(stageID string) float64 {
	start, ok := d.started[stageID]
	if !ok {
		return 0
	}
	return time.Since(start).Seconds()
}
