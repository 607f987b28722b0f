// Package engine executes pipelines: it assembles template contexts, runs
// single and map stages against providers, and drives the runner loop with
// resume and publish semantics.
package engine

import (
	"errors"
	"fmt"

	"github.com/yogeelabs/promptchain/internal/jsonx"
	"github.com/yogeelabs/promptchain/internal/provider"
	"github.com/yogeelabs/promptchain/internal/template"
)

// Error kinds recorded in stage metadata and run.log lines.
const (
	kindUnresolvedContext  = "unresolved_context_reference"
	kindMissingFileInput   = "missing_file_input"
	kindDisabledDependency = "disabled_dependency"
)

// ContextError reports a stage whose template referenced an unavailable
// name or whose file input could not be read.
type ContextError struct {
	StageID string
	Kind    string
	Msg     string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("stage '%s': %s", e.StageID, e.Msg)
}

// DisabledDependencyError is raised before any provider call when a stage
// references a stage disabled in the pipeline definition.
type DisabledDependencyError struct {
	StageID    string
	Dependency string
}

func (e *DisabledDependencyError) Error() string {
	return fmt.Sprintf("Cannot run stage '%s': dependency '%s' is disabled in pipeline yaml (enabled=false).",
		e.StageID, e.Dependency)
}

// errorKind maps an error to the taxonomy kind written to stage.json.
func errorKind(err error) string {
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return provErr.Kind
	}
	var parseErr *jsonx.ParseError
	if errors.As(err, &parseErr) {
		return parseErr.Kind
	}
	var ctxErr *ContextError
	if errors.As(err, &ctxErr) {
		return ctxErr.Kind
	}
	var tmplErr *template.UnresolvedError
	if errors.As(err, &tmplErr) {
		return kindUnresolvedContext
	}
	var depErr *DisabledDependencyError
	if errors.As(err, &depErr) {
		return kindDisabledDependency
	}
	return "error"
}
