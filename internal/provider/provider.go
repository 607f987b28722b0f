// Package provider abstracts LLM backends behind two capability
// interfaces: synchronous completion and asynchronous batch jobs.
package provider

import (
	"context"
	"fmt"
)

// Error classification. The engine records the kind; it never retries.
const (
	KindAuth             = "auth"
	KindNetwork          = "network"
	KindRateLimit        = "rate_limit"
	KindModelUnavailable = "model_unavailable"
	KindProviderInternal = "provider_internal"
	KindInvalidRequest   = "invalid_request"
)

// Error wraps a provider-side failure with its classification.
type Error struct {
	Provider string
	Kind     string
	Msg      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Msg, e.Kind)
}

// Request is one prompt sent to a provider.
type Request struct {
	Model           string
	Prompt          string
	Temperature     *float64
	ReasoningEffort string
}

// Metadata carries provider-reported usage for a completion.
type Metadata struct {
	TokensIn  int
	TokensOut int
}

// Completer is the synchronous completion capability.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, Metadata, error)
}

// Batch statuses reported by Poll.
const (
	BatchSubmitted = "submitted"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// BatchItem is one request within a batch submission, keyed by item id.
type BatchItem struct {
	ItemID string
	Request
}

// BatchStatus is a poll observation for a submitted batch.
type BatchStatus struct {
	Status string
	Counts map[string]int // per-item status counts as the provider reports them
}

// BatchResult is one per-item outcome fetched from a completed batch.
type BatchResult struct {
	RawText string
	Err     error // non-nil for per-item failures
}

// Batcher is the asynchronous batch capability.
type Batcher interface {
	Name() string
	Submit(ctx context.Context, items []BatchItem) (handle string, mapping map[string]string, err error)
	Poll(ctx context.Context, handle string) (BatchStatus, error)
	Fetch(ctx context.Context, handle string) (map[string]BatchResult, error)
}

// Registry resolves provider names to the adapters it was built with.
type Registry struct {
	completers map[string]Completer
	batchers   map[string]Batcher
}

// NewRegistry returns a registry with the given adapters installed. Each
// adapter is registered under its Name() for every capability it has.
func NewRegistry(adapters ...any) *Registry {
	r := &Registry{
		completers: map[string]Completer{},
		batchers:   map[string]Batcher{},
	}
	for _, adapter := range adapters {
		if c, ok := adapter.(Completer); ok {
			r.completers[c.Name()] = c
		}
		if b, ok := adapter.(Batcher); ok {
			r.batchers[b.Name()] = b
		}
	}
	return r
}

// Completer returns the sync capability for a provider name.
func (r *Registry) Completer(name string) (Completer, error) {
	c, ok := r.completers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return c, nil
}

// Batcher returns the batch capability for a provider name, or an error
// when the provider exists but lacks it.
func (r *Registry) Batcher(name string) (Batcher, error) {
	if b, ok := r.batchers[name]; ok {
		return b, nil
	}
	if _, ok := r.completers[name]; ok {
		return nil, fmt.Errorf("provider %s does not support batch execution", name)
	}
	return nil, fmt.Errorf("unknown provider: %s", name)
}

// Has reports whether any capability is registered under name.
func (r *Registry) Has(name string) bool {
	_, c := r.completers[name]
	_, b := r.batchers[name]
	return c || b
}
