package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to a local Ollama server. Sync completion only.
type Ollama struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) baseURL() string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return "http://localhost:11434"
}

func (o *Ollama) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 300 * time.Second}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Complete calls /api/generate with streaming disabled.
func (o *Ollama) Complete(ctx context.Context, req Request) (string, Metadata, error) {
	payload := ollamaRequest{Model: req.Model, Prompt: req.Prompt}
	if req.Temperature != nil {
		payload.Options = map[string]any{"temperature": *req.Temperature}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", Metadata{}, &Error{Provider: "ollama", Kind: KindInvalidRequest, Msg: fmt.Sprintf("marshaling request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL()+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", Metadata{}, &Error{Provider: "ollama", Kind: KindInvalidRequest, Msg: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client().Do(httpReq)
	if err != nil {
		return "", Metadata{}, &Error{
			Provider: "ollama",
			Kind:     KindNetwork,
			Msg:      fmt.Sprintf("failed to reach Ollama at %s; is the server running? (%v)", o.baseURL(), err),
		}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Metadata{}, &Error{Provider: "ollama", Kind: KindNetwork, Msg: fmt.Sprintf("reading response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", Metadata{}, &Error{
			Provider: "ollama",
			Kind:     classify(resp.StatusCode),
			Msg:      fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", Metadata{}, &Error{Provider: "ollama", Kind: KindProviderInternal, Msg: "response was not valid JSON"}
	}
	if parsed.Response == "" {
		return "", Metadata{}, &Error{Provider: "ollama", Kind: KindProviderInternal, Msg: "response missing 'response' field"}
	}
	return parsed.Response, Metadata{TokensIn: parsed.PromptEvalCount, TokensOut: parsed.EvalCount}, nil
}
