package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpenAI talks to the OpenAI API (or any compatible endpoint). It
// implements both the sync completion and the batch capability.
type OpenAI struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 300 * time.Second}
}

func (o *OpenAI) baseURL() string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return "https://api.openai.com/v1"
}

// classify maps an HTTP status to the engine's error taxonomy.
func classify(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusNotFound:
		return KindModelUnavailable
	case status >= 500:
		return KindProviderInternal
	default:
		return KindInvalidRequest
	}
}

func (o *OpenAI) newError(kind, format string, args ...any) error {
	return &Error{Provider: "openai", Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (o *OpenAI) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	if o.APIKey == "" {
		return nil, o.newError(KindAuth, "OPENAI_API_KEY is required when using the OpenAI provider")
	}
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL()+path, body)
	if err != nil {
		return nil, o.newError(KindInvalidRequest, "creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := o.client().Do(req)
	if err != nil {
		return nil, o.newError(KindNetwork, "request failed: %v", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, o.newError(KindNetwork, "reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, o.newError(classify(resp.StatusCode), "HTTP %d: %s", resp.StatusCode, apiErrorMessage(respBody))
	}
	return respBody, nil
}

// apiErrorMessage pulls the error.message out of an OpenAI error body.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string            `json:"model"`
	Messages    []chatMessage     `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	Reasoning   *reasoningPayload `json:"reasoning,omitempty"`
}

type reasoningPayload struct {
	Effort string `json:"effort"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func chatPayload(req Request) chatRequest {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	if req.ReasoningEffort != "" {
		payload.Reasoning = &reasoningPayload{Effort: req.ReasoningEffort}
	}
	return payload
}

// Complete performs a synchronous chat completion.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, Metadata, error) {
	body, err := json.Marshal(chatPayload(req))
	if err != nil {
		return "", Metadata{}, o.newError(KindInvalidRequest, "marshaling request: %v", err)
	}
	respBody, err := o.do(ctx, http.MethodPost, "/chat/completions", bytes.NewReader(body), "application/json")
	if err != nil {
		return "", Metadata{}, err
	}
	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", Metadata{}, o.newError(KindProviderInternal, "response was not valid JSON: %v", err)
	}
	if len(parsed.Choices) == 0 {
		return "", Metadata{}, o.newError(KindProviderInternal, "empty choices in response")
	}
	meta := Metadata{
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
	}
	return parsed.Choices[0].Message.Content, meta, nil
}

type batchLine struct {
	CustomID string `json:"custom_id"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Body     any    `json:"body"`
}

// Submit uploads a JSONL request file and creates a batch over it. The
// returned mapping binds each item id to its generated custom request id.
func (o *OpenAI) Submit(ctx context.Context, items []BatchItem) (string, map[string]string, error) {
	mapping := make(map[string]string, len(items))
	var jsonl bytes.Buffer
	for _, item := range items {
		requestID := item.ItemID + ":" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		mapping[item.ItemID] = requestID
		line := batchLine{
			CustomID: requestID,
			Method:   http.MethodPost,
			URL:      "/v1/chat/completions",
			Body:     chatPayload(item.Request),
		}
		data, err := json.Marshal(line)
		if err != nil {
			return "", nil, o.newError(KindInvalidRequest, "marshaling batch line: %v", err)
		}
		jsonl.Write(data)
		jsonl.WriteByte('\n')
	}

	fileID, err := o.uploadFile(ctx, "batch_input.jsonl", jsonl.Bytes())
	if err != nil {
		return "", nil, err
	}

	createBody, err := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	if err != nil {
		return "", nil, o.newError(KindInvalidRequest, "marshaling batch create: %v", err)
	}
	respBody, err := o.do(ctx, http.MethodPost, "/batches", bytes.NewReader(createBody), "application/json")
	if err != nil {
		return "", nil, err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil || created.ID == "" {
		return "", nil, o.newError(KindProviderInternal, "batch creation did not return an id")
	}
	return created.ID, mapping, nil
}

func (o *OpenAI) uploadFile(ctx context.Context, name string, content []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", o.newError(KindInvalidRequest, "building upload: %v", err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", o.newError(KindInvalidRequest, "building upload: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", o.newError(KindInvalidRequest, "building upload: %v", err)
	}
	if err := mw.Close(); err != nil {
		return "", o.newError(KindInvalidRequest, "building upload: %v", err)
	}
	respBody, err := o.do(ctx, http.MethodPost, "/files", &buf, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &uploaded); err != nil || uploaded.ID == "" {
		return "", o.newError(KindProviderInternal, "file upload did not return an id")
	}
	return uploaded.ID, nil
}

type batchObject struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

func (o *OpenAI) retrieveBatch(ctx context.Context, handle string) (batchObject, error) {
	respBody, err := o.do(ctx, http.MethodGet, "/batches/"+handle, nil, "")
	if err != nil {
		return batchObject{}, err
	}
	var batch batchObject
	if err := json.Unmarshal(respBody, &batch); err != nil {
		return batchObject{}, o.newError(KindProviderInternal, "batch response was not valid JSON: %v", err)
	}
	return batch, nil
}

// Poll maps the OpenAI batch status onto the engine's batch states.
func (o *OpenAI) Poll(ctx context.Context, handle string) (BatchStatus, error) {
	batch, err := o.retrieveBatch(ctx, handle)
	if err != nil {
		return BatchStatus{}, err
	}
	status := BatchRunning
	switch batch.Status {
	case "validating":
		status = BatchSubmitted
	case "completed":
		status = BatchCompleted
	case "failed", "expired", "cancelled", "canceled":
		status = BatchFailed
	}
	return BatchStatus{
		Status: status,
		Counts: map[string]int{
			"total":     batch.RequestCounts.Total,
			"completed": batch.RequestCounts.Completed,
			"failed":    batch.RequestCounts.Failed,
		},
	}, nil
}

// Fetch downloads the output and error files of a completed batch and
// resolves each line back to its item id.
func (o *OpenAI) Fetch(ctx context.Context, handle string) (map[string]BatchResult, error) {
	batch, err := o.retrieveBatch(ctx, handle)
	if err != nil {
		return nil, err
	}
	if batch.OutputFileID == "" && batch.ErrorFileID == "" {
		return nil, o.newError(KindProviderInternal, "completed batch has no output file")
	}

	results := map[string]BatchResult{}
	if batch.OutputFileID != "" {
		content, err := o.do(ctx, http.MethodGet, "/files/"+batch.OutputFileID+"/content", nil, "")
		if err != nil {
			return nil, err
		}
		o.collectLines(content, false, results)
	}
	if batch.ErrorFileID != "" {
		content, err := o.do(ctx, http.MethodGet, "/files/"+batch.ErrorFileID+"/content", nil, "")
		if err != nil {
			return nil, err
		}
		o.collectLines(content, true, results)
	}
	return results, nil
}

func (o *OpenAI) collectLines(content []byte, isError bool, results map[string]BatchResult) {
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var payload struct {
			CustomID string `json:"custom_id"`
			Error    any    `json:"error"`
			Response struct {
				StatusCode int             `json:"status_code"`
				Body       json.RawMessage `json:"body"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(line), &payload); err != nil || payload.CustomID == "" {
			continue
		}
		itemID := payload.CustomID
		if idx := strings.LastIndexByte(itemID, ':'); idx > 0 {
			itemID = itemID[:idx]
		}
		if isError || payload.Error != nil {
			results[itemID] = BatchResult{Err: o.newError(KindProviderInternal, "batch item failed: %v", payload.Error)}
			continue
		}
		if payload.Response.StatusCode != http.StatusOK {
			results[itemID] = BatchResult{Err: o.newError(classify(payload.Response.StatusCode), "batch item HTTP %d", payload.Response.StatusCode)}
			continue
		}
		var body chatResponse
		if err := json.Unmarshal(payload.Response.Body, &body); err != nil || len(body.Choices) == 0 {
			results[itemID] = BatchResult{Err: o.newError(KindProviderInternal, "batch item body missing choices")}
			continue
		}
		results[itemID] = BatchResult{RawText: body.Choices[0].Message.Content}
	}
}
