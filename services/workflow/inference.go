package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// InferenceRequest is the payload sent to the remote single-node execution
// collaborator fronting a model-inference backend.
type InferenceRequest struct {
	NodeID       string         `json:"nodeId"`
	WorkflowID   string         `json:"workflowId"`
	Endpoint     string         `json:"endpoint"`
	Model        string         `json:"model"`
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// InferenceMetadata describes how the backend produced its response.
type InferenceMetadata struct {
	Model         string `json:"model"`
	Tokens        int    `json:"tokens"`
	Duration      int64  `json:"duration"`
	TotalDuration int64  `json:"total_duration"`
}

// InferenceResult is the successful payload of an inference call.
type InferenceResult struct {
	Response string            `json:"response"`
	Metadata InferenceMetadata `json:"metadata"`
}

// InferenceClient proxies one node's work to a remote inference server.
type InferenceClient interface {
	Infer(ctx context.Context, req InferenceRequest) (*InferenceResult, error)
}

// HTTPInferenceClient calls the inference proxy over HTTP.
type HTTPInferenceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPInferenceClient returns a client with a 60-second timeout; model
// calls are slow.
func NewHTTPInferenceClient(baseURL string) *HTTPInferenceClient {
	return &HTTPInferenceClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// inferenceResponse is the wire envelope: either success with data or an
// error with details.
type inferenceResponse struct {
	Success bool             `json:"success"`
	Data    *InferenceResult `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
	Details string           `json:"details,omitempty"`
}

// Infer posts the request and unwraps the response envelope.
func (c *HTTPInferenceClient) Infer(ctx context.Context, req InferenceRequest) (*InferenceResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}

	if !decoded.Success || decoded.Data == nil {
		if decoded.Error == "" {
			return nil, fmt.Errorf("inference server returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("inference error: %s: %s", decoded.Error, decoded.Details)
	}
	return decoded.Data, nil
}
