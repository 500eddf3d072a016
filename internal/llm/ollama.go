package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OllamaClient calls a local ollama endpoint's generate API.
type OllamaClient struct {
	baseURL string
	client  *http.Client
}

// NewOllamaClient targets baseURL (e.g. http://gpu1:11434).
func NewOllamaClient(baseURL string, client *http.Client) *OllamaClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaClient{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

// Complete issues a non-streaming /api/generate call.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
		"system": req.System,
		"stream": false,
	})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: generate status %d", ErrUnavailable, resp.StatusCode)
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return out.Response, nil
}
