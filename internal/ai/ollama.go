package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shanehull/bsescraper/internal/retry"
)

// OllamaClient talks to a local Ollama server over its REST API.
type OllamaClient struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Model:      model,
		HTTPClient: &http.Client{},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response *string `json:"response"`
	Error    string  `json:"error"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.Model,
		Prompt: prompt,
		System: strings.TrimSpace(systemInstruction),
		Stream: false,
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to marshal ollama request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to create ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach ollama: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read ollama response: %w", err)
	}

	var out generateResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(data, &out)
		err := fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(out.Error))
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if out.Response == nil {
		return "", errors.New("unexpected response format from ollama")
	}
	return strings.TrimSpace(*out.Response), nil
}

// Available checks that the server answers and that the model is pulled, accepting the
// untagged name for a ":latest" model.
func (c *OllamaClient) Available(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: could not connect to ollama at %s: %v", ErrUnavailable, c.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ollama returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("%w: failed to decode model list: %v", ErrUnavailable, err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	if !hasModel(names, c.Model) {
		return fmt.Errorf("%w: model %q is not loaded (available: %s), pull it with: ollama pull %s",
			ErrUnavailable, c.Model, strings.Join(names, ", "), c.Model)
	}
	return nil
}

func hasModel(names []string, model string) bool {
	base, _, _ := strings.Cut(model, ":")
	for _, n := range names {
		if n == model || n == base+":latest" {
			return true
		}
	}
	return false
}
