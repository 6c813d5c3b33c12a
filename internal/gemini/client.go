// Package gemini talks to the generative-language streamGenerateContent endpoint and decodes its
// Server-Sent-Events response.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/assist-relay/internal/models"
)

// DefaultBaseURL is the public generative-language API host.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// maxErrorBody caps how much of a failed response is kept in an UpstreamError.
const maxErrorBody = 64 << 10

// GenerationConfig controls sampling of the model.
type GenerationConfig struct {
	Temperature     float64 `json:"temperature" yaml:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens" yaml:"maxOutputTokens"`
	TopP            float64 `json:"topP" yaml:"topP"`
	TopK            int     `json:"topK" yaml:"topK"`
}

// DefaultGenerationConfig is used when no generation settings are configured.
var DefaultGenerationConfig = GenerationConfig{
	Temperature:     1.0,
	MaxOutputTokens: 800,
	TopP:            0.8,
	TopK:            10,
}

// Client issues streaming generation requests.
type Client struct {
	baseURL      string
	systemPrompt string
	generation   GenerationConfig

	client *http.Client

	logger *slog.Logger
}

type generateRequest struct {
	SystemInstruction *instruction     `json:"systemInstruction,omitempty"`
	Contents          []models.Message `json:"contents"`
	GenerationConfig  GenerationConfig `json:"generationConfig"`
}

type instruction struct {
	Parts []models.Part `json:"parts"`
}

// NewClient creates a Client for the API at baseURL. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, systemPrompt string, generation GenerationConfig, logger *slog.Logger) Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		systemPrompt: systemPrompt,
		generation:   generation,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "gemini")),
	}
}

// Stream sends req and returns the body of the event-stream response. The caller must close it.
// Cancelling ctx aborts both the request and any read of the returned body. A non-success status
// is returned as a *models.UpstreamError holding the response body.
func (c Client) Stream(ctx context.Context, req models.StreamRequest, apiKey string) (io.ReadCloser, error) {
	contents := make([]models.Message, 0, len(req.History)+1)
	for _, msg := range req.History {
		if msg.Text == "" {
			continue
		}
		contents = append(contents, msg)
	}
	contents = append(contents, models.Message{Role: models.RoleUser, Text: req.Prompt})

	reqBody := generateRequest{
		Contents:         contents,
		GenerationConfig: c.generation,
	}
	if c.systemPrompt != "" {
		reqBody.SystemInstruction = &instruction{Parts: []models.Part{{Text: c.systemPrompt}}}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	c.logger.Debug("Request Body", slog.String("model", string(req.Model)), slog.String("body", string(jsonBody)))

	q := url.Values{}
	q.Set("alt", "sse")
	q.Set("key", apiKey)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?%s",
		c.baseURL, url.PathEscape(string(req.Model)), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &models.UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return resp.Body, nil
}
