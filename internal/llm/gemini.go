package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultGeminiBaseURL is the public Generative Language API root.
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultGeminiModel is the conversational model used when none is configured.
	DefaultGeminiModel = "gemini-pro"

	// geminiTextPath locates candidates[0].content.parts[0].text.
	geminiTextPath = "candidates.0.content.parts.0.text"
)

// GeminiConfig holds settings for the Gemini provider.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout of zero leaves the HTTP client without a deadline.
	Timeout time.Duration
}

// GeminiProvider calls the generateContent endpoint over plain HTTPS.
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGemini creates a Gemini provider.
func NewGemini(cfg GeminiConfig) *GeminiProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiProvider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// geminiPart is a single text part in the request envelope.
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Configured() bool { return p.apiKey != "" }

// Complete posts the prompt and extracts the first candidate's first text part.
// A well-formed JSON body without that path yields Found=false, not an error.
func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Prompt}}}},
	})
	if err != nil {
		return nil, &ProviderError{Message: "marshal request", Provider: p.Name(), Err: err}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(model), url.QueryEscape(p.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Message: "build request", Provider: p.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// url.Error carries the query string; keep the key out of the message.
		return nil, &ProviderError{Message: "request failed: " + redactKey(err.Error(), p.apiKey), Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Message: "read response", StatusCode: resp.StatusCode, Provider: p.Name(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{
			Message:    fmt.Sprintf("API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
			StatusCode: resp.StatusCode,
			Provider:   p.Name(),
		}
	}

	if !gjson.ValidBytes(respBody) {
		return nil, &ProviderError{Message: "response is not valid JSON", StatusCode: resp.StatusCode, Provider: p.Name()}
	}

	text := gjson.GetBytes(respBody, geminiTextPath)
	if !text.Exists() {
		return &CompletionResponse{Model: model}, nil
	}
	return &CompletionResponse{
		Content: text.String(),
		Model:   model,
		Found:   true,
	}, nil
}

func redactKey(s, key string) string {
	if key == "" {
		return s
	}
	s = strings.ReplaceAll(s, url.QueryEscape(key), "REDACTED")
	return strings.ReplaceAll(s, key, "REDACTED")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
