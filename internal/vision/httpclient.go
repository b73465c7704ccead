package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/yabo083/emojiluna/internal/model"
)

// HTTPClient is the default Client: it talks to an OpenAI-chat-completions
// compatible vision endpoint, sending sampled frames as base64 data URLs
// and asking for a JSON object back. Any provider exposing that wire shape
// (OpenAI, a local vLLM/Ollama gateway, an internal proxy) can sit behind
// it without code changes, since the provider is chosen purely from config.
type HTTPClient struct {
	Endpoint      string
	APIKey        string
	Model         string
	Timeout       time.Duration
	AcceptedTypes []string
	httpClient    *http.Client
}

func NewHTTPClient(endpoint, apiKey, modelName string, timeout time.Duration, acceptedTypes []string) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		Endpoint:      endpoint,
		APIKey:        apiKey,
		Model:         modelName,
		Timeout:       timeout,
		AcceptedTypes: acceptedTypes,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

const enrichPrompt = `You are given one or more frames of a single image. Respond with a single JSON object and nothing else, shaped as:
{"name": "short descriptive name", "category": "a single category word", "tags": ["tag1", "tag2"], "description": "one sentence description", "newCategory": "optional, only if no existing category fits"}`

const typeFilterPromptTemplate = `You are given one or more frames of a single image. Decide whether it belongs to one of these accepted types: %s. Respond with a single JSON object and nothing else, shaped as:
{"name": "", "category": "accept or reject", "tags": [], "description": "one sentence explaining the decision"}`

// typeFilterPrompt builds the type-filter prompt against the configured
// accepted types. An empty list accepts everything, since there is nothing
// to filter against.
func (c *HTTPClient) typeFilterPrompt() string {
	if len(c.AcceptedTypes) == 0 {
		return fmt.Sprintf(typeFilterPromptTemplate, "any")
	}
	return fmt.Sprintf(typeFilterPromptTemplate, strings.Join(c.AcceptedTypes, ", "))
}

func (c *HTTPClient) promptFor(kind PromptKind) string {
	if kind == PromptTypeFilter {
		return c.typeFilterPrompt()
	}
	return enrichPrompt
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze sends every frame as an inline data URL in a single chat turn and
// parses the reply through the extractor cascade. Transient network and
// 5xx failures are retried with backoff before surfacing model.ErrModelFailure.
func (c *HTTPClient) Analyze(ctx context.Context, frames [][]byte, kind PromptKind) (model.AIResult, error) {
	if c.Endpoint == "" {
		return model.AIResult{}, fmt.Errorf("%w: no vision endpoint configured", model.ErrModelFailure)
	}

	content := []chatContent{{Type: "text", Text: c.promptFor(kind)}}
	for _, frame := range frames {
		content = append(content, chatContent{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(frame),
			},
		})
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:    c.Model,
		Messages: []chatMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return model.AIResult{}, fmt.Errorf("%w: encoding request: %v", model.ErrModelFailure, err)
	}

	var raw string
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		body, callErr := c.call(ctx, reqBody)
		if callErr != nil {
			return callErr
		}
		raw = body
		return nil
	})
	if err != nil {
		return model.AIResult{}, fmt.Errorf("%w: %v", model.ErrModelFailure, err)
	}

	return ParseResult(raw)
}

func (c *HTTPClient) call(ctx context.Context, reqBody []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", retry.RetryableError(err)
	}
	defer resp.Body.Close()

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if resp.StatusCode >= 500 {
			return "", retry.RetryableError(fmt.Errorf("vision endpoint returned %d", resp.StatusCode))
		}
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return "", retry.RetryableError(fmt.Errorf("vision endpoint returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("vision endpoint returned %d", resp.StatusCode)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("vision endpoint returned no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}
