package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/preprocess"
)

// Generation parameters are compiled in, not configured: the free-tier
// cost envelope must not drift via deployment config. Changing the model
// or the prompt requires a new build and a PromptVersion bump.
const (
	ModelName     = "mistral-small-latest"
	Temperature   = 0.2
	PromptVersion = "v1"
)

const systemPrompt = `You summarize emails. Reply with a single JSON object:
{"overview": "<one or two sentences, max 200 characters>",
 "action_items": ["<up to 5 short imperatives>"],
 "urgency": "low" | "medium" | "high"}
No prose outside the JSON.`

var (
	// ErrRateLimited is a 429 from the provider. The worker retries
	// these on its own schedule; the client never waits.
	ErrRateLimited = errors.New("llm rate limited")

	// ErrUnparseable means the provider answered but the content was
	// not the expected JSON shape.
	ErrUnparseable = errors.New("llm response unparseable")
)

// LLM is the outbound summarization call.
type LLM interface {
	Summarize(ctx context.Context, cleanedText string) (domain.SummaryStruct, error)
}

// MistralClient calls the Mistral chat-completions API. It performs no
// retries itself: 429s surface as ErrRateLimited so the caller can wait
// without holding the concurrency semaphore.
type MistralClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewMistralClient creates the client. timeout bounds each call
// end-to-end and doubles as the job's LLM deadline.
func NewMistralClient(apiKey, baseURL string, timeout time.Duration) *MistralClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &MistralClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *formatSpec   `json:"response_format,omitempty"`
	Messages       []chatMessage `json:"messages"`
}

type formatSpec struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize implements LLM.
func (c *MistralClient) Summarize(ctx context.Context, cleanedText string) (domain.SummaryStruct, error) {
	var out domain.SummaryStruct

	payload, err := json.Marshal(chatRequest{
		Model:          ModelName,
		Temperature:    Temperature,
		MaxTokens:      preprocess.MaxOutputTokens,
		ResponseFormat: &formatSpec{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: cleanedText},
		},
	})
	if err != nil {
		return out, fmt.Errorf("marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("llm call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return out, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, fmt.Errorf("llm status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return out, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if len(chat.Choices) == 0 {
		return out, fmt.Errorf("%w: empty choices", ErrUnparseable)
	}

	content := strings.TrimSpace(chat.Choices[0].Message.Content)
	// Some models wrap JSON in a code fence despite json_object mode.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if out.Overview == "" {
		return out, fmt.Errorf("%w: missing overview", ErrUnparseable)
	}
	return out, nil
}
