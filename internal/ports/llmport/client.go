// Package llmport provides the default ports.LLM implementation: an HTTP
// client against an Ollama-compatible chat/embeddings endpoint, bounded by a
// concurrency semaphore and a token-bucket backstop.
package llmport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nepenth/kb-pipeline/internal/ports"
	"github.com/nepenth/kb-pipeline/pkg/ollama"
)

// Config controls the default LLM port adapter.
type Config struct {
	BaseURL               string
	ChatModel             string
	EmbedModel            string
	MaxConcurrentRequests int           // default 1, per spec §5
	RequestsPerSecond     float64       // token bucket backstop, default 2
	Burst                 int           // default 2
	Timeout               time.Duration // default 300s, per spec §5 LLM port timeout
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 1
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	return c
}

// Client is the default LLM port adapter.
type Client struct {
	cfg     Config
	http    *http.Client
	embed   *ollama.EmbedClient
	limiter *rate.Limiter
	sem     chan struct{}
}

// New constructs a Client satisfying ports.LLM.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		embed:   ollama.NewEmbedClient(cfg.BaseURL, cfg.EmbedModel),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		sem:     make(chan struct{}, cfg.MaxConcurrentRequests),
	}
}

var _ ports.LLM = (*Client)(nil)

// acquire blocks for both the rate-limit backstop and the concurrency slot,
// whichever is scarcer, returning a release func.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llmport: rate limit wait: %w", err)
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() { <-c.sem }, nil
}

type chatReq struct {
	Model  string        `json:"model"`
	Stream bool          `json:"stream"`
	Messages []chatMsg   `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResp struct {
	Message chatMsg `json:"message"`
}

func (c *Client) chat(ctx context.Context, prompt string) (string, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	body, _ := json.Marshal(chatReq{
		Model:  c.cfg.ChatModel,
		Stream: false,
		Messages: []chatMsg{{Role: "user", Content: prompt}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmport: chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llmport: chat: status %d", resp.StatusCode)
	}

	var out chatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llmport: chat decode: %w", err)
	}
	return out.Message.Content, nil
}

// Categorize sends the item text and image descriptions to the chat model and
// parses the structured categorization out of its JSON reply.
func (c *Client) Categorize(ctx context.Context, fullText string, imageDescriptions []string) (ports.Categorization, error) {
	prompt := categorizePrompt(fullText, imageDescriptions)
	raw, err := c.chat(ctx, prompt)
	if err != nil {
		return ports.Categorization{}, err
	}
	var parsed struct {
		Main        string `json:"main"`
		Sub         string `json:"sub"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return ports.Categorization{}, fmt.Errorf("llmport: categorize parse: %w", err)
	}
	return ports.Categorization{
		Main: parsed.Main, Sub: parsed.Sub, Name: parsed.Name, Description: parsed.Description,
	}, nil
}

// Synthesize asks the chat model to produce a cross-item synthesis document.
func (c *Client) Synthesize(ctx context.Context, items []string) (string, error) {
	prompt := synthesizePrompt(items)
	return c.chat(ctx, prompt)
}

// Embed delegates to the Ollama embeddings client.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.embed.Embed(ctx, text)
}

func categorizePrompt(fullText string, imageDescriptions []string) string {
	var b strings.Builder
	b.WriteString("Categorize the following content. Respond with a JSON object ")
	b.WriteString(`{"main":"...","sub":"...","name":"...","description":"..."}.` + "\n\n")
	b.WriteString("Text:\n")
	b.WriteString(fullText)
	if len(imageDescriptions) > 0 {
		b.WriteString("\n\nImages:\n")
		for _, d := range imageDescriptions {
			b.WriteString("- ")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func synthesizePrompt(items []string) string {
	var b strings.Builder
	b.WriteString("Write a synthesis document summarizing the following knowledge base items:\n\n")
	for _, it := range items {
		b.WriteString("---\n")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return b.String()
}

// extractJSON trims leading/trailing prose a chat model sometimes wraps the
// JSON payload in, returning everything from the first '{' to the last '}'
// (or s unchanged when there is no such pair).
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
