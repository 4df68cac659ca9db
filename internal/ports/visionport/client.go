// Package visionport provides the default ports.Vision implementation: an
// HTTP client against an Ollama-compatible multimodal chat endpoint, the
// same /api/chat route internal/ports/llmport drives for text, but with the
// image attached as a base64-encoded entry in the request's "images" field.
package visionport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nepenth/kb-pipeline/internal/ports"
)

// Config controls the default Vision port adapter.
type Config struct {
	BaseURL string
	Model   string
	Prompt  string        // default: a generic "describe this image" instruction
	Timeout time.Duration // default 120s, per spec §5 media/vision port timeout
}

func (c Config) withDefaults() Config {
	if c.Prompt == "" {
		c.Prompt = "Describe this image in one or two sentences, focusing on any text, diagrams, or technical content visible."
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	return c
}

// Client is the default Vision port adapter.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

var _ ports.Vision = (*Client)(nil)

type chatReq struct {
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
	Messages []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatResp struct {
	Message chatMsg `json:"message"`
}

// DescribeImage reads the image at path, base64-encodes it, and asks the
// vision model to describe it.
func (c *Client) DescribeImage(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("visionport: read %s: %w", path, err)
	}

	body, _ := json.Marshal(chatReq{
		Model:  c.cfg.Model,
		Stream: false,
		Messages: []chatMsg{{
			Role:    "user",
			Content: c.cfg.Prompt,
			Images:  []string{base64.StdEncoding.EncodeToString(data)},
		}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("visionport: describe %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("visionport: describe %s: status %d", path, resp.StatusCode)
	}

	var out chatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("visionport: describe %s decode: %w", path, err)
	}
	return out.Message.Content, nil
}
