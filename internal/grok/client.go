package grok

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
)

// Client talks to an OpenAI-compatible completion API (x.ai in production).
// Calls are never retried here: a failed call is a terminal outcome for the
// request that triggered it.
type Config struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	ImageModel string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg}
}

type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int64
	Temperature  float64
}

// ChatResponse carries the reply text plus the billed token count reported
// by the API.
type ChatResponse struct {
	Text        string
	TotalTokens int64
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	messages := []map[string]string{}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.UserPrompt})

	payload := map[string]any{
		"model":    c.cfg.ChatModel,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	body, err := c.call(ctx, "/chat/completions", payload)
	if err != nil {
		return ChatResponse{}, err
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ChatResponse{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return ChatResponse{}, fmt.Errorf("missing message content in chat completion response")
	}
	return ChatResponse{
		Text:        resp.Choices[0].Message.Content,
		TotalTokens: resp.Usage.TotalTokens,
	}, nil
}

type ImageResponse struct {
	URLs []string
}

func (c *Client) GenerateImage(ctx context.Context, prompt string) (ImageResponse, error) {
	payload := map[string]any{
		"model":  c.cfg.ImageModel,
		"prompt": prompt,
		"n":      1,
	}
	body, err := c.call(ctx, "/images/generations", payload)
	if err != nil {
		return ImageResponse{}, err
	}

	var resp struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ImageResponse{}, fmt.Errorf("decode image response: %w", err)
	}
	urls := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	if len(urls) == 0 {
		return ImageResponse{}, fmt.Errorf("missing image url in response")
	}
	return ImageResponse{URLs: urls}, nil
}

func (c *Client) call(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	endpointURL, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider status %d", resp.StatusCode)
	}
	return respBody, nil
}

func (c *Client) endpointURL(endpoint string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + endpoint
	return u.String(), nil
}
