package grok

import (
	"context"

	"github.com/ashwnn/chad-discord-bot/internal/processor"
	"github.com/ashwnn/chad-discord-bot/internal/storage"
)

// Generator adapts the API client to the processor's downstream interface,
// applying the guild's generation settings per call.
type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

var _ processor.Generator = (*Generator)(nil)

func (g *Generator) Generate(ctx context.Context, kind, prompt string, cfg storage.GuildConfig) (processor.GenerateResult, error) {
	if kind == storage.KindImage {
		resp, err := g.client.GenerateImage(ctx, prompt)
		if err != nil {
			return processor.GenerateResult{}, err
		}
		return processor.GenerateResult{
			ImageURLs:  resp.URLs,
			ActualCost: int64(len(resp.URLs)),
		}, nil
	}

	resp, err := g.client.Chat(ctx, ChatRequest{
		SystemPrompt: cfg.SystemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    cfg.MaxCompletionTokens,
		Temperature:  cfg.Temperature,
	})
	if err != nil {
		return processor.GenerateResult{}, err
	}

	tokens := resp.TotalTokens
	if tokens <= 0 {
		// Some compatible backends omit usage; fall back to the admission
		// estimate's character heuristic.
		tokens = int64(len(prompt)+len(resp.Text))/4 + 1
	}
	return processor.GenerateResult{
		Output:     resp.Text,
		ActualCost: tokens,
	}, nil
}
