package processor

import (
	"context"
	"fmt"

	"github.com/ashwnn/chad-discord-bot/internal/storage"
)

// ConfigSource resolves the effective guild configuration: the stored row
// when one exists, the deployment defaults otherwise.
type ConfigSource struct {
	store    *storage.Store
	defaults storage.GuildConfig
}

func NewConfigSource(store *storage.Store, defaults storage.GuildConfig) *ConfigSource {
	return &ConfigSource{store: store, defaults: defaults}
}

func (c *ConfigSource) Get(ctx context.Context, guildID string) (storage.GuildConfig, error) {
	cfg, found, err := c.store.GetGuildConfig(ctx, guildID)
	if err != nil {
		return storage.GuildConfig{}, fmt.Errorf("get guild config: %w", err)
	}
	if !found {
		cfg = c.defaults
		cfg.GuildID = guildID
	}
	return cfg, nil
}

// Defaults returns the deployment-level configuration used for guilds
// without a stored row.
func (c *ConfigSource) Defaults() storage.GuildConfig {
	return c.defaults
}
