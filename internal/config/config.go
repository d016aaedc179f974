package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeAll    = "ALL"
	ModeAdmin  = "ADMIN"
	ModeWorker = "WORKER"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingRedisAddr   = errors.New("REDIS_ADDR is required")
)

type Config struct {
	AppMode string

	Admin    AdminConfig
	Redis    RedisConfig
	DB       DBConfig
	Worker   WorkerConfig
	Grok     GrokConfig
	Defaults GuildDefaults
	Approval ApprovalConfig
	Notify   NotifyConfig
	Log      LogConfig
}

// NotifyConfig points at the transport bridge that delivers decided outcomes
// back to the guild channel. Empty URL means log-only delivery.
type NotifyConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

type AdminConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	DispatchStream string
	DispatchGroup  string
	DispatchBlock  time.Duration
	DispatchTTL    time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
}

// GrokConfig describes the downstream generation collaborator. The core never
// talks to it directly; cmd wires an adapter from these values.
type GrokConfig struct {
	APIBase    string
	APIKey     string
	ChatModel  string
	ImageModel string
	Timeout    time.Duration
}

// GuildDefaults are applied when a guild has no persisted config row.
type GuildDefaults struct {
	AskWindow              time.Duration
	AskMaxPerWindow        int64
	GuildAskMaxPerWindow   int64
	ImageWindow            time.Duration
	ImageMaxPerWindow      int64
	GuildImageMaxPerWindow int64
	DuplicateWindow        time.Duration

	UserDailyChatTokens  int64
	GuildDailyChatTokens int64
	UserDailyImages      int64
	GuildDailyImages     int64

	AutoApprove bool
	AdminBypass bool

	SystemPrompt        string
	Temperature         float64
	MaxCompletionTokens int64
	MaxPromptChars      int
	MinPromptChars      int
}

type ApprovalConfig struct {
	Retention     time.Duration
	SweepSchedule string
}

type LogConfig struct {
	Level string
}

const defaultSystemPrompt = "You are GrokBot for Discord. Always answer the user's question directly and concisely. " +
	"Lead with the helpful answer, then optionally add one short sarcastic or blunt comment. " +
	"Tone can be mildly rude but never hateful."

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppMode: strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		Admin: AdminConfig{
			ListenAddr:  mustEnv("ADMIN_LISTEN_ADDR", ":8000"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout: mustDuration("ADMIN_READ_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:           mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:       mustEnv("REDIS_PASSWORD", ""),
			DB:             mustInt("REDIS_DB", 0),
			DispatchStream: mustEnv("DISPATCH_STREAM", "chadbot:dispatch"),
			DispatchGroup:  mustEnv("DISPATCH_GROUP", "chadbot-workers"),
			DispatchBlock:  mustDuration("DISPATCH_BLOCK", 5*time.Second),
			DispatchTTL:    mustDuration("DISPATCH_DEDUPE_TTL", 6*time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "chad_bot.sqlite3"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 4),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
		},
		Grok: GrokConfig{
			APIBase:    mustEnv("GROK_API_BASE", "https://api.x.ai/v1"),
			APIKey:     mustEnv("GROK_API_KEY", ""),
			ChatModel:  mustEnv("GROK_CHAT_MODEL", "grok-beta"),
			ImageModel: mustEnv("GROK_IMAGE_MODEL", "grok-image-1"),
			Timeout:    mustDuration("GROK_TIMEOUT", 60*time.Second),
		},
		Defaults: GuildDefaults{
			AskWindow:              mustDuration("ASK_WINDOW", 60*time.Second),
			AskMaxPerWindow:        int64(mustInt("ASK_MAX_PER_WINDOW", 3)),
			GuildAskMaxPerWindow:   int64(mustInt("GUILD_ASK_MAX_PER_WINDOW", 30)),
			ImageWindow:            mustDuration("IMAGE_WINDOW", 5*time.Minute),
			ImageMaxPerWindow:      int64(mustInt("IMAGE_MAX_PER_WINDOW", 2)),
			GuildImageMaxPerWindow: int64(mustInt("GUILD_IMAGE_MAX_PER_WINDOW", 20)),
			DuplicateWindow:        mustDuration("DUPLICATE_WINDOW", 10*time.Minute),

			UserDailyChatTokens:  mustInt64("USER_DAILY_CHAT_TOKENS", 20000),
			GuildDailyChatTokens: mustInt64("GUILD_DAILY_CHAT_TOKENS", 200000),
			UserDailyImages:      mustInt64("USER_DAILY_IMAGES", 5),
			GuildDailyImages:     mustInt64("GUILD_DAILY_IMAGES", 25),

			AutoApprove: mustBool("AUTO_APPROVE", true),
			AdminBypass: mustBool("ADMIN_BYPASS", true),

			SystemPrompt:        mustEnv("SYSTEM_PROMPT", defaultSystemPrompt),
			Temperature:         mustFloat("TEMPERATURE", 0.7),
			MaxCompletionTokens: mustInt64("MAX_COMPLETION_TOKENS", 1024),
			MaxPromptChars:      mustInt("MAX_PROMPT_CHARS", 4000),
			MinPromptChars:      mustInt("MIN_PROMPT_CHARS", 5),
		},
		Approval: ApprovalConfig{
			Retention:     mustDuration("APPROVAL_RETENTION", 24*time.Hour),
			SweepSchedule: mustEnv("APPROVAL_SWEEP_SCHEDULE", "@every 1m"),
		},
		Notify: NotifyConfig{
			WebhookURL: mustEnv("NOTIFY_WEBHOOK_URL", ""),
			Timeout:    mustDuration("NOTIFY_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Redis.Addr == "" {
		return nil, ErrMissingRedisAddr
	}
	if cfg.AppMode != ModeAll && cfg.AppMode != ModeAdmin && cfg.AppMode != ModeWorker {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}

	return cfg, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
