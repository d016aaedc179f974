package storage

import "time"

// Approval item statuses. Pending is the only non-terminal state.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// Command kinds.
const (
	KindChat  = "chat"
	KindImage = "image"
)

// Audit dispositions.
const (
	DispositionDispatched = "dispatched"
	DispositionRejected   = "rejected"
	DispositionQueued     = "queued"
)

type GuildConfig struct {
	GuildID string `json:"guild_id"`

	AskWindowSeconds       int64 `json:"ask_window_seconds"`
	AskMaxPerWindow        int64 `json:"ask_max_per_window"`
	GuildAskMaxPerWindow   int64 `json:"guild_ask_max_per_window"`
	ImageWindowSeconds     int64 `json:"image_window_seconds"`
	ImageMaxPerWindow      int64 `json:"image_max_per_window"`
	GuildImageMaxPerWindow int64 `json:"guild_image_max_per_window"`
	DuplicateWindowSeconds int64 `json:"duplicate_window_seconds"`

	UserDailyChatTokens  int64 `json:"user_daily_chat_tokens"`
	GuildDailyChatTokens int64 `json:"guild_daily_chat_tokens"`
	UserDailyImages      int64 `json:"user_daily_images"`
	GuildDailyImages     int64 `json:"guild_daily_images"`

	AutoApprove bool `json:"auto_approve"`
	AdminBypass bool `json:"admin_bypass"`

	SystemPrompt        string  `json:"system_prompt"`
	Temperature         float64 `json:"temperature"`
	MaxCompletionTokens int64   `json:"max_completion_tokens"`
	MaxPromptChars      int64   `json:"max_prompt_chars"`
	MinPromptChars      int64   `json:"min_prompt_chars"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type GuildAdmin struct {
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageCounter is one (guild, user, day) row. UserID is empty for the
// guild-level row.
type UsageCounter struct {
	GuildID    string `json:"guild_id"`
	UserID     string `json:"user_id"`
	Day        string `json:"day"`
	ChatTokens int64  `json:"chat_tokens"`
	Images     int64  `json:"images"`
}

// ApprovalItem snapshots an admitted request awaiting a manual decision.
// EstimatedCost is the amount reserved against the daily budget at
// submission time.
type ApprovalItem struct {
	ID            string     `json:"id"`
	GuildID       string     `json:"guild_id"`
	UserID        string     `json:"user_id"`
	ChannelID     string     `json:"channel_id"`
	Kind          string     `json:"kind"`
	Prompt        string     `json:"prompt"`
	EstimatedCost int64      `json:"estimated_cost"`
	Day           string     `json:"day"`
	Status        string     `json:"status"`
	DecidedBy     *string    `json:"decided_by,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type AuditRecord struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"`
	GuildID     string    `json:"guild_id"`
	UserID      string    `json:"user_id"`
	Kind        string    `json:"kind"`
	Disposition string    `json:"disposition"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail,omitempty"`
	TokensUsed  int64     `json:"tokens_used"`
	ImagesUsed  int64     `json:"images_used"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
