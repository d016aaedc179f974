package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ashwnn/chad-discord-bot/internal/approval"
	"github.com/ashwnn/chad-discord-bot/internal/processor"
	"github.com/ashwnn/chad-discord-bot/internal/storage"
)

// adminHeader carries the identity of the operator making an admin call.
// The transport in front of this server is trusted to have authenticated it.
const adminHeader = "X-Admin-User-ID"

// Server exposes the ingress and admin surface over HTTP. Request admission
// is delegated entirely to the processor; handlers only translate JSON.
type Server struct {
	proc       *processor.Processor
	queue      *approval.Queue
	store      *storage.Store
	logger     zerolog.Logger
	healthPath string
	metricPath string
}

type Config struct {
	Processor   *processor.Processor
	Queue       *approval.Queue
	Store       *storage.Store
	Logger      zerolog.Logger
	HealthPath  string
	MetricsPath string
}

func New(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{
		proc:       cfg.Processor,
		queue:      cfg.Queue,
		store:      cfg.Store,
		logger:     cfg.Logger,
		healthPath: cfg.HealthPath,
		metricPath: cfg.MetricsPath,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+s.healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET "+s.metricPath, promhttp.Handler())

	mux.HandleFunc("POST /v1/requests", s.handleSubmit)

	mux.HandleFunc("GET /v1/guilds/{guild}/approvals", s.handlePending)
	mux.HandleFunc("GET /v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/approvals/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /v1/approvals/{id}/manual", s.handleManual)

	mux.HandleFunc("GET /v1/guilds/{guild}/config", s.handleGetConfig)
	mux.HandleFunc("PUT /v1/guilds/{guild}/config", s.handlePutConfig)

	mux.HandleFunc("GET /v1/guilds/{guild}/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/guilds/{guild}/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/guilds/{guild}/admins", s.handleListAdmins)
	mux.HandleFunc("POST /v1/guilds/{guild}/admins", s.handleAddAdmin)
	mux.HandleFunc("DELETE /v1/guilds/{guild}/admins/{user}", s.handleRemoveAdmin)

	return mux
}

type submitRequest struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	Prompt    string `json:"prompt"`
}

type submitResponse struct {
	RequestID    string `json:"request_id"`
	Disposition  string `json:"disposition"`
	Reply        string `json:"reply,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.GuildID == "" || body.UserID == "" {
		s.fail(w, http.StatusBadRequest, "guild_id and user_id are required")
		return
	}
	if body.Kind == "" {
		body.Kind = storage.KindChat
	}
	if body.Kind != storage.KindChat && body.Kind != storage.KindImage {
		s.fail(w, http.StatusBadRequest, "kind must be chat or image")
		return
	}

	req := processor.NewRequest(body.GuildID, body.ChannelID, body.UserID, body.Kind, body.Prompt, false)
	out, err := s.proc.Process(r.Context(), req)
	if err != nil {
		s.internalError(w, r, err, "process request")
		return
	}

	s.writeJSON(w, http.StatusOK, submitResponse{
		RequestID:    req.ID,
		Disposition:  out.Disposition,
		Reply:        out.Reply,
		ImageURL:     out.ImageURL,
		Reason:       out.Reason,
		RetryAfterMS: out.RetryAfter.Milliseconds(),
		ItemID:       out.ItemID,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guild")
	if !s.authorize(w, r, guildID) {
		return
	}
	items, err := s.queue.Pending(r.Context(), guildID)
	if err != nil {
		s.internalError(w, r, err, "list pending approvals")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.approvalError(w, r, err)
		return
	}
	if !s.authorize(w, r, item.GuildID) {
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	decider, item, ok := s.decision(w, r)
	if !ok {
		return
	}
	item, err := s.proc.Approve(r.Context(), item.ID, decider)
	if err != nil {
		s.approvalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	decider, item, ok := s.decision(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !s.decode(w, r, &body) {
		return
	}
	item, err := s.proc.Reject(r.Context(), item.ID, decider, body.Reason)
	if err != nil {
		s.approvalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	decider, item, ok := s.decision(w, r)
	if !ok {
		return
	}
	var body struct {
		Reply string `json:"reply"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	item, err := s.proc.ResolveManual(r.Context(), item.ID, decider, body.Reply)
	if err != nil {
		s.approvalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guild")
	if !s.authorize(w, r, guildID) {
		return
	}
	cfg, found, err := s.store.GetGuildConfig(r.Context(), guildID)
	if err != nil {
		s.internalError(w, r, err, "get guild config")
		return
	}
	if !found {
		s.fail(w, http.StatusNotFound, "no config stored for guild")
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guild")
	if !s.authorize(w, r, guildID) {
		return
	}
	var cfg storage.GuildConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	cfg.GuildID = guildID
	if err := s.store.UpsertGuildConfig(r.Context(), cfg); err != nil {
		s.internalError(w, r, err, "upsert guild config")
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guild")
	if !s.authorize(w, r, guildID) {
		return
	}
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Disposition: q.Get("disposition"),
		Kind:        q.Get("kind"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.fail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = uint64(n)
	}
	records, err := s.store.ListAuditRecords(r.Context(), guildID, filter)
	if err != nil {
		s.internalError(w, r, err, "list audit records")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guild")
	if !s.authorize(w, r, guildID) {
		return
	}
	day := r.URL.Query().Get("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	userID := r.URL.Query().Get("user_id")

	user, guild, err := s.store.GetUsage(r.Context(), guildID, userID, day)
	if err != nil {
		s.internalError(w, r, err, "get usage")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"user": user, "guild": guild})
}

func (s *Server) handleListAdmins(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guild")
	if !s.authorize(w, r, guildID) {
		return
	}
	admins, err := s.store.ListGuildAdmins(r.Context(), guildID)
	if err != nil {
		s.internalError(w, r, err, "list guild admins")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"admins": admins})
}

func (s *Server) handleAddAdmin(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guild")
	if !s.authorize(w, r, guildID) {
		return
	}
	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.UserID == "" {
		s.fail(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if body.Role == "" {
		body.Role = "admin"
	}
	if err := s.store.AddGuildAdmin(r.Context(), guildID, body.UserID, body.Role); err != nil {
		s.internalError(w, r, err, "add guild admin")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"guild_id": guildID, "user_id": body.UserID, "role": body.Role})
}

func (s *Server) handleRemoveAdmin(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guild")
	if !s.authorize(w, r, guildID) {
		return
	}
	if err := s.store.RemoveGuildAdmin(r.Context(), guildID, r.PathValue("user")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.fail(w, http.StatusNotFound, "not an admin of this guild")
			return
		}
		s.internalError(w, r, err, "remove guild admin")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decision loads the item named in the path and authorizes the caller
// against its guild.
func (s *Server) decision(w http.ResponseWriter, r *http.Request) (string, storage.ApprovalItem, bool) {
	item, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.approvalError(w, r, err)
		return "", storage.ApprovalItem{}, false
	}
	decider, ok := s.adminFor(w, r, item.GuildID)
	if !ok {
		return "", storage.ApprovalItem{}, false
	}
	return decider, item, true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, guildID string) bool {
	_, ok := s.adminFor(w, r, guildID)
	return ok
}

// adminFor checks the admin identity header against the guild's admin roster.
func (s *Server) adminFor(w http.ResponseWriter, r *http.Request, guildID string) (string, bool) {
	decider := r.Header.Get(adminHeader)
	if decider == "" {
		s.fail(w, http.StatusUnauthorized, adminHeader+" header is required")
		return "", false
	}
	ok, err := s.store.IsGuildAdmin(r.Context(), guildID, decider)
	if err != nil {
		s.internalError(w, r, err, "admin lookup")
		return "", false
	}
	if !ok {
		s.fail(w, http.StatusForbidden, "not an admin of this guild")
		return "", false
	}
	return decider, true
}

func (s *Server) approvalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		s.fail(w, http.StatusNotFound, "approval item not found")
	case errors.Is(err, approval.ErrConflict):
		s.fail(w, http.StatusConflict, "approval item already decided")
	default:
		s.internalError(w, r, err, "approval operation")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, op string) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg(op + " failed")
	s.fail(w, http.StatusInternalServerError, "internal error")
}
