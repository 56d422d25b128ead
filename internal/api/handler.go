// Package api provides the HTTP action surface of the companions engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/engine"
	"github.com/ashureev/companions/internal/ledger"
	"github.com/ashureev/companions/internal/pipeline"
	"github.com/ashureev/companions/internal/scheduler"
	"github.com/ashureev/companions/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxBodyBytes    = 64 << 10
)

// Engine is the set of user actions the API exposes.
type Engine interface {
	SendToAgent(ctx context.Context, agentID, text string) (*domain.Message, error)
	SendToGroup(ctx context.Context, groupID, text string) (*domain.Message, error)
	Wipe(ctx context.Context, agentID string) (*domain.Agent, error)
	Unblock(ctx context.Context, agentID string) (*domain.Agent, error)
	Pause(ctx context.Context, agentID string) (*domain.Agent, error)
	Resume(ctx context.Context, agentID string) (*domain.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
	ClearGroup(ctx context.Context, groupID string) error
	DeleteGroup(ctx context.Context, groupID string) error
	Introduce(ctx context.Context, sourceID, targetID string) ([]domain.Relationship, error)
	ListMessages(ctx context.Context, conversation string, opts store.ListOptions) ([]*domain.Message, error)

	Balance(ctx context.Context, account string) (int64, error)
	SendTransfer(ctx context.Context, agentID string, amount int64, note string) (*domain.Transfer, error)
	ClaimTransfer(ctx context.Context, transferID string) (*domain.Transfer, error)
	RefundTransfer(ctx context.Context, transferID string) (*domain.Transfer, error)
	SendRedPacket(ctx context.Context, groupID string, total int64, count int, mode domain.RedPacketMode, note string) (*domain.RedPacket, error)
	ClaimRedPacket(ctx context.Context, packetID string) (domain.RedPacketClaim, error)
}

// Snapshotter reports live scheduler state.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string]scheduler.AgentStatus, error)
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

var _ Engine = (*engine.Engine)(nil)

// Handler serves the action endpoints.
type Handler struct {
	engine    Engine
	snapshots Snapshotter
	db        Pinger
	logger    *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(eng Engine, snapshots Snapshotter, db Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: eng, snapshots: snapshots, db: db, logger: logger}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/engine/snapshot", h.Snapshot)

		r.Route("/agents/{id}", func(r chi.Router) {
			r.Post("/messages", h.SendToAgent)
			r.Post("/wipe", h.Wipe)
			r.Post("/unblock", h.Unblock)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Delete("/", h.DeleteAgent)
			r.Post("/transfers", h.SendTransfer)
			r.Post("/introduce/{target}", h.Introduce)
		})

		r.Route("/groups/{id}", func(r chi.Router) {
			r.Post("/messages", h.SendToGroup)
			r.Post("/clear", h.ClearGroup)
			r.Delete("/", h.DeleteGroup)
			r.Post("/red-packets", h.SendRedPacket)
		})

		r.Post("/transfers/{id}/claim", h.ClaimTransfer)
		r.Post("/transfers/{id}/refund", h.RefundTransfer)
		r.Post("/red-packets/{id}/claim", h.ClaimRedPacket)
		r.Get("/wallets/{account}", h.Wallet)
		r.Get("/conversations/{kind}/{id}/messages", h.ListMessages)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrAgentNotFound),
		errors.Is(err, pipeline.ErrGroupNotFound),
		errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrEmptyMessage),
		errors.Is(err, engine.ErrSelfIntroduction),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotRecipient),
		errors.Is(err, ledger.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAlreadySettled),
		errors.Is(err, ledger.ErrAlreadyClaimed),
		errors.Is(err, ledger.ErrPacketEmpty):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

// decode reads a JSON body into v. It writes a 400 and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// Health reports whether the database is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Snapshot returns the scheduler's view of every agent.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// ListMessages returns one page of a conversation, oldest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	var conversation string
	switch kind, id := chi.URLParam(r, "kind"), chi.URLParam(r, "id"); kind {
	case "agent":
		conversation = domain.AgentConversation(id)
	case "group":
		conversation = domain.GroupConversation(id)
	default:
		Error(w, http.StatusBadRequest, "conversation kind must be agent or group")
		return
	}

	opts := store.ListOptions{Limit: defaultPageSize}
	q := r.URL.Query()
	if v := q.Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil || before <= 0 {
			Error(w, http.StatusBadRequest, "invalid before")
			return
		}
		opts.BeforeID = before
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = min(limit, maxPageSize)
	}
	opts.IncludeHidden = q.Get("hidden") == "true"

	msgs, err := h.engine.ListMessages(r.Context(), conversation, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
