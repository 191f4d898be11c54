package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pufftrack/backend/internal/apperror"
	"github.com/pufftrack/backend/internal/store"
)

var (
	errMissingStore    = errors.New("store is required")
	errMissingRegistry = errors.New("registry is required")
	errMissingGuard    = errors.New("abuse guard is required")
)

// HubConfig describes the dependencies the hub requires.
type HubConfig struct {
	Store    *store.Store
	Registry *Registry
	Guard    *Guard
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Hub dispatches inbound intents to their handlers and fans fresh
// snapshots out to every affected live connection after a mutation.
type Hub struct {
	store    *store.Store
	registry *Registry
	builder  *SnapshotBuilder
	guard    *Guard
	logger   *zap.Logger
	clock    func() time.Time
	handlers map[string]intentHandler
}

type intentHandler func(ctx context.Context, userID string, conn Conn, payload json.RawMessage) error

// NewHub constructs the hub and its fixed intent dispatch table.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Guard == nil {
		return nil, errMissingGuard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	hub := &Hub{
		store:    cfg.Store,
		registry: cfg.Registry,
		builder:  NewSnapshotBuilder(cfg.Store, clock),
		guard:    cfg.Guard,
		logger:   logger,
		clock:    clock,
	}
	hub.handlers = map[string]intentHandler{
		IntentAddFriend:      hub.handleAddFriend,
		IntentAcceptRequest:  hub.handleAcceptRequest,
		IntentRejectRequest:  hub.handleRejectRequest,
		IntentCancelRequest:  hub.handleCancelRequest,
		IntentAddPuffs:       hub.handleAddPuffs,
		IntentRemoveAllPuffs: hub.handleRemoveAllPuffs,
		IntentGetPuffCount:   hub.handleGetPuffCount,
	}
	return hub, nil
}

// Registry exposes the connection registry for the transport layer.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Snapshot recomputes the full-sync view for a user. Shared with the
// HTTP layer.
func (h *Hub) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	return h.builder.Build(ctx, userID)
}

// HandleMessage processes one inbound frame from an authenticated
// connection. Every failure is converted to a single error message sent
// back to the originating connection; nothing here tears the connection
// down.
func (h *Hub) HandleMessage(ctx context.Context, userID string, conn Conn, raw []byte) {
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		h.sendError(userID, conn, apperror.Validation("malformed message"))
		return
	}

	handler, known := h.handlers[message.Type]
	if !known {
		h.sendError(userID, conn, apperror.Validation("unknown intent: "+message.Type))
		return
	}

	if !h.guard.Allow(userID) {
		h.sendError(userID, conn, apperror.RateLimited())
		return
	}

	if err := handler(ctx, userID, conn, message.Payload); err != nil {
		h.sendError(userID, conn, err)
	}
}

// PushSnapshot computes and delivers a fresh snapshot to the user's live
// connection. Used for the initial push after binding.
func (h *Hub) PushSnapshot(ctx context.Context, userID string) error {
	conn, ok := h.registry.Lookup(userID)
	if !ok {
		return nil
	}
	snapshot, err := h.builder.Build(ctx, userID)
	if err != nil {
		return err
	}
	return conn.Send(newMessage(MessageUpdate, updatePayload{Sync: snapshot}))
}

// FanOut pushes fresh snapshots to every affected user with a live
// connection. Offline users are skipped; a failed delivery to one peer is
// logged and never aborts delivery to the rest.
func (h *Hub) FanOut(ctx context.Context, userIDs ...string) {
	pushed := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, done := pushed[userID]; done {
			continue
		}
		pushed[userID] = struct{}{}

		conn, ok := h.registry.Lookup(userID)
		if !ok {
			continue
		}
		snapshot, err := h.builder.Build(ctx, userID)
		if err != nil {
			h.logger.Warn("snapshot rebuild failed during fan-out",
				zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if err := conn.Send(newMessage(MessageUpdate, updatePayload{Sync: snapshot})); err != nil {
			h.logger.Warn("snapshot delivery failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (h *Hub) sendError(userID string, conn Conn, err error) {
	var appErr *apperror.Error
	message := "internal error"
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if errors.Is(err, apperror.ErrStore) || !errors.As(err, &appErr) {
		h.logger.Error("intent handling failed", zap.String("user_id", userID), zap.Error(err))
	}
	if sendErr := conn.Send(newMessage(MessageError, errorPayload{Message: message})); sendErr != nil {
		h.logger.Warn("error delivery failed", zap.String("user_id", userID), zap.Error(sendErr))
	}
}
