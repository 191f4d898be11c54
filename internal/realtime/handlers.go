package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/pufftrack/backend/internal/apperror"
	"github.com/pufftrack/backend/internal/store"
)

const (
	userIDLength = 6
	maxPuffBatch = 500
)

func (h *Hub) handleAddFriend(ctx context.Context, userID string, _ Conn, payload json.RawMessage) error {
	var request addFriendPayload
	if err := json.Unmarshal(payload, &request); err != nil || len(request.FriendID) != userIDLength {
		return apperror.Validation("friendId must be a 6-character user id")
	}
	if request.FriendID == userID {
		return apperror.Conflict("cannot add yourself as a friend")
	}

	if _, err := h.store.GetUserByID(ctx, request.FriendID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return apperror.NotFound("user", request.FriendID)
		}
		return apperror.Store(err)
	}

	if _, err := h.store.CreateFriendEdge(ctx, userID, request.FriendID); err != nil {
		if errors.Is(err, store.ErrDuplicateEdge) {
			return apperror.Conflict("friend request already exists")
		}
		return apperror.Store(err)
	}

	h.FanOut(ctx, userID, request.FriendID)
	return nil
}

func (h *Hub) handleAcceptRequest(ctx context.Context, userID string, _ Conn, payload json.RawMessage) error {
	edge, err := h.pendingEdge(ctx, payload)
	if err != nil {
		return err
	}
	if edge.RecipientID != userID {
		return apperror.Unauthorized("only the recipient can accept a request")
	}

	if err := h.store.UpdateFriendEdgeStatus(ctx, edge.ID, store.EdgeStatusAccepted); err != nil {
		if errors.Is(err, store.ErrEdgeNotFound) {
			return apperror.NotFound("request", edge.ID)
		}
		return apperror.Store(err)
	}

	h.FanOut(ctx, userID, edge.RequesterID)
	return nil
}

func (h *Hub) handleRejectRequest(ctx context.Context, userID string, conn Conn, payload json.RawMessage) error {
	edge, err := h.pendingEdge(ctx, payload)
	if err != nil {
		return err
	}
	if edge.RecipientID != userID {
		return apperror.Unauthorized("only the recipient can reject a request")
	}

	if err := h.deleteEdge(ctx, edge.ID); err != nil {
		return err
	}

	if err := conn.Send(newMessage(MessageRequestRejected, requestRefPayload{RequestID: edge.ID})); err != nil {
		h.logger.Warn("reject confirmation delivery failed", zap.String("user_id", userID), zap.Error(err))
	}
	h.FanOut(ctx, userID, edge.RequesterID)
	return nil
}

func (h *Hub) handleCancelRequest(ctx context.Context, userID string, conn Conn, payload json.RawMessage) error {
	edge, err := h.pendingEdge(ctx, payload)
	if err != nil {
		return err
	}
	if edge.RequesterID != userID {
		return apperror.Unauthorized("only the requester can cancel a request")
	}

	if err := h.deleteEdge(ctx, edge.ID); err != nil {
		return err
	}

	if err := conn.Send(newMessage(MessageRequestCancelled, requestRefPayload{RequestID: edge.ID})); err != nil {
		h.logger.Warn("cancel confirmation delivery failed", zap.String("user_id", userID), zap.Error(err))
	}
	h.FanOut(ctx, userID, edge.RecipientID)
	return nil
}

func (h *Hub) handleAddPuffs(ctx context.Context, userID string, conn Conn, payload json.RawMessage) error {
	var request addPuffsPayload
	if err := json.Unmarshal(payload, &request); err != nil || len(request.Puffs) == 0 {
		return apperror.Validation("puffs must be a non-empty array")
	}
	if len(request.Puffs) > maxPuffBatch {
		return apperror.Validation("puff batch too large")
	}

	inputs := make([]store.PuffInput, 0, len(request.Puffs))
	for _, item := range request.Puffs {
		if item.ID == "" || len(item.ID) > 36 {
			return apperror.Validation("each puff requires a client-supplied id")
		}
		if item.Timestamp <= 0 {
			return apperror.Validation("each puff requires a positive unix timestamp")
		}
		inputs = append(inputs, store.PuffInput{ID: item.ID, TimestampSeconds: item.Timestamp})
	}

	synced, err := h.store.CreatePuffs(ctx, userID, inputs)
	if err != nil {
		return apperror.Store(err)
	}

	// The client reconciles its pending queue from this list; ids the
	// store already held are deliberately excluded.
	if err := conn.Send(newMessage(MessageSyncedPuffIDs, syncedPuffIDsPayload{SyncedPuffIDs: synced})); err != nil {
		h.logger.Warn("synced ids delivery failed", zap.String("user_id", userID), zap.Error(err))
	}

	affected, err := h.acceptedFriendIDs(ctx, userID)
	if err != nil {
		return err
	}
	h.FanOut(ctx, append([]string{userID}, affected...)...)
	return nil
}

func (h *Hub) handleRemoveAllPuffs(ctx context.Context, userID string, conn Conn, _ json.RawMessage) error {
	if err := h.store.DeleteAllPuffs(ctx, userID); err != nil {
		return apperror.Store(err)
	}
	if err := conn.Send(newMessage(MessageAllPuffsRemoved, nil)); err != nil {
		h.logger.Warn("clear confirmation delivery failed", zap.String("user_id", userID), zap.Error(err))
	}
	h.FanOut(ctx, userID)
	return nil
}

func (h *Hub) handleGetPuffCount(ctx context.Context, userID string, conn Conn, _ json.RawMessage) error {
	count, err := h.store.CountPuffs(ctx, userID)
	if err != nil {
		return apperror.Store(err)
	}
	return conn.Send(newMessage(MessagePuffCount, puffCountPayload{PuffCount: count}))
}

// pendingEdge parses a requestId payload and loads the referenced pending
// edge.
func (h *Hub) pendingEdge(ctx context.Context, payload json.RawMessage) (store.FriendEdge, error) {
	var request requestRefPayload
	if err := json.Unmarshal(payload, &request); err != nil || request.RequestID == "" {
		return store.FriendEdge{}, apperror.Validation("requestId is required")
	}

	edge, err := h.store.GetFriendEdgeByID(ctx, request.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrEdgeNotFound) {
			return store.FriendEdge{}, apperror.NotFound("request", request.RequestID)
		}
		return store.FriendEdge{}, apperror.Store(err)
	}
	if edge.Status != store.EdgeStatusPending {
		return store.FriendEdge{}, apperror.Conflict("request is no longer pending")
	}
	return edge, nil
}

func (h *Hub) deleteEdge(ctx context.Context, edgeID string) error {
	if err := h.store.DeleteFriendEdge(ctx, edgeID); err != nil {
		if errors.Is(err, store.ErrEdgeNotFound) {
			// Raced with the counterpart; the edge is gone either way.
			return nil
		}
		return apperror.Store(err)
	}
	return nil
}

func (h *Hub) acceptedFriendIDs(ctx context.Context, userID string) ([]string, error) {
	edges, err := h.store.ListFriendEdges(ctx, userID, store.EdgeDirectionEither, store.EdgeStatusAccepted)
	if err != nil {
		return nil, apperror.Store(err)
	}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.Other(userID))
	}
	return ids, nil
}
