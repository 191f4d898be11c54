package realtime

import (
	"encoding/json"

	"github.com/pufftrack/backend/internal/metrics"
)

// Inbound intent names.
const (
	IntentAddFriend      = "addFriend"
	IntentAcceptRequest  = "acceptRequest"
	IntentRejectRequest  = "rejectRequest"
	IntentCancelRequest  = "cancelRequest"
	IntentAddPuffs       = "addPuffs"
	IntentRemoveAllPuffs = "removeAllPuffs"
	IntentGetPuffCount   = "getPuffCount"
)

// Outbound message names.
const (
	MessageUpdate           = "update"
	MessageError            = "error"
	MessageSyncedPuffIDs    = "syncedPuffIds"
	MessageAllPuffsRemoved  = "allPuffsRemoved"
	MessagePuffCount        = "puffCount"
	MessageRequestCancelled = "requestCancelled"
	MessageRequestRejected  = "requestRejected"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newMessage(messageType string, payload interface{}) Message {
	if payload == nil {
		return Message{Type: messageType}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		// Payload types are plain structs; a marshal failure is a
		// programming error, surface it as an empty payload.
		return Message{Type: messageType}
	}
	return Message{Type: messageType, Payload: encoded}
}

// Inbound payloads.

type addFriendPayload struct {
	FriendID string `json:"friendId"`
}

type requestRefPayload struct {
	RequestID string `json:"requestId"`
}

type addPuffsPayload struct {
	Puffs []puffItemPayload `json:"puffs"`
}

type puffItemPayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	IsSynced  bool   `json:"isSynced"`
}

// Outbound payloads.

type updatePayload struct {
	Sync Snapshot `json:"sync"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type syncedPuffIDsPayload struct {
	SyncedPuffIDs []string `json:"syncedPuffIds"`
}

type puffCountPayload struct {
	PuffCount int64 `json:"puffCount"`
}

// Snapshot is the full-sync view pushed on connect and after affecting
// mutations. Always freshly computed, never cached.
type Snapshot struct {
	User             Profile        `json:"user"`
	Puffs            []PuffEntry    `json:"puffs"`
	Friends          []FriendEntry  `json:"friends"`
	OutgoingRequests []RequestEntry `json:"outgoingRequests"`
	IncomingRequests []RequestEntry `json:"incomingRequests"`
}

// Profile is the public slice of a user record. Password material never
// appears here.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PuffEntry is one stored event in the owner's snapshot.
type PuffEntry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// FriendEntry annotates an accepted friend with their computed activity.
type FriendEntry struct {
	Profile
	Metrics metrics.Summary `json:"metrics"`
}

// RequestEntry is a pending request joined with the counterpart's profile.
type RequestEntry struct {
	RequestID string  `json:"requestId"`
	User      Profile `json:"user"`
}
