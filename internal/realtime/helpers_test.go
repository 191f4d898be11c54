package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pufftrack/backend/internal/store"
)

var testClock = func() time.Time {
	return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
}

type fakeConn struct {
	mu      sync.Mutex
	sent    []Message
	kicks   []string
	sendErr error
}

func (c *fakeConn) Send(message Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, message)
	return nil
}

func (c *fakeConn) Kick(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicks = append(c.kicks, reason)
}

func (c *fakeConn) messages(messageType string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []Message
	for _, m := range c.sent {
		if m.Type == messageType {
			matched = append(matched, m)
		}
	}
	return matched
}

func (c *fakeConn) lastSnapshot(t *testing.T) Snapshot {
	t.Helper()
	updates := c.messages(MessageUpdate)
	if len(updates) == 0 {
		t.Fatalf("expected at least one update message")
	}
	var payload updatePayload
	if err := json.Unmarshal(updates[len(updates)-1].Payload, &payload); err != nil {
		t.Fatalf("failed to decode update payload: %v", err)
	}
	return payload.Sync
}

type sequentialIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDProvider) NewUserID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("USER%02d", p.next), nil
}

func (p *sequentialIDProvider) NewEdgeID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("edge-%d", p.next), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:realtime_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.User{}, &store.Puff{}, &store.FriendEdge{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	st, err := store.New(store.Config{Database: db, IDProvider: &sequentialIDProvider{}})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return st
}

func newTestHub(t *testing.T, st *store.Store) *Hub {
	t.Helper()
	hub, err := NewHub(HubConfig{
		Store:    st,
		Registry: NewRegistry(),
		Guard:    NewGuard(time.Minute, 1000, testClock),
		Clock:    testClock,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	return hub
}

func mustPayload(t *testing.T, value interface{}) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return encoded
}

func mustEnvelope(t *testing.T, messageType string, payload interface{}) []byte {
	t.Helper()
	encoded, err := json.Marshal(Message{Type: messageType, Payload: mustPayload(t, payload)})
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return encoded
}

var errSendFailed = errors.New("send failed")
