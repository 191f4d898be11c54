package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/pufftrack/backend/internal/apperror"
	"github.com/pufftrack/backend/internal/metrics"
	"github.com/pufftrack/backend/internal/store"
)

// SnapshotBuilder assembles the denormalized full-sync view for a user
// from the store. Every call recomputes from raw rows so the result is
// consistent with store state at call time.
type SnapshotBuilder struct {
	store *store.Store
	clock func() time.Time
}

// NewSnapshotBuilder constructs a builder.
func NewSnapshotBuilder(st *store.Store, clock func() time.Time) *SnapshotBuilder {
	if clock == nil {
		clock = time.Now
	}
	return &SnapshotBuilder{store: st, clock: clock}
}

// Build computes the snapshot for userID. A missing user record is fatal
// for the request (the account vanished underneath, e.g. concurrent
// deletion) and reported as not found.
func (b *SnapshotBuilder) Build(ctx context.Context, userID string) (Snapshot, error) {
	user, err := b.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return Snapshot{}, apperror.NotFound("user", userID)
		}
		return Snapshot{}, apperror.Store(err)
	}

	ownPuffs, err := b.store.ListPuffs(ctx, userID)
	if err != nil {
		return Snapshot{}, apperror.Store(err)
	}

	accepted, err := b.store.ListFriendEdges(ctx, userID, store.EdgeDirectionEither, store.EdgeStatusAccepted)
	if err != nil {
		return Snapshot{}, apperror.Store(err)
	}

	now := b.clock()
	friends := make([]FriendEntry, 0, len(accepted))
	for _, edge := range accepted {
		friendID := edge.Other(userID)
		friend, err := b.store.GetUserByID(ctx, friendID)
		if errors.Is(err, store.ErrUserNotFound) {
			// Friend deleted concurrently; their edges follow shortly.
			continue
		}
		if err != nil {
			return Snapshot{}, apperror.Store(err)
		}
		puffs, err := b.store.ListPuffs(ctx, friendID)
		if err != nil {
			return Snapshot{}, apperror.Store(err)
		}
		friends = append(friends, FriendEntry{
			Profile: profileOf(friend),
			Metrics: metrics.Compute(puffTimes(puffs), now),
		})
	}

	outgoing, err := b.pendingRequests(ctx, userID, store.EdgeDirectionOutgoing)
	if err != nil {
		return Snapshot{}, err
	}
	incoming, err := b.pendingRequests(ctx, userID, store.EdgeDirectionIncoming)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		User:             profileOf(user),
		Puffs:            puffEntries(ownPuffs),
		Friends:          friends,
		OutgoingRequests: outgoing,
		IncomingRequests: incoming,
	}, nil
}

func (b *SnapshotBuilder) pendingRequests(ctx context.Context, userID string, direction store.EdgeDirection) ([]RequestEntry, error) {
	edges, err := b.store.ListFriendEdges(ctx, userID, direction, store.EdgeStatusPending)
	if err != nil {
		return nil, apperror.Store(err)
	}
	entries := make([]RequestEntry, 0, len(edges))
	for _, edge := range edges {
		counterpart, err := b.store.GetUserByID(ctx, edge.Other(userID))
		if errors.Is(err, store.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, apperror.Store(err)
		}
		entries = append(entries, RequestEntry{
			RequestID: edge.ID,
			User:      profileOf(counterpart),
		})
	}
	return entries, nil
}

func profileOf(user store.User) Profile {
	return Profile{ID: user.ID, Name: user.Name, Email: user.Email}
}

func puffEntries(puffs []store.Puff) []PuffEntry {
	entries := make([]PuffEntry, 0, len(puffs))
	for _, p := range puffs {
		entries = append(entries, PuffEntry{ID: p.ID, Timestamp: p.TimestampSeconds})
	}
	return entries
}

func puffTimes(puffs []store.Puff) []time.Time {
	times := make([]time.Time, 0, len(puffs))
	for _, p := range puffs {
		times = append(times, p.Time())
	}
	return times
}
