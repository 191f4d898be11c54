package store

import "time"

// EdgeStatus enumerates friend edge states. An accepted edge represents the
// friendship in both directions; no reverse row is created.
type EdgeStatus string

const (
	EdgeStatusPending  EdgeStatus = "pending"
	EdgeStatusAccepted EdgeStatus = "accepted"
)

// User is an account holder. Exactly one authentication method is
// populated: password users carry Email and PasswordHash, Google users
// carry GoogleSubject (and whatever email Google reported).
type User struct {
	ID            string    `gorm:"column:id;primaryKey;size:6;not null"`
	Name          string    `gorm:"column:name;size:190;not null"`
	Email         string    `gorm:"column:email;size:320;uniqueIndex:idx_users_email,where:email <> ''"`
	PasswordHash  string    `gorm:"column:password_hash;size:120"`
	GoogleSubject string    `gorm:"column:google_subject;size:190;uniqueIndex:idx_users_google,where:google_subject <> ''"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Puff is a single timestamped event. The id is client supplied so retried
// batches land on the same row and stay idempotent.
type Puff struct {
	ID               string `gorm:"column:id;primaryKey;size:36;not null"`
	UserID           string `gorm:"column:user_id;size:6;not null;index:idx_puffs_user_time,priority:1"`
	TimestampSeconds int64  `gorm:"column:timestamp_s;not null;index:idx_puffs_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Puff) TableName() string {
	return "puffs"
}

// Time returns the occurrence timestamp.
func (p Puff) Time() time.Time {
	return time.Unix(p.TimestampSeconds, 0)
}

// FriendEdge is a directed request row. At most one edge exists per
// ordered (requester, recipient) pair; once accepted it is read as
// undirected.
type FriendEdge struct {
	ID          string     `gorm:"column:id;primaryKey;size:36;not null"`
	RequesterID string     `gorm:"column:requester_id;size:6;not null;uniqueIndex:idx_edges_pair,priority:1"`
	RecipientID string     `gorm:"column:recipient_id;size:6;not null;uniqueIndex:idx_edges_pair,priority:2"`
	Status      EdgeStatus `gorm:"column:status;size:16;not null;default:pending"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (FriendEdge) TableName() string {
	return "friend_edges"
}

// Other returns the counterpart of userID on this edge.
func (e FriendEdge) Other(userID string) string {
	if e.RequesterID == userID {
		return e.RecipientID
	}
	return e.RequesterID
}

// EdgeDirection selects which side of pending edges a listing targets.
type EdgeDirection string

const (
	// EdgeDirectionOutgoing lists edges the user sent.
	EdgeDirectionOutgoing EdgeDirection = "outgoing"
	// EdgeDirectionIncoming lists edges the user received.
	EdgeDirectionIncoming EdgeDirection = "incoming"
	// EdgeDirectionEither lists edges with the user on either side.
	EdgeDirectionEither EdgeDirection = "either"
)
