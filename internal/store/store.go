package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrUserNotFound reports a lookup against a missing user record.
	ErrUserNotFound = errors.New("store: user not found")
	// ErrEdgeNotFound reports a lookup against a missing friend edge.
	ErrEdgeNotFound = errors.New("store: friend edge not found")
	// ErrDuplicateEdge reports an existing edge between the two users.
	ErrDuplicateEdge = errors.New("store: friend edge already exists")
)

const userCodeAttempts = 5

// ServiceError carries a dot-separated operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opStoreNew    = "store.new"
	opUsers       = "store.users"
	opPuffs       = "store.puffs"
	opFriendEdges = "store.friend_edges"
)

// Config describes the dependencies the store requires.
type Config struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store implements the durable keyed operations over users, puffs and
// friend edges. Row-level atomicity comes from the underlying database;
// multi-row mutations run in transactions.
type Store struct {
	db     *gorm.DB
	ids    IDProvider
	logger *zap.Logger
}

// New constructs the store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, ids: cfg.IDProvider, logger: logger}, nil
}

// CreateUser inserts a password-authenticated user and returns it with a
// freshly generated id. Retries the code generator on the unlikely
// collision.
func (s *Store) CreateUser(ctx context.Context, name, email, passwordHash string) (User, error) {
	user := User{
		Name:         strings.TrimSpace(name),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
	}
	return s.insertUser(ctx, user)
}

// CreateGoogleUser inserts an externally-authenticated user keyed by the
// provider subject. No password hash is stored.
func (s *Store) CreateGoogleUser(ctx context.Context, name, email, subject string) (User, error) {
	user := User{
		Name:          strings.TrimSpace(name),
		Email:         strings.ToLower(strings.TrimSpace(email)),
		GoogleSubject: subject,
	}
	return s.insertUser(ctx, user)
}

func (s *Store) insertUser(ctx context.Context, user User) (User, error) {
	var lastErr error
	for attempt := 0; attempt < userCodeAttempts; attempt++ {
		id, err := s.ids.NewUserID()
		if err != nil {
			return User{}, newServiceError(opUsers, "id_generation_failed", err)
		}
		user.ID = id
		err = s.db.WithContext(ctx).Create(&user).Error
		if err == nil {
			return user, nil
		}
		lastErr = err
		var existing User
		if s.db.WithContext(ctx).Where("id = ?", id).Take(&existing).Error == nil {
			continue
		}
		break
	}
	s.logError(opUsers, "create_failed", lastErr)
	return User{}, newServiceError(opUsers, "create_failed", lastErr)
}

// GetUserByID fetches a user record.
func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logError(opUsers, "get_failed", err, zap.String("user_id", id))
		return User{}, newServiceError(opUsers, "get_failed", err)
	}
	return user, nil
}

// GetUserByEmail fetches a user by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logError(opUsers, "get_by_email_failed", err)
		return User{}, newServiceError(opUsers, "get_by_email_failed", err)
	}
	return user, nil
}

// GetUserByGoogleSubject fetches a user by external provider subject.
func (s *Store) GetUserByGoogleSubject(ctx context.Context, subject string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("google_subject = ?", subject).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logError(opUsers, "get_by_subject_failed", err)
		return User{}, newServiceError(opUsers, "get_by_subject_failed", err)
	}
	return user, nil
}

// UpdateUserName renames a user.
func (s *Store) UpdateUserName(ctx context.Context, id, name string) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Update("name", strings.TrimSpace(name))
	if result.Error != nil {
		s.logError(opUsers, "rename_failed", result.Error, zap.String("user_id", id))
		return newServiceError(opUsers, "rename_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteUserCascade removes the user together with their puffs and every
// friend edge they appear on.
func (s *Store) DeleteUserCascade(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&Puff{}).Error; err != nil {
			return err
		}
		if err := tx.Where("requester_id = ? OR recipient_id = ?", id, id).Delete(&FriendEdge{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&User{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
	if errors.Is(err, ErrUserNotFound) {
		return err
	}
	if err != nil {
		s.logError(opUsers, "cascade_delete_failed", err, zap.String("user_id", id))
		return newServiceError(opUsers, "cascade_delete_failed", err)
	}
	return nil
}

// PuffInput is a client-submitted event awaiting ingestion.
type PuffInput struct {
	ID               string
	TimestampSeconds int64
}

// CreatePuffs inserts the puffs whose ids are not yet stored and returns
// the ids that were newly accepted. Resubmitting a batch is a no-op for
// already-stored ids.
func (s *Store) CreatePuffs(ctx context.Context, userID string, puffs []PuffInput) ([]string, error) {
	accepted := make([]string, 0, len(puffs))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0, len(puffs))
		for _, p := range puffs {
			ids = append(ids, p.ID)
		}

		var existing []Puff
		if err := tx.Where("id IN ?", ids).Find(&existing).Error; err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(existing))
		for _, p := range existing {
			seen[p.ID] = struct{}{}
		}

		for _, p := range puffs {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			row := Puff{ID: p.ID, UserID: userID, TimestampSeconds: p.TimestampSeconds}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			accepted = append(accepted, p.ID)
		}
		return nil
	})
	if err != nil {
		s.logError(opPuffs, "create_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opPuffs, "create_failed", err)
	}
	return accepted, nil
}

// ListPuffs returns the user's puffs newest first.
func (s *Store) ListPuffs(ctx context.Context, userID string) ([]Puff, error) {
	var puffs []Puff
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp_s DESC").
		Find(&puffs).Error; err != nil {
		s.logError(opPuffs, "list_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opPuffs, "list_failed", err)
	}
	return puffs, nil
}

// CountPuffs returns the user's stored event count.
func (s *Store) CountPuffs(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Puff{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		s.logError(opPuffs, "count_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opPuffs, "count_failed", err)
	}
	return count, nil
}

// DeleteAllPuffs removes every puff owned by the user.
func (s *Store) DeleteAllPuffs(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&Puff{}).Error; err != nil {
		s.logError(opPuffs, "delete_all_failed", err, zap.String("user_id", userID))
		return newServiceError(opPuffs, "delete_all_failed", err)
	}
	return nil
}

// DeletePuffsOlderThan removes puffs older than the cutoff across all
// users. Used by the retention sweep.
func (s *Store) DeletePuffsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("timestamp_s < ?", cutoff.Unix()).
		Delete(&Puff{})
	if result.Error != nil {
		s.logError(opPuffs, "retention_failed", result.Error)
		return 0, newServiceError(opPuffs, "retention_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// CreateFriendEdge inserts a pending request from requester to recipient.
// Returns ErrDuplicateEdge when an edge already exists in either
// orientation.
func (s *Store) CreateFriendEdge(ctx context.Context, requesterID, recipientID string) (FriendEdge, error) {
	id, err := s.ids.NewEdgeID()
	if err != nil {
		return FriendEdge{}, newServiceError(opFriendEdges, "id_generation_failed", err)
	}
	edge := FriendEdge{
		ID:          id,
		RequesterID: requesterID,
		RecipientID: recipientID,
		Status:      EdgeStatusPending,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing FriendEdge
		err := tx.Where(
			"(requester_id = ? AND recipient_id = ?) OR (requester_id = ? AND recipient_id = ?)",
			requesterID, recipientID, recipientID, requesterID,
		).Take(&existing).Error
		if err == nil {
			return ErrDuplicateEdge
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&edge).Error
	})
	if errors.Is(txErr, ErrDuplicateEdge) {
		return FriendEdge{}, ErrDuplicateEdge
	}
	if txErr != nil {
		s.logError(opFriendEdges, "create_failed", txErr)
		return FriendEdge{}, newServiceError(opFriendEdges, "create_failed", txErr)
	}
	return edge, nil
}

// GetFriendEdgeByID fetches an edge record.
func (s *Store) GetFriendEdgeByID(ctx context.Context, id string) (FriendEdge, error) {
	var edge FriendEdge
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&edge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FriendEdge{}, ErrEdgeNotFound
	}
	if err != nil {
		s.logError(opFriendEdges, "get_failed", err, zap.String("edge_id", id))
		return FriendEdge{}, newServiceError(opFriendEdges, "get_failed", err)
	}
	return edge, nil
}

// ListFriendEdges returns edges with the given status where the user
// appears on the selected side.
func (s *Store) ListFriendEdges(ctx context.Context, userID string, direction EdgeDirection, status EdgeStatus) ([]FriendEdge, error) {
	query := s.db.WithContext(ctx).Where("status = ?", status)
	switch direction {
	case EdgeDirectionOutgoing:
		query = query.Where("requester_id = ?", userID)
	case EdgeDirectionIncoming:
		query = query.Where("recipient_id = ?", userID)
	default:
		query = query.Where("requester_id = ? OR recipient_id = ?", userID, userID)
	}

	var edges []FriendEdge
	if err := query.Order("created_at ASC").Find(&edges).Error; err != nil {
		s.logError(opFriendEdges, "list_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opFriendEdges, "list_failed", err)
	}
	return edges, nil
}

// UpdateFriendEdgeStatus transitions an edge to the given status.
func (s *Store) UpdateFriendEdgeStatus(ctx context.Context, id string, status EdgeStatus) error {
	result := s.db.WithContext(ctx).
		Model(&FriendEdge{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		s.logError(opFriendEdges, "status_update_failed", result.Error, zap.String("edge_id", id))
		return newServiceError(opFriendEdges, "status_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEdgeNotFound
	}
	return nil
}

// DeleteFriendEdge removes an edge by id.
func (s *Store) DeleteFriendEdge(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&FriendEdge{})
	if result.Error != nil {
		s.logError(opFriendEdges, "delete_failed", result.Error, zap.String("edge_id", id))
		return newServiceError(opFriendEdges, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEdgeNotFound
	}
	return nil
}

// DeleteFriendEdgeBetween removes the edge connecting the two users in
// either orientation, filtered by status. Reports whether a row was
// removed.
func (s *Store) DeleteFriendEdgeBetween(ctx context.Context, a, b string, status EdgeStatus) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("status = ?", status).
		Where(
			"(requester_id = ? AND recipient_id = ?) OR (requester_id = ? AND recipient_id = ?)",
			a, b, b, a,
		).
		Delete(&FriendEdge{})
	if result.Error != nil {
		s.logError(opFriendEdges, "delete_between_failed", result.Error)
		return false, newServiceError(opFriendEdges, "delete_between_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store operation failed", attrs...)
}
