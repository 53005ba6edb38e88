package visibility

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quellhq/noticequell/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("visibility: invalid user id")
)

const maxUserIDLength = 190

// State records one user's participation in global suppression. Absent
// rows fall back to the host-configured default; a row appears on the
// first explicit toggle and persists from then on.
type State struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Enabled          bool   `gorm:"column:enabled;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (State) TableName() string {
	return "user_visibility_states"
}

// StoreConfig describes the dependencies of the visibility store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns per-user visibility flags. It governs only whether a user
// participates in suppression at all, never per-notice outcomes.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the visibility store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Enabled reports whether suppression is active for the user, falling back
// to the supplied default when the user never toggled.
func (s *Store) Enabled(ctx context.Context, userID string, fallback bool) (bool, error) {
	normalized, err := normalizeUserID(userID)
	if err != nil {
		return false, err
	}

	var state State
	err = s.db.WithContext(ctx).
		Where("user_id = ?", normalized).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fallback, nil
	}
	if err != nil {
		s.logger.Error("visibility store error",
			zap.String("operation", "visibility.get_state"),
			zap.String("user_id", normalized),
			zap.Error(err))
		return false, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return state.Enabled, nil
}

// SetState upserts the user's flag. The first toggle creates the row.
func (s *Store) SetState(ctx context.Context, userID string, enabled bool) error {
	normalized, err := normalizeUserID(userID)
	if err != nil {
		return err
	}

	state := State{
		UserID:           normalized,
		Enabled:          enabled,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at_s"}),
		}).
		Create(&state).Error
	if err != nil {
		s.logger.Error("visibility store error",
			zap.String("operation", "visibility.set_state"),
			zap.String("user_id", normalized),
			zap.Error(err))
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

func normalizeUserID(userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxUserIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxUserIDLength)
	}
	return trimmed, nil
}
