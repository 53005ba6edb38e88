package notices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quellhq/noticequell/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrNoticeNotFound indicates that no logged notice carries the
	// requested fingerprint.
	ErrNoticeNotFound = errors.New("notices: notice not found")
)

// StoreError carries a dotted operation code alongside the causing error.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opLogStoreNew  = "notices.log_store.new"
	opRecord       = "notices.record"
	opGet          = "notices.get"
	opList         = "notices.list"
	opMarkDecision = "notices.mark_decision"
	opEvict        = "notices.evict"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
}

// LogStoreConfig describes the dependencies of the notice log.
type LogStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// LogStore is the append/update store of encountered notices, keyed by
// fingerprint. It is the single owner of Notice records.
type LogStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLogStore constructs the notice log store.
func NewLogStore(cfg LogStoreConfig) (*LogStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opLogStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &LogStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Record fingerprints rawContent and upserts the matching log entry. A new
// fingerprint inserts a fresh record with an occurrence count of one; a
// known fingerprint bumps last_seen and the counter. The read-modify-write
// runs under a locking read inside one transaction so concurrent captures
// of the same fingerprint never lose increments.
func (s *LogStore) Record(ctx context.Context, rawContent, sourceHint string) (Notice, error) {
	fingerprint, err := ComputeFingerprint(rawContent)
	if err != nil {
		return Notice{}, err
	}

	hint := strings.TrimSpace(sourceHint)
	if hint == "" {
		hint = SourceHintUnknown
	}
	if len(hint) > maxSourceHintLength {
		cut := maxSourceHintLength
		for cut > 0 && !utf8.RuneStart(hint[cut]) {
			cut--
		}
		hint = hint[:cut]
	}

	var result Notice
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Notice
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("fingerprint = ?", fingerprint.String()).
			Take(&existing).Error
		now := s.clock().UTC().Unix()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = Notice{
				Fingerprint:       fingerprint.String(),
				RawContent:        rawContent,
				NormalizedContent: Normalize(rawContent),
				SourceHint:        hint,
				FirstSeenSeconds:  now,
				LastSeenSeconds:   now,
				OccurrenceCount:   1,
			}
			if err := tx.Create(&result).Error; err != nil {
				s.logError(opRecord, "notice_insert_failed", err, zap.String("fingerprint", fingerprint.String()))
				return newStoreError(opRecord, "notice_insert_failed", unavailable(err))
			}
			return nil
		}
		if err != nil {
			s.logError(opRecord, "notice_select_failed", err, zap.String("fingerprint", fingerprint.String()))
			return newStoreError(opRecord, "notice_select_failed", unavailable(err))
		}

		existing.RawContent = rawContent
		existing.NormalizedContent = Normalize(rawContent)
		existing.SourceHint = hint
		existing.LastSeenSeconds = now
		existing.OccurrenceCount++
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opRecord, "notice_update_failed", err, zap.String("fingerprint", fingerprint.String()))
			return newStoreError(opRecord, "notice_update_failed", unavailable(err))
		}
		result = existing
		return nil
	})
	if txErr != nil {
		return Notice{}, txErr
	}

	return result, nil
}

// Get returns the logged notice for the fingerprint, or ErrNoticeNotFound.
// Dangling allowlist back-references land here after eviction; callers
// treat the miss as "source notice no longer available".
func (s *LogStore) Get(ctx context.Context, fingerprint Fingerprint) (Notice, error) {
	var notice Notice
	err := s.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint.String()).
		Take(&notice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Notice{}, ErrNoticeNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("fingerprint", fingerprint.String()))
		return Notice{}, newStoreError(opGet, "query_failed", unavailable(err))
	}
	return notice, nil
}

// List returns logged notices most-recently-seen first. A non-positive
// limit returns everything from offset onward.
func (s *LogStore) List(ctx context.Context, limit, offset int) ([]Notice, error) {
	query := s.db.WithContext(ctx).
		Order("last_seen_s DESC, fingerprint DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var entries []Notice
	if err := query.Find(&entries).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newStoreError(opList, "query_failed", unavailable(err))
	}
	return entries, nil
}

// MarkDecision caches the latest suppression decision on the log entry.
// The cached flag feeds reporting only; every capture re-evaluates.
func (s *LogStore) MarkDecision(ctx context.Context, fingerprint Fingerprint, suppressed bool) error {
	err := s.db.WithContext(ctx).
		Model(&Notice{}).
		Where("fingerprint = ?", fingerprint.String()).
		Update("suppressed", suppressed).Error
	if err != nil {
		s.logError(opMarkDecision, "update_failed", err, zap.String("fingerprint", fingerprint.String()))
		return newStoreError(opMarkDecision, "update_failed", unavailable(err))
	}
	return nil
}

// EvictIfOverCapacity removes the least-recently-seen entries until the
// store holds at most bound records. Eviction is purely recency-based:
// entries referenced by allowlist back-references receive no special
// treatment. Returns the number of evicted records.
func (s *LogStore) EvictIfOverCapacity(ctx context.Context, bound int) (int, error) {
	if bound < 1 {
		return 0, nil
	}

	evicted := 0
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&Notice{}).Count(&total).Error; err != nil {
			s.logError(opEvict, "count_failed", err)
			return newStoreError(opEvict, "count_failed", unavailable(err))
		}
		excess := int(total) - bound
		if excess <= 0 {
			return nil
		}

		oldest := tx.Model(&Notice{}).
			Select("fingerprint").
			Order("last_seen_s ASC, fingerprint ASC").
			Limit(excess)
		deletion := tx.Where("fingerprint IN (?)", oldest).Delete(&Notice{})
		if deletion.Error != nil {
			s.logError(opEvict, "delete_failed", deletion.Error)
			return newStoreError(opEvict, "delete_failed", unavailable(deletion.Error))
		}
		evicted = int(deletion.RowsAffected)
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}

	if evicted > 0 {
		s.logger.Info("notice log evicted entries",
			zap.Int("evicted", evicted),
			zap.Int("bound", bound))
	}
	return evicted, nil
}

func (s *LogStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notice log store error", attrs...)
}
