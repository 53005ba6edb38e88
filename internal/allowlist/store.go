package allowlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quellhq/noticequell/internal/notices"
	"github.com/quellhq/noticequell/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
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
	opStoreNew   = "allowlist.store.new"
	opAddRule    = "allowlist.add_rule"
	opRemoveRule = "allowlist.remove_rule"
	opListRules  = "allowlist.list_rules"
	opSnapshot   = "allowlist.snapshot"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
}

// isDuplicateKey recognizes unique-constraint violations whether or not
// the driver's error translation is active.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IDProvider issues rule identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies of the allowlist store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store owns AllowRule records: an insertion-ordered collection for
// display plus a consistent snapshot contract for matching.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs the allowlist store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// AddRuleInput describes a requested allowlist addition.
type AddRuleInput struct {
	PatternType       PatternType
	Value             string
	CreatedBy         string
	SourceFingerprint string
}

// AddRule validates and persists a new rule. The value is normalized the
// same way notice content is, so exact rules line up with what the matcher
// sees. Empty-after-normalization values fail with ErrInvalidPattern;
// existing (pattern_type, value) pairs fail with ErrDuplicateRule and
// leave the store unchanged.
func (s *Store) AddRule(ctx context.Context, input AddRuleInput) (Rule, error) {
	switch input.PatternType {
	case PatternTypeExact, PatternTypeWildcard:
	default:
		return Rule{}, fmt.Errorf("%w: unknown pattern type %q", ErrInvalidPattern, input.PatternType)
	}

	value := notices.Normalize(input.Value)
	if value == "" {
		return Rule{}, fmt.Errorf("%w: empty value", ErrInvalidPattern)
	}

	ruleID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddRule, "id_generation_failed", err)
		return Rule{}, newStoreError(opAddRule, "id_generation_failed", err)
	}

	rule := Rule{
		RuleID:            ruleID,
		PatternType:       input.PatternType,
		Value:             value,
		CreatedBy:         input.CreatedBy,
		CreatedAtSeconds:  s.clock().UTC().Unix(),
		SourceFingerprint: input.SourceFingerprint,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&Rule{}).
			Where("pattern_type = ? AND value = ?", rule.PatternType, rule.Value).
			Count(&existing).Error
		if err != nil {
			s.logError(opAddRule, "duplicate_check_failed", err)
			return newStoreError(opAddRule, "duplicate_check_failed", unavailable(err))
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s %q", ErrDuplicateRule, rule.PatternType, rule.Value)
		}
		if err := tx.Create(&rule).Error; err != nil {
			// A concurrent add of the same pair can slip past the count
			// and land on the unique index instead.
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: %s %q", ErrDuplicateRule, rule.PatternType, rule.Value)
			}
			s.logError(opAddRule, "rule_insert_failed", err)
			return newStoreError(opAddRule, "rule_insert_failed", unavailable(err))
		}
		return nil
	})
	if txErr != nil {
		return Rule{}, txErr
	}

	s.logger.Info("allow rule added",
		zap.String("rule_id", rule.RuleID),
		zap.String("pattern_type", string(rule.PatternType)),
		zap.String("created_by", rule.CreatedBy))
	return rule, nil
}

// RemoveRule deletes the rule if it exists and reports whether anything
// was removed. Removal is idempotent: a missing rule is not an error.
func (s *Store) RemoveRule(ctx context.Context, ruleID string) (bool, error) {
	deletion := s.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Delete(&Rule{})
	if deletion.Error != nil {
		s.logError(opRemoveRule, "delete_failed", deletion.Error, zap.String("rule_id", ruleID))
		return false, newStoreError(opRemoveRule, "delete_failed", unavailable(deletion.Error))
	}
	return deletion.RowsAffected > 0, nil
}

// ListRules returns rules in insertion order for display and audit.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	if err := s.db.WithContext(ctx).Order("rule_id ASC").Find(&rules).Error; err != nil {
		s.logError(opListRules, "query_failed", err)
		return nil, newStoreError(opListRules, "query_failed", unavailable(err))
	}
	return rules, nil
}

// RulesSnapshot returns one consistent view of the rule set for a single
// decision pass. It is a single read, so a concurrent add or remove is
// either fully visible or not at all.
func (s *Store) RulesSnapshot(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	if err := s.db.WithContext(ctx).Find(&rules).Error; err != nil {
		s.logError(opSnapshot, "query_failed", err)
		return nil, newStoreError(opSnapshot, "query_failed", unavailable(err))
	}
	return rules, nil
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
	s.logger.Error("allowlist store error", attrs...)
}
