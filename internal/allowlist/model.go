package allowlist

import (
	"errors"
	"fmt"
	"strings"
)

// PatternType enumerates the supported allow-rule shapes.
type PatternType string

const (
	// PatternTypeExact matches normalized content by string equality.
	PatternTypeExact PatternType = "exact"
	// PatternTypeWildcard matches with '*' as a zero-or-more wildcard.
	PatternTypeWildcard PatternType = "wildcard"
)

var (
	// ErrInvalidPattern indicates an empty or malformed rule value, or an
	// unknown pattern type.
	ErrInvalidPattern = errors.New("allowlist: invalid pattern")
	// ErrDuplicateRule indicates that an identical (pattern_type, value)
	// pair already exists.
	ErrDuplicateRule = errors.New("allowlist: duplicate rule")
)

// ParsePatternType validates raw input against the known pattern types.
func ParsePatternType(rawInput string) (PatternType, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(PatternTypeExact):
		return PatternTypeExact, nil
	case string(PatternTypeWildcard):
		return PatternTypeWildcard, nil
	default:
		return "", fmt.Errorf("%w: unknown pattern type %q", ErrInvalidPattern, rawInput)
	}
}

// Rule models one suppression exemption. Rule identifiers are UUIDv7, so
// ascending id order is insertion order; display ordering relies on that.
type Rule struct {
	RuleID            string      `gorm:"column:rule_id;primaryKey;size:190;not null"`
	PatternType       PatternType `gorm:"column:pattern_type;size:16;not null;uniqueIndex:idx_rules_type_value,priority:1"`
	Value             string      `gorm:"column:value;size:512;not null;uniqueIndex:idx_rules_type_value,priority:2"`
	CreatedBy         string      `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds  int64       `gorm:"column:created_at_s;not null"`
	SourceFingerprint string      `gorm:"column:source_fingerprint;size:16;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Rule) TableName() string {
	return "allow_rules"
}
