package suppression

import (
	"context"
	"errors"
	"fmt"

	"github.com/quellhq/noticequell/internal/allowlist"
	"github.com/quellhq/noticequell/internal/notices"
	"github.com/quellhq/noticequell/internal/visibility"
	"go.uber.org/zap"
)

var (
	errMissingLogStore       = errors.New("notice log store is required")
	errMissingAllowlistStore = errors.New("allowlist store is required")
	errMissingVisibility     = errors.New("visibility store is required")
	noOpLogger               = zap.NewNop()
)

// Decision is the terminal outcome for one captured notice.
type Decision string

const (
	// DecisionKeep shows the notice to the requesting user.
	DecisionKeep Decision = "keep"
	// DecisionSuppress withholds the notice.
	DecisionSuppress Decision = "suppress"
)

// Capture is what the notice-capture collaborator hands over, once per
// rendered notice, before it reaches the end user.
type Capture struct {
	RawContent string
	SourceHint string
	UserID     string
}

// Settings carries the host configuration for one evaluation. Values are
// passed per call rather than held process-wide, so the engine stays
// testable without environment setup.
type Settings struct {
	// Enabled is the host-wide suppression switch.
	Enabled bool
	// UserDefault is the per-user participation default applied when a
	// user never toggled their visibility state.
	UserDefault bool
	// LogCapacity bounds the notice log; least-recently-seen entries are
	// evicted once the bound is exceeded. Values below 1 disable eviction.
	LogCapacity int
}

// Outcome reports the decision plus the logged record, if any. Notice is
// nil exactly when the content could not be fingerprinted.
type Outcome struct {
	Decision Decision
	Notice   *notices.Notice
}

// EngineConfig describes the orchestrator's dependencies.
type EngineConfig struct {
	Log        *notices.LogStore
	Rules      *allowlist.Store
	Visibility *visibility.Store
	Logger     *zap.Logger
}

// Engine runs the capture pipeline: fingerprint, log, evaluate the
// allowlist under the per-user and global toggles, decide.
type Engine struct {
	log        *notices.LogStore
	rules      *allowlist.Store
	visibility *visibility.Store
	logger     *zap.Logger
}

// NewEngine constructs the suppression orchestrator.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errMissingLogStore
	}
	if cfg.Rules == nil {
		return nil, errMissingAllowlistStore
	}
	if cfg.Visibility == nil {
		return nil, errMissingVisibility
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{
		log:        cfg.Log,
		rules:      cfg.Rules,
		visibility: cfg.Visibility,
		logger:     logger,
	}, nil
}

// Evaluate decides keep or suppress for one captured notice.
//
// Content that cannot be fingerprinted is kept and logged nowhere: the
// engine never suppresses something it cannot identify. Every other
// capture is logged unconditionally so operators can audit what was
// hidden. The global switch and the user's own visibility state are
// consulted before the allowlist; either opt-out is terminal. Otherwise a
// single rules snapshot decides the pass, and the cached suppressed flag
// on the log entry is refreshed for reporting.
func (e *Engine) Evaluate(ctx context.Context, capture Capture, settings Settings) (Outcome, error) {
	notice, err := e.log.Record(ctx, capture.RawContent, capture.SourceHint)
	if errors.Is(err, notices.ErrInvalidNotice) {
		e.logger.Debug("unfingerprintable notice kept",
			zap.String("source_hint", capture.SourceHint))
		return Outcome{Decision: DecisionKeep}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	decision, err := e.evaluateLogged(ctx, &notice, capture.UserID, settings)
	if err != nil {
		return Outcome{}, err
	}

	fingerprint := notices.Fingerprint(notice.Fingerprint)
	suppressed := decision == DecisionSuppress
	if notice.Suppressed != suppressed {
		if err := e.log.MarkDecision(ctx, fingerprint, suppressed); err != nil {
			return Outcome{}, err
		}
		notice.Suppressed = suppressed
	}

	if settings.LogCapacity > 0 {
		if _, err := e.log.EvictIfOverCapacity(ctx, settings.LogCapacity); err != nil {
			return Outcome{}, err
		}
	}

	e.logger.Debug("notice evaluated",
		zap.String("fingerprint", notice.Fingerprint),
		zap.String("decision", string(decision)),
		zap.Int64("occurrence_count", notice.OccurrenceCount))
	return Outcome{Decision: decision, Notice: &notice}, nil
}

func (e *Engine) evaluateLogged(ctx context.Context, notice *notices.Notice, userID string, settings Settings) (Decision, error) {
	if !settings.Enabled {
		return DecisionKeep, nil
	}

	if userID != "" {
		enabled, err := e.visibility.Enabled(ctx, userID, settings.UserDefault)
		if err != nil {
			return "", fmt.Errorf("resolve user visibility: %w", err)
		}
		if !enabled {
			return DecisionKeep, nil
		}
	} else if !settings.UserDefault {
		return DecisionKeep, nil
	}

	rules, err := e.rules.RulesSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("load allowlist snapshot: %w", err)
	}
	if allowlist.MatchesAny(notice.NormalizedContent, rules) {
		return DecisionSuppress, nil
	}
	return DecisionKeep, nil
}
