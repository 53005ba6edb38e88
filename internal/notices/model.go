package notices

// SourceHintUnknown is recorded when the capture hook could not attribute
// the notice to an originating component.
const SourceHintUnknown = "unknown"

const maxSourceHintLength = 190

// Notice models one observed administrative status message. Records are
// keyed by fingerprint and mutated in place on every recurrence; they are
// only ever removed by capacity eviction, never individually.
type Notice struct {
	Fingerprint       string `gorm:"column:fingerprint;primaryKey;size:16;not null"`
	RawContent        string `gorm:"column:raw_content;type:text;not null"`
	NormalizedContent string `gorm:"column:normalized_content;type:text;not null"`
	SourceHint        string `gorm:"column:source_hint;size:190;not null;default:''"`
	FirstSeenSeconds  int64  `gorm:"column:first_seen_s;not null"`
	LastSeenSeconds   int64  `gorm:"column:last_seen_s;not null;index:idx_notices_last_seen"`
	OccurrenceCount   int64  `gorm:"column:occurrence_count;not null;default:1"`
	Suppressed        bool   `gorm:"column:suppressed;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Notice) TableName() string {
	return "notices"
}
