package notices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestLogStoreRecordsNewNotice(t *testing.T) {
	store, _ := newTestLogStore(t, time.Unix(1750000000, 0))

	notice, err := store.Record(context.Background(), "Plugin X updated.", "plugin-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notice.OccurrenceCount != 1 {
		t.Fatalf("expected occurrence count 1, got %d", notice.OccurrenceCount)
	}
	if notice.FirstSeenSeconds != 1750000000 || notice.LastSeenSeconds != 1750000000 {
		t.Fatalf("unexpected timestamps: %d / %d", notice.FirstSeenSeconds, notice.LastSeenSeconds)
	}
	if notice.NormalizedContent != "Plugin X updated." {
		t.Fatalf("unexpected normalized content %q", notice.NormalizedContent)
	}
	if notice.SourceHint != "plugin-x" {
		t.Fatalf("unexpected source hint %q", notice.SourceHint)
	}
}

func TestLogStoreMergesEquivalentContent(t *testing.T) {
	current := time.Unix(1750000000, 0)
	store, _ := newTestLogStore(t, current)

	first, err := store.Record(context.Background(), "Plugin X updated.", "plugin-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := store.Record(context.Background(), " Plugin   X updated. ", "plugin-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("expected shared fingerprint, got %s and %s", first.Fingerprint, second.Fingerprint)
	}
	if second.OccurrenceCount != 2 {
		t.Fatalf("expected occurrence count 2, got %d", second.OccurrenceCount)
	}
	if second.FirstSeenSeconds != first.FirstSeenSeconds {
		t.Fatalf("first seen must not move on recurrence")
	}
}

func TestLogStoreRefreshesNormalizedContentOnRecurrence(t *testing.T) {
	store, _ := newTestLogStore(t, time.Unix(1750000000, 0))

	first, err := store.Record(context.Background(), "plugin x updated.", "plugin-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := store.Record(context.Background(), "Plugin X updated.", "plugin-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("case variants must share a fingerprint, got %s and %s", first.Fingerprint, second.Fingerprint)
	}
	if second.NormalizedContent != "Plugin X updated." {
		t.Fatalf("normalized content must follow the latest capture, got %q", second.NormalizedContent)
	}
}

func TestLogStoreTruncatesSourceHintAtRuneBoundary(t *testing.T) {
	store, _ := newTestLogStore(t, time.Unix(1750000000, 0))

	// 70 three-byte runes: 210 bytes, and 190 falls mid-rune.
	hint := strings.Repeat("通", 70)
	notice, err := store.Record(context.Background(), "Plugin X updated.", hint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notice.SourceHint) > maxSourceHintLength {
		t.Fatalf("source hint exceeds the column bound: %d bytes", len(notice.SourceHint))
	}
	if !utf8.ValidString(notice.SourceHint) {
		t.Fatalf("truncated source hint is not valid UTF-8: %q", notice.SourceHint)
	}
	if !strings.HasPrefix(hint, notice.SourceHint) {
		t.Fatalf("truncation must keep a prefix of the original hint")
	}
}

func TestLogStoreDefaultsUnknownSourceHint(t *testing.T) {
	store, _ := newTestLogStore(t, time.Unix(1750000000, 0))

	notice, err := store.Record(context.Background(), "Orphan notice", "  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notice.SourceHint != SourceHintUnknown {
		t.Fatalf("expected %q source hint, got %q", SourceHintUnknown, notice.SourceHint)
	}
}

func TestLogStoreRejectsUnfingerprintableContent(t *testing.T) {
	store, db := newTestLogStore(t, time.Unix(1750000000, 0))

	_, err := store.Record(context.Background(), "<p>   </p>", "plugin-x")
	if !errors.Is(err, ErrInvalidNotice) {
		t.Fatalf("expected ErrInvalidNotice, got %v", err)
	}

	var count int64
	if err := db.Model(&Notice{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count notices: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected content must not be logged, found %d rows", count)
	}
}

func TestLogStoreListsMostRecentFirst(t *testing.T) {
	clockSeconds := int64(1750000000)
	store, _ := newTestLogStoreWithClock(t, func() time.Time {
		clockSeconds++
		return time.Unix(clockSeconds, 0)
	})

	contents := []string{"first notice", "second notice", "third notice"}
	for _, content := range contents {
		if _, err := store.Record(context.Background(), content, "test"); err != nil {
			t.Fatalf("unexpected record error: %v", err)
		}
	}

	entries, err := store.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].NormalizedContent != "third notice" {
		t.Fatalf("expected most recent first, got %q", entries[0].NormalizedContent)
	}
	if entries[2].NormalizedContent != "first notice" {
		t.Fatalf("expected oldest last, got %q", entries[2].NormalizedContent)
	}

	page, err := store.List(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(page) != 1 || page[0].NormalizedContent != "second notice" {
		t.Fatalf("unexpected page contents: %+v", page)
	}
}

func TestLogStoreEvictsLeastRecentlySeen(t *testing.T) {
	clockSeconds := int64(1750000000)
	store, _ := newTestLogStoreWithClock(t, func() time.Time {
		clockSeconds++
		return time.Unix(clockSeconds, 0)
	})

	for i := 0; i < 5; i++ {
		content := fmt.Sprintf("notice number %d", i)
		if _, err := store.Record(context.Background(), content, "test"); err != nil {
			t.Fatalf("unexpected record error: %v", err)
		}
	}

	// Touch the oldest entry so recency, not insertion order, decides.
	if _, err := store.Record(context.Background(), "notice number 0", "test"); err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}

	evicted, err := store.EvictIfOverCapacity(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected evict error: %v", err)
	}
	if evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}

	entries, err := store.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(entries))
	}
	retained := map[string]bool{}
	for _, entry := range entries {
		retained[entry.NormalizedContent] = true
	}
	for _, expected := range []string{"notice number 0", "notice number 3", "notice number 4"} {
		if !retained[expected] {
			t.Fatalf("expected %q to survive eviction, retained %v", expected, retained)
		}
	}

	again, err := store.EvictIfOverCapacity(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected evict error: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected no evictions under the bound, got %d", again)
	}
}

func TestLogStoreGetAndMarkDecision(t *testing.T) {
	store, _ := newTestLogStore(t, time.Unix(1750000000, 0))

	notice, err := store.Record(context.Background(), "Plugin X updated.", "plugin-x")
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}

	fingerprint := Fingerprint(notice.Fingerprint)
	if err := store.MarkDecision(context.Background(), fingerprint, true); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}

	stored, err := store.Get(context.Background(), fingerprint)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !stored.Suppressed {
		t.Fatalf("expected cached decision to be suppressed")
	}

	missing := mustFingerprintOf(t, "never recorded content")
	if _, err := store.Get(context.Background(), missing); !errors.Is(err, ErrNoticeNotFound) {
		t.Fatalf("expected ErrNoticeNotFound, got %v", err)
	}
}

func newTestLogStore(t *testing.T, at time.Time) (*LogStore, *gorm.DB) {
	t.Helper()
	return newTestLogStoreWithClock(t, func() time.Time { return at })
}

func newTestLogStoreWithClock(t *testing.T, clock func() time.Time) (*LogStore, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:noticequell_log_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Notice{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewLogStore(LogStoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct log store: %v", err)
	}
	return store, db
}
