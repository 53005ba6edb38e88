package visibility

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestStoreFallsBackToDefaultWhenUnset(t *testing.T) {
	store := newTestStore(t)

	enabled, err := store.Enabled(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !enabled {
		t.Fatalf("expected configured default true for untoggled user")
	}

	enabled, err = store.Enabled(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enabled {
		t.Fatalf("expected configured default false for untoggled user")
	}
}

func TestStoreSetStatePersistsToggle(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetState(context.Background(), "user-1", false); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	enabled, err := store.Enabled(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enabled {
		t.Fatalf("explicit opt-out must win over the default")
	}

	if err := store.SetState(context.Background(), "user-1", true); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	enabled, err = store.Enabled(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !enabled {
		t.Fatalf("explicit opt-in must win over the default")
	}
}

func TestStoreStatesAreIsolatedPerUser(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetState(context.Background(), "user-1", false); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	enabled, err := store.Enabled(context.Background(), "user-2", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !enabled {
		t.Fatalf("other users must keep the default")
	}
}

func TestStoreRejectsInvalidUserID(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Enabled(context.Background(), "   ", true); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if err := store.SetState(context.Background(), "", true); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:noticequell_visibility_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&State{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1750000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct visibility store: %v", err)
	}
	return store
}
