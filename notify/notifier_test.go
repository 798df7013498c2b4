package notify

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"arcaded/models"
	"arcaded/storage"
)

func setupStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.New(db)
}

func TestLowTimeWarningDedupedWithinWindow(t *testing.T) {
	store := setupStore(t)
	var sent int
	sender := SenderFunc(func(ctx context.Context, wallet, topic, message string) error {
		sent++
		return nil
	})
	n := New(store, sender, time.Hour, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := n.LowTimeWarning(ctx, "0xaaa", 90); err != nil {
			t.Fatalf("warning %d: %v", i, err)
		}
	}
	if sent != 1 {
		t.Fatalf("expected one delivery inside the window, got %d", sent)
	}
}

func TestLowTimeWarningResendsAfterWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := setupStore(t).WithNow(func() time.Time { return now })
	var sent int
	sender := SenderFunc(func(ctx context.Context, wallet, topic, message string) error {
		sent++
		return nil
	})
	n := New(store, sender, time.Hour, nil)
	ctx := context.Background()

	if err := n.LowTimeWarning(ctx, "0xaaa", 90); err != nil {
		t.Fatalf("first warning: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if err := n.LowTimeWarning(ctx, "0xaaa", 45); err != nil {
		t.Fatalf("second warning: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected redelivery past the window, got %d", sent)
	}
}

func TestLowTimeWarningPerWalletMarks(t *testing.T) {
	store := setupStore(t)
	var wallets []string
	sender := SenderFunc(func(ctx context.Context, wallet, topic, message string) error {
		wallets = append(wallets, wallet)
		return nil
	})
	n := New(store, sender, time.Hour, nil)
	ctx := context.Background()

	if err := n.LowTimeWarning(ctx, "0xaaa", 90); err != nil {
		t.Fatalf("wallet a: %v", err)
	}
	if err := n.LowTimeWarning(ctx, "0xbbb", 90); err != nil {
		t.Fatalf("wallet b: %v", err)
	}
	if len(wallets) != 2 {
		t.Fatalf("marks must be per wallet, got %v", wallets)
	}
}
