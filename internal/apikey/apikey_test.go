package apikey

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&APIKey{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCreateAndLookup(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	plain, rec, err := svc.Create(ctx, 7, "ci key", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(plain, "sk_") {
		t.Fatalf("plaintext %q missing prefix", plain)
	}
	if rec.Digest != Digest(plain) {
		t.Fatalf("stored digest does not match plaintext")
	}
	if !strings.HasPrefix(plain, strings.TrimSuffix(rec.Hint, "...")) {
		t.Fatalf("hint %q is not a prefix of the key", rec.Hint)
	}

	uid, err := svc.Lookup(ctx, plain)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if uid != 7 {
		t.Fatalf("uid = %d", uid)
	}

	if _, err := svc.Lookup(ctx, "sk_nonsense"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("unknown key: %v", err)
	}
}

func TestLookup_RejectsExpired(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	plain, _, err := svc.Create(ctx, 7, "stale", &past)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Lookup(ctx, plain); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expired key accepted: %v", err)
	}
}

func TestRevoke(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	plain, rec, err := svc.Create(ctx, 7, "to revoke", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// another user cannot revoke it, and is not told it exists
	ok, err := svc.Revoke(ctx, 8, rec.Digest)
	if err != nil || ok {
		t.Fatalf("cross-user revoke: ok=%v err=%v", ok, err)
	}

	ok, err = svc.Revoke(ctx, 7, rec.Digest)
	if err != nil || !ok {
		t.Fatalf("revoke: ok=%v err=%v", ok, err)
	}
	if _, err := svc.Lookup(ctx, plain); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("revoked key accepted: %v", err)
	}

	keys, err := svc.List(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].IsActive {
		t.Fatalf("list after revoke: %+v", keys)
	}
}
