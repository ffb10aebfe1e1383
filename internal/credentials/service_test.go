package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"bracket-core/pkg/crypto"
	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"
)

func newService(t *testing.T) (*Service, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key := make([]byte, crypto.KeySize)
	sealer, err := crypto.NewTokenSealer(map[int][]byte{1: key})
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	system := common.Credentials{UserID: 9999, ClientID: "SYS", AccessToken: "sys-token"}
	return NewService(database.Credentials(), sealer, system, time.Minute), database
}

func TestPutAndGet(t *testing.T) {
	svc, database := newService(t)
	ctx := context.Background()

	if _, err := svc.Get(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := svc.Put(ctx, 7, "C7", "token-7"); err != nil {
		t.Fatalf("put: %v", err)
	}

	creds, err := svc.Get(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if creds.ClientID != "C7" || creds.AccessToken != "token-7" || creds.System {
		t.Fatalf("creds = %+v", creds)
	}

	// token is not stored in clear
	row, _ := database.Credentials().Get(ctx, 7)
	if row.AccessTokenEncrypted == "token-7" || crypto.Version(row.AccessTokenEncrypted) != 1 {
		t.Fatalf("stored token = %q", row.AccessTokenEncrypted)
	}
}

func TestPutInvalidatesCache(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_ = svc.Put(ctx, 7, "C7", "old")
	if c, _ := svc.Get(ctx, 7); c.AccessToken != "old" {
		t.Fatalf("token = %q", c.AccessToken)
	}
	_ = svc.Put(ctx, 7, "C7", "new")
	if c, _ := svc.Get(ctx, 7); c.AccessToken != "new" {
		t.Fatalf("token after rotation = %q", c.AccessToken)
	}
}

func TestSystemIdentity(t *testing.T) {
	svc, _ := newService(t)
	sys := svc.System()
	if !sys.System || sys.Identity() != "system" {
		t.Fatalf("system = %+v", sys)
	}
	got, err := svc.Get(context.Background(), 9999)
	if err != nil || got.AccessToken != "sys-token" {
		t.Fatalf("get system = %+v, %v", got, err)
	}
}

func TestPutValidates(t *testing.T) {
	svc, _ := newService(t)
	if err := svc.Put(context.Background(), 7, "", "tok"); err == nil {
		t.Fatal("expected error for empty client id")
	}
}
