package pgstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"auditaai.io/ledger/store"
	"auditaai.io/ledger/store/storetest"
)

const dsnEnv = "LEDGER_TEST_PG_DSN"

// newIsolated returns a store bound to a fresh schema that is dropped on cleanup.
func newIsolated(t *testing.T) store.Store {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	ctx := context.Background()
	schemaName := "ledger_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName)); err != nil {
		_ = admin.Close(ctx)
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schemaName
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		_, _ = admin.Exec(ctx, fmt.Sprintf("DROP SCHEMA %s CASCADE", schemaName))
		_ = admin.Close(ctx)
	})
	return s
}

func TestPGStore_Conformance(t *testing.T) {
	storetest.RunConformance(t, newIsolated)
}

func TestPGStore_MigrateIsIdempotent(t *testing.T) {
	s := newIsolated(t).(*Store)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestDecodeMap_PreservesIntegers(t *testing.T) {
	m, err := decodeMap(`{"big":9007199254740993,"nested":{"x":[1,2]}}`)
	if err != nil {
		t.Fatalf("decodeMap: %v", err)
	}
	if got := fmt.Sprint(m["big"]); got != "9007199254740993" {
		t.Fatalf("big = %s", got)
	}
	enc, err := encodeMap(m)
	if err != nil {
		t.Fatalf("encodeMap: %v", err)
	}
	if !strings.Contains(enc, "9007199254740993") {
		t.Fatalf("re-encoded lost precision: %s", enc)
	}
}

func TestDecodeMap_Null(t *testing.T) {
	for _, in := range []string{"", "null"} {
		m, err := decodeMap(in)
		if err != nil || m != nil {
			t.Fatalf("decodeMap(%q) = %v, %v", in, m, err)
		}
	}
	if s, _ := encodeMap(nil); s != "null" {
		t.Fatalf("encodeMap(nil) = %q", s)
	}
}
