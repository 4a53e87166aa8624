// Package storetest opens throwaway job stores for tests.
package storetest

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"analysis-engine/internal/store"
)

// PostgresEnv names the variable holding the DSN of a Postgres server that
// integration tests may create schemas in.
const PostgresEnv = "TEST_POSTGRES_DSN"

// New returns a migrated store backed by a file in t.TempDir().
func New(t testing.TB) *store.Store {
	t.Helper()

	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db")
	st, err := store.OpenSQLite(ctx, dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(st.Close)

	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return st
}

// NewPostgres returns a migrated store in a fresh schema of the server named
// by TEST_POSTGRES_DSN, and skips the test when the variable is not set. The
// schema is dropped when the test ends.
func NewPostgres(t testing.TB) *store.Store {
	t.Helper()

	dsn := os.Getenv(PostgresEnv)
	if dsn == "" {
		t.Skipf("%s not set - skipping postgres integration test", PostgresEnv)
	}
	ctx := context.Background()
	schema := "storetest_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer admin.Close(ctx)
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		conn, err := pgx.Connect(context.Background(), dsn)
		if err != nil {
			t.Logf("drop schema %s: %v", schema, err)
			return
		}
		defer conn.Close(context.Background())
		if _, err := conn.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})

	st, err := store.OpenPostgres(ctx, withSearchPath(dsn, schema))
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(st.Close)

	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return st
}

// ForEachDialect runs fn as a subtest against a SQLite store and, when
// TEST_POSTGRES_DSN is set, a Postgres store.
func ForEachDialect(t *testing.T, fn func(t *testing.T, st *store.Store)) {
	t.Helper()
	t.Run(store.DriverSQLite, func(t *testing.T) { fn(t, New(t)) })
	t.Run(store.DriverPostgres, func(t *testing.T) { fn(t, NewPostgres(t)) })
}

func withSearchPath(dsn, schema string) string {
	if u, err := url.Parse(dsn); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn + " search_path=" + schema
}
