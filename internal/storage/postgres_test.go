// Copyright 2025 James Ross
package storage

import (
	"context"
	_ "embed"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

//go:embed schema_postgres.sql
var postgresSchema string

// TestPostgresStorageConformance runs the same conformance suite against
// a real Postgres instance. Set BATCHERD_TEST_POSTGRES_DSN to enable it;
// it's skipped by default since it needs a live server.
func TestPostgresStorageConformance(t *testing.T) {
	dsn := os.Getenv("BATCHERD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set BATCHERD_TEST_POSTGRES_DSN to run the Postgres conformance suite")
	}

	conformanceSuite(t, func(t *testing.T) Storage {
		t.Helper()
		s, err := OpenPostgres(dsn, 16)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		_, err = s.db.ExecContext(context.Background(), postgresSchema)
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = s.db.ExecContext(context.Background(), `TRUNCATE requests, request_templates, batches, files CASCADE`)
		})
		return s
	})
}
