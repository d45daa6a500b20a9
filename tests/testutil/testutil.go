package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// SQLiteURL returns a connect URL for a fresh SQLite database that is removed
// together with the test's temp dir.
func SQLiteURL(t testing.TB) string {
	t.Helper()
	return "sqlite:" + filepath.Join(t.TempDir(), "checkmaster.db")
}

// PostgresContainer wraps a Postgres connection string for testing
type PostgresContainer struct {
	connString string
}

// ConnectionString returns the Postgres connection string
func (p *PostgresContainer) ConnectionString() string {
	return p.connString
}

// Close is a no-op for Postgres (connection pooling handled by db package)
func (p *PostgresContainer) Close() {}

// StartPostgres creates a Postgres connection for integration tests.
// Uses POSTGRES_* env vars (set by CI), defaults to localhost.
func StartPostgres(t *testing.T) *PostgresContainer {
	t.Helper()

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	db := os.Getenv("POSTGRES_DB")
	if db == "" {
		db = "checkmaster_test"
	}
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}
	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "postgres"
	}

	connString := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, db)

	return &PostgresContainer{connString: connString}
}
