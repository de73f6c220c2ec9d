package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// setupTestDB connects to the database named by TEST_DATABASE_URL (or the
// PG* variables) and wipes quarry test rows before and after the test.
// Tests calling it skip when no database is reachable.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := getTestDatabaseURL()
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		t.Skipf("test database not reachable, skipping integration tests: %v", err)
	}

	cleanupTestData(t, pool)

	t.Cleanup(func() {
		cleanupTestData(t, pool)
		pool.Close()
	})

	return pool
}

func getTestDatabaseURL() string {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgUser := os.Getenv("PGUSER")
	pgDatabase := os.Getenv("PGDATABASE")

	if pgHost == "" {
		pgHost = "localhost"
	}
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgUser == "" {
		pgUser = "postgres"
	}
	if pgDatabase == "" {
		pgDatabase = "quarry_test"
	}

	// A PGHOST starting with / is a Unix socket directory
	if len(pgHost) > 0 && pgHost[0] == '/' {
		return fmt.Sprintf("postgres://%s@:%s/%s?host=%s&sslmode=disable",
			pgUser, pgPort, pgDatabase, pgHost)
	}

	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable",
		pgUser, pgHost, pgPort, pgDatabase)
}

// cleanupTestData deletes rows created by integration tests. Test principals
// are recognizable by their subject prefix; cascades remove the rest.
func cleanupTestData(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	_, err := pool.Exec(context.Background(),
		`DELETE FROM quarry_principals WHERE subject LIKE 'test-%'`)
	if err != nil {
		t.Logf("cleanup warning: %v", err)
	}
}

// createTestPrincipal inserts a principal for integration tests and returns it.
func createTestPrincipal(t *testing.T, pool *pgxpool.Pool, subject string) int64 {
	t.Helper()

	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO quarry_principals (subject, email, display_name, role)
		 VALUES ($1, $1 || '@example.com', $1, 'user')
		 ON CONFLICT (subject) DO UPDATE SET updated_at = NOW()
		 RETURNING id`, subject).Scan(&id)
	if err != nil {
		t.Fatalf("createTestPrincipal failed: %v", err)
	}
	return id
}
