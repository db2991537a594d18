package audit

import (
	"context"
	"testing"

	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loom-io/loom/internal/config"
)

// setupTestDatabase starts a migrated Postgres container and wraps its
// connection for the stores under test. Callers close the connection and
// terminate the container when done.
func setupTestDatabase(ctx context.Context, t *testing.T) (*pgcontainer.PostgresContainer, *Connection) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	return testDB.Container, &Connection{db: testDB.Connection}
}
