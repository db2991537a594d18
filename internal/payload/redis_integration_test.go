package payload

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// startRedis boots a Redis container for the test and returns its host:port
// address.
func startRedis(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to resolve redis address: %v", err)
	}

	return strings.TrimPrefix(uri, "redis://")
}

func TestRedisStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	addr := startRedis(ctx, t)

	store, err := NewRedisStore(ctx, addr, "", 0, 0)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Put(ctx, testHash, []byte(`{"id":1}`)))

	data, err := store.Get(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":1}`), data)

	ok, err := store.Exists(ctx, testHash)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Get(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	require.ErrorIs(t, err, ErrPayloadNotFound)

	require.ErrorIs(t, store.Put(ctx, "", []byte("x")), ErrEmptyHash)
}

func TestRedisStore_TTLExpiresPayloads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	addr := startRedis(ctx, t)

	store, err := NewRedisStore(ctx, addr, "", 0, 500*time.Millisecond)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Put(ctx, testHash, []byte("ephemeral")))

	require.Eventually(t, func() bool {
		ok, eerr := store.Exists(ctx, testHash)

		return eerr == nil && !ok
	}, 5*time.Second, 100*time.Millisecond, "payload should expire after its TTL")
}

func TestNewRedisStore_UnreachableServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, "127.0.0.1:1", "", 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
