package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loom-io/loom/internal/plugin"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// drainSource runs a source through its full lifecycle and collects every
// emitted row, valid and invalid.
func drainSource(t *testing.T, src plugin.Source) []plugin.SourceRow {
	t.Helper()

	ctx := context.Background()
	pc := plugin.NewContext("test-run")

	require.NoError(t, src.OnStart(ctx, pc))

	iter, err := src.Load(ctx, pc)
	require.NoError(t, err)

	var rows []plugin.SourceRow

	for {
		row, ok, err := iter.Next(ctx)
		require.NoError(t, err)

		if !ok {
			break
		}

		rows = append(rows, row)
	}

	require.NoError(t, iter.Close())
	require.NoError(t, src.OnComplete(ctx, pc))
	require.NoError(t, src.Close())

	return rows
}
