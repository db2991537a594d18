package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/plugin"
)

// startKafka boots a single-node broker for the test and returns its
// bootstrap addresses.
func startKafka(ctx context.Context, t *testing.T) []string {
	t.Helper()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("loom-test"))
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to resolve kafka brokers: %v", err)
	}

	return brokers
}

func TestKafkaSinkSourceRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	brokers := startKafka(ctx, t)
	pc := plugin.NewContext("test-run")

	sink, err := NewKafkaSink("publish", map[string]any{
		"brokers":   brokers,
		"topic":     "loom-rows",
		"key_field": "id",
	})
	require.NoError(t, err)

	rows := []map[string]any{
		{"id": 1, "name": "alpha"},
		{"id": 2, "name": "beta"},
		{"id": 3, "name": "gamma"},
	}

	desc, err := sink.Write(ctx, rows, pc)
	require.NoError(t, err)
	require.NoError(t, sink.Flush(ctx))
	require.NoError(t, sink.Close())

	var wantBytes int64

	for _, row := range rows {
		data, merr := audit.CanonicalJSON(row)
		require.NoError(t, merr)

		wantBytes += int64(len(data))
	}

	assert.Equal(t, "kafka://loom-rows", desc.PathOrURI)
	assert.Equal(t, "topic", desc.Type)
	assert.Equal(t, wantBytes, desc.SizeBytes)

	src, err := NewKafkaSource("ingest", map[string]any{
		"brokers":          brokers,
		"topic":            "loom-rows",
		"group_id":         "loom-it",
		"max_messages":     3,
		"read_timeout":     "30s",
		"include_metadata": true,
	})
	require.NoError(t, err)

	got := drainSource(t, src)
	require.Len(t, got, 3)

	// One partition, so publish order is read order.
	for i, row := range got {
		require.True(t, row.Valid())
		assert.Equal(t, float64(i+1), row.Data["id"])
		assert.Equal(t, rows[i]["name"], row.Data["name"])
		assert.Contains(t, row.Data, "_kafka_offset")
		assert.Contains(t, row.Data, "_kafka_partition")
	}
}

func TestKafkaSource_QuarantinesUnparseableMessages(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	brokers := startKafka(ctx, t)

	raw := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  "loom-bad",
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	require.NoError(t, raw.WriteMessages(ctx,
		kafka.Message{Value: []byte("not json")},
		kafka.Message{Value: []byte(`{"id": 1}`)},
	))
	require.NoError(t, raw.Close())

	src, err := NewKafkaSource("ingest", map[string]any{
		"brokers":      brokers,
		"topic":        "loom-bad",
		"max_messages": 2,
		"read_timeout": "30s",
	})
	require.NoError(t, err)

	got := drainSource(t, src)
	require.Len(t, got, 2)

	require.False(t, got[0].Valid())
	assert.Contains(t, got[0].Reason["error"], "json parse error at offset 0")
	assert.Equal(t, int64(0), got[0].Reason["offset"])

	require.True(t, got[1].Valid())
	assert.Equal(t, float64(1), got[1].Data["id"])
}
