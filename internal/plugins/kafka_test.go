package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKafkaSource_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr string
	}{
		{
			name:    "missing brokers",
			config:  map[string]any{"topic": "rows"},
			wantErr: `option "brokers" is required`,
		},
		{
			name:    "missing topic",
			config:  map[string]any{"brokers": "localhost:9092"},
			wantErr: `option "topic" is required`,
		},
		{
			name: "partition combined with group",
			config: map[string]any{
				"brokers":   "localhost:9092",
				"topic":     "rows",
				"group_id":  "g1",
				"partition": 2,
			},
			wantErr: `option "partition" cannot be combined with "group_id"`,
		},
		{
			name: "negative max_messages",
			config: map[string]any{
				"brokers":      "localhost:9092",
				"topic":        "rows",
				"max_messages": -5,
			},
			wantErr: `option "max_messages" must not be negative`,
		},
		{
			name: "zero read_timeout",
			config: map[string]any{
				"brokers":      "localhost:9092",
				"topic":        "rows",
				"read_timeout": "0s",
			},
			wantErr: `option "read_timeout" must be positive`,
		},
		{
			name: "bad read_timeout",
			config: map[string]any{
				"brokers":      "localhost:9092",
				"topic":        "rows",
				"read_timeout": "soon",
			},
			wantErr: `option "read_timeout" is not a valid duration`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKafkaSource("ingest", tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewKafkaSource_BrokerForms(t *testing.T) {
	// Comma-separated and list forms name the same brokers.
	fromString, err := NewKafkaSource("ingest", map[string]any{
		"brokers": "b1:9092, b2:9092",
		"topic":   "rows",
	})
	require.NoError(t, err)

	fromList, err := NewKafkaSource("ingest", map[string]any{
		"brokers": []any{"b1:9092", "b2:9092"},
		"topic":   "rows",
	})
	require.NoError(t, err)

	assert.Equal(t, fromList.brokers, fromString.brokers)
}

func TestNewKafkaSink_ConfigErrors(t *testing.T) {
	_, err := NewKafkaSink("publish", map[string]any{"topic": "rows"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `option "brokers" is required`)

	_, err = NewKafkaSink("publish", map[string]any{"brokers": []any{"localhost:9092"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `option "topic" is required`)
}
