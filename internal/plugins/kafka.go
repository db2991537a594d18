package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/loom-io/loom/internal/audit"
	"github.com/loom-io/loom/internal/plugin"
)

// Compile-time interface assertions.
var (
	_ plugin.Source = (*KafkaSource)(nil)
	_ plugin.Sink   = (*KafkaSink)(nil)
)

const (
	defaultKafkaReadTimeout = 10 * time.Second

	// Synchronous writes below the batch size wait out the batch
	// timeout, so keep it short.
	kafkaBatchTimeout = 10 * time.Millisecond

	kafkaMaxFetchBytes = 10 << 20
)

// KafkaSource reads a bounded slice of a topic. A run consumes messages
// until max_messages is reached or the topic stays idle past
// read_timeout; the runtime processes a finite set of rows per run, so
// the source must end and open streaming is out of scope.
//
// Message values must be JSON objects. Values that fail to parse are
// emitted as invalid rows carrying partition and offset, so the runtime
// can quarantine them without stopping consumption.
//
// Config options:
//
//	brokers:          broker addresses, list or comma-separated (required)
//	topic:            topic to consume (required)
//	group_id:         consumer group id; offsets are committed so the
//	                  next run resumes where this one stopped
//	partition:        explicit partition for group-less reads (default 0,
//	                  not combinable with group_id)
//	max_messages:     stop after this many messages (default 0, idle
//	                  timeout only)
//	read_timeout:     idle time treated as end of stream (default 10s)
//	include_metadata: add _kafka_partition, _kafka_offset and _kafka_key
//	                  to each row (default false)
type KafkaSource struct {
	nodeID      string
	brokers     []string
	topic       string
	groupID     string
	partition   int
	maxMessages int
	readTimeout time.Duration
	includeMeta bool

	iter *kafkaRowIter
}

// NewKafkaSource builds a kafka source from its node config.
func NewKafkaSource(nodeID string, config map[string]any) (*KafkaSource, error) {
	brokers, err := stringListOption(config, "brokers")
	if err != nil {
		return nil, fmt.Errorf("kafka source %s: %w", nodeID, err)
	}

	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka source %s: option %q is required", nodeID, "brokers")
	}

	topic, err := requiredStringOption(config, "topic")
	if err != nil {
		return nil, fmt.Errorf("kafka source %s: %w", nodeID, err)
	}

	groupID, err := stringOption(config, "group_id", "")
	if err != nil {
		return nil, fmt.Errorf("kafka source %s: %w", nodeID, err)
	}

	partition, err := intOption(config, "partition", 0)
	if err != nil {
		return nil, fmt.Errorf("kafka source %s: %w", nodeID, err)
	}

	if _, explicit := config["partition"]; explicit && groupID != "" {
		return nil, fmt.Errorf("kafka source %s: option %q cannot be combined with %q", nodeID, "partition", "group_id")
	}

	maxMessages, err := intOption(config, "max_messages", 0)
	if err != nil {
		return nil, fmt.Errorf("kafka source %s: %w", nodeID, err)
	}

	if maxMessages < 0 {
		return nil, fmt.Errorf("kafka source %s: option %q must not be negative", nodeID, "max_messages")
	}

	readTimeout, err := durationOption(config, "read_timeout", defaultKafkaReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("kafka source %s: %w", nodeID, err)
	}

	if readTimeout <= 0 {
		return nil, fmt.Errorf("kafka source %s: option %q must be positive", nodeID, "read_timeout")
	}

	includeMeta, err := boolOption(config, "include_metadata", false)
	if err != nil {
		return nil, fmt.Errorf("kafka source %s: %w", nodeID, err)
	}

	return &KafkaSource{
		nodeID:      nodeID,
		brokers:     brokers,
		topic:       topic,
		groupID:     groupID,
		partition:   partition,
		maxMessages: maxMessages,
		readTimeout: readTimeout,
		includeMeta: includeMeta,
	}, nil
}

// Info implements plugin.Source.
func (s *KafkaSource) Info() plugin.SourceInfo {
	return plugin.SourceInfo{Name: "kafka", NodeID: s.nodeID, Version: builtinVersion}
}

// OnStart implements plugin.Source.
func (s *KafkaSource) OnStart(_ context.Context, _ *plugin.Context) error { return nil }

// Load connects the reader and returns the bounded message iterator. The
// iterator owns the reader.
func (s *KafkaSource) Load(_ context.Context, _ *plugin.Context) (plugin.RowIter, error) {
	cfg := kafka.ReaderConfig{
		Brokers:  s.brokers,
		Topic:    s.topic,
		MinBytes: 1,
		MaxBytes: kafkaMaxFetchBytes,
		MaxWait:  250 * time.Millisecond,
	}

	if s.groupID != "" {
		cfg.GroupID = s.groupID
		cfg.StartOffset = kafka.FirstOffset
	} else {
		cfg.Partition = s.partition
	}

	s.iter = &kafkaRowIter{
		nodeID:      s.nodeID,
		topic:       s.topic,
		reader:      kafka.NewReader(cfg),
		maxMessages: s.maxMessages,
		readTimeout: s.readTimeout,
		includeMeta: s.includeMeta,
	}

	return s.iter, nil
}

// OnComplete implements plugin.Source.
func (s *KafkaSource) OnComplete(_ context.Context, _ *plugin.Context) error { return nil }

// Close releases the reader if the iterator was not closed.
func (s *KafkaSource) Close() error {
	if s.iter == nil {
		return nil
	}

	return s.iter.Close()
}

type kafkaRowIter struct {
	nodeID      string
	topic       string
	reader      *kafka.Reader
	maxMessages int
	readTimeout time.Duration
	includeMeta bool

	consumed int
	closed   bool
}

func (it *kafkaRowIter) Next(ctx context.Context) (plugin.SourceRow, bool, error) {
	if it.maxMessages > 0 && it.consumed >= it.maxMessages {
		return plugin.SourceRow{}, false, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, it.readTimeout)
	msg, err := it.reader.ReadMessage(readCtx)

	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return plugin.SourceRow{}, false, ctx.Err()
		}

		// The idle timeout is the end-of-stream signal for a bounded
		// read, not a failure.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
			return plugin.SourceRow{}, false, nil
		}

		return plugin.SourceRow{}, false, fmt.Errorf("kafka source %s: failed to read from topic %s: %w", it.nodeID, it.topic, err)
	}

	it.consumed++

	var value any
	if err := json.Unmarshal(msg.Value, &value); err != nil {
		return plugin.InvalidRow(map[string]any{
			"error":     fmt.Sprintf("json parse error at offset %d: %v", msg.Offset, err),
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}), true, nil
	}

	row, ok := value.(map[string]any)
	if !ok {
		return plugin.InvalidRow(map[string]any{
			"error":     fmt.Sprintf("message at offset %d is not a json object", msg.Offset),
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}), true, nil
	}

	if it.includeMeta {
		row["_kafka_partition"] = msg.Partition
		row["_kafka_offset"] = msg.Offset

		if len(msg.Key) > 0 {
			row["_kafka_key"] = string(msg.Key)
		}
	}

	return plugin.ValidRow(row), true, nil
}

func (it *kafkaRowIter) Close() error {
	if it.closed {
		return nil
	}

	it.closed = true

	if err := it.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}

	return nil
}

// KafkaSink publishes each row as one JSON message. Writes are
// synchronous with full acks, so once Write returns the broker owns the
// data and Flush has nothing left to do.
//
// Config options:
//
//	brokers:   broker addresses, list or comma-separated (required)
//	topic:     topic to publish to (required)
//	key_field: row field whose value becomes the message key, keeping
//	           rows with equal keys on one partition
type KafkaSink struct {
	nodeID   string
	topic    string
	keyField string

	writer *kafka.Writer
	bytes  int64
	digest hash.Hash
}

// NewKafkaSink builds a kafka sink from its node config.
func NewKafkaSink(nodeID string, config map[string]any) (*KafkaSink, error) {
	brokers, err := stringListOption(config, "brokers")
	if err != nil {
		return nil, fmt.Errorf("kafka sink %s: %w", nodeID, err)
	}

	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink %s: option %q is required", nodeID, "brokers")
	}

	topic, err := requiredStringOption(config, "topic")
	if err != nil {
		return nil, fmt.Errorf("kafka sink %s: %w", nodeID, err)
	}

	keyField, err := stringOption(config, "key_field", "")
	if err != nil {
		return nil, fmt.Errorf("kafka sink %s: %w", nodeID, err)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           kafkaBatchTimeout,
		AllowAutoTopicCreation: true,
	}

	return &KafkaSink{
		nodeID:   nodeID,
		topic:    topic,
		keyField: keyField,
		writer:   writer,
		digest:   sha256.New(),
	}, nil
}

// Info implements plugin.Sink. Replaying a write publishes the messages
// again, so the sink is not idempotent.
func (s *KafkaSink) Info() plugin.SinkInfo {
	return plugin.SinkInfo{Name: "kafka", NodeID: s.nodeID, Version: builtinVersion, Idempotent: false}
}

// OnStart implements plugin.Sink.
func (s *KafkaSink) OnStart(_ context.Context, _ *plugin.Context) error { return nil }

// Write publishes the rows and describes everything published so far.
// The content hash chains all message values in publish order.
func (s *KafkaSink) Write(ctx context.Context, rows []map[string]any, _ *plugin.Context) (*plugin.ArtifactDescriptor, error) {
	msgs := make([]kafka.Message, len(rows))

	for i, row := range rows {
		value, err := audit.CanonicalJSON(row)
		if err != nil {
			return nil, fmt.Errorf("kafka sink %s: %w", s.nodeID, err)
		}

		msg := kafka.Message{Value: value}

		if s.keyField != "" {
			key, err := fieldString(row[s.keyField])
			if err != nil {
				return nil, fmt.Errorf("kafka sink %s: key field %q: %w", s.nodeID, s.keyField, err)
			}

			if key != "" {
				msg.Key = []byte(key)
			}
		}

		msgs[i] = msg
	}

	if len(msgs) > 0 {
		if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
			return nil, fmt.Errorf("kafka sink %s: failed to publish to topic %s: %w", s.nodeID, s.topic, err)
		}

		for _, msg := range msgs {
			s.bytes += int64(len(msg.Value))
			_, _ = s.digest.Write(msg.Value)
		}
	}

	return &plugin.ArtifactDescriptor{
		PathOrURI:   "kafka://" + s.topic,
		SizeBytes:   s.bytes,
		ContentHash: hex.EncodeToString(s.digest.Sum(nil)),
		Type:        "topic",
	}, nil
}

// Flush implements plugin.Sink. Writes are acked at publish time.
func (s *KafkaSink) Flush(_ context.Context) error { return nil }

// OnComplete implements plugin.Sink.
func (s *KafkaSink) OnComplete(_ context.Context, _ *plugin.Context) error { return nil }

// Close releases the writer's connections.
func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("kafka sink %s: failed to close writer: %w", s.nodeID, err)
	}

	return nil
}
