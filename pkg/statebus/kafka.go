package statebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

var errConsumerClosed = errors.New("kafka consumer not initialized")

// KafkaConfig selects the topic carrying store writes. StartOffset applies
// only to a group with no committed offset.
type KafkaConfig struct {
	Enabled     bool     `env:"KAFKA_ENABLED"`
	Brokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic       string   `env:"KAFKA_TOPIC_STATE" envDefault:"reportgate.state"`
	GroupID     string   `env:"KAFKA_GROUP_ID" envDefault:"reportgate"`
	StartOffset string   `env:"KAFKA_START_OFFSET" envDefault:"latest"`
	MaxWaitMS   int      `env:"KAFKA_MAX_WAIT_MS" envDefault:"500"`
}

func (c KafkaConfig) startOffset() (int64, error) {
	switch strings.ToLower(strings.TrimSpace(c.StartOffset)) {
	case "", "latest":
		return kafka.LastOffset, nil
	case "earliest":
		return kafka.FirstOffset, nil
	default:
		return 0, fmt.Errorf("unsupported KAFKA_START_OFFSET %q", c.StartOffset)
	}
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads store writes from a consumer group. Offsets are
// committed explicitly once a message has been applied, so a crash between
// fetch and apply replays the write.
type KafkaConsumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("kafka brokers required")
	case strings.TrimSpace(cfg.Topic) == "":
		return nil, fmt.Errorf("kafka topic required")
	case strings.TrimSpace(cfg.GroupID) == "":
		return nil, fmt.Errorf("kafka group id required")
	}
	offset, err := cfg.startOffset()
	if err != nil {
		return nil, err
	}
	maxWait := 500 * time.Millisecond
	if cfg.MaxWaitMS > 0 {
		maxWait = time.Duration(cfg.MaxWaitMS) * time.Millisecond
	}
	return &KafkaConsumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: offset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     maxWait,
	})}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, errConsumerClosed
	}
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Key:       msg.Key,
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		raw:       msg,
	}, nil
}

// Commit marks msg as consumed for the group.
func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	if c == nil || c.reader == nil {
		return errConsumerClosed
	}
	return c.reader.CommitMessages(ctx, msg.raw)
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
