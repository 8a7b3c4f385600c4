package statebus

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  KafkaConfig
		want string
	}{
		{name: "no brokers", cfg: KafkaConfig{Brokers: []string{" "}, Topic: "t", GroupID: "g"}, want: "brokers"},
		{name: "no topic", cfg: KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g"}, want: "topic"},
		{name: "no group", cfg: KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "t"}, want: "group"},
		{name: "bad offset", cfg: KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "t", GroupID: "g", StartOffset: "middle"}, want: "KAFKA_START_OFFSET"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewKafkaConsumer(tc.cfg); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestStartOffset(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]int64{"": kafka.LastOffset, "latest": kafka.LastOffset, " Earliest ": kafka.FirstOffset} {
		got, err := KafkaConfig{StartOffset: in}.startOffset()
		if err != nil || got != want {
			t.Fatalf("startOffset(%q) = %d, %v", in, got, err)
		}
	}
}

func TestNewKafkaConsumerBuildsReader(t *testing.T) {
	t.Parallel()

	consumer, err := NewKafkaConsumer(KafkaConfig{
		Brokers:     []string{" ", "127.0.0.1:9092"},
		Topic:       "reportgate.state",
		GroupID:     "g1",
		StartOffset: "earliest",
	})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaConsumerNilGuards(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); !errors.Is(err, errConsumerClosed) {
		t.Fatalf("expected errConsumerClosed, got %v", err)
	}
	if err := (&KafkaConsumer{}).Commit(context.Background(), Message{}); !errors.Is(err, errConsumerClosed) {
		t.Fatalf("expected errConsumerClosed, got %v", err)
	}
}

type fakeKafkaReader struct {
	msg       kafka.Message
	err       error
	committed []kafka.Message
}

func (f *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConsumerFetchThenCommit(t *testing.T) {
	t.Parallel()

	failing := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("fetch failed")}}
	if _, err := failing.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}

	reader := &fakeKafkaReader{msg: kafka.Message{
		Topic:     "reportgate.state",
		Partition: 2,
		Offset:    41,
		Key:       []byte("report_1"),
		Value:     []byte(`{"op":"remove","key":"report_1"}`),
	}}
	consumer := &KafkaConsumer{reader: reader}
	msg, err := consumer.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Key) != "report_1" || msg.Partition != 2 || msg.Offset != 41 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(reader.committed) != 0 {
		t.Fatal("fetch must not commit")
	}
	if err := consumer.Commit(context.Background(), msg); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(reader.committed) != 1 || reader.committed[0].Offset != 41 || reader.committed[0].Topic != "reportgate.state" {
		t.Fatalf("unexpected commits %+v", reader.committed)
	}
}
