package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"reportgate/pkg/models"
	"reportgate/pkg/onyx"

	"github.com/rs/zerolog"
)

func TestDecodeUpdate(t *testing.T) {
	t.Parallel()

	u, err := DecodeUpdate([]byte(` {"op":" merge ","key":"report_1","value":{"reportName":"x"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Op != OpMerge || u.Key != "report_1" || string(u.Value) != `{"reportName":"x"}` {
		t.Fatalf("unexpected update %+v", u)
	}
	if _, err := DecodeUpdate([]byte(`{"op":"set"}`)); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := DecodeUpdate([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := onyx.New()
	steps := []Update{
		{Op: OpSet, Key: "report_1", Value: json.RawMessage(`{"reportID":"1","reportName":"a"}`)},
		{Op: OpMerge, Key: "report_1", Value: json.RawMessage(`{"reportName":"b"}`)},
		{Op: OpMergeCollection, Key: models.CollectionPolicy, Value: json.RawMessage(`{"A":{"id":"A"},"B":{"id":"B"}}`)},
		{Op: OpRemove, Key: "policy_B"},
	}
	for _, u := range steps {
		if err := Apply(ctx, s, u); err != nil {
			t.Fatalf("apply %s %s: %v", u.Op, u.Key, err)
		}
	}
	var report models.Report
	if err := json.Unmarshal(s.Get("report_1").Value, &report); err != nil || report.ReportName != "b" {
		t.Fatalf("unexpected report %+v (%v)", report, err)
	}
	if !s.Get("policy_A").Resolved || !s.Get("policy_B").Empty() {
		t.Fatal("unexpected policy collection state")
	}

	if err := Apply(ctx, s, Update{Op: "upsert", Key: "report_1"}); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
	if err := Apply(ctx, s, Update{Op: OpMergeCollection, Key: models.CollectionPolicy, Value: json.RawMessage(`[1]`)}); err == nil {
		t.Fatal("expected collection decode error")
	}
	if err := Apply(ctx, s, Update{Op: OpSet, Key: models.CollectionReport, Value: json.RawMessage(`{}`)}); !errors.Is(err, onyx.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

type fakeConsumer struct {
	mu   sync.Mutex
	msgs []Message
	errs []error
}

func (f *fakeConsumer) ReadMessage(ctx context.Context) (Message, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return Message{}, err
	}
	if len(f.msgs) > 0 {
		msg := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (f *fakeConsumer) Close() error { return nil }

func TestRunAppliesAndSkipsBadMessages(t *testing.T) {
	t.Parallel()

	s := onyx.New()
	consumer := &fakeConsumer{
		errs: []error{errors.New("broker unavailable")},
		msgs: []Message{
			{Value: []byte(`garbage`)},
			{Value: []byte(`{"op":"nope","key":"report_1"}`)},
			{Key: []byte("report_1"), Value: []byte(`{"op":"set","key":"report_1","value":{"reportID":"1"}}`)},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu      sync.Mutex
		applied []error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, consumer, s, zerolog.Nop(), time.Millisecond, func(u Update, err error) {
			mu.Lock()
			defer mu.Unlock()
			applied = append(applied, err)
			if len(applied) == 2 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Run did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 2 || applied[0] == nil || applied[1] != nil {
		t.Fatalf("expected unknown-op failure then success, got %v", applied)
	}
	if !s.Get("report_1").Resolved {
		t.Fatal("set message not applied")
	}
}

type committingConsumer struct {
	*fakeConsumer
	commitErr error
	committed []int64
}

func (c *committingConsumer) Commit(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, msg.Offset)
	return c.commitErr
}

func TestRunCommitsHandledMessages(t *testing.T) {
	t.Parallel()

	consumer := &committingConsumer{
		fakeConsumer: &fakeConsumer{msgs: []Message{
			{Offset: 7, Value: []byte(`garbage`)},
			{Offset: 8, Value: []byte(`{"op":"set","key":"betas","value":["all"]}`)},
		}},
		commitErr: errors.New("rebalance in progress"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, consumer, onyx.New(), zerolog.Nop(), time.Millisecond, func(Update, error) { cancel() })
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Run did not stop")
	}

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if len(consumer.committed) != 2 || consumer.committed[0] != 7 || consumer.committed[1] != 8 {
		t.Fatalf("expected both offsets committed in order, got %v", consumer.committed)
	}
}
