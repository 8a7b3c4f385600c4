package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reportgate/pkg/onyx"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64

	raw kafka.Message
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// Committer is implemented by consumers that acknowledge messages
// explicitly.
type Committer interface {
	Commit(ctx context.Context, msg Message) error
}

// Store write operations carried on the bus.
const (
	OpSet             = "set"
	OpMerge           = "merge"
	OpRemove          = "remove"
	OpMergeCollection = "mergeCollection"
)

var ErrUnknownOp = errors.New("unknown state op")

// Update is one store write. For mergeCollection, Key is the collection
// prefix and Value is an object of member ID to patch.
type Update struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func DecodeUpdate(raw []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	u.Op = strings.TrimSpace(u.Op)
	u.Key = strings.TrimSpace(u.Key)
	if u.Key == "" {
		return Update{}, fmt.Errorf("update key required")
	}
	return u, nil
}

// Apply performs the update against the store.
func Apply(ctx context.Context, st *onyx.Store, u Update) error {
	switch u.Op {
	case OpSet:
		return st.Set(ctx, u.Key, u.Value)
	case OpMerge:
		return st.Merge(ctx, u.Key, u.Value)
	case OpRemove:
		return st.Remove(ctx, u.Key)
	case OpMergeCollection:
		var members map[string]json.RawMessage
		if err := json.Unmarshal(u.Value, &members); err != nil {
			return fmt.Errorf("decode collection %s: %w", u.Key, err)
		}
		return st.MergeCollection(ctx, u.Key, members)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, u.Op)
	}
}

// Run applies bus messages until ctx is done. Bad messages are logged and
// skipped; read errors back off for retryDelay. When c is a Committer every
// message is committed after it was handled, including skipped ones.
func Run(ctx context.Context, c Consumer, st *onyx.Store, log zerolog.Logger, retryDelay time.Duration, onApplied func(Update, error)) {
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("state bus read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		u, err := DecodeUpdate(msg.Value)
		if err != nil {
			log.Warn().Err(err).Bytes("kafka_key", msg.Key).Int64("offset", msg.Offset).Msg("state bus decode error")
			commit(ctx, c, msg, log)
			continue
		}
		err = Apply(ctx, st, u)
		if err != nil {
			log.Warn().Err(err).Str("op", u.Op).Str("key", u.Key).Int64("offset", msg.Offset).Msg("state bus apply error")
		}
		if onApplied != nil {
			onApplied(u, err)
		}
		commit(ctx, c, msg, log)
	}
}

func commit(ctx context.Context, c Consumer, msg Message, log zerolog.Logger) {
	cm, ok := c.(Committer)
	if !ok {
		return
	}
	if err := cm.Commit(ctx, msg); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("state bus commit error")
	}
}
