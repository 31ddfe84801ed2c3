package store

import (
	"context"

	"github.com/axmq/ax/topic"
)

// RetainedRecord is the durable representation of a retained message,
// serialized by whichever Store[T] backend (memory, Pebble, Redis) is
// configured.
type RetainedRecord struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// PersistentRetainedStore adapts a generic Store[RetainedRecord] into
// topic.RetainedStore. The in-memory TopicTrie remains the source of truth
// for live matching; topic.Index writes retained messages through to this
// store. Nothing in the broker reads them back at startup, so a restarted
// broker begins with an empty retained set in its trie.
type PersistentRetainedStore struct {
	backend Store[RetainedRecord]
	matcher *topic.TopicMatcher
}

// NewPersistentRetainedStore wraps backend as a topic.RetainedStore.
func NewPersistentRetainedStore(backend Store[RetainedRecord]) *PersistentRetainedStore {
	return &PersistentRetainedStore{
		backend: backend,
		matcher: topic.NewTopicMatcher(),
	}
}

func (p *PersistentRetainedStore) Store(ctx context.Context, topicName string, payload []byte, qos byte) error {
	return p.backend.Save(ctx, topicName, RetainedRecord{Topic: topicName, Payload: payload, QoS: qos})
}

func (p *PersistentRetainedStore) Delete(ctx context.Context, topicName string) error {
	err := p.backend.Delete(ctx, topicName)
	if err == ErrNotFound {
		return nil
	}
	return err
}

func (p *PersistentRetainedStore) FindExact(ctx context.Context, topicName string) (*topic.RetainedMessage, error) {
	rec, err := p.backend.Load(ctx, topicName)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &topic.RetainedMessage{Topic: rec.Topic, Payload: rec.Payload, QoS: rec.QoS}, nil
}

// FindMatching walks every stored retained topic and applies the standard
// wildcard matching rule, loading each match from the backend; it is a
// full scan, not a lookup for the hot publish path.
func (p *PersistentRetainedStore) FindMatching(ctx context.Context, filter string) ([]topic.RetainedMessage, error) {
	keys, err := p.backend.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []topic.RetainedMessage
	for _, key := range keys {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !p.matcher.Match(filter, key) {
			continue
		}
		rec, err := p.backend.Load(ctx, key)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, topic.RetainedMessage{Topic: rec.Topic, Payload: rec.Payload, QoS: rec.QoS})
	}
	return out, nil
}
