// Package mirror forwards appended audit entries to a Kafka topic for SIEM
// ingestion. The chain store stays the source of truth; mirroring is
// best-effort and a produce failure never affects the logging path.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"chainlog/internal/audit"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Mirror publishes entries to one topic, keyed by tenant so a tenant's
// entries stay ordered within a partition.
type Mirror struct {
	client producer
	topic  string
	closer func()
}

// New connects to the brokers and ensures the topic exists. Topic creation
// is idempotent; an already-exists response is not an error.
func New(ctx context.Context, brokers []string, topic string, logger *slog.Logger) (*Mirror, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProduceRequestTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure mirror topic: %w", err)
	}
	for _, res := range resp {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			client.Close()
			return nil, fmt.Errorf("ensure mirror topic %s: %w", res.Topic, res.Err)
		}
	}

	logger.Info("audit mirror connected", "topic", topic, "brokers", brokers)
	return &Mirror{client: client, topic: topic, closer: client.Close}, nil
}

// Publish produces one entry synchronously. Callers treat failures as
// best-effort; the entry is already durable in the chain store.
func (m *Mirror) Publish(ctx context.Context, entry *audit.Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry for mirror: %w", err)
	}
	record := &kgo.Record{
		Topic: m.topic,
		Key:   []byte(entry.TenantID),
		Value: value,
	}
	if err := m.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", m.topic, err)
	}
	return nil
}

// Close flushes and shuts down the underlying client.
func (m *Mirror) Close() {
	if m.closer != nil {
		m.closer()
	}
}
