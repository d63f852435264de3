// Package eventbus publishes engine outcomes (rule executions, resumed
// continuations, redistributions) on a watermill topic.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"leadflow/internal/config"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	MetadataKind   = "kind"
	MetadataTenant = "tenant_id"

	defaultTopic = "leadflow.outcomes"
)

// Envelope is the JSON payload of every outcome message.
type Envelope struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	TenantID   uint        `json:"tenant_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// Publisher implements services.OutcomePublisher on top of watermill.
// A Publisher without a backend discards messages.
type Publisher struct {
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	logger *logrus.Logger
	now    func() time.Time
}

// New builds the publisher selected by cfg.Provider (none, gochannel, kafka).
func New(cfg config.EventBusConfig, logger *logrus.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	wl := NewLoggerAdapter(logger)

	switch cfg.Provider {
	case "", "none":
		return NewWithPublisher(nil, cfg.Topic, logger), nil
	case "gochannel":
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 1000,
			Persistent:          false,
		}, wl)
		p := NewWithPublisher(ch, cfg.Topic, logger)
		p.sub = ch
		return p, nil
	case "kafka":
		if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
			return nil, errors.New("eventbus: kafka provider requires at least one broker")
		}
		saramaCfg := sarama.NewConfig()
		saramaCfg.ClientID = "leadflow"
		saramaCfg.Producer.Return.Successes = true
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaCfg,
			OTELEnabled:           true,
		}, wl)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		return NewWithPublisher(pub, cfg.Topic, logger), nil
	default:
		return nil, fmt.Errorf("eventbus: unknown provider %q", cfg.Provider)
	}
}

// NewWithPublisher wraps an existing watermill publisher.
func NewWithPublisher(pub message.Publisher, topic string, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	if topic == "" {
		topic = defaultTopic
	}
	return &Publisher{pub: pub, topic: topic, logger: logger, now: time.Now}
}

// Topic returns the topic outcomes are published on.
func (p *Publisher) Topic() string { return p.topic }

// Publish sends one outcome. Delivery failures are returned to the caller,
// which logs them; the engine state is already committed at this point.
func (p *Publisher) Publish(ctx context.Context, kind string, tenantID uint, payload interface{}) error {
	if p.pub == nil {
		return nil
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		TenantID:   tenantID,
		OccurredAt: p.now().UTC(),
		Data:       payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode outcome %s: %w", kind, err)
	}
	msg := message.NewMessage(env.ID, body)
	msg.Metadata.Set(MetadataKind, kind)
	msg.Metadata.Set(MetadataTenant, strconv.FormatUint(uint64(tenantID), 10))
	msg.SetContext(ctx)

	if err := p.pub.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish outcome %s: %w", kind, err)
	}
	p.logger.WithFields(logrus.Fields{"kind": kind, "tenant_id": tenantID, "message_id": env.ID}).Debug("outcome published")
	return nil
}

// Subscribe reads the outcome topic; only the in-process provider supports it.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if p.sub == nil {
		return nil, errors.New("eventbus: provider does not support in-process subscription")
	}
	return p.sub.Subscribe(ctx, p.topic)
}

func (p *Publisher) Close() error {
	if p.pub == nil {
		return nil
	}
	return p.pub.Close()
}

// DecodeEnvelope parses an outcome message payload.
func DecodeEnvelope(msg *message.Message) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode outcome: %w", err)
	}
	return &env, nil
}

var _ watermill.LoggerAdapter = (*logrusAdapter)(nil)
