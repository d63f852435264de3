package eventbus

import (
	"context"
	"io"
	"testing"
	"time"

	"leadflow/internal/config"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPublisher_GoChannelRoundTrip(t *testing.T) {
	p, err := New(config.EventBusConfig{Provider: "gochannel", Topic: "test.outcomes"}, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := p.Subscribe(ctx)
	require.NoError(t, err)

	fixed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	require.NoError(t, p.Publish(ctx, "lead.redistributed", 7, map[string]interface{}{"lead_id": 3}))

	var msg *message.Message
	select {
	case msg = <-msgs:
	case <-ctx.Done():
		t.Fatal("no message received")
	}
	msg.Ack()

	assert.Equal(t, "lead.redistributed", msg.Metadata.Get(MetadataKind))
	assert.Equal(t, "7", msg.Metadata.Get(MetadataTenant))

	env, err := DecodeEnvelope(msg)
	require.NoError(t, err)
	assert.Equal(t, msg.UUID, env.ID)
	assert.Equal(t, uint(7), env.TenantID)
	assert.True(t, env.OccurredAt.Equal(fixed))
	assert.Equal(t, map[string]interface{}{"lead_id": float64(3)}, env.Data)
}

func TestPublisher_NoneDiscards(t *testing.T) {
	p, err := New(config.EventBusConfig{Provider: "none"}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, defaultTopic, p.Topic())
	assert.NoError(t, p.Publish(context.Background(), "automation.executed", 1, nil))
	_, err = p.Subscribe(context.Background())
	assert.Error(t, err)
	assert.NoError(t, p.Close())
}

func TestNew_RejectsBadProvider(t *testing.T) {
	_, err := New(config.EventBusConfig{Provider: "nats"}, quietLogger())
	assert.Error(t, err)

	_, err = New(config.EventBusConfig{Provider: "kafka"}, quietLogger())
	assert.ErrorContains(t, err, "broker")
}

type failingPublisher struct{ closed bool }

func (f *failingPublisher) Publish(string, ...*message.Message) error { return io.ErrClosedPipe }
func (f *failingPublisher) Close() error                            { f.closed = true; return nil }

func TestPublisher_WrapsBackendErrors(t *testing.T) {
	backend := &failingPublisher{}
	p := NewWithPublisher(backend, "", quietLogger())
	err := p.Publish(context.Background(), "automation.executed", 1, map[string]int{"n": 1})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	require.NoError(t, p.Close())
	assert.True(t, backend.closed)
}
