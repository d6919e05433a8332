package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/types"
)

type fakePublisher struct {
	exchange   string
	routingKey string
	data       interface{}
	persistent bool
	deadline   bool
	err        error
}

func (f *fakePublisher) PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error {
	f.exchange, f.routingKey, f.data, f.persistent = exchangeName, routingKey, data, persistent
	_, f.deadline = ctx.Deadline()
	return f.err
}

func TestComposedEventSink_Deliver(t *testing.T) {
	result := &types.PipelineResult{
		ResumeMarkdown: "# Resume",
		CoverageReport: types.CoverageReport{
			{Requirement: "Go", Present: true, EvidenceIDs: []string{"c1"}},
			{Requirement: "Kafka", Present: false},
		},
		Metadata: types.ResultMetadata{SessionID: "jd_1_abc", UserID: "u1", RawHash: "h", CoveragePercent: 0.5},
	}
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("使用默认交换机并发布持久化事件", func(t *testing.T) {
		pub := &fakePublisher{}
		sink := NewComposedEventSink(pub, nil)
		sink.now = func() time.Time { return fixed }

		require.NoError(t, sink.Deliver(context.Background(), result))
		assert.Equal(t, "rabbitmq_event", sink.Name())
		assert.Equal(t, "pipeline.events.exchange", pub.exchange)
		assert.Equal(t, "jd.resume.composed", pub.routingKey)
		assert.True(t, pub.persistent)
		assert.True(t, pub.deadline, "发布带超时")

		msg := pub.data.(ResumeComposedMessage)
		assert.Equal(t, "jd_1_abc", msg.SessionID)
		assert.Equal(t, []string{"Kafka"}, msg.MissingRequirements)
		assert.Equal(t, "resumes/u1/jd_1_abc.md", msg.ArchiveObject)
		assert.Equal(t, fixed, msg.ComposedAt)
	})

	t.Run("配置覆盖交换机与路由键", func(t *testing.T) {
		pub := &fakePublisher{}
		sink := NewComposedEventSink(pub, &config.RabbitMQConfig{
			PipelineExchange: "custom.exchange", ComposedRoutingKey: "custom.key", PublishTimeout: "1s",
		})
		require.NoError(t, sink.Deliver(context.Background(), result))
		assert.Equal(t, "custom.exchange", pub.exchange)
		assert.Equal(t, "custom.key", pub.routingKey)
		assert.Equal(t, time.Second, sink.timeout)
	})

	t.Run("发布失败返回错误", func(t *testing.T) {
		sink := NewComposedEventSink(&fakePublisher{err: errors.New("channel closed")}, nil)
		err := sink.Deliver(context.Background(), result)
		assert.ErrorContains(t, err, "channel closed")
	})
}

func TestNewRabbitMQ_InvalidConfig(t *testing.T) {
	_, err := NewRabbitMQ(nil)
	assert.Error(t, err)
	_, err = NewRabbitMQ(&config.RabbitMQConfig{})
	assert.Error(t, err)
}
