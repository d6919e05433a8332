package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/types"
)

// JSONPublisher 发布 JSON 消息
type JSONPublisher interface {
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error
}

// RabbitMQ 流水线事件发布
type RabbitMQ struct {
	conn         *amqp.Connection
	channelPool  sync.Pool
	exchangeMu   sync.Mutex
	exchangeMap  map[string]bool
	publishMutex sync.Mutex
	cfg          *config.RabbitMQConfig
	logger       zerolog.Logger
}

// NewRabbitMQ 建立连接并声明流水线事件交换机
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器: %w", err)
	}

	mq := &RabbitMQ{
		conn:        conn,
		exchangeMap: make(map[string]bool),
		cfg:         cfg,
		logger:      logger.Component("rabbitmq"),
	}
	mq.channelPool = sync.Pool{
		New: func() interface{} {
			ch, errPool := conn.Channel()
			if errPool != nil {
				mq.logger.Error().Err(errPool).Msg("创建RabbitMQ通道失败")
				return nil
			}
			return ch
		},
	}

	if cfg.PipelineExchange != "" {
		if err := mq.EnsureExchange(cfg.PipelineExchange, amqp.ExchangeTopic, true); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	mq.logger.Info().Str("exchange", cfg.PipelineExchange).Msg("成功连接到RabbitMQ服务器")
	return mq, nil
}

func (r *RabbitMQ) getChannel() *amqp.Channel {
	ch := r.channelPool.Get()
	if ch == nil {
		newCh, err := r.conn.Channel()
		if err != nil {
			r.logger.Error().Err(err).Msg("创建新RabbitMQ通道失败")
			return nil
		}
		return newCh
	}
	return ch.(*amqp.Channel)
}

func (r *RabbitMQ) putChannel(ch *amqp.Channel) {
	if ch != nil && !ch.IsClosed() {
		r.channelPool.Put(ch)
	}
}

// Close 关闭连接
func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}

// Ping 连接未关闭即视为可用
func (r *RabbitMQ) Ping(_ context.Context) error {
	if r.conn == nil || r.conn.IsClosed() {
		return fmt.Errorf("RabbitMQ连接已关闭")
	}
	return nil
}

// EnsureExchange 确保exchange存在
func (r *RabbitMQ) EnsureExchange(exchangeName, exchangeType string, durable bool) error {
	if exchangeName == "" {
		return fmt.Errorf("exchange名称不能为空")
	}
	if exchangeName == "amq.default" || exchangeName == "default" {
		return fmt.Errorf("不能声明默认交换机 '%s'", exchangeName)
	}

	r.exchangeMu.Lock()
	defer r.exchangeMu.Unlock()
	if r.exchangeMap[exchangeName] {
		return nil
	}

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	if err := ch.ExchangeDeclare(exchangeName, exchangeType, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("声明exchange失败: %w", err)
	}
	r.exchangeMap[exchangeName] = true
	return nil
}

// PublishMessage 发布消息到exchange
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, amqp.Publishing{
		DeliveryMode: deliveryMode,
		ContentType:  "application/json",
		Body:         message,
		Timestamp:    time.Now(),
	})
}

// PublishJSON 发布JSON格式的消息
func (r *RabbitMQ) PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("JSON序列化失败: %w", err)
	}
	return r.PublishMessage(ctx, exchangeName, routingKey, jsonData, persistent)
}

// ComposedEventSink 简历生成完成后发布事件
type ComposedEventSink struct {
	publisher  JSONPublisher
	exchange   string
	routingKey string
	timeout    time.Duration
	now        func() time.Time
}

// composedEventTarget 生成完成事件的交换机、路由键与发布超时，未配置项取默认值
func composedEventTarget(cfg *config.RabbitMQConfig) (exchange, routingKey string, timeout time.Duration) {
	exchange, routingKey, timeout = "pipeline.events.exchange", "jd.resume.composed", 5*time.Second
	if cfg == nil {
		return
	}
	if cfg.PipelineExchange != "" {
		exchange = cfg.PipelineExchange
	}
	if cfg.ComposedRoutingKey != "" {
		routingKey = cfg.ComposedRoutingKey
	}
	if d, err := time.ParseDuration(cfg.PublishTimeout); err == nil && d > 0 {
		timeout = d
	}
	return
}

// NewComposedEventSink 创建事件投递，未配置时使用默认交换机和路由键
func NewComposedEventSink(publisher JSONPublisher, cfg *config.RabbitMQConfig) *ComposedEventSink {
	exchange, routingKey, timeout := composedEventTarget(cfg)
	return &ComposedEventSink{
		publisher:  publisher,
		exchange:   exchange,
		routingKey: routingKey,
		timeout:    timeout,
		now:        time.Now,
	}
}

// Name 投递名称
func (s *ComposedEventSink) Name() string { return "rabbitmq_event" }

// Deliver 发布持久化的生成完成事件
func (s *ComposedEventSink) Deliver(ctx context.Context, result *types.PipelineResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := NewResumeComposedMessage(result, s.now())
	if err := s.publisher.PublishJSON(ctx, s.exchange, s.routingKey, msg, true); err != nil {
		return fmt.Errorf("发布生成事件失败: %w", err)
	}
	return nil
}

var (
	_ JSONPublisher        = (*RabbitMQ)(nil)
	_ processor.Pinger     = (*RabbitMQ)(nil)
	_ processor.ResultSink = (*ComposedEventSink)(nil)
)
