// Package outbox 把发件箱表中的生成事件发布到消息队列
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/storage/models"
	"resume-agent-go/internal/tracing"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultBatchSize       = 10
	maxRetryCount          = 5
)

// Publisher 发布原始消息体
type Publisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

// MessageRelay 轮询 outbox_messages 并发布待发送消息
type MessageRelay struct {
	db              *gorm.DB
	publisher       Publisher
	logger          zerolog.Logger
	pollingInterval time.Duration
	batchSize       int
	now             func() time.Time
	tracer          trace.Tracer

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option MessageRelay 选项
type Option func(*MessageRelay)

// WithPollingInterval 设置轮询间隔
func WithPollingInterval(d time.Duration) Option {
	return func(r *MessageRelay) {
		if d > 0 {
			r.pollingInterval = d
		}
	}
}

// WithBatchSize 设置单批处理数量
func WithBatchSize(n int) Option {
	return func(r *MessageRelay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRelayLogger 设置日志
func WithRelayLogger(l zerolog.Logger) Option {
	return func(r *MessageRelay) { r.logger = l }
}

// NewMessageRelay 创建中继
func NewMessageRelay(db *gorm.DB, publisher Publisher, opts ...Option) *MessageRelay {
	r := &MessageRelay{
		db:              db,
		publisher:       publisher,
		logger:          logger.Component("outbox"),
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		now:             time.Now,
		tracer:          otel.Tracer("resume-agent-go/outbox"),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start 启动后台轮询，ctx 取消或 Stop 后退出
func (r *MessageRelay) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.pollingInterval).Msg("发件箱中继启动")
	ticker := time.NewTicker(r.pollingInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-ticker.C:
				if _, err := r.ProcessPending(ctx); err != nil {
					r.logger.Error().Err(err).Msg("处理发件箱消息失败")
				}
			}
		}
	}()
}

// Stop 停止轮询并等待当前批次结束
func (r *MessageRelay) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	r.logger.Info().Msg("发件箱中继已停止")
}

// ProcessPending 锁定并发布一批待发送消息，返回成功发布的数量
func (r *MessageRelay) ProcessPending(ctx context.Context) (int, error) {
	var messages []models.OutboxMessage

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, fmt.Errorf("开启事务失败: %w", tx.Error)
	}
	defer tx.Rollback()

	// SKIP LOCKED 让多实例并行拉取互不重叠的批次
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.OutboxStatusPending).
		Order("created_at asc").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		return 0, fmt.Errorf("查询待发送消息失败: %w", err)
	}
	if len(messages) == 0 {
		return 0, tx.Commit().Error
	}

	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(messages))),
	)
	defer span.End()

	sent := 0
	for _, msg := range messages {
		updates := map[string]interface{}{}
		if pubErr := r.publisher.PublishMessage(ctx, msg.TargetExchange, msg.TargetRoutingKey, []byte(msg.Payload), true); pubErr != nil {
			retries := msg.RetryCount + 1
			status := models.OutboxStatusPending
			if retries >= maxRetryCount {
				status = models.OutboxStatusFailed
			}
			r.logger.Warn().Err(pubErr).
				Uint64("id", msg.ID).
				Str("session_id", msg.AggregateID).
				Int("retry", retries).
				Msg("发布发件箱消息失败")
			updates["retry_count"] = retries
			updates["status"] = status
			updates["error_message"] = tracing.TruncateString(pubErr.Error(), 1000)
		} else {
			sent++
			updates["status"] = models.OutboxStatusSent
			updates["processed_at"] = r.now()
			updates["error_message"] = ""
		}

		// 状态更新失败时整批回滚，下次轮询重新拾取
		if err := tx.Model(&models.OutboxMessage{}).Where("id = ?", msg.ID).Updates(updates).Error; err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			return 0, fmt.Errorf("更新发件箱消息 %d 失败: %w", msg.ID, err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return 0, fmt.Errorf("提交发件箱事务失败: %w", err)
	}
	span.SetAttributes(attribute.Int("messaging.batch.sent_count", sent))
	if sent > 0 {
		r.logger.Debug().Int("sent", sent).Int("fetched", len(messages)).Msg("发件箱批次处理完成")
	}
	return sent, nil
}
