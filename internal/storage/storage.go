package storage

import (
	"context"
	"fmt"
	"strings"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/processor"
)

// Storage 聚合流水线用到的存储依赖，未配置的组件为 nil
type Storage struct {
	// 向量数据库
	Qdrant *Qdrant

	// 关系型数据库，配置后承担关键词检索和生成历史
	MySQL *MySQL

	// 未配置 MySQL 时的内存关键词索引
	BM25 *BM25Index

	// 产物缓存
	Redis *Redis

	// 简历归档
	MinIO *MinIO

	// 事件发布
	RabbitMQ *RabbitMQ

	rabbitCfg *config.RabbitMQConfig
}

// NewStorage 按配置初始化各组件，可选组件失败只记录告警，向量库失败直接返回错误
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	log := logger.Component("storage")
	s := &Storage{rabbitCfg: &cfg.RabbitMQ}
	var initErrors []string
	var err error

	s.Qdrant, err = NewQdrant(&cfg.Qdrant)
	if err != nil {
		return nil, fmt.Errorf("初始化Qdrant失败: %w", err)
	}

	if cfg.MySQL.Host != "" {
		s.MySQL, err = NewMySQL(&cfg.MySQL)
		if err != nil {
			log.Warn().Err(err).Msg("初始化MySQL失败, 关键词检索改用内存索引")
			initErrors = append(initErrors, fmt.Sprintf("MySQL: %v", err))
		}
	}
	if s.MySQL == nil {
		s.BM25 = NewBM25Index()
	}

	if cfg.Cache.Backend == "redis" {
		s.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("初始化Redis失败")
			initErrors = append(initErrors, fmt.Sprintf("Redis: %v", err))
		}
	}

	if cfg.MinIO.Endpoint != "" {
		s.MinIO, err = NewMinIO(ctx, &cfg.MinIO)
		if err != nil {
			log.Warn().Err(err).Msg("初始化MinIO失败")
			initErrors = append(initErrors, fmt.Sprintf("MinIO: %v", err))
		}
	}

	if cfg.RabbitMQ.URL != "" {
		s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
		if err != nil {
			log.Warn().Err(err).Msg("初始化RabbitMQ失败")
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ: %v", err))
		}
	}

	if len(initErrors) > 0 {
		log.Warn().Msgf("以下存储组件初始化失败: %s", strings.Join(initErrors, "; "))
	}
	return s, nil
}

// Lexical 关键词检索后端
func (s *Storage) Lexical() processor.LexicalSearcher {
	if s.MySQL != nil {
		return s.MySQL
	}
	if s.BM25 == nil {
		s.BM25 = NewBM25Index()
	}
	return s.BM25
}

// Cache 返回 Redis 缓存，未配置时返回 nil
func (s *Storage) Cache() processor.Cache {
	if s.Redis == nil {
		return nil
	}
	return s.Redis
}

// OutboxEnabled MySQL 与 RabbitMQ 都可用时，生成事件经发件箱投递
func (s *Storage) OutboxEnabled() bool {
	return s.MySQL != nil && s.RabbitMQ != nil
}

// Sinks 已初始化的结果投递
func (s *Storage) Sinks() []processor.ResultSink {
	var sinks []processor.ResultSink
	if s.MySQL != nil {
		var opts []HistoryOption
		if s.OutboxEnabled() {
			opts = append(opts, WithOutboxEvent(s.rabbitCfg))
		}
		sinks = append(sinks, NewHistorySink(s.MySQL, opts...))
	}
	if s.MinIO != nil {
		sinks = append(sinks, s.MinIO)
	}
	if s.RabbitMQ != nil && !s.OutboxEnabled() {
		sinks = append(sinks, NewComposedEventSink(s.RabbitMQ, s.rabbitCfg))
	}
	return sinks
}

// Close 关闭所有连接
func (s *Storage) Close() {
	log := logger.Component("storage")
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			log.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			log.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
