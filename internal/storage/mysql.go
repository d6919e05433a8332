package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/storage/models"
	"resume-agent-go/internal/tracing"
	"resume-agent-go/internal/types"
)

var mysqlTracer = otel.Tracer("resume-agent-go/storage/mysql")

type spanContextKey struct{}

// GormTracingPlugin 为 GORM 操作创建 OpenTelemetry span
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	disableErrSkip bool
}

// NewGormTracingPlugin 创建追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		disableErrSkip: true,
	}
}

// Name 插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册 before/after 回调
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	registrations := []struct {
		name   string
		before func() error
		after  func() error
	}{
		{"create",
			func() error { return cb.Create().Before("gorm:create").Register("otel:before_create", p.before("INSERT")) },
			func() error { return cb.Create().After("gorm:create").Register("otel:after_create", p.after()) }},
		{"query",
			func() error { return cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")) },
			func() error { return cb.Query().After("gorm:query").Register("otel:after_query", p.after()) }},
		{"raw",
			func() error { return cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")) },
			func() error { return cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()) }},
		{"row",
			func() error { return cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")) },
			func() error { return cb.Row().After("gorm:row").Register("otel:after_row", p.after()) }},
	}
	for _, r := range registrations {
		if err := r.before(); err != nil {
			return fmt.Errorf("注册 %s 前置回调失败: %w", r.name, err)
		}
		if err := r.after(); err != nil {
			return fmt.Errorf("注册 %s 后置回调失败: %w", r.name, err)
		}
	}
	return nil
}

func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		newCtx, span := p.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, table),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", "mysql"),
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", table),
			))
		db.Statement.Context = context.WithValue(newCtx, spanContextKey{}, span)
	}
}

func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.Context == nil {
			return
		}
		span, ok := db.Statement.Context.Value(spanContextKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(
			attribute.Int64("db.rows_affected", db.Statement.RowsAffected),
			attribute.String("db.statement", tracing.SafeSQL(db.Statement.SQL.String())),
		)
		switch {
		case db.Error == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(db.Error, gorm.ErrRecordNotFound):
			span.SetStatus(codes.Ok, "record not found")
		default:
			tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
		}
	}
}

// MySQL 证据片段关键词检索与生成历史
type MySQL struct {
	db     *gorm.DB
	cfg    *config.MySQLConfig
	logger zerolog.Logger
}

// NewMySQL 连接数据库、注册追踪插件并迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m, err := NewMySQLFromDB(db, cfg.Database)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	m.cfg = cfg

	if err := m.autoMigrateSchema(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	m.logger.Info().Str("database", cfg.Database).Msg("成功连接到MySQL并完成迁移")
	return m, nil
}

// NewMySQLFromDB 使用已有连接，不做迁移
func NewMySQLFromDB(db *gorm.DB, dbName string) (*MySQL, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm.DB 不能为空")
	}
	if err := db.Use(NewGormTracingPlugin(dbName)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}
	return &MySQL{db: db, logger: logger.Component("mysql")}, nil
}

func gormLogLevel(level int) gormlogger.LogLevel {
	switch level {
	case 1:
		return gormlogger.Silent
	case 2:
		return gormlogger.Error
	case 3:
		return gormlogger.Warn
	default:
		return gormlogger.Info
	}
}

const evidenceFulltextIndex = "ft_evidence_text"

// autoMigrateSchema 迁移表结构并补建 FULLTEXT 索引
func (m *MySQL) autoMigrateSchema() error {
	silentDB := m.db.Session(&gorm.Session{Logger: gormlogger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		gormlogger.Config{LogLevel: gormlogger.Silent, IgnoreRecordNotFoundError: true},
	)})

	if err := silentDB.AutoMigrate(&models.EvidenceChunkRecord{}, &models.GeneratedResume{}, &models.OutboxMessage{}); err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}

	if !silentDB.Migrator().HasIndex(&models.EvidenceChunkRecord{}, evidenceFulltextIndex) {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD FULLTEXT INDEX %s (text)", models.EvidenceChunkRecord{}.TableName(), evidenceFulltextIndex)
		if err := silentDB.Exec(stmt).Error; err != nil {
			return fmt.Errorf("创建全文索引失败: %w", err)
		}
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// Ping 检查连接
func (m *MySQL) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

type evidenceRow struct {
	ChunkID   string
	Text      string
	Role      string
	Company   string
	Skills    []byte
	DateRange string
	Score     float64
}

// Search 基于 InnoDB 全文索引的关键词检索，分数为 MATCH 相关度
func (m *MySQL) Search(ctx context.Context, query string, topK int, scope types.CorpusScope) ([]types.ScoredChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	const match = "MATCH(text) AGAINST (? IN NATURAL LANGUAGE MODE)"
	tx := m.db.WithContext(ctx).
		Model(&models.EvidenceChunkRecord{}).
		Select("chunk_id, text, role, company, skills, date_range, "+match+" AS score", query).
		Where(match, query)
	if scope.UserID != "" {
		tx = tx.Where("user_id = ?", scope.UserID)
	}

	var rows []evidenceRow
	if err := tx.Order("score DESC").Limit(topK).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("全文检索失败: %w", err)
	}

	out := make([]types.ScoredChunk, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.ScoredChunk{
			Chunk: types.EvidenceChunk{
				ID:   r.ChunkID,
				Text: r.Text,
				Metadata: types.ChunkMetadata{
					Role:      r.Role,
					Company:   r.Company,
					Skills:    models.JSONToStrings(r.Skills),
					DateRange: r.DateRange,
				},
			},
			Score: r.Score,
		})
	}
	return out, nil
}

// UpsertEvidence 写入或更新证据片段
func (m *MySQL) UpsertEvidence(ctx context.Context, userID string, chunks []types.EvidenceChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	records := make([]models.EvidenceChunkRecord, 0, len(chunks))
	for _, c := range chunks {
		records = append(records, models.EvidenceChunkRecord{
			UserID:    userID,
			ChunkID:   c.ID,
			Text:      c.Text,
			Role:      c.Metadata.Role,
			Company:   c.Metadata.Company,
			Skills:    models.StringsToJSON(c.Metadata.Skills),
			DateRange: c.Metadata.DateRange,
		})
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "chunk_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"text", "role", "company", "skills", "date_range", "updated_at"}),
	}).CreateInBatches(records, 100).Error
	if err != nil {
		return fmt.Errorf("写入证据片段失败: %w", err)
	}
	return nil
}

// SaveGeneratedResume 保存一次成功生成的结果
func (m *MySQL) SaveGeneratedResume(ctx context.Context, result *types.PipelineResult) error {
	record, err := newGeneratedResume(result)
	if err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("保存生成记录失败: %w", err)
	}
	return nil
}

// SaveGeneratedResumeWithEvent 在同一事务中保存生成记录并写入发件箱
func (m *MySQL) SaveGeneratedResumeWithEvent(ctx context.Context, result *types.PipelineResult, event *models.OutboxMessage) error {
	record, err := newGeneratedResume(result)
	if err != nil {
		return err
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("保存生成记录失败: %w", err)
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("写入发件箱失败: %w", err)
		}
		return nil
	})
}

func newGeneratedResume(result *types.PipelineResult) (*models.GeneratedResume, error) {
	report, err := json.Marshal(result.CoverageReport)
	if err != nil {
		return nil, fmt.Errorf("序列化覆盖报告失败: %w", err)
	}
	meta := result.Metadata
	return &models.GeneratedResume{
		SessionID:          meta.SessionID,
		UserID:             meta.UserID,
		RawHash:            meta.RawHash,
		CoveragePercent:    meta.CoveragePercent,
		BudgetUtilization:  meta.BudgetUtilization,
		EvidenceCount:      meta.EvidenceCount,
		CacheHit:           meta.CacheHit,
		ProcessingTimeMs:   meta.ProcessingTimeMs,
		CoverageReportJSON: report,
		ResumeMarkdown:     result.ResumeMarkdown,
	}, nil
}

// HistorySink 把成功结果写入 generated_resumes
type HistorySink struct {
	db         *MySQL
	outbox     bool
	exchange   string
	routingKey string
	now        func() time.Time
}

// HistoryOption HistorySink 选项
type HistoryOption func(*HistorySink)

// WithOutboxEvent 同事务写入生成完成事件，由发件箱中继发布
func WithOutboxEvent(cfg *config.RabbitMQConfig) HistoryOption {
	return func(s *HistorySink) {
		s.outbox = true
		s.exchange, s.routingKey, _ = composedEventTarget(cfg)
	}
}

// NewHistorySink 创建历史记录投递
func NewHistorySink(db *MySQL, opts ...HistoryOption) *HistorySink {
	s := &HistorySink{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name 投递名称
func (s *HistorySink) Name() string { return "mysql_history" }

// Deliver 保存生成记录，启用发件箱时同时写入事件
func (s *HistorySink) Deliver(ctx context.Context, result *types.PipelineResult) error {
	if !s.outbox {
		return s.db.SaveGeneratedResume(ctx, result)
	}
	payload, err := json.Marshal(NewResumeComposedMessage(result, s.now()))
	if err != nil {
		return fmt.Errorf("序列化生成事件失败: %w", err)
	}
	return s.db.SaveGeneratedResumeWithEvent(ctx, result, &models.OutboxMessage{
		AggregateID:      result.Metadata.SessionID,
		EventType:        models.EventResumeComposed,
		Payload:          string(payload),
		TargetExchange:   s.exchange,
		TargetRoutingKey: s.routingKey,
		Status:           models.OutboxStatusPending,
	})
}

var (
	_ processor.LexicalSearcher = (*MySQL)(nil)
	_ processor.Pinger          = (*MySQL)(nil)
	_ processor.ResultSink      = (*HistorySink)(nil)
)
