package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/rs/zerolog"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/types"
)

const (
	defaultResumeBucket = "composed-resumes"
	defaultMinIORegion  = "us-east-1"
	archiveRuleID       = "expire-composed-resumes"
)

// MinIO 生成简历的归档存储
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
	logger zerolog.Logger
}

// NewMinIO 创建客户端，确保归档桶存在并按配置设置过期规则
func NewMinIO(ctx context.Context, cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("MinIO endpoint 不能为空")
	}
	region := cfg.Location
	if region == "" {
		region = defaultMinIORegion
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	bucket := cfg.ResumeBucket
	if bucket == "" {
		bucket = defaultResumeBucket
	}

	m := &MinIO{
		client: client,
		cfg:    cfg,
		bucket: bucket,
		logger: logger.Component("minio"),
	}

	if err := m.ensureBucketExists(ctx, region); err != nil {
		return nil, err
	}

	if cfg.ResumeExpireDays > 0 {
		if err := m.setupBucketLifecycle(ctx, cfg.ResumeExpireDays); err != nil {
			m.logger.Warn().Err(err).Str("bucket", bucket).Msg("设置归档生命周期失败")
		}
	}

	m.logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", bucket).Msg("MinIO客户端初始化完成")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(ctx context.Context, region string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", m.bucket, err)
	}
	m.logger.Info().Str("bucket", m.bucket).Msg("已创建存储桶")
	return nil
}

// setupBucketLifecycle 归档对象按天数过期
func (m *MinIO) setupBucketLifecycle(ctx context.Context, expiryDays int) error {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{
		{
			ID:     archiveRuleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, m.bucket, cfg)
}

// Bucket 归档桶名
func (m *MinIO) Bucket() string {
	return m.bucket
}

// ArchiveObjectName 归档对象路径，未指定用户时归入 global
func ArchiveObjectName(userID, sessionID string) string {
	if userID == "" {
		userID = "global"
	}
	return fmt.Sprintf("resumes/%s/%s.md", userID, sessionID)
}

// PutMarkdown 上传 Markdown 文本，返回对象名
func (m *MinIO) PutMarkdown(ctx context.Context, objectName, markdown string, meta map[string]string) (string, error) {
	data := []byte(markdown)
	_, err := m.client.PutObject(ctx, m.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:          "text/markdown; charset=utf-8",
		UserMetadata:         meta,
		DisableContentSha256: true, // 整体上传，不使用 aws-chunked 分块签名
	})
	if err != nil {
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.bucket, objectName, err)
	}
	return objectName, nil
}

// PresignedURL 生成归档对象的临时下载链接
func (m *MinIO) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return u.String(), nil
}

// Ping 检查归档桶可访问
func (m *MinIO) Ping(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("存储桶 %s 不存在", m.bucket)
	}
	return nil
}

// Deliver 归档生成的简历
func (m *MinIO) Deliver(ctx context.Context, result *types.PipelineResult) error {
	meta := result.Metadata
	objectName := ArchiveObjectName(meta.UserID, meta.SessionID)
	_, err := m.PutMarkdown(ctx, objectName, result.ResumeMarkdown, map[string]string{
		"session-id":       meta.SessionID,
		"raw-hash":         meta.RawHash,
		"coverage-percent": fmt.Sprintf("%.4f", meta.CoveragePercent),
	})
	if err != nil {
		return err
	}
	m.logger.Debug().Str("object", objectName).Msg("简历已归档")
	return nil
}

// Name 投递名称
func (m *MinIO) Name() string { return "minio_archive" }

var (
	_ processor.ResultSink = (*MinIO)(nil)
	_ processor.Pinger     = (*MinIO)(nil)
)
