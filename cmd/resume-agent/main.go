package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"resume-agent-go/internal/api/handler"
	"resume-agent-go/internal/api/router"
	"resume-agent-go/internal/cache"
	"resume-agent-go/internal/config"
	"resume-agent-go/internal/constants"
	"resume-agent-go/internal/llm"
	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/outbox"
	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/rerank"
	"resume-agent-go/internal/storage"
	"resume-agent-go/internal/telemetry"
	"resume-agent-go/internal/tracing"
)

var version = "1.0.0" //nolint:gochecknoglobals

func main() {
	var (
		configPath   string
		initConfig   bool
		evidencePath string
		evidenceUser string
		seedOnly     bool
	)
	pflag.StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	pflag.BoolVar(&initConfig, "init-config", false, "生成示例配置后退出")
	pflag.StringVar(&evidencePath, "evidence", "", "启动时导入的经历片段 JSON 文件")
	pflag.StringVar(&evidenceUser, "evidence-user", "", "导入片段所属用户，为空表示全局")
	pflag.BoolVar(&seedOnly, "seed-only", false, "导入片段后退出，不启动 HTTP 服务")
	pflag.Parse()

	if initConfig {
		if err := config.CreateSampleConfig(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "生成示例配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("示例配置已写入 %s\n", configPath)
		return
	}

	if err := run(configPath, evidencePath, evidenceUser, seedOnly); err != nil {
		logger.Logger.Error().Err(err).Msg("服务退出")
		os.Exit(1)
	}
}

func run(configPath, evidencePath, evidenceUser string, seedOnly bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	logCloser, err := logger.Init(logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
		FilePath:     cfg.Logger.FilePath,
	})
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	hlog.SetLogger(hertzadapter.From(logger.Logger))
	log := logger.Component("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		serviceName := cfg.Tracing.ServiceName
		if serviceName == "" {
			serviceName = constants.ServiceName
		}
		shutdown, err := tracing.InitProvider(ctx, tracing.ProviderConfig{
			ServiceName:    serviceName,
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("初始化链路追踪失败, 继续运行")
		} else {
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = shutdown(shutdownCtx)
			}()
		}
	}

	st, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}
	defer st.Close()
	log.Info().Msg("存储服务初始化成功")

	if st.OutboxEnabled() {
		relay := outbox.NewMessageRelay(st.MySQL.DB(), st.RabbitMQ)
		relay.Start(ctx)
		defer relay.Stop()
	}

	retryWait := time.Duration(cfg.LLM.RetryWaitSeconds) * time.Second
	embedder, err := llm.NewAliyunEmbedder(cfg.Aliyun.APIKey, cfg.Aliyun.Embedding,
		llm.WithEmbedderLogger(logger.Component("embedder")))
	if err != nil {
		return fmt.Errorf("初始化Embedder失败: %w", err)
	}
	embedLimiter := llm.NewTokenBucket(cfg.QPMFor(cfg.Aliyun.Embedding.Model), 0).
		WithRetryPolicy(retryWait, cfg.LLM.MaxRetries)
	embedAdapter := llm.NewEmbedderAdapter(embedder, embedLimiter)

	if evidencePath != "" {
		n, err := seedEvidence(ctx, evidencePath, evidenceUser, embedder, st.Qdrant, st.Lexical())
		if err != nil {
			return fmt.Errorf("导入经历片段失败: %w", err)
		}
		log.Info().Int("count", n).Str("file", evidencePath).Msg("经历片段导入完成")
		if seedOnly {
			return nil
		}
	}

	chatClient, err := newChatClient(ctx, cfg)
	if err != nil {
		return err
	}

	counter, exact := llm.NewTokenCounter(cfg.Pipeline.TokenEncoding)
	if !exact {
		log.Warn().Str("encoding", cfg.Pipeline.TokenEncoding).Msg("tiktoken 编码不可用, 使用近似计数")
	}

	opts := []processor.PipelineOption{
		processor.WithPipelineLogger(logger.Component("pipeline")),
		processor.WithTelemetry(telemetry.NewPrometheus(prometheus.DefaultRegisterer)),
		processor.WithModelLimits(cfg.ModelContextLimits),
		processor.WithSinks(st.Sinks()...),
	}
	if c, err := newCache(cfg, st); err != nil {
		return err
	} else if c != nil {
		opts = append(opts, processor.WithCache(c))
	}
	if r, err := newReranker(cfg); err != nil {
		return err
	} else if r != nil {
		opts = append(opts, processor.WithReranker(r))
	}

	pipeline, err := processor.NewJDPipeline(cfg.Pipeline, processor.Adapters{
		LLM:      chatClient,
		Embedder: embedAdapter,
		Vectors:  st.Qdrant,
		Lexical:  st.Lexical(),
		Counter:  counter,
	}, opts...)
	if err != nil {
		return fmt.Errorf("初始化流水线失败: %w", err)
	}

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		server.WithExitWaitTime(5*time.Second),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	h.Use(accessLog())

	router.RegisterRoutes(h, handler.NewJDHandler(pipeline), router.Options{
		APIKeys:        cfg.Server.APIKeys,
		MetricsHandler: promhttp.Handler(),
	})

	// Spin 阻塞直到收到 SIGINT/SIGTERM，并在退出前完成优雅关闭
	log.Info().Str("address", cfg.Server.Address).Msg("HTTP服务启动")
	h.Spin()
	log.Info().Msg("服务已退出")
	return nil
}

func newChatClient(ctx context.Context, cfg *config.Config) (*llm.ChatClient, error) {
	modelName := cfg.ChatModelName()
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch cfg.LLM.Provider {
	case "gemini":
		chatModel, err = llm.NewGeminiChatModel(ctx, cfg.Gemini.APIKey, modelName, "")
	default:
		var qwenOpts []llm.QwenOption
		if cfg.Aliyun.APIURL != "" {
			qwenOpts = append(qwenOpts, llm.WithQwenBaseURL(cfg.Aliyun.APIURL))
		}
		chatModel, err = llm.NewQwenChatModel(cfg.Aliyun.APIKey, modelName, qwenOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("初始化聊天模型失败: %w", err)
	}

	return llm.NewChatClient(chatModel, modelName,
		llm.WithRateLimit(cfg.QPMFor(modelName), time.Duration(cfg.LLM.RetryWaitSeconds)*time.Second, cfg.LLM.MaxRetries),
		llm.WithCallTimeout(time.Duration(cfg.LLM.TimeoutSeconds)*time.Second),
		llm.WithChatLogger(logger.Component("llm")),
	)
}

func newCache(cfg *config.Config, st *storage.Storage) (processor.Cache, error) {
	if cfg.Cache.Backend == "redis" {
		if c := st.Cache(); c != nil {
			return c, nil
		}
		log := logger.Component("main")
		log.Warn().Msg("Redis 缓存不可用, 改用内存缓存")
	}
	mem, err := cache.NewMemory(cfg.Cache.Capacity)
	if err != nil {
		return nil, fmt.Errorf("初始化内存缓存失败: %w", err)
	}
	return mem, nil
}

func newReranker(cfg *config.Config) (processor.Reranker, error) {
	if !cfg.Reranker.Enabled {
		return nil, nil
	}
	if cfg.Reranker.Mode == "http" {
		r, err := rerank.NewHTTPReranker(cfg.Reranker.URL, time.Duration(cfg.Reranker.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("初始化精排服务失败: %w", err)
		}
		return r, nil
	}
	return rerank.NewOverlapReranker(), nil
}

func accessLog() app.HandlerFunc {
	log := logger.Component("http")
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)
		log.Info().
			Str("method", string(c.Method())).
			Str("path", string(c.Path())).
			Int("status", c.Response.StatusCode()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
