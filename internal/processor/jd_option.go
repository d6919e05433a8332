package processor

import (
	"time"

	"github.com/rs/zerolog"

	"resume-agent-go/internal/config"
)

// PipelineOption 定义了 JDPipeline 的配置选项函数类型。
type PipelineOption func(*JDPipeline)

// WithPipelineLogger 设置流水线及其各阶段组件使用的日志记录器。
func WithPipelineLogger(logger zerolog.Logger) PipelineOption {
	return func(p *JDPipeline) {
		p.logger = logger
	}
}

// WithTelemetry 设置指标上报。
func WithTelemetry(t Telemetry) PipelineOption {
	return func(p *JDPipeline) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// WithCache 设置产物缓存，未设置时不缓存。
func WithCache(c Cache) PipelineOption {
	return func(p *JDPipeline) {
		p.cache = c
	}
}

// WithReranker 设置精排器。
func WithReranker(r Reranker) PipelineOption {
	return func(p *JDPipeline) {
		p.reranker = r
	}
}

// WithSinks 追加成功结果的下游投递。
func WithSinks(sinks ...ResultSink) PipelineOption {
	return func(p *JDPipeline) {
		for _, s := range sinks {
			if s != nil {
				p.sinks = append(p.sinks, s)
			}
		}
	}
}

// WithStageHook 观察阶段切换。
func WithStageHook(hook StageHook) PipelineOption {
	return func(p *JDPipeline) {
		p.stageHook = hook
	}
}

// WithMatcher 替换默认的要求匹配规则。
func WithMatcher(m RequirementMatcher) PipelineOption {
	return func(p *JDPipeline) {
		p.matcher = m
	}
}

// WithModelLimits 设置模型上下文窗口表。
func WithModelLimits(limits map[string]config.ModelLimit) PipelineOption {
	return func(p *JDPipeline) {
		if len(limits) > 0 {
			p.modelLimits = limits
		}
	}
}

// WithSinkTimeout 单个下游投递的超时。
func WithSinkTimeout(d time.Duration) PipelineOption {
	return func(p *JDPipeline) {
		if d > 0 {
			p.sinkTimeout = d
		}
	}
}

// WithClock 替换时钟，测试用。
func WithClock(now func() time.Time) PipelineOption {
	return func(p *JDPipeline) {
		if now != nil {
			p.now = now
		}
	}
}
