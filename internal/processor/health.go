package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"resume-agent-go/internal/types"
)

// 健康检查项名称
const (
	CheckLLM       = "llm"
	CheckEmbedding = "embedding"
	CheckVectorDB  = "vector_db"
	CheckLexical   = "lexical_search"
	CheckReranker  = "reranker"
)

type healthProbe struct {
	name     string
	critical bool
	run      func(ctx context.Context) error
}

// GetHealthStatus 并发探测各外部依赖
// LLM 或向量化失败为 unhealthy，其余失败为 degraded；不访问缓存
func (p *JDPipeline) GetHealthStatus(ctx context.Context) types.HealthStatus {
	probes := p.healthProbes()
	timeout := time.Duration(p.cfg.HealthTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var mu sync.Mutex
	checks := make(map[string]types.HealthCheck, len(probes))
	var g errgroup.Group
	for _, probe := range probes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := probe.run(probeCtx)
			check := types.HealthCheck{
				Status:    types.CheckPass,
				Critical:  probe.critical,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				check.Status = types.CheckFail
				check.Error = err.Error()
			}

			mu.Lock()
			checks[probe.name] = check
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := types.HealthStatus{
		Status:    aggregateHealth(checks),
		Checks:    checks,
		Timestamp: p.now().UTC(),
	}
	if status.Status != types.HealthHealthy {
		p.logger.Warn().Str("status", string(status.Status)).Interface("checks", checks).Msg("依赖健康检查未通过")
	}
	return status
}

func aggregateHealth(checks map[string]types.HealthCheck) types.HealthState {
	state := types.HealthHealthy
	for _, c := range checks {
		if c.Status == types.CheckPass {
			continue
		}
		if c.Critical {
			return types.HealthUnhealthy
		}
		state = types.HealthDegraded
	}
	return state
}

func (p *JDPipeline) healthProbes() []healthProbe {
	a := p.adapters
	probes := []healthProbe{
		{name: CheckLLM, critical: true, run: func(ctx context.Context) error {
			if pinger, ok := a.LLM.(Pinger); ok {
				return pinger.Ping(ctx)
			}
			_, err := a.LLM.Complete(ctx, "", "ping", 1, 0)
			return err
		}},
		{name: CheckEmbedding, critical: true, run: func(ctx context.Context) error {
			vec, err := a.Embedder.Embed(ctx, "health check")
			if err != nil {
				return err
			}
			if want := p.cfg.EmbeddingDimensions; want > 0 && len(vec) != want {
				return fmt.Errorf("向量维度不匹配: 期望 %d, 实际 %d", want, len(vec))
			}
			return nil
		}},
		{name: CheckVectorDB, run: func(ctx context.Context) error {
			if pinger, ok := a.Vectors.(Pinger); ok {
				return pinger.Ping(ctx)
			}
			dims := p.cfg.EmbeddingDimensions
			if dims <= 0 {
				dims = 1
			}
			_, err := a.Vectors.Search(ctx, make([]float64, dims), 1, types.CorpusScope{})
			return err
		}},
		{name: CheckLexical, run: func(ctx context.Context) error {
			if pinger, ok := a.Lexical.(Pinger); ok {
				return pinger.Ping(ctx)
			}
			_, err := a.Lexical.Search(ctx, "health", 1, types.CorpusScope{})
			return err
		}},
	}
	if p.reranker != nil {
		r := p.reranker
		probes = append(probes, healthProbe{name: CheckReranker, run: func(ctx context.Context) error {
			if pinger, ok := r.(Pinger); ok {
				return pinger.Ping(ctx)
			}
			_, err := r.Rerank(ctx, "health", []RerankDocument{{ID: "probe", Text: "health check"}})
			return err
		}})
	}
	return probes
}
