package telemetry

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/processor"
)

// DefaultNamespace 指标命名空间
const DefaultNamespace = "resume_agent"

// 毫秒桶，覆盖单次 LLM 调用到整条流水线
var defaultMsBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// Prometheus 把流水线指标转为 Prometheus 向量
// 每个指标的标签名在首次上报时固定，之后多出的标签丢弃，缺少的标签填空串
type Prometheus struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64
	logger     zerolog.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labelKeys  map[string][]string
}

// Option 配置项
type Option func(*Prometheus)

// WithNamespace 设置命名空间
func WithNamespace(ns string) Option {
	return func(p *Prometheus) {
		p.namespace = ns
	}
}

// WithBuckets 设置耗时直方图桶
func WithBuckets(buckets []float64) Option {
	return func(p *Prometheus) {
		if len(buckets) > 0 {
			p.buckets = buckets
		}
	}
}

// NewPrometheus reg 为 nil 时使用默认注册表
func NewPrometheus(reg prometheus.Registerer, opts ...Option) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		namespace:  DefaultNamespace,
		registerer: reg,
		buckets:    defaultMsBuckets,
		logger:     logger.Component("telemetry"),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labelKeys:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MetricName 把 "pipeline.total_ms" 转为合法的 Prometheus 名称
func MetricName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Counter 累加计数
func (p *Prometheus) Counter(name string, value float64, tags map[string]string) {
	if value < 0 {
		return
	}
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		keys := sortedKeys(tags)
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      MetricName(name) + "_total",
			Help:      "Pipeline counter " + name,
		}, keys)
		vec = registerOrExisting(p, vec).(*prometheus.CounterVec)
		p.counters[name] = vec
		p.labelKeys["c:"+name] = keys
	}
	keys := p.labelKeys["c:"+name]
	p.mu.Unlock()

	vec.With(labels(keys, tags)).Add(value)
}

// Timer 记录毫秒耗时
func (p *Prometheus) Timer(name string, ms float64, tags map[string]string) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		keys := sortedKeys(tags)
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      MetricName(name),
			Help:      "Pipeline timer " + name + " in milliseconds",
			Buckets:   p.buckets,
		}, keys)
		vec = registerOrExisting(p, vec).(*prometheus.HistogramVec)
		p.histograms[name] = vec
		p.labelKeys["h:"+name] = keys
	}
	keys := p.labelKeys["h:"+name]
	p.mu.Unlock()

	vec.With(labels(keys, tags)).Observe(ms)
}

// Gauge 设置当前值
func (p *Prometheus) Gauge(name string, value float64, tags map[string]string) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		keys := sortedKeys(tags)
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      MetricName(name),
			Help:      "Pipeline gauge " + name,
		}, keys)
		vec = registerOrExisting(p, vec).(*prometheus.GaugeVec)
		p.gauges[name] = vec
		p.labelKeys["g:"+name] = keys
	}
	keys := p.labelKeys["g:"+name]
	p.mu.Unlock()

	vec.With(labels(keys, tags)).Set(value)
}

// registerOrExisting 重复注册时复用已有收集器
func registerOrExisting(p *Prometheus, c prometheus.Collector) prometheus.Collector {
	if err := p.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		p.logger.Warn().Err(err).Msg("注册指标失败, 指标仅在进程内累计")
	}
	return c
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, MetricName(k))
	}
	sort.Strings(keys)
	return keys
}

func labels(keys []string, tags map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		out[k] = ""
	}
	for k, v := range tags {
		k = MetricName(k)
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}
	return out
}

var _ processor.Telemetry = (*Prometheus)(nil)
