package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-agent-go/internal/api/handler"
	"resume-agent-go/internal/config"
	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/types"
)

// fakeService 可配置返回值的流水线
type fakeService struct {
	result  *types.PipelineResult
	err     error
	health  types.HealthStatus
	gotText string
	gotUser string
}

func (f *fakeService) ProcessJD(_ context.Context, rawText, userID string) (*types.PipelineResult, error) {
	f.gotText, f.gotUser = rawText, userID
	return f.result, f.err
}

func (f *fakeService) GetHealthStatus(context.Context) types.HealthStatus { return f.health }

func (f *fakeService) GetMetrics() processor.PipelineMetrics {
	return processor.PipelineMetrics{Config: config.DefaultPipelineConfig(), ActiveModel: "qwen-plus"}
}

func newTestServer(svc handler.PipelineService, opts Options) *server.Hertz {
	h := server.New(server.WithHostPorts("127.0.0.1:0"))
	RegisterRoutes(h, handler.NewJDHandler(svc), opts)
	return h
}

func postJD(h *server.Hertz, body string, headers ...ut.Header) (int, map[string]interface{}, string) {
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	w := ut.PerformRequest(h.Engine, http.MethodPost, "/api/v1/jd/process",
		&ut.Body{Body: strings.NewReader(body), Len: len(body)}, headers...)
	resp := w.Result()
	var out map[string]interface{}
	_ = json.Unmarshal(resp.Body(), &out)
	return resp.StatusCode(), out, string(resp.Header.Peek(handler.HeaderRequestID))
}

func TestProcessJD(t *testing.T) {
	t.Run("成功返回结果并带请求ID", func(t *testing.T) {
		svc := &fakeService{result: &types.PipelineResult{
			ResumeMarkdown: "# Backend Engineer",
			Metadata:       types.ResultMetadata{SessionID: "jd_1_abcdefghi", CoveragePercent: 1},
		}}
		h := newTestServer(svc, Options{})

		status, body, reqID := postJD(h, `{"job_description":"  Senior Go Engineer  ","user_id":"u1"}`,
			ut.Header{Key: handler.HeaderRequestID, Value: "req-1"})

		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "req-1", reqID)
		assert.Equal(t, "req-1", body["request_id"])
		assert.Equal(t, "Senior Go Engineer", svc.gotText)
		assert.Equal(t, "u1", svc.gotUser)
		result := body["result"].(map[string]interface{})
		assert.Equal(t, "# Backend Engineer", result["resumeMarkdown"])
	})

	t.Run("未带请求ID时生成", func(t *testing.T) {
		h := newTestServer(&fakeService{result: &types.PipelineResult{}}, Options{})
		_, _, reqID := postJD(h, `{"job_description":"Go"}`)
		assert.Len(t, reqID, 36)
	})

	t.Run("参数校验", func(t *testing.T) {
		h := newTestServer(&fakeService{}, Options{})
		cases := map[string]string{
			"非法JSON":  `{"job_description":`,
			"缺少JD":    `{"user_id":"u1"}`,
			"空白JD":    `{"job_description":"   "}`,
			"用户ID含斜杠": `{"job_description":"Go","user_id":"a/b"}`,
		}
		for name, body := range cases {
			t.Run(name, func(t *testing.T) {
				status, _, _ := postJD(h, body)
				assert.Equal(t, http.StatusBadRequest, status)
			})
		}
	})

	t.Run("错误分类映射状态码", func(t *testing.T) {
		cases := []struct {
			name   string
			err    error
			status int
			code   string
		}{
			{"覆盖率不足", &processor.PipelineError{Stage: processor.StageCoverageCheck, Kind: processor.KindInsufficientCoverage, SessionID: "jd_1_x"}, http.StatusUnprocessableEntity, "INSUFFICIENT_COVERAGE"},
			{"检索失败", &processor.PipelineError{Stage: processor.StageRetrieving, Kind: processor.KindRetrievalError, Err: errors.New("qdrant down")}, http.StatusBadGateway, "RETRIEVAL_ERROR"},
			{"超时", &processor.PipelineError{Stage: processor.StageComposing, Kind: processor.KindTimeout, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "TIMEOUT"},
			{"未分类错误", errors.New("boom"), http.StatusInternalServerError, ""},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				h := newTestServer(&fakeService{err: tc.err}, Options{})
				status, body, _ := postJD(h, `{"job_description":"Go"}`)
				assert.Equal(t, tc.status, status)
				if tc.code != "" {
					assert.Equal(t, tc.code, body["code"])
				}
			})
		}
	})
}

func TestAPIKeyAuth(t *testing.T) {
	svc := &fakeService{result: &types.PipelineResult{}, health: types.HealthStatus{Status: types.HealthHealthy}}
	h := newTestServer(svc, Options{APIKeys: []string{"secret"}})

	t.Run("缺少密钥", func(t *testing.T) {
		status, _, _ := postJD(h, `{"job_description":"Go"}`)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("密钥错误", func(t *testing.T) {
		status, _, _ := postJD(h, `{"job_description":"Go"}`, ut.Header{Key: "X-API-Key", Value: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("密钥正确", func(t *testing.T) {
		status, _, _ := postJD(h, `{"job_description":"Go"}`, ut.Header{Key: "X-API-Key", Value: "secret"})
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("健康检查不鉴权", func(t *testing.T) {
		w := ut.PerformRequest(h.Engine, http.MethodGet, "/api/v1/health", nil)
		assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	})
}

func TestHealthAndMetrics(t *testing.T) {
	svc := &fakeService{health: types.HealthStatus{Status: types.HealthUnhealthy}}
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "resume_agent_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	h := newTestServer(svc, Options{MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})

	t.Run("不健康返回503", func(t *testing.T) {
		w := ut.PerformRequest(h.Engine, http.MethodGet, "/api/v1/health", nil)
		resp := w.Result()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode())
		var body types.HealthStatus
		require.NoError(t, json.Unmarshal(resp.Body(), &body))
		assert.Equal(t, types.HealthUnhealthy, body.Status)
	})

	t.Run("降级仍返回200", func(t *testing.T) {
		svc.health = types.HealthStatus{Status: types.HealthDegraded}
		w := ut.PerformRequest(h.Engine, http.MethodGet, "/api/v1/health", nil)
		assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	})

	t.Run("流水线指标", func(t *testing.T) {
		w := ut.PerformRequest(h.Engine, http.MethodGet, "/api/v1/pipeline/metrics", nil)
		resp := w.Result()
		assert.Equal(t, http.StatusOK, resp.StatusCode())
		var body processor.PipelineMetrics
		require.NoError(t, json.Unmarshal(resp.Body(), &body))
		assert.Equal(t, "qwen-plus", body.ActiveModel)
	})

	t.Run("Prometheus 抓取", func(t *testing.T) {
		w := ut.PerformRequest(h.Engine, http.MethodGet, "/metrics", nil)
		resp := w.Result()
		assert.Equal(t, http.StatusOK, resp.StatusCode())
		assert.Contains(t, string(resp.Body()), "resume_agent_test_total 1")
	})
}

func TestMetricsRouteOptional(t *testing.T) {
	h := newTestServer(&fakeService{}, Options{})

	w := ut.PerformRequest(h.Engine, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode())
}
