package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/live-connector/pkg/connector"
	"github.com/live-connector/pkg/coordinator"
	"github.com/live-connector/pkg/diagnostic"
	"github.com/live-connector/pkg/discovery"
)

// Coordinator HTTP API 用到的协调器能力
type Coordinator interface {
	ConnectProcess(key string, capability connector.Capability)
	DisconnectProcess(key string)
	RefreshProcess(params connector.ProcessParams)
	ConfigureLogLevel(params connector.ProcessParams)
	GetLoggers(ctx context.Context, params connector.ProcessParams) (*connector.LoggersData, error)
	IsKnownProcessKey(key string) bool
	Processes() []coordinator.ProcessInfo
	GetLiveData(key string) *connector.LiveData
	GetMemoryMetricsLiveData(key string) *connector.MetricsLiveData
	GetGcPausesMetricsLiveData(key string) *connector.MetricsLiveData
}

// DiagnosticSource 最近的诊断事件
type DiagnosticSource interface {
	Recent() []diagnostic.Event
}

var _ Coordinator = (*coordinator.Coordinator)(nil)

// connectRequest POST /api/processes 请求体
type connectRequest struct {
	BaseURL     string `json:"baseUrl"`
	ProcessID   string `json:"processId"`
	ProcessName string `json:"processName"`
}

type logLevelRequest struct {
	Logger          string  `json:"logger"`
	ConfiguredLevel *string `json:"configuredLevel"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) registerAPI() {
	if s.deps.Coordinator == nil {
		return
	}
	s.mux.HandleFunc("GET /api/processes", s.handleProcesses)
	s.mux.HandleFunc("POST /api/processes", s.handleConnect)
	s.mux.HandleFunc("DELETE /api/processes/{key}", s.handleDisconnect)
	s.mux.HandleFunc("GET /api/processes/{key}/live", s.handleLive)
	s.mux.HandleFunc("GET /api/processes/{key}/memory", s.handleMemory)
	s.mux.HandleFunc("GET /api/processes/{key}/gcpauses", s.handleGcPauses)
	s.mux.HandleFunc("GET /api/processes/{key}/loggers", s.handleLoggers)
	s.mux.HandleFunc("POST /api/processes/{key}/loggers", s.handleConfigureLogLevel)
	s.mux.HandleFunc("POST /api/processes/{key}/refresh", s.handleRefresh)
	if s.deps.Diagnostics != nil {
		s.mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// knownKey 取路径中的进程 key；未注册时写 404 并返回 false
func (s *Server) knownKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.PathValue("key")
	if !s.deps.Coordinator.IsKnownProcessKey(key) {
		s.writeError(w, http.StatusNotFound, "unknown process "+strconv.Quote(key))
		return "", false
	}
	return key, true
}

func (s *Server) handleProcesses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Coordinator.Processes())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.NewCapability == nil {
		s.writeError(w, http.StatusNotImplemented, "manual connect is not available")
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(req.ProcessID), 10, 32)
	if err != nil || req.ProcessName == "" || req.BaseURL == "" {
		s.writeError(w, http.StatusBadRequest, "baseUrl, numeric processId and processName are required")
		return
	}

	target := discovery.Target{
		Process: discovery.Process{PID: int32(pid), Name: req.ProcessName},
		BaseURL: req.BaseURL,
	}
	capability, err := s.deps.NewCapability(target)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := target.Key()
	s.deps.Coordinator.ConnectProcess(key, capability)
	s.logger.Info("process connect requested", zap.String("process", key), zap.String("url", req.BaseURL))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"processKey": key})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	key, ok := s.knownKey(w, r)
	if !ok {
		return
	}
	s.deps.Coordinator.DisconnectProcess(key)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	key, ok := s.knownKey(w, r)
	if !ok {
		return
	}
	if d := s.deps.Coordinator.GetLiveData(key); d != nil {
		s.writeJSON(w, http.StatusOK, d)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	key, ok := s.knownKey(w, r)
	if !ok {
		return
	}
	if d := s.deps.Coordinator.GetMemoryMetricsLiveData(key); d != nil {
		s.writeJSON(w, http.StatusOK, d)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGcPauses(w http.ResponseWriter, r *http.Request) {
	key, ok := s.knownKey(w, r)
	if !ok {
		return
	}
	if d := s.deps.Coordinator.GetGcPausesMetricsLiveData(key); d != nil {
		s.writeJSON(w, http.StatusOK, d)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLoggers 同步拉取 logger 列表（带重试）。等待不超过写超时，
// 请求取消或服务关闭只结束等待，重试链在后台照常完成。
func (s *Server) handleLoggers(w http.ResponseWriter, r *http.Request) {
	key, ok := s.knownKey(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.loggersWait())
	defer cancel()

	d, err := s.deps.Coordinator.GetLoggers(ctx, connector.ProcessParams{ProcessKey: key})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for loggers of process "+strconv.Quote(key))
		return
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if d == nil {
		s.writeError(w, http.StatusBadGateway, "failed to fetch loggers of process "+strconv.Quote(key))
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// loggersWait 留出写响应的时间，避免在写超时之后才返回
func (s *Server) loggersWait() time.Duration {
	return s.cfg.Server.WriteTimeout * 9 / 10
}

func (s *Server) handleConfigureLogLevel(w http.ResponseWriter, r *http.Request) {
	key, ok := s.knownKey(w, r)
	if !ok {
		return
	}
	var req logLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Logger == "" {
		s.writeError(w, http.StatusBadRequest, "logger is required")
		return
	}
	args := map[string]string{connector.ArgLogger: req.Logger}
	// null 或缺省表示恢复继承级别
	if req.ConfiguredLevel != nil {
		args[connector.ArgConfiguredLevel] = *req.ConfiguredLevel
	}
	s.deps.Coordinator.ConfigureLogLevel(connector.ProcessParams{ProcessKey: key, Args: args})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	key, ok := s.knownKey(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	endpoint, err := connector.ParseEndpoint(q.Get("endpoint"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params := connector.ProcessParams{
		ProcessKey: key,
		Endpoint:   endpoint,
		MetricName: q.Get("metric"),
		Tags:       q.Get("tags"),
	}
	if endpoint != connector.EndpointGeneral && params.MetricName == "" {
		params.MetricName = s.defaultMetric(endpoint)
	}
	s.deps.Coordinator.RefreshProcess(params)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) defaultMetric(e connector.Endpoint) string {
	refresh := s.cfg.Monitor.Collectors.Refresh
	if e == connector.EndpointMemory {
		return refresh.MemoryMetric
	}
	return refresh.GcPauseMetric
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Diagnostics.Recent())
}
