package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"parsnip/internal/common"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HTTPServer 作业状态 HTTP 服务器，只读
type HTTPServer struct {
	server *http.Server
	logger *zap.Logger
	orch   *Orchestrator
}

// ProcessInfo 进程状态信息
type ProcessInfo struct {
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	Node     string `json:"node"`
	Leader   bool   `json:"leader"`
	Critical bool   `json:"critical"`
	PID      int    `json:"pid"`
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exit_code,omitempty"`
	LogFile  string `json:"log_file"`
}

// NewHTTPServer 创建状态服务器
func NewHTTPServer(orch *Orchestrator) *HTTPServer {
	return &HTTPServer{
		orch:   orch,
		logger: common.ComponentLogger("status-server"),
	}
}

// Start 启动状态服务器
func (s *HTTPServer) Start(port int) error {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/processes", s.handleProcesses).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("Starting status server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Status server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止状态服务器
func (s *HTTPServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("Stopping status server")
	return s.server.Shutdown(ctx)
}

// handleStatus 处理作业状态请求
func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	o := s.orch
	o.mu.Lock()
	endpoints := o.endpoints
	frontends := o.frontends
	o.mu.Unlock()

	status := map[string]interface{}{
		"job_id":         o.rc.JobID,
		"run_name":       o.rc.RunName,
		"registry_state": o.reg.State().String(),
		"nodes":          o.rc.Nodes.All,
		"endpoints":      endpoints,
		"frontends":      frontends,
		"started_at":     o.rc.StartedAt.Unix(),
	}

	s.writeJSONResponse(w, r, map[string]interface{}{
		"status": status,
	})
}

// handleProcesses 处理进程列表请求
func (s *HTTPServer) handleProcesses(w http.ResponseWriter, r *http.Request) {
	snapshot := s.orch.reg.Snapshot()

	processes := make([]ProcessInfo, 0, len(snapshot))
	for i := range snapshot {
		mp := &snapshot[i]
		info := ProcessInfo{
			Name:     mp.Name,
			Role:     string(mp.Role),
			Node:     mp.Node,
			Leader:   mp.Leader,
			Critical: mp.Critical,
			PID:      mp.Process.GetPID(),
			LogFile:  mp.LogFile,
		}
		info.Exited, info.ExitCode = mp.Exited()
		processes = append(processes, info)
	}

	s.writeJSONResponse(w, r, map[string]interface{}{
		"processes": processes,
	})
}

// handleHealth 处理就绪状态请求
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	o := s.orch
	o.mu.Lock()
	snap := o.readiness
	o.mu.Unlock()

	s.writeJSONResponse(w, r, map[string]interface{}{
		"readiness": map[string]interface{}{
			"state":    snap.State.String(),
			"observed": snap.Observed.String(),
			"expected": snap.Expected.String(),
			"elapsed":  snap.Elapsed,
		},
	})
}

// loggingMiddleware 日志中间件，把请求范围的日志记录器挂到上下文
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLogger := s.logger.With(
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(common.ContextWithLogger(r.Context(), reqLogger)))
		reqLogger.Debug("HTTP request", zap.Duration("duration", time.Since(start)))
	})
}

// writeJSONResponse 写入 JSON 响应
func (s *HTTPServer) writeJSONResponse(w http.ResponseWriter, r *http.Request, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		common.LoggerFromContext(r.Context()).Error("Failed to encode JSON response", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
