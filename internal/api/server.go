package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Vincent/internal/ability"
	xerrors "Vincent/internal/errors"
	"Vincent/internal/invocation"
	"Vincent/internal/observability/metrics"
)

// Server 负责暴露 REST 接口，供外部驱动能力调用。
type Server struct {
	addr    string
	runtime *ability.Runtime
	store   invocation.Store
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runtime *ability.Runtime, store invocation.Store) *Server {
	return &Server{addr: addr, runtime: runtime, store: store}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回注册好路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/abilities", s.instrument("abilities", s.handleListAbilities))
	mux.HandleFunc("/api/v1/abilities/", s.instrument("ability_invoke", s.handleAbilityInvoke))
	mux.HandleFunc("/api/v1/invocations", s.instrument("invocations", s.handleListInvocations))
	mux.HandleFunc("/api/v1/invocations/", s.instrument("invocation_detail", s.handleInvocationDetail))
	return mux
}

// instrument 包装处理函数以记录请求指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleListAbilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}

	type abilityInfo struct {
		PackageName string `json:"packageName"`
		CID         string `json:"cid"`
		Description string `json:"description"`
	}
	list := make([]abilityInfo, 0)
	for _, ab := range s.runtime.Abilities() {
		list = append(list, abilityInfo{
			PackageName: ab.PackageName(),
			CID:         ab.CID(),
			Description: ab.Description(),
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// handleAbilityInvoke 处理 /api/v1/abilities/{name}/precheck 与
// /api/v1/abilities/{name}/execute。
func (s *Server) handleAbilityInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/abilities/")
	name, action, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		http.Error(w, "路径格式应为 /api/v1/abilities/{name}/{precheck|execute}", http.StatusNotFound)
		return
	}

	var req ability.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var result *ability.Result
	switch action {
	case "precheck":
		result = s.runtime.Precheck(ctx, name, req)
	case "execute":
		result = s.runtime.Execute(ctx, name, req)
	default:
		http.Error(w, "未知操作: "+action, http.StatusNotFound)
		return
	}

	writeJSON(w, statusFor(result), result)
}

// statusFor 把结果信封映射到 HTTP 状态码。策略拒绝是业务结论
// 而非服务端错误，依然返回 200。
func statusFor(result *ability.Result) int {
	if result == nil {
		return http.StatusInternalServerError
	}
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorCode {
	case string(xerrors.CodeSchemaValidation), string(xerrors.CodeInvalidArgument):
		return http.StatusBadRequest
	case string(xerrors.CodePermissionDenied):
		return http.StatusForbidden
	case string(xerrors.CodePolicyDenied):
		return http.StatusOK
	case string(xerrors.CodeNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "调用存储未配置", http.StatusServiceUnavailable)
		return
	}

	opts := invocation.ListOptions{
		Ability:   r.URL.Query().Get("ability"),
		Delegator: r.URL.Query().Get("delegator"),
		Mode:      invocation.Mode(r.URL.Query().Get("mode")),
		Phase:     invocation.Phase(r.URL.Query().Get("phase")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts.Offset = parsed
		}
	}

	records, err := s.store.List(r.Context(), opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleInvocationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "调用存储未配置", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/invocations/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "非法的调用 ID", http.StatusNotFound)
		return
	}

	record, err := s.store.Get(r.Context(), id)
	if err != nil {
		if stdErrors.Is(err, invocation.ErrNotFound) {
			http.Error(w, "调用记录不存在", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
