package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/opspawn/agentos/internal/budget"
	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/hiring"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/observability/metrics"
	"github.com/opspawn/agentos/internal/payment"
	"github.com/opspawn/agentos/internal/registry"
	"github.com/opspawn/agentos/internal/scorer"
	"github.com/opspawn/agentos/internal/task"
	"github.com/opspawn/agentos/pkg/logger"
)

// Tasks 是任务受理服务。
type Tasks interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
}

// Hirer 执行单次雇佣。
type Hirer interface {
	Hire(ctx context.Context, spec hiring.Spec) (*hiring.Request, error)
	List(taskID string) []hiring.Request
}

// Budgets 查询任务预算。
type Budgets interface {
	Get(taskID string) (budget.Allocation, error)
}

// Agents 是智能体注册表。
type Agents interface {
	Register(ctx context.Context, agent registry.Agent) (registry.Agent, error)
	Get(id string) (registry.Agent, error)
	List(capability string) []registry.Agent
}

// Ledger 提供账本查询。
type Ledger interface {
	List(ctx context.Context, filter ledger.Filter) ([]*ledger.Transaction, error)
	Transitions(ctx context.Context, filter ledger.Filter) ([]*ledger.Transition, error)
	Balances(ctx context.Context) ([]ledger.Balance, error)
	Costs(ctx context.Context, window time.Duration) (ledger.CostReport, error)
}

// Importer 从远程 A2A 名片登记外部智能体。
type Importer interface {
	Import(ctx context.Context, base string) (registry.Agent, error)
}

// Scores 返回智能体评分详情。
type Scores interface {
	Details(ctx context.Context, agentID string) (scorer.AgentScore, error)
}

// PaymentGate 生成 x402 支付要求。
type PaymentGate interface {
	Required(resource, description, payTo string, price money.Amount) payment.PaymentRequired
}

// Services 汇总 API 依赖的业务组件，nil 字段对应的路由返回 503。
type Services struct {
	Tasks    Tasks
	Hirer    Hirer
	Budgets  Budgets
	Agents   Agents
	Importer Importer
	Ledger   Ledger
	Scores   Scores
	Gate     PaymentGate
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	svc             Services
	allowedOrigins  []string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithAllowedOrigins 设置 CORS 允许的来源。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Services, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		svc:             svc,
		allowedOrigins:  []string{"*"},
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带 CORS 与指标采集的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/tasks", s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/{id}", s.handleTaskDetail)
	s.route(mux, "POST /api/v1/hires", s.handleCreateHire)
	s.route(mux, "GET /api/v1/hires", s.handleListHires)
	s.route(mux, "GET /api/v1/budgets/{taskID}", s.handleBudget)
	s.route(mux, "GET /api/v1/agents", s.handleListAgents)
	s.route(mux, "POST /api/v1/agents", s.handleRegisterAgent)
	s.route(mux, "POST /api/v1/agents/import", s.handleImportAgent)
	s.route(mux, "GET /api/v1/agents/{id}", s.handleAgentDetail)
	s.route(mux, "GET /api/v1/agents/{id}/payment", s.handleAgentPayment)
	s.route(mux, "GET /api/v1/agents/{id}/score", s.handleAgentScore)
	s.route(mux, "GET /api/v1/ledger", s.handleLedger)
	s.route(mux, "GET /api/v1/ledger/transitions", s.handleTransitions)
	s.route(mux, "GET /api/v1/balances", s.handleBalances)
	s.route(mux, "GET /api/v1/analytics/costs", s.handleCosts)
	s.route(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Payment-Required"},
	})
	return c.Handler(mux)
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册处理器并记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(rec, r)
		metrics.ObserveHTTPRequest(path, method, rec.status, time.Since(start))
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tasks == nil {
		writeUnavailable(w, "任务服务未初始化")
		return
	}
	var req task.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := s.svc.Tasks.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tasks == nil {
		writeUnavailable(w, "任务服务未初始化")
		return
	}
	query := r.URL.Query()
	opts := []task.ListOption{task.WithLimit(parseLimit(query.Get("limit"), 20))}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				writeProblem(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "未知的任务状态: "+string(status))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("settled"); raw != "" {
		settled, err := strconv.ParseBool(raw)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "settled 必须是布尔值")
			return
		}
		opts = append(opts, task.OnlySettled(settled))
	}
	if raw := query.Get("min_budget"); raw != "" {
		amount, err := money.Parse(raw)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "min_budget 格式错误")
			return
		}
		opts = append(opts, task.WithMinBudget(amount))
	}
	if q := strings.TrimSpace(query.Get("q")); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	tasks, err := s.svc.Tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.svc.Tasks == nil {
		writeUnavailable(w, "任务服务未初始化")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeProblem(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "缺少任务 ID")
		return
	}
	found, err := s.svc.Tasks.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleCreateHire(w http.ResponseWriter, r *http.Request) {
	if s.svc.Hirer == nil {
		writeUnavailable(w, "雇佣服务未初始化")
		return
	}
	var spec hiring.Spec
	if !decodeBody(w, r, &spec) {
		return
	}
	req, err := s.svc.Hirer.Hire(r.Context(), spec)
	if err != nil {
		if req == nil {
			s.writeError(w, err)
			return
		}
		s.logger.Warn("雇佣以基础设施错误结束", slog.String("request_id", req.ID), slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListHires(w http.ResponseWriter, r *http.Request) {
	if s.svc.Hirer == nil {
		writeUnavailable(w, "雇佣服务未初始化")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Hirer.List(r.URL.Query().Get("task_id")))
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.svc.Budgets == nil {
		writeUnavailable(w, "预算服务未初始化")
		return
	}
	alloc, err := s.svc.Budgets.Get(r.PathValue("taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetView{Allocation: alloc, Headroom: alloc.Headroom()})
}

type budgetView struct {
	budget.Allocation
	Headroom money.Amount `json:"headroom"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.svc.Agents == nil {
		writeUnavailable(w, "注册表未初始化")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Agents.List(r.URL.Query().Get("capability")))
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.svc.Agents == nil {
		writeUnavailable(w, "注册表未初始化")
		return
	}
	var agent registry.Agent
	if !decodeBody(w, r, &agent) {
		return
	}
	registered, err := s.svc.Agents.Register(r.Context(), agent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

type importRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleImportAgent(w http.ResponseWriter, r *http.Request) {
	if s.svc.Importer == nil {
		writeUnavailable(w, "名片导入未初始化")
		return
	}
	var req importRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeProblem(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "缺少 url")
		return
	}
	imported, err := s.svc.Importer.Import(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, imported)
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	if s.svc.Agents == nil {
		writeUnavailable(w, "注册表未初始化")
		return
	}
	agent, err := s.svc.Agents.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleAgentPayment 对付费智能体返回 402 与 x402 支付要求，内部智能体直接返回 200。
func (s *Server) handleAgentPayment(w http.ResponseWriter, r *http.Request) {
	if s.svc.Agents == nil || s.svc.Gate == nil {
		writeUnavailable(w, "支付服务未初始化")
		return
	}
	agent, err := s.svc.Agents.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !agent.Price.IsPositive() {
		writeJSON(w, http.StatusOK, map[string]any{"agent_id": agent.ID, "price": agent.Price})
		return
	}
	required := s.svc.Gate.Required(r.URL.Path, "hire "+agent.Name, "", agent.Price)
	writeJSON(w, http.StatusPaymentRequired, required)
}

func (s *Server) handleAgentScore(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scores == nil {
		writeUnavailable(w, "评分服务未初始化")
		return
	}
	score, err := s.svc.Scores.Details(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		writeUnavailable(w, "账本未初始化")
		return
	}
	txs, err := s.svc.Ledger.List(r.Context(), ledgerFilter(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		writeUnavailable(w, "账本未初始化")
		return
	}
	transitions, err := s.svc.Ledger.Transitions(r.Context(), ledgerFilter(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitions)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		writeUnavailable(w, "账本未初始化")
		return
	}
	balances, err := s.svc.Ledger.Balances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		writeUnavailable(w, "账本未初始化")
		return
	}
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeProblem(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "window 必须是正的时长，例如 30m")
			return
		}
		window = parsed
	}
	report, err := s.svc.Ledger.Costs(r.Context(), window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ledgerFilter(r *http.Request) ledger.Filter {
	query := r.URL.Query()
	return ledger.Filter{
		TaskID:    query.Get("task_id"),
		HoldID:    query.Get("hold_id"),
		RequestID: query.Get("request_id"),
		Kind:      ledger.Kind(strings.ToUpper(query.Get("kind"))),
		Status:    ledger.Status(strings.ToUpper(query.Get("status"))),
		Limit:     parseLimit(query.Get("limit"), 0),
	}
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

type problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
	}
	writeProblem(w, status, string(xerrors.CodeOf(err)), message)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, problem{Code: code, Message: message})
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeProblem(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), message)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败")
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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
