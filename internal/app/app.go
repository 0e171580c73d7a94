package app

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/opspawn/agentos/internal/agent"
	"github.com/opspawn/agentos/internal/api"
	"github.com/opspawn/agentos/internal/budget"
	"github.com/opspawn/agentos/internal/config"
	"github.com/opspawn/agentos/internal/escrow"
	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/hiring"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/llm"
	"github.com/opspawn/agentos/internal/llm/openai"
	"github.com/opspawn/agentos/internal/observability/alerting"
	"github.com/opspawn/agentos/internal/observability/metrics"
	"github.com/opspawn/agentos/internal/orchestrator"
	"github.com/opspawn/agentos/internal/payment"
	"github.com/opspawn/agentos/internal/payment/ethereum"
	"github.com/opspawn/agentos/internal/registry"
	"github.com/opspawn/agentos/internal/scorer"
	"github.com/opspawn/agentos/internal/storage/mysql"
	"github.com/opspawn/agentos/internal/storage/postgres"
	"github.com/opspawn/agentos/internal/task"
	"github.com/opspawn/agentos/pkg/logger"
)

// App 持有装配完成的组件。
type App struct {
	cfg *config.Config
	log *slog.Logger

	Journal      *ledger.Journal
	Budgets      *budget.Tracker
	Escrow       *escrow.Escrow
	Registry     *registry.Registry
	Importer     *registry.Importer
	Scorer       *scorer.Scorer
	Hiring       *hiring.Manager
	Orchestrator *orchestrator.Orchestrator
	Tasks        *task.Service
	Processor    *task.Processor
	Gate         *payment.Gate
	Worker       *agent.Worker

	queue   task.Queue
	closers []func() error
}

// New 按配置创建全部组件，但不恢复状态也不启动后台任务。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置不能为空")
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
	}

	a := &App{cfg: cfg, log: logger.Named("app")}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	var db *sql.DB
	if cfg.UsesMySQL() {
		conn, err := mysql.Open(ctx, cfg.Storage.MySQL)
		if err != nil {
			return err
		}
		db = conn
		a.onClose(conn.Close)
	}

	ledgerStore, err := a.openLedgerStore(ctx, db)
	if err != nil {
		return err
	}
	a.Journal = ledger.NewJournal(ledgerStore, ledger.WithObserver(func(tx *ledger.Transaction) {
		metrics.ObserveLedger(string(tx.Kind), string(tx.Status))
	}))
	a.onClose(a.Journal.Close)

	a.Budgets = budget.NewTracker(a.Journal, cfg.Payment.Payer)

	facilitator, err := a.openFacilitator(ctx)
	if err != nil {
		return err
	}
	a.Escrow = escrow.New(a.Budgets, a.Journal, facilitator, escrow.WithObserver(func(h escrow.Hold) {
		metrics.ObserveHold(string(h.State), h.Amount.Float(), h.State == escrow.StateHeld)
	}))
	a.Gate = payment.NewGate(cfg.Payment.Config)

	var agentRepo registry.Repository
	if cfg.Storage.Registry.Driver == "mysql" {
		agentRepo = mysql.NewAgentStore(db)
	}
	a.Registry = registry.New(agentRepo)
	a.Importer = registry.NewImporter(a.Registry, cfg.Hiring.DiscoveryTimeout)

	var redisClient redis.UniversalClient
	if cfg.Queue.Driver == "redis" || cfg.Scorer.Cache == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		redisClient = client
		a.onClose(client.Close)
	}

	var feedback scorer.FeedbackStore = scorer.NewMemoryFeedbackStore()
	if db != nil {
		feedback = mysql.NewFeedbackStore(db)
	}
	scorerOpts := []scorer.Option{scorer.WithReputationSink(a.Registry)}
	if cfg.Scorer.Cache == "redis" {
		scorerOpts = append(scorerOpts, scorer.WithCache(scorer.NewRedisCache(redisClient, "agentos:score:", cfg.Scorer.CacheTTL)))
	}
	a.Scorer = scorer.New(feedback, cfg.Scorer.Config, scorerOpts...)

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	var verifier hiring.Verifier = hiring.NonEmpty()
	if cfg.Hiring.Verifier == "llm" {
		verifier = hiring.NewLLMVerifier(llmClient, cfg.Hiring.VerifyThreshold)
	}

	a.Worker = agent.New(llmClient, agent.WithLLMTimeout(cfg.LLM.Timeout))
	invoker := &hiring.Router{
		Local:  a.Worker,
		Remote: hiring.NewHTTPInvoker(cfg.Hiring.DispatchTimeout, cfg.Hiring.InvokeToken),
	}

	taskStore, err := a.openTaskStore(db)
	if err != nil {
		return err
	}

	a.Hiring = hiring.NewManager(hiring.Config{
		Payer:                cfg.Payment.Payer,
		DispatchTimeout:      cfg.Hiring.DispatchTimeout,
		VerifyTimeout:        cfg.Hiring.VerifyTimeout,
		MaxNegotiationRounds: cfg.Hiring.MaxNegotiationRounds,
	}, hiring.Dependencies{
		Directory: a.Registry,
		Budgets:   a.Budgets,
		Funds:     a.Escrow,
		Journal:   a.Journal,
		Invoker:   invoker,
		Verifier:  verifier,
		Ranker:    a.Scorer,
		Feedback:  a.Scorer,
	},
		hiring.WithObserver(orchestrator.StatusObserver(taskStore)),
		hiring.WithObserver(func(req hiring.Request) {
			var paid float64
			if req.State == hiring.StateReleased {
				paid = req.Price.Float()
			}
			metrics.ObserveHire(string(req.State), string(req.Reason), req.AgentID, paid)
		}),
	)

	var decomposer orchestrator.Decomposer = orchestrator.Static{}
	if cfg.Orchestrator.Decomposer == "llm" {
		decomposer = orchestrator.Static{Fallback: orchestrator.NewLLMDecomposer(llmClient, a.Registry)}
	}
	a.Orchestrator = orchestrator.New(a.Hiring, orchestrator.Config{
		RetryLimit:        cfg.Orchestrator.RetryLimit,
		Concurrency:       cfg.Orchestrator.Concurrency,
		MaxDialogueRounds: cfg.Orchestrator.MaxDialogueRounds,
	},
		orchestrator.WithDecomposer(decomposer),
		orchestrator.WithDirectory(a.Registry),
		orchestrator.WithStatusSink(taskStore),
		orchestrator.WithSettlement(a.Escrow, a.Budgets),
	)

	queue, err := a.openQueue(ctx, redisClient)
	if err != nil {
		_ = taskStore.Close()
		return err
	}
	a.queue = queue
	a.Tasks = task.NewService(taskStore, queue, a.Budgets, cfg.Orchestrator.MaxTaskRetries)
	a.onClose(a.Tasks.Close)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	a.Processor = task.NewProcessor(a.Orchestrator, taskStore, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithTaskTimeout(cfg.Orchestrator.TaskTimeout),
		task.WithFinalizer(a.Orchestrator),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
		task.WithTaskObserver(a.observeTask),
		task.WithProcessorLogger(logger.Named("processor")),
	)
	return nil
}

func (a *App) observeTask(t *task.Task) {
	metrics.ObserveTaskStatus(string(t.Status))
	if t.Status == task.StatusCompleted || t.Status == task.StatusFailed {
		a.Worker.Forget(t.ID)
	}
	if mq, ok := a.queue.(*task.MemoryQueue); ok {
		metrics.SetQueueDepth(mq.Len())
	}
}

func (a *App) openLedgerStore(ctx context.Context, db *sql.DB) (ledger.Store, error) {
	switch a.cfg.Storage.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "file":
		return ledger.NewFileStore(a.cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewLedgerStore(db), nil
	case "postgres":
		return postgres.Open(ctx, a.cfg.Storage.Postgres.DSN)
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", a.cfg.Storage.Ledger.Driver)
	}
}

func (a *App) openTaskStore(db *sql.DB) (task.Store, error) {
	switch a.cfg.Storage.Task.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", a.cfg.Storage.Task.Driver)
	}
}

func (a *App) openQueue(ctx context.Context, client redis.UniversalClient) (task.Queue, error) {
	cfg := a.cfg.Queue
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{Queue: cfg.Name, Client: client})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.Name,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func (a *App) openFacilitator(ctx context.Context) (payment.Facilitator, error) {
	cfg := a.cfg.Payment
	switch cfg.Facilitator {
	case "", "simulated":
		return payment.NewSimulated(cfg.Config, cfg.Secret), nil
	case "ethereum":
		f, err := ethereum.New(ctx, ethereum.Config{
			RPCURL:           cfg.RPCURL,
			PrivateKeyHex:    cfg.PrivateKey,
			ChainID:          cfg.ChainID,
			MinConfirmations: cfg.MinConfirmations,
			Payment:          cfg.Config,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { f.Close(); return nil })
		return f, nil
	default:
		return nil, fmt.Errorf("未知的 facilitator: %s", cfg.Facilitator)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// Recover 依次重建预算与冻结、核对结算中的冻结、终结中断的雇佣请求，
// 并写入配置中的种子智能体。必须在接受请求之前调用。
func (a *App) Recover(ctx context.Context) error {
	if n, err := a.Registry.Load(ctx); err != nil {
		return err
	} else if n > 0 {
		a.log.Info("已恢复智能体", slog.Int("count", n))
	}
	for _, seed := range a.cfg.Agents {
		if _, err := a.Registry.Register(ctx, seed); err != nil {
			if stdErrors.Is(err, registry.ErrDuplicateAgent) {
				continue
			}
			return fmt.Errorf("注册种子智能体 %s 失败: %w", seed.ID, err)
		}
	}
	// 远程名片不可达不阻塞启动。
	for _, base := range a.cfg.AgentCards {
		imported, err := a.Importer.Import(ctx, base)
		switch {
		case err == nil:
			a.log.Info("已导入远程智能体", slog.String("agent_id", imported.ID), slog.String("url", base))
		case stdErrors.Is(err, registry.ErrDuplicateAgent):
		default:
			a.log.Warn("导入远程智能体失败", slog.String("url", base), slog.Any("error", err))
		}
	}

	report, err := a.Escrow.Replay(ctx)
	if err != nil {
		return err
	}
	a.log.Info("账本重放完成",
		slog.Int("allocations", report.Allocations),
		slog.Int("holds", report.Holds),
		slog.Int("open", report.Open),
		slog.Int("pending", report.Pending),
	)
	if report.Pending > 0 {
		settled, err := a.Escrow.Reconcile(ctx)
		if err != nil {
			return err
		}
		a.log.Info("结算核对完成", slog.Int("settled", len(settled)))
	}

	interrupted, err := a.Hiring.Recover(ctx)
	if err != nil {
		return err
	}
	if len(interrupted) > 0 {
		a.log.Warn("已终结中断的雇佣请求", slog.Int("count", len(interrupted)))
	}
	return nil
}

// Services 返回 API 与 MCP 使用的业务组件集合。
func (a *App) Services() api.Services {
	return api.Services{
		Tasks:    a.Tasks,
		Hirer:    a.Hiring,
		Budgets:  a.Budgets,
		Agents:   a.Registry,
		Importer: a.Importer,
		Ledger:   a.Journal,
		Scores:   a.Scorer,
		Gate:     a.Gate,
	}
}

// Run 恢复状态、启动任务处理器与指标服务，并阻塞在 API 服务上直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	if err := a.Recover(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := a.Processor.Start(runCtx); err != nil && !stdErrors.Is(err, context.Canceled) {
			a.log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(runCtx, a.cfg.Metrics.Address); err != nil {
				a.log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(a.cfg.Server.Address, a.Services(),
		api.WithAllowedOrigins(a.cfg.Server.AllowedOrigins...),
		api.WithShutdownTimeout(a.cfg.Server.ShutdownTimeout),
	)
	if err := server.Start(runCtx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close 按创建的逆序释放资源。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stdErrors.Join(errs...)
}
