package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opspawn/agentos/internal/payment"
	"github.com/opspawn/agentos/internal/registry"
	"github.com/opspawn/agentos/internal/scorer"
	"github.com/opspawn/agentos/internal/storage/mysql"
	"github.com/opspawn/agentos/pkg/logger"
)

// DefaultPath 为未设置 AGENTOS_CONFIG 时使用的配置路径。
const DefaultPath = "configs/agentos.yaml"

// Config 描述了 agentos 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      logger.Config      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Queue        QueueConfig        `yaml:"queue"`
	Payment      PaymentConfig      `yaml:"payment"`
	Hiring       HiringConfig       `yaml:"hiring"`
	Scorer       ScorerConfig       `yaml:"scorer"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	LLM          LLMConfig          `yaml:"llm"`
	Agents       []registry.Agent   `yaml:"agents"`
	AgentCards   []string           `yaml:"agent_cards"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig 为账本、任务与注册表分别选择存储驱动。
type StorageConfig struct {
	Ledger   DriverConfig   `yaml:"ledger"`
	Task     DriverConfig   `yaml:"task"`
	Registry DriverConfig   `yaml:"registry"`
	MySQL    mysql.Config   `yaml:"mysql"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// DriverConfig 指定单个组件的驱动名。
type DriverConfig struct {
	Driver string `yaml:"driver"`
}

// PostgresConfig 描述 Postgres 连接。
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig 同时服务于任务队列与评分缓存。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig 控制任务提交队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Name     string         `yaml:"name"`
	Size     int            `yaml:"size"`
	Workers  int            `yaml:"workers"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Prefetch int    `yaml:"prefetch"`
}

// PaymentConfig 控制 x402 支付参数与 facilitator 选择。
type PaymentConfig struct {
	payment.Config   `yaml:",inline"`
	Payer            string `yaml:"payer"`
	Facilitator      string `yaml:"facilitator"`
	Secret           string `yaml:"secret"`
	RPCURL           string `yaml:"rpc_url"`
	ChainID          int64  `yaml:"chain_id"`
	PrivateKey       string `yaml:"private_key"`
	MinConfirmations uint64 `yaml:"min_confirmations"`
}

// HiringConfig 控制单次雇佣的超时与议价轮数。
type HiringConfig struct {
	DispatchTimeout      time.Duration `yaml:"dispatch_timeout"`
	VerifyTimeout        time.Duration `yaml:"verify_timeout"`
	MaxNegotiationRounds int           `yaml:"max_negotiation_rounds"`
	Verifier             string        `yaml:"verifier"`
	VerifyThreshold      float64       `yaml:"verify_threshold"`
	InvokeToken          string        `yaml:"invoke_token"`
	DiscoveryTimeout     time.Duration `yaml:"discovery_timeout"`
}

// ScorerConfig 在评分参数之外指定缓存驱动。
type ScorerConfig struct {
	scorer.Config `yaml:",inline"`
	Cache         string        `yaml:"cache"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// OrchestratorConfig 控制任务分解与执行。
type OrchestratorConfig struct {
	RetryLimit        int           `yaml:"retry_limit"`
	Concurrency       int           `yaml:"concurrency"`
	MaxDialogueRounds int           `yaml:"max_dialogue_rounds"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	MaxTaskRetries    int           `yaml:"max_task_retries"`
	Decomposer        string        `yaml:"decomposer"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MetricsConfig 控制 Prometheus 暴露方式。Address 为空时挂在 API 服务上。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// PathFromEnv 返回 AGENTOS_CONFIG 指定的路径，未设置时返回 DefaultPath。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv("AGENTOS_CONFIG")); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	// 0 是合法的探索率（关闭探索），因此在解析前写入默认值，只有缺省时才生效。
	cfg.Scorer.ExplorationRate = scorer.DefaultConfig().ExplorationRate
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	for _, driver := range []*DriverConfig{&c.Storage.Ledger, &c.Storage.Task, &c.Storage.Registry} {
		if driver.Driver == "" {
			driver.Driver = "memory"
		}
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "agentos:tasks"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = c.Queue.Workers
	}

	c.Payment.Config = c.Payment.Config.WithDefaults()
	if c.Payment.Payer == "" {
		c.Payment.Payer = "ceo"
	}
	if c.Payment.Facilitator == "" {
		c.Payment.Facilitator = "simulated"
	}
	if c.Payment.ChainID == 0 {
		c.Payment.ChainID = 8453
	}

	if c.Hiring.DispatchTimeout <= 0 {
		c.Hiring.DispatchTimeout = 2 * time.Minute
	}
	if c.Hiring.VerifyTimeout <= 0 {
		c.Hiring.VerifyTimeout = 30 * time.Second
	}
	if c.Hiring.DiscoveryTimeout <= 0 {
		c.Hiring.DiscoveryTimeout = 10 * time.Second
	}
	if c.Hiring.MaxNegotiationRounds <= 0 {
		c.Hiring.MaxNegotiationRounds = 1
	}
	if c.Hiring.Verifier == "" {
		c.Hiring.Verifier = "non_empty"
	}
	if c.Hiring.VerifyThreshold <= 0 {
		c.Hiring.VerifyThreshold = 0.6
	}

	c.Scorer.Config = mergeScorer(c.Scorer.Config)
	if c.Scorer.Cache == "" {
		c.Scorer.Cache = "none"
	}
	if c.Scorer.CacheTTL <= 0 {
		c.Scorer.CacheTTL = 5 * time.Minute
	}

	if c.Orchestrator.RetryLimit <= 0 {
		c.Orchestrator.RetryLimit = 2
	}
	if c.Orchestrator.Concurrency <= 0 {
		c.Orchestrator.Concurrency = 4
	}
	if c.Orchestrator.MaxDialogueRounds <= 0 {
		c.Orchestrator.MaxDialogueRounds = 10
	}
	if c.Orchestrator.TaskTimeout <= 0 {
		c.Orchestrator.TaskTimeout = 10 * time.Minute
	}
	if c.Orchestrator.MaxTaskRetries <= 0 {
		c.Orchestrator.MaxTaskRetries = 3
	}
	if c.Orchestrator.Decomposer == "" {
		c.Orchestrator.Decomposer = "static"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
}

// applyEnv 让部署环境覆盖敏感或随环境变化的配置。
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTOS_MYSQL_DSN"); v != "" {
		c.Storage.MySQL.DSN = v
	}
	if v := os.Getenv("AGENTOS_POSTGRES_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("AGENTOS_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Address = v
	}
	if v := os.Getenv("AGENTOS_RABBITMQ_URL"); v != "" {
		c.Queue.RabbitMQ.URL = v
	}
	if v := os.Getenv("AGENTOS_FACILITATOR_KEY"); v != "" {
		c.Payment.PrivateKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
}

// Validate 检查驱动名称以及驱动所需的连接信息。
func (c *Config) Validate() error {
	var errs []error
	check := func(section, value string, allowed ...string) {
		for _, candidate := range allowed {
			if value == candidate {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 不支持的取值 %q", section, value))
	}

	check("storage.ledger.driver", c.Storage.Ledger.Driver, "memory", "file", "mysql", "postgres")
	check("storage.task.driver", c.Storage.Task.Driver, "memory", "mysql")
	check("storage.registry.driver", c.Storage.Registry.Driver, "memory", "mysql")
	check("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq")
	check("payment.facilitator", c.Payment.Facilitator, "simulated", "ethereum")
	check("hiring.verifier", c.Hiring.Verifier, "non_empty", "llm")
	check("scorer.cache", c.Scorer.Cache, "none", "redis")
	check("orchestrator.decomposer", c.Orchestrator.Decomposer, "static", "llm")
	check("llm.provider", c.LLM.Provider, "none", "openai")

	if c.usesMySQL() && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, errors.New("使用 mysql 驱动时必须配置 storage.mysql.dsn"))
	}
	if c.Storage.Ledger.Driver == "postgres" && strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
		errs = append(errs, errors.New("使用 postgres 驱动时必须配置 storage.postgres.dsn"))
	}
	if (c.Queue.Driver == "redis" || c.Scorer.Cache == "redis") && strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, errors.New("使用 redis 时必须配置 storage.redis.address"))
	}
	if c.Queue.Driver == "rabbitmq" && strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("使用 rabbitmq 队列时必须配置 queue.rabbitmq.url"))
	}
	if c.Payment.Facilitator == "ethereum" && strings.TrimSpace(c.Payment.PrivateKey) == "" {
		errs = append(errs, errors.New("ethereum facilitator 需要 payment.private_key"))
	}
	if (c.Hiring.Verifier == "llm" || c.Orchestrator.Decomposer == "llm") && c.LLM.Provider == "none" {
		errs = append(errs, errors.New("llm 校验器或分解器需要配置 llm.provider"))
	}
	if c.LLM.Provider == "openai" && strings.TrimSpace(c.LLM.APIKey) == "" {
		errs = append(errs, errors.New("openai provider 需要 llm.api_key 或 OPENAI_API_KEY"))
	}
	return errors.Join(errs...)
}

// usesMySQL 判断是否有组件选择了 mysql 驱动。
func (c *Config) usesMySQL() bool {
	return c.Storage.Ledger.Driver == "mysql" || c.Storage.Task.Driver == "mysql" || c.Storage.Registry.Driver == "mysql"
}

// UsesMySQL 供启动流程决定是否建立 MySQL 连接。
func (c *Config) UsesMySQL() bool { return c.usesMySQL() }

func mergeScorer(cfg scorer.Config) scorer.Config {
	def := scorer.DefaultConfig()
	if cfg.Weights == (scorer.Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	if cfg.Prior <= 0 {
		cfg.Prior = def.Prior
	}
	if cfg.ExplorationRate < 0 || cfg.ExplorationRate > 1 {
		cfg.ExplorationRate = def.ExplorationRate
	}
	if cfg.LatencyScale <= 0 {
		cfg.LatencyScale = def.LatencyScale
	}
	if cfg.MaxEfficiency <= 0 {
		cfg.MaxEfficiency = def.MaxEfficiency
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return cfg
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
