package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspawn/agentos/internal/money"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":9090\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Ledger.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "eip155:8453", cfg.Payment.Network)
	assert.Equal(t, 6, cfg.Payment.Decimals)
	assert.Equal(t, 300*time.Second, cfg.Payment.Deadline)
	assert.Equal(t, "simulated", cfg.Payment.Facilitator)
	assert.Equal(t, 10, cfg.Orchestrator.MaxDialogueRounds)
	assert.InDelta(t, 0.15, cfg.Scorer.ExplorationRate, 1e-9)
	assert.InDelta(t, 10, cfg.Scorer.HalfLife, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.Hiring.DiscoveryTimeout)
	assert.Empty(t, cfg.AgentCards)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data"), cfg.Runtime.DataDir)
}

func TestLoadParsesSectionsAndAgents(t *testing.T) {
	path := writeConfig(t, `
storage:
  ledger:
    driver: file
hiring:
  dispatch_timeout: 45s
  max_negotiation_rounds: 3
scorer:
  exploration_rate: 0.3
  seed: 42
runtime:
  data_dir: state
agents:
  - id: scout
    name: Scout
    capabilities: [research]
    price: "1.5"
    endpoint: http://scout.local/invoke
  - id: builder
    capabilities: [build]
    internal: true
agent_cards:
  - https://copy.example
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Storage.Ledger.Driver)
	assert.Equal(t, 45*time.Second, cfg.Hiring.DispatchTimeout)
	assert.Equal(t, 3, cfg.Hiring.MaxNegotiationRounds)
	assert.InDelta(t, 0.3, cfg.Scorer.ExplorationRate, 1e-9)
	assert.Equal(t, uint64(42), cfg.Scorer.Seed)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "state"), cfg.Runtime.DataDir)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, money.MustParse("1.5"), cfg.Agents[0].Price)
	assert.True(t, cfg.Agents[1].Internal)
	assert.Equal(t, []string{"https://copy.example"}, cfg.AgentCards)
}

func TestLoadKeepsExplicitZeroExplorationRate(t *testing.T) {
	cfg, err := Load(writeConfig(t, "scorer:\n  exploration_rate: 0\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Scorer.ExplorationRate)

	cfg, err = Load(writeConfig(t, "scorer:\n  seed: 3\n"))
	require.NoError(t, err)
	assert.InDelta(t, 0.15, cfg.Scorer.ExplorationRate, 1e-9)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AGENTOS_MYSQL_DSN", "user:pass@tcp(db:3306)/agentos")
	t.Setenv("AGENTOS_REDIS_ADDR", "redis:6379")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := writeConfig(t, `
storage:
  task:
    driver: mysql
queue:
  driver: redis
llm:
  provider: openai
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "user:pass@tcp(db:3306)/agentos", cfg.Storage.MySQL.DSN)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Address)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.True(t, cfg.UsesMySQL())
}

func TestValidateRejectsIncompleteDrivers(t *testing.T) {
	cases := map[string]string{
		"unknown ledger":                "storage:\n  ledger:\n    driver: sqlite\n",
		"mysql without dsn":             "storage:\n  registry:\n    driver: mysql\n",
		"rabbitmq without url":          "queue:\n  driver: rabbitmq\n",
		"ethereum without key":          "payment:\n  facilitator: ethereum\n",
		"llm verifier without provider": "hiring:\n  verifier: llm\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("AGENTOS_CONFIG", "")
	assert.Equal(t, DefaultPath, PathFromEnv())
	t.Setenv("AGENTOS_CONFIG", "/etc/agentos.yaml")
	assert.Equal(t, "/etc/agentos.yaml", PathFromEnv())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = Load("")
	assert.Error(t, err)
}
