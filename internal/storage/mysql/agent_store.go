package mysql

import (
	"context"
	"database/sql"
	"strings"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/registry"
)

// AgentStore 实现 registry.Repository。
type AgentStore struct {
	db *sql.DB
}

// NewAgentStore 创建智能体存储。
func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

// Save 插入或覆盖智能体记录。
func (s *AgentStore) Save(ctx context.Context, agent registry.Agent) error {
	const stmt = `INSERT INTO agents (id, name, description, capabilities, internal, price, endpoint, reputation, active, registered_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE name = VALUES(name), description = VALUES(description), capabilities = VALUES(capabilities),
        internal = VALUES(internal), price = VALUES(price), endpoint = VALUES(endpoint), reputation = VALUES(reputation),
        active = VALUES(active), updated_at = VALUES(updated_at)`
	_, err := s.db.ExecContext(ctx, stmt,
		agent.ID,
		agent.Name,
		nullString(agent.Description),
		strings.Join(agent.Capabilities, ","),
		agent.Internal,
		agent.Price.Micro(),
		agent.Endpoint,
		agent.Reputation,
		agent.Active,
		agent.RegisteredAt,
		agent.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存智能体失败")
	}
	return nil
}

// LoadAll 返回全部智能体，包括已停用的。
func (s *AgentStore) LoadAll(ctx context.Context) ([]registry.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, capabilities, internal, price, endpoint, reputation, active, registered_at, updated_at
        FROM agents ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	defer rows.Close()

	var agents []registry.Agent
	for rows.Next() {
		var (
			agent        registry.Agent
			description  sql.NullString
			capabilities string
			price        int64
		)
		if err := rows.Scan(&agent.ID, &agent.Name, &description, &capabilities, &agent.Internal, &price,
			&agent.Endpoint, &agent.Reputation, &agent.Active, &agent.RegisteredAt, &agent.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体失败")
		}
		agent.Description = description.String
		agent.Price = money.FromMicro(price)
		if capabilities != "" {
			agent.Capabilities = strings.Split(capabilities, ",")
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return agents, nil
}

var _ registry.Repository = (*AgentStore)(nil)
