// Package mcpserver 通过 MCP 协议向智能体客户端暴露市场操作，工具与 REST 接口一一对应。
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opspawn/agentos/internal/api"
	"github.com/opspawn/agentos/internal/hiring"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/registry"
	"github.com/opspawn/agentos/internal/task"
)

// Version 为 MCP 服务版本。
const Version = "1.0.0"

// Server 将业务服务注册为 MCP 工具。
type Server struct {
	mcpServer *server.MCPServer
	svc       api.Services
}

// New 创建 MCP 服务并注册全部工具。
func New(svc api.Services) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer("agentos", Version, server.WithToolCapabilities(true)),
		svc:       svc,
	}
	s.registerTools()
	return s
}

// MCPServer 返回底层服务，供传输层使用。
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio 以标准输入输出作为传输层运行，直到输入关闭。
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("submit_task",
		mcp.WithDescription("Submit a task with a USDC budget; the coordinator decomposes it and hires agents"),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the task should achieve")),
		mcp.WithString("budget", mcp.Required(), mcp.Description("Budget in USDC, e.g. \"10.5\"")),
		mcp.WithString("id", mcp.Description("Optional idempotency id")),
	), s.submitTask)

	s.mcpServer.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get task status and result"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.getTask)

	s.mcpServer.AddTool(mcp.NewTool("submit_hire",
		mcp.WithDescription("Hire one agent for a capability within a price ceiling, paid from the task budget"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task whose budget pays for the hire")),
		mcp.WithString("capability", mcp.Required(), mcp.Description("Capability tag")),
		mcp.WithString("ceiling", mcp.Required(), mcp.Description("Maximum price in USDC")),
		mcp.WithString("input", mcp.Description("Input passed to the agent")),
		mcp.WithString("subtask", mcp.Description("Subtask key, defaults to the capability")),
	), s.submitHire)

	s.mcpServer.AddTool(mcp.NewTool("get_budget",
		mcp.WithDescription("Get the budget allocation of a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.getBudget)

	s.mcpServer.AddTool(mcp.NewTool("list_agents",
		mcp.WithDescription("List registered agents, optionally filtered by capability"),
		mcp.WithString("capability", mcp.Description("Capability tag")),
	), s.listAgents)

	s.mcpServer.AddTool(mcp.NewTool("register_agent",
		mcp.WithDescription("Register an agent in the marketplace"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Agent id")),
		mcp.WithString("name", mcp.Description("Display name")),
		mcp.WithString("capabilities", mcp.Required(), mcp.Description("Comma separated capability tags")),
		mcp.WithString("price", mcp.Description("Price per hire in USDC")),
		mcp.WithString("endpoint", mcp.Description("HTTP endpoint that receives invocations")),
		mcp.WithString("description", mcp.Description("What the agent does")),
	), s.registerAgent)

	s.mcpServer.AddTool(mcp.NewTool("import_agent",
		mcp.WithDescription("Register an external agent from its A2A card at /.well-known/agent.json"),
		mcp.WithString("url", mcp.Required(), mcp.Description("Base URL of the remote agent")),
	), s.importAgent)

	s.mcpServer.AddTool(mcp.NewTool("get_ledger",
		mcp.WithDescription("List ledger transactions, optionally for one task"),
		mcp.WithString("task_id", mcp.Description("Task id")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of transactions")),
	), s.getLedger)

	s.mcpServer.AddTool(mcp.NewTool("cost_report",
		mcp.WithDescription("Summarise confirmed spend by agent, capability and task, with trend and best-value agents"),
		mcp.WithString("window", mcp.Description("Trend window such as \"30m\" or \"24h\", defaults to 1h")),
	), s.costReport)

	s.mcpServer.AddTool(mcp.NewTool("agent_score",
		mcp.WithDescription("Get the composite reputation score of an agent"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent id")),
	), s.agentScore)
}

func (s *Server) submitTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Tasks == nil {
		return unavailable("task service"), nil
	}
	description, err := request.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	amount, err := requireAmount(request, "budget")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	created, err := s.svc.Tasks.Submit(ctx, task.SubmitRequest{
		ID:          request.GetString("id", ""),
		Description: description,
		Budget:      amount,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit task: %v", err)), nil
	}
	return jsonResult(created)
}

func (s *Server) getTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Tasks == nil {
		return unavailable("task service"), nil
	}
	id, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	found, err := s.svc.Tasks.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
	}
	return jsonResult(found)
}

func (s *Server) submitHire(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Hirer == nil {
		return unavailable("hiring service"), nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	capability, err := request.RequireString("capability")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ceiling, err := requireAmount(request, "ceiling")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req, err := s.svc.Hirer.Hire(ctx, hiring.Spec{
		TaskID:     taskID,
		Subtask:    request.GetString("subtask", ""),
		Capability: capability,
		Ceiling:    ceiling,
		Input:      request.GetString("input", ""),
	})
	if req == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to hire: %v", err)), nil
	}
	return jsonResult(req)
}

func (s *Server) getBudget(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Budgets == nil {
		return unavailable("budget tracker"), nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	alloc, err := s.svc.Budgets.Get(taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get budget: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"task_id":   alloc.TaskID,
		"allocated": alloc.Allocated,
		"held":      alloc.Held,
		"spent":     alloc.Spent,
		"headroom":  alloc.Headroom(),
		"closed":    alloc.Closed,
	})
}

func (s *Server) listAgents(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Agents == nil {
		return unavailable("registry"), nil
	}
	return jsonResult(s.svc.Agents.List(request.GetString("capability", "")))
}

func (s *Server) registerAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Agents == nil {
		return unavailable("registry"), nil
	}
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawCaps, err := request.RequireString("capabilities")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	price := money.Zero
	if raw := request.GetString("price", ""); raw != "" {
		if price, err = money.Parse(raw); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid price: %v", err)), nil
		}
	}
	registered, err := s.svc.Agents.Register(ctx, registry.Agent{
		ID:           id,
		Name:         request.GetString("name", ""),
		Description:  request.GetString("description", ""),
		Capabilities: strings.Split(rawCaps, ","),
		Price:        price,
		Endpoint:     request.GetString("endpoint", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to register agent: %v", err)), nil
	}
	return jsonResult(registered)
}

func (s *Server) importAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Importer == nil {
		return unavailable("agent card importer"), nil
	}
	base, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	imported, err := s.svc.Importer.Import(ctx, base)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to import agent: %v", err)), nil
	}
	return jsonResult(imported)
}

func (s *Server) costReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Ledger == nil {
		return unavailable("ledger"), nil
	}
	var window time.Duration
	if raw := request.GetString("window", ""); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid window %q", raw)), nil
		}
		window = parsed
	}
	report, err := s.svc.Ledger.Costs(ctx, window)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to build cost report: %v", err)), nil
	}
	return jsonResult(report)
}

func (s *Server) getLedger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Ledger == nil {
		return unavailable("ledger"), nil
	}
	txs, err := s.svc.Ledger.List(ctx, ledger.Filter{
		TaskID: request.GetString("task_id", ""),
		Limit:  request.GetInt("limit", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list ledger: %v", err)), nil
	}
	return jsonResult(txs)
}

func (s *Server) agentScore(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.svc.Scores == nil {
		return unavailable("scorer"), nil
	}
	agentID, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	score, err := s.svc.Scores.Details(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score agent: %v", err)), nil
	}
	return jsonResult(score)
}

func requireAmount(request mcp.CallToolRequest, key string) (money.Amount, error) {
	raw, err := request.RequireString(key)
	if err != nil {
		return money.Zero, err
	}
	amount, err := money.Parse(raw)
	if err != nil {
		return money.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return amount, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func unavailable(component string) *mcp.CallToolResult {
	return mcp.NewToolResultError(component + " is not configured")
}
