package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/safety"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// DefaultWaitTimeout bounds how long run_task blocks when asked to wait.
const DefaultWaitTimeout = 10 * time.Minute

// Service is the agent surface exposed over MCP.
type Service interface {
	Start(ctx context.Context, objective domain.TaskObjective) (string, error)
	Wait(ctx context.Context, runID string) (*domain.RunState, error)
	Cancel(runID string) error
	Load(ctx context.Context, runID string) (*domain.RunState, error)
	Tools() []domain.ToolSpec
}

// RunResponse aligns with the HTTP run representation, trimmed for tool callers.
type RunResponse struct {
	RunID     string           `json:"run_id" jsonschema_description:"Identifier of the run"`
	Status    domain.RunStatus `json:"status" jsonschema_description:"running, succeeded, failed or exhausted"`
	Reason    domain.Reason    `json:"reason,omitempty" jsonschema_description:"Machine-readable termination reason"`
	Detail    string           `json:"detail,omitempty" jsonschema_description:"Human-readable failure cause"`
	Phase     domain.Phase     `json:"phase,omitempty" jsonschema_description:"Current state machine phase"`
	Iteration int              `json:"iteration" jsonschema_description:"Current or final iteration"`
	Summary   string           `json:"summary,omitempty" jsonschema_description:"Finalizer summary or last critic feedback"`
}

// RunTaskArgs are the arguments of run_task.
type RunTaskArgs struct {
	Goal                string   `json:"goal"`
	SuccessCriteria     string   `json:"success_criteria,omitempty"`
	IterationCap        int      `json:"iteration_cap,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	Seed                int64    `json:"seed,omitempty"`
	Wait                *bool    `json:"wait,omitempty"`
}

// RunRef names a run.
type RunRef struct {
	RunID string `json:"run_id"`
}

// Server exposes an Agent as an MCP server.
type Server struct {
	service     Service
	mcpServer   *server.MCPServer
	waitTimeout time.Duration
	logger      *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) { s.waitTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new MCP Server instance.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{
		service:     svc,
		mcpServer:   server.NewMCPServer("espalier-mcp", strings.TrimSpace(espalier.Version)),
		waitTimeout: DefaultWaitTimeout,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server, e.g. for in-process transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	runTool := mcp.NewTool("run_task",
		mcp.WithDescription("Run an engineering objective through the plan, implement, evaluate and critique loop."),
		mcp.WithString("goal", mcp.Required(), mcp.Description("The engineering objective")),
		mcp.WithString("success_criteria", mcp.Description("What a correct result looks like (optional)")),
		mcp.WithNumber("iteration_cap", mcp.Description("Maximum number of iterations (optional)")),
		mcp.WithNumber("confidence_threshold", mcp.Description("Minimum critic confidence in [0,1] (optional)")),
		mcp.WithNumber("seed", mcp.Description("Seed for deterministic sampling (optional)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run terminates (default true)")),
		mcp.WithOutputSchema[RunResponse](),
	)
	s.mcpServer.AddTool(runTool, mcp.NewStructuredToolHandler(s.handleRunTask))

	getTool := mcp.NewTool("get_run",
		mcp.WithDescription("Get the status of a run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run identifier")),
		mcp.WithOutputSchema[RunResponse](),
	)
	s.mcpServer.AddTool(getTool, mcp.NewStructuredToolHandler(s.handleGetRun))

	cancelTool := mcp.NewTool("cancel_run",
		mcp.WithDescription("Signal cancellation to an active run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run identifier")),
		mcp.WithOutputSchema[RunResponse](),
	)
	s.mcpServer.AddTool(cancelTool, mcp.NewStructuredToolHandler(s.handleCancelRun))
}

func (s *Server) handleRunTask(ctx context.Context, request mcp.CallToolRequest, args RunTaskArgs) (RunResponse, error) {
	goal, err := safety.SanitizeInput(args.Goal)
	if err != nil {
		s.logger.Warn("MCP run_task: input rejected", "err", err, "size", len(args.Goal))
		return RunResponse{}, fmt.Errorf("input rejected: %w", err)
	}
	criteria, err := safety.SanitizeInput(args.SuccessCriteria)
	if err != nil {
		return RunResponse{}, fmt.Errorf("input rejected: %w", err)
	}

	runID, err := s.service.Start(ctx, domain.TaskObjective{
		Goal:                goal,
		SuccessCriteria:     criteria,
		IterationCap:        args.IterationCap,
		ConfidenceThreshold: args.ConfidenceThreshold,
		Seed:                args.Seed,
	})
	if err != nil {
		return RunResponse{}, fmt.Errorf("start failed: %w", err)
	}
	s.logger.Info("MCP run_task: run started", "run_id", runID)

	if args.Wait != nil && !*args.Wait {
		return RunResponse{RunID: runID, Status: domain.StatusRunning, Phase: domain.PhaseIdle}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	state, err := s.service.Wait(waitCtx, runID)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// The run keeps going; the caller polls with get_run.
		return RunResponse{RunID: runID, Status: domain.StatusRunning}, nil
	}
	if err != nil && state == nil {
		return RunResponse{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return toResponse(state), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest, args RunRef) (RunResponse, error) {
	state, err := s.service.Load(ctx, args.RunID)
	if err != nil {
		return RunResponse{}, fmt.Errorf("get run %s: %w", args.RunID, err)
	}
	return toResponse(state), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest, args RunRef) (RunResponse, error) {
	if err := s.service.Cancel(args.RunID); err != nil {
		return RunResponse{}, fmt.Errorf("cancel run %s: %w", args.RunID, err)
	}
	s.logger.Info("MCP cancel_run: cancellation requested", "run_id", args.RunID)
	return RunResponse{RunID: args.RunID, Status: domain.StatusRunning, Detail: "cancellation requested"}, nil
}

func toResponse(state *domain.RunState) RunResponse {
	resp := RunResponse{
		RunID:     state.RunID,
		Status:    state.Status,
		Reason:    state.Reason,
		Detail:    state.Detail,
		Phase:     state.Phase,
		Iteration: state.Iteration,
	}
	if msg := state.LastMessage(domain.RoleFinalizer); msg != nil {
		resp.Summary = msg.Rationale
	} else if msg := state.LastMessage(domain.RoleCritic); msg != nil {
		resp.Summary = msg.ExpectedResult
	}
	return resp
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource("espalier://tools", "Sandbox Tools",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jsonBytes, err := json.Marshal(s.service.Tools())
		if err != nil {
			return nil, fmt.Errorf("failed to encode tools: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "espalier://tools",
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})
}
