package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/manager"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
)

// Orchestrator is the manager surface the tool registry dispatches to.
type Orchestrator interface {
	Create(ctx context.Context, name string) (*manager.CreateResult, error)
	List(ctx context.Context) ([]manager.Summary, error)
	ExecuteCode(ctx context.Context, sandboxID, code string) (*manager.CodeResult, error)
	ExecuteCommand(ctx context.Context, sandboxID, command string) (sandbox.ExecResult, error)
	InstallPackage(ctx context.Context, sandboxID, pkg string) (sandbox.PackageStatus, error)
	PackageStatus(ctx context.Context, sandboxID, pkg string) (sandbox.PackageStatus, error)
	UploadFile(ctx context.Context, sandboxID, localPath, destDir string) (*manager.UploadResult, error)
	DeleteMany(ctx context.Context, sandboxIDs []string) map[string]manager.DeleteOutcome
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	orch      Orchestrator
	metrics   *metrics.Collector
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, orch Orchestrator, collector *metrics.Collector) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		orch:    orch,
		metrics: collector,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("server.file_api_addr", cfg.Server.FileAPIAddr),
		zap.Bool("auth.require_auth", cfg.Auth.RequireAuth),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Int("sandbox.exec_timeout_sec", cfg.Sandbox.ExecTimeoutSec),
		zap.String("files.results_dir", cfg.Files.ResultsDir),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("sandboxd", "A per-user Python sandbox orchestration server")

	s.registerTools()

	return s, nil
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sandboxes",
		Description: "Lists all existing Python sandboxes and their status. Each item also includes installed Python packages.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleListSandboxes)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "create_sandbox",
		Description: "Creates a new Python sandbox and returns its ID for subsequent operations. Optional parameter: name (string) - Custom name for the sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Custom name for the sandbox (optional)",
				},
			},
		},
	}, s.handleCreateSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "install_package_in_sandbox",
		Description: "Installs a Python package in the specified sandbox. Parameters: sandbox_id (string), package_name (string)",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": map[string]any{
					"type":        "string",
					"description": "The sandbox ID to install into",
				},
				"package_name": map[string]any{
					"type":        "string",
					"description": "The package to install",
				},
			},
			Required: []string{"sandbox_id", "package_name"},
		},
	}, s.handleInstallPackage)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "check_package_installation_status",
		Description: "Checks the installation status of a package in a sandbox. Parameters: sandbox_id (string), package_name (string)",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": map[string]any{
					"type":        "string",
					"description": "The sandbox ID to check",
				},
				"package_name": map[string]any{
					"type":        "string",
					"description": "The package to check",
				},
			},
			Required: []string{"sandbox_id", "package_name"},
		},
	}, s.handlePackageStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_python_code",
		Description: "Executes Python code in a sandbox and returns results with links to generated files. Parameters: sandbox_id (string), code (string)",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": map[string]any{
					"type":        "string",
					"description": "The sandbox ID to use",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "The Python code to execute",
				},
			},
			Required: []string{"sandbox_id", "code"},
		},
	}, s.handleExecuteCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_terminal_command",
		Description: "Executes a terminal command in the specified sandbox. Parameters: sandbox_id (string), command (string). Returns stdout, stderr, exit_code.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": map[string]any{
					"type":        "string",
					"description": "The sandbox ID to use",
				},
				"command": map[string]any{
					"type":        "string",
					"description": "The terminal command to execute",
				},
			},
			Required: []string{"sandbox_id", "command"},
		},
	}, s.handleExecuteCommand)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "upload_file_to_sandbox",
		Description: "Uploads a file from the local machine to the specified sandbox. Parameters: sandbox_id (string), local_file_path (string), dest_path (string, optional, default: the results directory). The uploaded file keeps its original name.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": map[string]any{
					"type":        "string",
					"description": "The sandbox ID to upload into",
				},
				"local_file_path": map[string]any{
					"type":        "string",
					"description": "Full path of the local file to upload",
				},
				"dest_path": map[string]any{
					"type":        "string",
					"description": "Target folder path inside the sandbox (optional)",
				},
			},
			Required: []string{"sandbox_id", "local_file_path"},
		},
	}, s.handleUploadFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "delete_sandboxes",
		Description: "Deletes one or more specified Python sandboxes. Parameters: sandbox_ids (list[string]) - A list of sandbox IDs to delete.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "The sandbox IDs to delete",
				},
			},
			Required: []string{"sandbox_ids"},
		},
	}, s.handleDeleteSandboxes)
}

func (s *MCPServer) handleListSandboxes(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defer s.observe("list_sandboxes", time.Now())

	summaries, err := s.orch.List(ctx)
	if err != nil {
		return s.failureResult(ctx, "list_sandboxes", err)
	}
	return s.okResult("list_sandboxes", summaries)
}

func (s *MCPServer) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defer s.observe("create_sandbox", time.Now())

	name := request.GetString("name", "")
	result, err := s.orch.Create(ctx, name)
	if err != nil {
		return s.failureResult(ctx, "create_sandbox", err)
	}
	return s.okResult("create_sandbox", result)
}

func (s *MCPServer) handleInstallPackage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defer s.observe("install_package_in_sandbox", time.Now())

	sandboxID, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	packageName, err := request.RequireString("package_name")
	if err != nil {
		return nil, fmt.Errorf("package_name parameter is required: %w", err)
	}

	status, err := s.orch.InstallPackage(ctx, sandboxID, packageName)
	if err != nil {
		return s.failureResult(ctx, "install_package_in_sandbox", err)
	}
	return s.okResult("install_package_in_sandbox", status)
}

func (s *MCPServer) handlePackageStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defer s.observe("check_package_installation_status", time.Now())

	sandboxID, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	packageName, err := request.RequireString("package_name")
	if err != nil {
		return nil, fmt.Errorf("package_name parameter is required: %w", err)
	}

	status, err := s.orch.PackageStatus(ctx, sandboxID, packageName)
	if err != nil {
		return s.failureResult(ctx, "check_package_installation_status", err)
	}
	return s.okResult("check_package_installation_status", status)
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defer s.observe("execute_python_code", time.Now())

	sandboxID, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	s.logger.Info("code execution requested", zap.String("sandbox_id", sandboxID))

	result, err := s.orch.ExecuteCode(ctx, sandboxID, code)
	if err != nil {
		return s.failureResult(ctx, "execute_python_code", err)
	}
	return s.okResult("execute_python_code", result)
}

// handleExecuteCommand always returns the fixed three-field result shape,
// even on denial or resolution failure, so callers can rely on it.
func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defer s.observe("execute_terminal_command", time.Now())

	sandboxID, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	result, err := s.orch.ExecuteCommand(ctx, sandboxID, command)
	if errors.Is(err, manager.ErrAccessDenied) {
		s.count("execute_terminal_command", metrics.OutcomeDenied)
		return s.textResult(sandbox.ExecResult{
			Stdout:   "",
			Stderr:   manager.AccessDeniedMessage,
			ExitCode: -1,
		})
	}
	if err != nil {
		s.count("execute_terminal_command", metrics.OutcomeError)
		s.logger.Error("command execution failed",
			zap.String("sandbox_id", sandboxID),
			zap.Error(err))
		return s.textResult(sandbox.ExecResult{
			Stdout:   "",
			Stderr:   s.publicError(sandboxID, err),
			ExitCode: -1,
		})
	}

	s.count("execute_terminal_command", metrics.OutcomeOK)
	return s.textResult(result)
}

func (s *MCPServer) handleUploadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defer s.observe("upload_file_to_sandbox", time.Now())

	sandboxID, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	localFilePath, err := request.RequireString("local_file_path")
	if err != nil {
		return nil, fmt.Errorf("local_file_path parameter is required: %w", err)
	}
	destPath := request.GetString("dest_path", "")

	result, err := s.orch.UploadFile(ctx, sandboxID, localFilePath, destPath)
	if err != nil {
		return s.failureResult(ctx, "upload_file_to_sandbox", err)
	}
	return s.okResult("upload_file_to_sandbox", result)
}

func (s *MCPServer) handleDeleteSandboxes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defer s.observe("delete_sandboxes", time.Now())

	raw, ok := request.GetArguments()["sandbox_ids"]
	if !ok {
		return nil, fmt.Errorf("sandbox_ids parameter is required")
	}
	rawList, ok := raw.([]any)
	if !ok {
		s.count("delete_sandboxes", metrics.OutcomeError)
		return s.textResult(map[string]string{"error": "parameter 'sandbox_ids' must be a list of sandbox ids"})
	}

	sandboxIDs := make([]string, 0, len(rawList))
	for _, entry := range rawList {
		id, ok := entry.(string)
		if !ok {
			s.count("delete_sandboxes", metrics.OutcomeError)
			return s.textResult(map[string]string{"error": "parameter 'sandbox_ids' must contain only strings"})
		}
		sandboxIDs = append(sandboxIDs, id)
	}

	results := s.orch.DeleteMany(ctx, sandboxIDs)

	s.count("delete_sandboxes", metrics.OutcomeOK)
	return s.textResult(results)
}

// failureResult maps a manager error to an {error: ...} payload. Denials
// and failures travel as ordinary data so the tool channel stays healthy.
func (s *MCPServer) failureResult(_ context.Context, tool string, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, manager.ErrAccessDenied) {
		s.count(tool, metrics.OutcomeDenied)
		return s.textResult(map[string]string{"error": manager.AccessDeniedMessage})
	}

	s.count(tool, metrics.OutcomeError)
	s.logger.Error("tool invocation failed", zap.String("tool", tool), zap.Error(err))
	if manager.IsNotFound(err) {
		return s.textResult(map[string]string{"error": "Sandbox not found"})
	}
	return s.textResult(map[string]string{"error": fmt.Sprintf("Operation failed: %v", err)})
}

func (s *MCPServer) publicError(sandboxID string, err error) string {
	if manager.IsNotFound(err) {
		return fmt.Sprintf("Sandbox not found: %s", sandboxID)
	}
	return fmt.Sprintf("Command execution failed: %v", err)
}

func (s *MCPServer) okResult(tool string, payload any) (*mcp.CallToolResult, error) {
	s.count(tool, metrics.OutcomeOK)
	return s.textResult(payload)
}

func (s *MCPServer) textResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func (s *MCPServer) count(tool, outcome string) {
	s.metrics.ToolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
}

func (s *MCPServer) observe(tool string, start time.Time) {
	s.metrics.ToolDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP. The caller identity, when
// authentication is enforced, arrives in the X-User-ID header set by the
// fronting authentication proxy.
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if userID := r.Header.Get("X-User-ID"); userID != "" {
				return manager.WithUserID(ctx, userID)
			}
			return ctx
		}),
	)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
