package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolInfo describes one tool a running server advertises.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// mcpSession is a cached MCP client handshaken over the child's stdio.
// It lives as long as the process generation it was created for; closing
// it would close the child's pipes, so invalidation just drops it.
type mcpSession struct {
	client *mcpclient.Client
}

// DiscoverTools performs the MCP initialize handshake (once per process
// lifetime) and lists the tools the server advertises. Only available
// while the server is running.
func (s *Supervisor) DiscoverTools(ctx context.Context, id string) ([]ToolInfo, error) {
	ms, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, id)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.status.Status != StatusRunning || ms.proc == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotRunning, id)
	}

	if ms.mcpSession == nil {
		session, err := s.handshake(ctx, ms)
		if err != nil {
			return nil, fmt.Errorf("MCP handshake with %q: %w", id, err)
		}
		ms.mcpSession = session
	}

	listResp, err := ms.mcpSession.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		// The session may be broken even though the process lives;
		// drop it so the next call renegotiates.
		ms.mcpSession = nil
		return nil, fmt.Errorf("MCP list tools for %q: %w", id, err)
	}

	tools := make([]ToolInfo, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		})
	}

	s.logger.Info("tools discovered",
		slog.String("server_id", id),
		slog.Int("count", len(tools)),
	)
	return tools, nil
}

func (s *Supervisor) handshake(ctx context.Context, ms *managedServer) (*mcpSession, error) {
	// The transport reads the child's stdout and writes its stdin. The
	// logging reader is unused; stderr is drained by the launcher.
	t := transport.NewIO(ms.proc.Stdout(), ms.proc.Stdin(), io.NopCloser(strings.NewReader("")))
	c := mcpclient.NewClient(t)

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "office-bridge",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	return &mcpSession{client: c}, nil
}

func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{"type": schema.Type}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		result["required"] = schema.Required
	}
	return result
}
