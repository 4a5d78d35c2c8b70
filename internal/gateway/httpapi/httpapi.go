// Package httpapi implements the bridge's local HTTP surface.
//
// Security:
//   - Optional API key authentication (constant-time comparison); with no
//     keys configured the gateway trusts the loopback binding
//   - Request body size limits (default 1 MB)
//   - All spawn requests pass through command validation in the supervisor
//   - TLS not handled here; the bridge binds loopback only
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/walkingzzzy/office-mcp-sub009/internal/config"
	"github.com/walkingzzzy/office-mcp-sub009/internal/executor"
	"github.com/walkingzzzy/office-mcp-sub009/internal/llm"
	"github.com/walkingzzzy/office-mcp-sub009/internal/llm/proxy"
	"github.com/walkingzzzy/office-mcp-sub009/internal/logstore"
	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
	"github.com/walkingzzzy/office-mcp-sub009/internal/supervisor"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr string
	EnableDocs bool
	// APIKeys maps client names to keys. Empty disables authentication.
	APIKeys map[string]string

	MetricsRegistry *prometheus.Registry
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Gateway is the bridge's HTTP server.
type Gateway struct {
	config Config

	sup       *supervisor.Supervisor
	providers *config.ProviderStore
	logStore  *logstore.Store
	executor  *executor.Client
	logger    *slog.Logger

	routerMu sync.RWMutex
	router   *proxy.Router
	// rebuildRouter reconstructs the proxy router from the provider
	// store, used after the default provider changes.
	rebuildRouter func() (*proxy.Router, error)

	server *http.Server
	okapi  *okapi.Okapi
	group  *okapi.Group

	extraRoutes []extraRoute
}

type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates the HTTP gateway.
func NewGateway(cfg Config, sup *supervisor.Supervisor, router *proxy.Router, providers *config.ProviderStore, logStore *logstore.Store, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		sup:       sup,
		router:    router,
		providers: providers,
		logStore:  logStore,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithRouterRebuild sets the callback used to rebuild the proxy router
// after provider changes.
func (g *Gateway) WithRouterRebuild(fn func() (*proxy.Router, error)) *Gateway {
	g.rebuildRouter = fn
	return g
}

// WithExecutor enables the tool execution endpoint backed by the
// document-host plugin API.
func (g *Gateway) WithExecutor(client *executor.Client) *Gateway {
	g.executor = client
	return g
}

// WithHandler mounts an additional handler at the given pattern. Used for
// the WebSocket log tail endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Office Bridge",
			Version: "1.0.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	middlewares := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append([]okapi.Middleware{
			observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		}, middlewares...)
	}
	g.group = g.okapi.Group("/v1", middlewares...)

	// Server lifecycle endpoints.
	g.group.Get("/servers", g.handleServerList,
		okapi.DocSummary("List all tool servers with their status"),
		okapi.DocTags("Servers"),
		okapi.DocResponse([]ServerView{}),
	)
	g.group.Get("/servers/{id}", g.handleServerGet,
		okapi.DocSummary("Get one tool server's status"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Server ID"),
		okapi.DocResponse(ServerView{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/servers/{id}/start", g.handleServerStart,
		okapi.DocSummary("Start a tool server"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Server ID"),
		okapi.DocResponse(ServerView{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/servers/{id}/stop", g.handleServerStop,
		okapi.DocSummary("Stop a tool server"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Server ID"),
		okapi.DocResponse(ServerView{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/servers/{id}/restart", g.handleServerRestart,
		okapi.DocSummary("Restart a tool server"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Server ID"),
		okapi.DocResponse(ServerView{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/servers/{id}/tools", g.handleServerTools,
		okapi.DocSummary("Discover the tools a running server advertises"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Server ID"),
		okapi.DocResponse([]supervisor.ToolInfo{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Chat proxy endpoints.
	g.group.Post("/chat/completions", g.handleChatCompletion,
		okapi.DocSummary("Run a chat completion through a configured provider"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ChatCompletionRequest{}),
		okapi.DocResponse(llm.ChatResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/providers", g.handleProviderList,
		okapi.DocSummary("List configured providers (keys masked)"),
		okapi.DocTags("Providers"),
		okapi.DocResponse([]ProviderView{}),
	)
	g.group.Put("/providers/default", g.handleProviderSetDefault,
		okapi.DocSummary("Mark one provider as the default"),
		okapi.DocTags("Providers"),
		okapi.DocRequestBody(SetDefaultRequest{}),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/providers/{id}/models", g.handleProviderModels,
		okapi.DocSummary("List the models a provider serves"),
		okapi.DocTags("Providers"),
		okapi.DocPathParam("id", "string", "Provider ID"),
		okapi.DocResponse([]llm.Model{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Tool execution (forwarded to the document-host plugin).
	if g.executor != nil {
		g.group.Post("/tools/execute", g.handleToolExecute,
			okapi.DocSummary("Execute a document tool via the plugin host"),
			okapi.DocTags("Tools"),
			okapi.DocRequestBody(ToolExecuteRequest{}),
			okapi.DocResponse(executor.Result{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		)
	}

	// Log endpoints.
	g.group.Get("/logs", g.handleLogQuery,
		okapi.DocSummary("Query buffered log entries (module, level, since, limit)"),
		okapi.DocTags("Logs"),
		okapi.DocResponse([]logstore.Entry{}),
	)
	g.group.Delete("/logs", g.handleLogClear,
		okapi.DocSummary("Clear buffered logs, optionally for one module"),
		okapi.DocTags("Logs"),
		okapi.DocResponse(map[string]string{}),
	)

	// Extra handlers (the WebSocket log tail endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleHealth)

	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", "/metrics", promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // streaming responses stay open
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) currentRouter() *proxy.Router {
	g.routerMu.RLock()
	defer g.routerMu.RUnlock()
	return g.router
}

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		client := ""
		for name, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				client = name
			}
		}
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("client", client)
		return next(c)
	}
}

// --- Server handlers ---

// ServerView joins a server's config with its live status.
type ServerView struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Enabled      bool              `json:"enabled"`
	AutoStart    bool              `json:"autoStart"`
	Status       supervisor.Status `json:"status"`
	PID          int               `json:"pid,omitempty"`
	RestartCount int               `json:"restartCount"`
	LastError    string            `json:"lastError,omitempty"`
}

func (g *Gateway) serverView(id string) (ServerView, bool) {
	cfg, ok := g.sup.GetConfig(id)
	if !ok {
		return ServerView{}, false
	}
	st, _ := g.sup.GetStatus(id)
	return ServerView{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Command:      cfg.Command,
		Args:         cfg.Args,
		Enabled:      cfg.Enabled,
		AutoStart:    cfg.AutoStart,
		Status:       st.Status,
		PID:          st.PID,
		RestartCount: st.RestartCount,
		LastError:    st.LastError,
	}, true
}

func (g *Gateway) handleServerList(c *okapi.Context) error {
	statuses := g.sup.GetAllStatuses()
	views := make([]ServerView, 0, len(statuses))
	for _, st := range statuses {
		if v, ok := g.serverView(st.ID); ok {
			views = append(views, v)
		}
	}
	return c.OK(views)
}

func (g *Gateway) handleServerGet(c *okapi.Context) error {
	v, ok := g.serverView(c.Param("id"))
	if !ok {
		return c.AbortNotFound("server not found")
	}
	return c.OK(v)
}

func (g *Gateway) handleServerStart(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.sup.Start(c.Context(), id); err != nil {
		return g.serverError(c, err)
	}
	v, _ := g.serverView(id)
	return c.OK(v)
}

func (g *Gateway) handleServerStop(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.sup.Stop(c.Context(), id); err != nil {
		return g.serverError(c, err)
	}
	v, _ := g.serverView(id)
	return c.OK(v)
}

func (g *Gateway) handleServerRestart(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.sup.Restart(c.Context(), id); err != nil {
		return g.serverError(c, err)
	}
	v, _ := g.serverView(id)
	return c.OK(v)
}

func (g *Gateway) handleServerTools(c *okapi.Context) error {
	tools, err := g.sup.DiscoverTools(c.Context(), c.Param("id"))
	if err != nil {
		return g.serverError(c, err)
	}
	return c.OK(tools)
}

// serverError maps supervisor errors onto HTTP statuses.
func (g *Gateway) serverError(c *okapi.Context, err error) error {
	var valErr *supervisor.ValidationError
	switch {
	case errors.Is(err, supervisor.ErrNotRegistered):
		return c.AbortNotFound("server not found")
	case errors.Is(err, supervisor.ErrConflict):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.Is(err, supervisor.ErrNotRunning):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.As(err, &valErr):
		return c.AbortBadRequest(valErr.Error())
	default:
		g.logger.Error("server operation failed", slog.Any("error", err))
		return c.AbortInternalServerError("server operation failed")
	}
}

// --- Provider handlers ---

// ProviderView is a provider record with its API key masked.
type ProviderView struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	HasKey    bool   `json:"hasKey"`
	IsDefault bool   `json:"isDefault"`
}

func (g *Gateway) handleProviderList(c *okapi.Context) error {
	records, err := g.providers.Load()
	if err != nil {
		g.logger.Error("loading providers failed", slog.Any("error", err))
		return c.AbortInternalServerError("loading providers failed")
	}
	views := make([]ProviderView, 0, len(records))
	for _, r := range records {
		views = append(views, ProviderView{
			ID:        r.ID,
			Name:      r.Name,
			Type:      r.Type,
			BaseURL:   r.BaseURL,
			Model:     r.Model,
			HasKey:    r.APIKey != "",
			IsDefault: r.IsDefault,
		})
	}
	return c.OK(views)
}

// SetDefaultRequest is the JSON body for PUT /v1/providers/default.
type SetDefaultRequest struct {
	ID string `json:"id"`
}

func (g *Gateway) handleProviderSetDefault(c *okapi.Context) error {
	var req SetDefaultRequest
	if err := c.Bind(&req); err != nil || req.ID == "" {
		return c.AbortBadRequest("id is required")
	}

	if err := g.providers.SetDefault(req.ID); err != nil {
		if errors.Is(err, config.ErrProviderNotFound) {
			return c.AbortNotFound("provider not found")
		}
		g.logger.Error("setting default provider failed", slog.Any("error", err))
		return c.AbortInternalServerError("setting default provider failed")
	}

	if g.rebuildRouter != nil {
		router, err := g.rebuildRouter()
		if err != nil {
			g.logger.Error("router rebuild failed", slog.Any("error", err))
			return c.AbortInternalServerError("router rebuild failed")
		}
		g.routerMu.Lock()
		g.router = router
		g.routerMu.Unlock()
	}

	g.logger.Info("default provider changed", slog.String("provider_id", req.ID))
	return c.OK(okapi.M{"default": req.ID})
}

func (g *Gateway) handleProviderModels(c *okapi.Context) error {
	models, err := g.currentRouter().ListModels(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, proxy.ErrUnknownProvider) {
			return c.AbortNotFound("provider not found")
		}
		g.logger.Error("listing models failed", slog.Any("error", err))
		return c.AbortInternalServerError("listing models failed")
	}
	if models == nil {
		models = []llm.Model{}
	}
	return c.OK(models)
}

// --- Tool execution ---

// ToolExecuteRequest is the JSON body for POST /v1/tools/execute.
type ToolExecuteRequest struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args,omitempty"`
}

func (g *Gateway) handleToolExecute(c *okapi.Context) error {
	var req ToolExecuteRequest
	if err := c.Bind(&req); err != nil || req.ToolName == "" {
		return c.AbortBadRequest("toolName is required")
	}

	result, err := g.executor.Execute(c.Context(), req.ToolName, req.Args)
	if err != nil {
		g.logger.Error("tool execution failed",
			slog.String("tool", req.ToolName),
			slog.Any("error", err),
		)
		return c.JSON(http.StatusBadGateway, okapi.M{"error": err.Error()})
	}
	return c.OK(result)
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// upstreamError forwards a provider error verbatim: the upstream status
// code and, when it parses, the upstream JSON body.
func upstreamError(c *okapi.Context, provErr *llm.ProviderError) error {
	var body json.RawMessage
	if json.Unmarshal([]byte(provErr.Body), &body) == nil {
		return c.JSON(provErr.StatusCode, body)
	}
	return c.JSON(provErr.StatusCode, okapi.M{"error": provErr.Body})
}
