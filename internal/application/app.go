package application

import (
	"context"
	"fmt"

	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/config"
	"github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/llm"
	_ "github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/persistence"
	"github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/prompt"
	toolpkg "github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/tool"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/agentgrpc"
	httpServer "github.com/wangrenren611/coding-agent-sub001/internal/interfaces/http"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/http/handlers"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the dependency-injection container wiring config, storage, the LLM
// router and the tool registry into the surfaces that drive the agent
// core: HTTP+SSE, WebSocket and gRPC.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	toolRegistry domaintool.Registry
	llmRouter    *llm.Router
	promptEngine *prompt.PromptEngine

	wsHub        *websocket.Hub
	grpcAgentSrv *agentgrpc.Server
	httpServer   *httpServer.Server
}

// NewApp creates the full application: DB, tool registry, LLM router, and
// the HTTP/WebSocket/gRPC surfaces in front of the agent core.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{config: cfg, logger: logger}

	if err := app.initStorage(false); err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// NewAppCLI builds a lightweight app for CLI/non-interactive use: DB
// (silent), tool registry, LLM router. Skips HTTP/WebSocket/gRPC servers.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{config: cfg, logger: logger}

	if err := app.initStorage(true); err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	return app, nil
}

// initStorage connects to the database backing session persistence. When
// silent is true (CLI mode) GORM's SQL logging is suppressed.
func (app *App) initStorage(silent bool) error {
	app.logger.Info("Connecting to database")

	var db *gorm.DB
	var err error
	if silent {
		db, err = persistence.NewDBConnectionSilent(&app.config.Database)
	} else {
		db, err = persistence.NewDBConnection(&app.config.Database)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	return nil
}

// initInfrastructure wires the tool registry and the multi-provider LLM
// router — the two collaborators the agent core is built against.
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	app.toolRegistry = domaintool.NewInMemoryRegistry()

	bashTimeout := app.config.Agent.Runtime.ToolTimeout
	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:    app.toolRegistry,
		Logger:      app.logger,
		BashTimeout: bashTimeout,
	})

	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM router initialized", zap.Int("providers", len(app.config.Agent.Providers)))

	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt", zap.Error(err))
	}

	return nil
}

// initInterfaces wires the HTTP+SSE surface, the WebSocket hub and the
// gRPC agent server — all three drive sessions created through
// NewAgentSession.
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	app.wsHub = websocket.NewHub(app.logger)
	wsHandler := websocket.NewHandler(app.wsHub, app.logger)

	agentCoreHandler := handlers.NewAgentCoreHandler(app.NewAgentSession, app.wsHub, app.logger)
	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Gateway.Host,
			Port: app.config.Gateway.Port,
			Mode: app.config.Gateway.Mode,
		},
		agentCoreHandler,
		wsHandler,
		app.logger,
	)

	grpcPort := app.config.Agent.GRPCPort
	if grpcPort == 0 {
		grpcPort = 50052
	}
	app.grpcAgentSrv = agentgrpc.NewServer(app.toolRegistry, grpcPort, app.logger)
	app.logger.Info("gRPC agent server created", zap.Int("port", grpcPort))

	return nil
}

// Start brings up the WebSocket hub's event loop, the HTTP server and the
// gRPC agent server.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	if app.wsHub != nil {
		go app.wsHub.Run(ctx)
	}

	if app.httpServer != nil {
		if err := app.httpServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if app.grpcAgentSrv != nil {
		if err := app.grpcAgentSrv.Start(); err != nil {
			app.logger.Warn("gRPC agent server failed to start", zap.Error(err))
		}
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop shuts down the gRPC and HTTP servers and closes the database
// connection.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.grpcAgentSrv != nil {
		app.grpcAgentSrv.Stop()
	}

	if app.httpServer != nil {
		if err := app.httpServer.Stop(ctx); err != nil {
			app.logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}

	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config.
func (app *App) AppConfig() *config.Config {
	return app.config
}

// ToolRegistry returns the tool registry (used by CLI/TUI).
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

// PromptEngine returns the hot-pluggable system prompt assembly engine
// (used by CLI/TUI to build a channel-aware system prompt before opening a
// session with NewAgentSession).
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// WebSocketHub returns the WebSocket hub so a session's events can be
// forwarded to connected clients via websocket.AgentEventForwarder.
func (app *App) WebSocketHub() *websocket.Hub {
	return app.wsHub
}
