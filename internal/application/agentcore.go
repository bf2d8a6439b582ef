package application

import (
	"context"
	"fmt"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/llm"
	"github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/persistence"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/agentcli"
)

// NewAgentSession builds one execution-ready agentcli.Controller — the
// agent loop (internal/domain/agentloop) plus its session — wired to this
// App's already-initialized tool registry and LLM router. Every caller that
// drives the agent core (HTTP+SSE, WebSocket, gRPC, the CLI REPL and
// cmd/cli's exec subcommand) goes through this one constructor.
//
// Session messages persist through GormSessionStore when App holds a
// database connection (NewApp and NewAppCLI both connect one), and through
// MemorySessionStore when app.db is nil.
func (app *App) NewAgentSession(ctx context.Context, sessionID, systemPrompt string) (*agentcli.Controller, error) {
	var store session.MemoryManager
	if app.db != nil {
		store = persistence.NewGormSessionStore(app.db)
	} else {
		store = persistence.NewMemorySessionStore()
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("agent session store init: %w", err)
	}
	if _, err := store.CreateSession(ctx, sessionID, systemPrompt); err != nil {
		return nil, fmt.Errorf("agent session create: %w", err)
	}

	requestTimeout := agentcli.RequestTimeoutFromEnv()
	provider := llm.NewAgentLoopProvider(app.llmRouter, app.config.Agent.DefaultModel, 128000, 4096, 0.7, requestTimeout)

	sess := session.New(sessionID, systemPrompt, store, provider, session.DefaultCompactionConfig(), app.logger)

	loopCfg := agentloop.DefaultConfig()
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if requestTimeout > 0 {
		loopCfg.RequestTimeout = requestTimeout
	}
	loopCfg.Policy = &domaintool.Policy{AskMode: app.config.Agent.AskMode}

	loop := agentloop.New(provider, sess, app.toolRegistry, loopCfg, app.logger)
	return agentcli.New(loop, sess), nil
}
