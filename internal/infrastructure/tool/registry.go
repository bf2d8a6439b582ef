package tool

import (
	"time"

	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"go.uber.org/zap"
)

// ToolLayerDeps aggregates the dependencies needed to build the tool
// registry the agent loop dispatches against.
type ToolLayerDeps struct {
	Registry domaintool.Registry
	Logger   *zap.Logger

	// BashTimeout bounds how long a single bash invocation may run.
	BashTimeout time.Duration
}

// RegisterAllTools registers the tool catalog the ToolDispatcher consumes.
// The agent core treats tools as external collaborators behind
// domaintool.Tool — this is intentionally a small, direct set rather than a
// wholesale catalog.
func RegisterAllTools(deps ToolLayerDeps) int {
	tools := []domaintool.Tool{
		NewBashTool(deps.BashTimeout, deps.Logger),
		NewReadFileTool(deps.Logger),
		NewWriteFileTool(deps.Logger),
		NewListDirTool(deps.Logger),
		NewSearchTool(deps.BashTimeout, deps.Logger),
	}

	registered := 0
	for _, t := range tools {
		if err := deps.Registry.Register(t); err != nil {
			deps.Logger.Warn("failed to register tool", zap.String("tool", t.Name()), zap.Error(err))
			continue
		}
		deps.Logger.Info("registered tool", zap.String("tool", t.Name()))
		registered++
	}

	deps.Logger.Info("tool layer initialized", zap.Int("total_registered", registered))
	return registered
}
