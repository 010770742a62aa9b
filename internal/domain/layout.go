package domain

import "path/filepath"

// Agent data directory layout. The same relative paths are used on the host,
// inside the container (under /data), and inside snapshot archives, so an
// archive is a verbatim mirror of a live data directory.
const (
	RunnerDir        = "runner"
	RunnerBinName    = "agent-runner"
	AgentMetaDir     = ".agent"
	SessionDir       = ".agent/session"
	SessionFileName  = "session.ndjson"
	SystemPromptFile = ".agent/system_prompt.txt"
	ToolsDir         = ".agent/tools"
	WorkspaceDir     = "workspace"

	// ContainerDataPath is the fixed mount point of the data directory
	// inside the container.
	ContainerDataPath = "/data"

	// ContainerPort is the fixed port the runner listens on inside the
	// container.
	ContainerPort = 8080
)

// SessionFilePath returns the session log path under dataDir.
func SessionFilePath(dataDir string) string {
	return filepath.Join(dataDir, SessionDir, SessionFileName)
}

// RunnerBinPath returns the seeded runner binary path under dataDir.
func RunnerBinPath(dataDir string) string {
	return filepath.Join(dataDir, RunnerDir, RunnerBinName)
}
