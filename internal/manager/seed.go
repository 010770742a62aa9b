package manager

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

// seedDataDir creates the agent's data directory skeleton and drops the
// runner binary into it, so the directory alone is enough to bring the agent
// back anywhere. Returns the absolute path, as the bind mount requires one.
func (m *Manager) seedDataDir(agentID string) (string, error) {
	dataDir, err := filepath.Abs(filepath.Join(m.cfg.AgentsDir(), agentID))
	if err != nil {
		return "", &domain.PersistenceError{Path: agentID, Err: err}
	}

	for _, dir := range []string{
		domain.WorkspaceDir,
		domain.SessionDir,
		domain.ToolsDir,
		domain.RunnerDir,
	} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0o755); err != nil {
			return "", &domain.PersistenceError{Path: filepath.Join(dataDir, dir), Err: err}
		}
	}

	if err := m.seedRunnerBin(dataDir); err != nil {
		return "", err
	}
	return dataDir, nil
}

// seedRunnerBin copies the runner binary into dataDir/runner. A missing
// source is only a warning: the image may ship its own runner.
func (m *Manager) seedRunnerBin(dataDir string) error {
	dst := domain.RunnerBinPath(dataDir)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	src := m.cfg.RunnerBin
	if src == "" {
		exe, err := os.Executable()
		if err == nil {
			src = filepath.Join(filepath.Dir(exe), domain.RunnerBinName)
		}
	}
	if src == "" {
		slog.Warn("No runner binary configured, data dir seeded without one", "data_dir", dataDir)
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		slog.Warn("Runner binary not found, data dir seeded without one", "path", src, "error", err)
		return nil
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return &domain.PersistenceError{Path: dst, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return &domain.PersistenceError{Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &domain.PersistenceError{Path: dst, Err: err}
	}
	return nil
}

// applySystemPrompt writes the agent's system prompt file. A file path beats
// inline text; both are ignored once the conversation has messages, since
// swapping the prompt mid-conversation would silently change behavior the
// caller has already observed.
func (m *Manager) applySystemPrompt(rec *domain.AgentRecord, opts DispatchOptions) error {
	if opts.SystemPrompt == "" && opts.SystemPromptFile == "" {
		return nil
	}

	entries, err := m.sessions.Read(rec.AgentID, 1)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		slog.Warn("Ignoring system prompt for agent with existing conversation", "agent_id", rec.AgentID)
		return nil
	}

	prompt := opts.SystemPrompt
	if opts.SystemPromptFile != "" {
		data, err := os.ReadFile(opts.SystemPromptFile)
		if err != nil {
			return &domain.ValidationError{Reason: fmt.Sprintf("system prompt file: %v", err)}
		}
		prompt = string(data)
	}

	dst := filepath.Join(rec.DataDir, domain.SystemPromptFile)
	if err := os.WriteFile(dst, []byte(prompt), 0o644); err != nil {
		return &domain.PersistenceError{Path: dst, Err: err}
	}
	return nil
}

// buildEnv assembles the container environment: runner wiring plus the
// credential allowlist. Nothing outside the allowlist crosses into the
// container.
func (m *Manager) buildEnv(rec *domain.AgentRecord, opts DispatchOptions) map[string]string {
	env := map[string]string{
		"AGENT_ID": rec.AgentID,
		"PORT":     strconv.Itoa(domain.ContainerPort),
		"DATA_DIR": domain.ContainerDataPath,
	}

	for _, name := range m.cfg.CredentialAllowlist {
		if v := os.Getenv(name); v != "" {
			env[name] = v
		}
	}

	if opts.Profile != "" {
		env["AWS_PROFILE"] = opts.Profile
		rec.Config.CredentialProfile = opts.Profile
	}
	if opts.Region != "" {
		env["AWS_REGION"] = opts.Region
		env["AWS_DEFAULT_REGION"] = opts.Region
	}
	return env
}
