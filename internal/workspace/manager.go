// Package workspace implements the Workspace Isolation Manager: one
// container per agent, created on demand from a named environment in the
// catalog, with snapshot/restore and age-based garbage collection.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/runtime"
)

// Workspace is one agent's live container binding.
type Workspace struct {
	AgentID       string
	Env           string
	ContainerName string
	HostDir       string
	CreatedAt     time.Time
}

// Config configures a Manager.
type Config struct {
	WorkspaceRoot string        // host directory under which each agent gets its own subdirectory
	MaxAge        time.Duration // containers older than this are eligible for GC; 0 disables GC
	Logger        *slog.Logger
}

// agentState serializes operations against one agent's workspace; Manager
// never holds its own lock across a runtime call, only this one.
type agentState struct {
	mu sync.Mutex
	ws *Workspace
}

// Manager owns the lifecycle of every agent's container workspace.
type Manager struct {
	rt      *runtime.Runtime
	catalog *Catalog
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentState
}

// New constructs a Manager. cfg.WorkspaceRoot defaults to "./workspaces" if
// empty.
func New(rt *runtime.Runtime, catalog *Catalog, cfg Config) *Manager {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "./workspaces"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rt:      rt,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		agents:  make(map[string]*agentState),
	}
}

func (m *Manager) stateFor(agentID string) *agentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		st = &agentState{}
		m.agents[agentID] = st
	}
	return st
}

// Create brings up a fresh container for agentID from the named
// environment, mounting a per-agent host directory at /workspace. Calling
// Create again for an agent that already has a live workspace is an error;
// Cleanup first.
func (m *Manager) Create(ctx context.Context, agentID, env string) (*Workspace, error) {
	st := m.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ws != nil {
		return nil, fmt.Errorf("workspace: agent %s already has a workspace", agentID)
	}

	e, ok := m.catalog.Lookup(env)
	if !ok {
		return nil, fmt.Errorf("workspace: unknown environment %q", env)
	}

	hostDir := filepath.Join(m.cfg.WorkspaceRoot, agentID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("container_setup_error: create host workspace dir: %w", err)
	}

	name := containerName(agentID)
	_, err := m.rt.Run(ctx, runtime.RunOptions{
		Name:        name,
		Image:       e.Image,
		Volume:      hostDir + ":/workspace",
		WorkDir:     "/workspace",
		Limits:      runtime.Limits{MemoryMB: e.MemoryMB, CPUs: e.CPUs},
		NetworkMode: e.NetworkMode,
	})
	if err != nil {
		return nil, fmt.Errorf("container_setup_error: %w", err)
	}

	ws := &Workspace{AgentID: agentID, Env: env, ContainerName: name, HostDir: hostDir, CreatedAt: time.Now()}
	st.ws = ws
	audit.Record("workspace_created", env, "", "", agentID)
	return ws, nil
}

// Exec runs argv inside agentID's container.
func (m *Manager) Exec(ctx context.Context, agentID string, argv []string) (exitCode int, stdout, stderr string, err error) {
	st := m.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ws == nil {
		return -1, "", "", fmt.Errorf("workspace: agent %s has no live workspace", agentID)
	}
	stdout, stderr, exitCode, err = m.rt.ExecCode(ctx, st.ws.ContainerName, argv)
	if err != nil {
		return exitCode, stdout, stderr, fmt.Errorf("container_exec_error: %w", err)
	}
	return exitCode, stdout, stderr, nil
}

// Snapshot commits agentID's running container to image:tag.
func (m *Manager) Snapshot(ctx context.Context, agentID, tag string) error {
	st := m.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ws == nil {
		return fmt.Errorf("workspace: agent %s has no live workspace", agentID)
	}
	if err := m.rt.Commit(ctx, st.ws.ContainerName, tag); err != nil {
		return fmt.Errorf("workspace: snapshot %s: %w", agentID, err)
	}
	audit.Record("workspace_snapshot", tag, "", "", agentID)
	return nil
}

// Restore stops agentID's current container (if any) and recreates it from
// the image tagged tag, preserving the same host directory and environment.
func (m *Manager) Restore(ctx context.Context, agentID, tag string) error {
	st := m.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ws == nil {
		return fmt.Errorf("workspace: agent %s has no live workspace", agentID)
	}
	prev := st.ws

	if err := m.rt.Stop(ctx, prev.ContainerName); err != nil {
		m.logger.Warn("stop before restore failed, continuing", "agent_id", agentID, "error", err)
	}
	if err := m.rt.Remove(ctx, prev.ContainerName); err != nil {
		m.logger.Warn("remove before restore failed, continuing", "agent_id", agentID, "error", err)
	}

	name := containerName(agentID)
	_, err := m.rt.Run(ctx, runtime.RunOptions{
		Name:    name,
		Image:   tag,
		Volume:  prev.HostDir + ":/workspace",
		WorkDir: "/workspace",
	})
	if err != nil {
		st.ws = nil
		return fmt.Errorf("container_setup_error: restore %s: %w", agentID, err)
	}

	st.ws = &Workspace{AgentID: agentID, Env: prev.Env, ContainerName: name, HostDir: prev.HostDir, CreatedAt: time.Now()}
	audit.Record("workspace_restored", tag, "", "", agentID)
	return nil
}

// Cleanup stops and removes agentID's container. When preserveVolumes is
// false, the host workspace directory is also removed.
func (m *Manager) Cleanup(ctx context.Context, agentID string, preserveVolumes bool) error {
	st := m.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ws == nil {
		return nil
	}
	ws := st.ws

	if err := m.rt.Stop(ctx, ws.ContainerName); err != nil {
		m.logger.Warn("stop during cleanup failed, continuing", "agent_id", agentID, "error", err)
	}
	if err := m.rt.Remove(ctx, ws.ContainerName); err != nil {
		m.logger.Warn("remove during cleanup failed, continuing", "agent_id", agentID, "error", err)
	}
	if !preserveVolumes {
		if err := os.RemoveAll(ws.HostDir); err != nil {
			m.logger.Warn("remove host workspace dir failed", "agent_id", agentID, "error", err)
		}
	}

	st.ws = nil
	audit.Record("workspace_cleanup", "", "", "", agentID)

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
	return nil
}

// GC removes every live workspace older than maxAge (or m.cfg.MaxAge if
// maxAge is zero). Host volumes are preserved; only the container is torn
// down, since a GC'd agent may simply be idle rather than finished.
func (m *Manager) GC(ctx context.Context, maxAge time.Duration) (removed []string, err error) {
	if maxAge == 0 {
		maxAge = m.cfg.MaxAge
	}
	if maxAge == 0 {
		return nil, nil
	}

	m.mu.Lock()
	var stale []string
	for agentID, st := range m.agents {
		st.mu.Lock()
		if st.ws != nil && time.Since(st.ws.CreatedAt) > maxAge {
			stale = append(stale, agentID)
		}
		st.mu.Unlock()
	}
	m.mu.Unlock()

	for _, agentID := range stale {
		if err := m.Cleanup(ctx, agentID, true); err != nil {
			m.logger.Error("gc cleanup failed", "agent_id", agentID, "error", err)
			continue
		}
		removed = append(removed, agentID)
	}
	return removed, nil
}

// RunGCLoop runs GC every interval until ctx is cancelled.
func (m *Manager) RunGCLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.GC(ctx, 0)
			if err != nil {
				m.logger.Error("workspace gc failed", "error", err)
				continue
			}
			if len(removed) > 0 {
				m.logger.Info("workspace gc reclaimed stale containers", "count", len(removed), "agents", removed)
			}
		}
	}
}

func containerName(agentID string) string {
	return "workspace-" + agentID
}
