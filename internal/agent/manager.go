// Package agent exposes the host-side API for working with subprocess
// agent backends: connecting, creating sessions, streaming prompts, and
// answering permission requests.
package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/agent/catalog"
	"github.com/flowrite/flowrite/internal/agent/events"
	"github.com/flowrite/flowrite/internal/agent/registry"
	"github.com/flowrite/flowrite/internal/agent/runtime"
	"github.com/flowrite/flowrite/internal/agent/supervisor"
	"github.com/flowrite/flowrite/internal/common/config"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
	"github.com/flowrite/flowrite/internal/common/logger"
	"github.com/flowrite/flowrite/internal/eventlog"
	"github.com/flowrite/flowrite/internal/events/bus"
)

// CrashSubjectPrefix is the bus subject prefix crash notifications are
// published under, suffixed with the agent id.
const CrashSubjectPrefix = "agent.crashed."

// Manager is the facade over the connection registry, the catalog, and
// crash reporting.
type Manager struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
	bus      bus.EventBus
	journal  *eventlog.Store
	logger   *logger.Logger
}

// NewManager wires the registry with crash publication to the bus and
// the event journal.
func NewManager(cfg config.AgentsConfig, cat *catalog.Catalog, b bus.EventBus, journal *eventlog.Store, launcher supervisor.Launcher, log *logger.Logger) *Manager {
	m := &Manager{
		catalog: cat,
		bus:     b,
		journal: journal,
		logger:  log.WithFields(zap.String("component", "agent-manager")),
	}
	m.registry = registry.New(registry.Options{
		Launcher:      launcher,
		MaxProcesses:  cfg.MaxProcesses,
		InitTimeout:   cfg.InitTimeoutDuration(),
		WireLogDir:    cfg.WireLogDir,
		WireLogMaxAge: cfg.WireLogMaxAgeDuration(),
		Logger:        log,
		OnCrash:       m.reportCrash,
	})
	return m
}

// Close stops every live connection.
func (m *Manager) Close() {
	m.registry.Close()
}

// Catalog lists the named agents this host knows how to launch.
func (m *Manager) Catalog() []catalog.Entry {
	return m.catalog.Entries()
}

// Connect ensures an agent is running for spec and returns its info.
// Reconnecting to an already-running agent is cheap and returns the same
// connection.
func (m *Manager) Connect(ctx context.Context, spec supervisor.LaunchSpec) (events.AgentInfo, error) {
	h, err := m.registry.Connect(ctx, spec)
	if err != nil {
		return events.AgentInfo{}, err
	}
	return h.Info(), nil
}

// ConnectNamed connects to an agent from the catalog.
func (m *Manager) ConnectNamed(ctx context.Context, name string) (events.AgentInfo, error) {
	entry, ok := m.catalog.Get(name)
	if !ok {
		return events.AgentInfo{}, apperrors.NotFound("agent", name)
	}
	return m.Connect(ctx, entry.Spec())
}

// Disconnect stops the agent process. Pending prompts fail and pending
// permission requests resolve with no decision.
func (m *Manager) Disconnect(agentID string) error {
	return m.registry.Disconnect(agentID)
}

// GetInfo returns the handshake info for a connected agent.
func (m *Manager) GetInfo(ctx context.Context, agentID string) (events.AgentInfo, error) {
	h, err := m.registry.Get(agentID)
	if err != nil {
		return events.AgentInfo{}, err
	}
	reply := make(chan runtime.InfoResult, 1)
	if err := h.Send(ctx, runtime.GetInfo{Reply: reply}); err != nil {
		return events.AgentInfo{}, err
	}
	select {
	case r := <-reply:
		return r.Info, r.Err
	case <-h.Done():
		return events.AgentInfo{}, apperrors.Transport("agent did not respond")
	case <-ctx.Done():
		return events.AgentInfo{}, ctx.Err()
	}
}

// NewSession creates a session rooted at cwd on the given agent.
func (m *Manager) NewSession(ctx context.Context, agentID, cwd string) (events.SessionInfo, error) {
	h, err := m.registry.Get(agentID)
	if err != nil {
		return events.SessionInfo{}, err
	}
	reply := make(chan runtime.SessionResult, 1)
	if err := h.Send(ctx, runtime.NewSession{Cwd: cwd, Reply: reply}); err != nil {
		return events.SessionInfo{}, err
	}
	select {
	case r := <-reply:
		return r.Info, r.Err
	case <-h.Done():
		return events.SessionInfo{}, apperrors.Transport("agent did not respond")
	case <-ctx.Done():
		return events.SessionInfo{}, ctx.Err()
	}
}

// Prompt submits text to a session and streams events to sink. It
// returns when the prompt reaches a terminal event: after the sink's
// done or error event, never before.
func (m *Manager) Prompt(ctx context.Context, agentID, sessionID, text string, sink events.Sink) error {
	h, err := m.registry.Get(agentID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	cmd := runtime.Prompt{SessionID: sessionID, Text: text, Sink: sink, Reply: reply}
	if err := h.Send(ctx, cmd); err != nil {
		return err
	}
	return m.awaitErr(ctx, h, reply)
}

// RespondPermission answers a pending permission request with the chosen
// option. Each request accepts exactly one answer.
func (m *Manager) RespondPermission(ctx context.Context, agentID, requestID, optionID string) error {
	h, err := m.registry.Get(agentID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := h.Send(ctx, runtime.RespondPermission{RequestID: requestID, OptionID: optionID, Reply: reply}); err != nil {
		return err
	}
	return m.awaitErr(ctx, h, reply)
}

// Cancel interrupts the active prompt of a session.
func (m *Manager) Cancel(ctx context.Context, agentID, sessionID string) error {
	h, err := m.registry.Get(agentID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := h.Send(ctx, runtime.Cancel{SessionID: sessionID, Reply: reply}); err != nil {
		return err
	}
	return m.awaitErr(ctx, h, reply)
}

// SetMode switches the session's interaction mode.
func (m *Manager) SetMode(ctx context.Context, agentID, sessionID, modeID string) error {
	h, err := m.registry.Get(agentID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := h.Send(ctx, runtime.SetMode{SessionID: sessionID, ModeID: modeID, Reply: reply}); err != nil {
		return err
	}
	return m.awaitErr(ctx, h, reply)
}

// SetModel switches the session's model.
func (m *Manager) SetModel(ctx context.Context, agentID, sessionID, modelID string) error {
	h, err := m.registry.Get(agentID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := h.Send(ctx, runtime.SetModel{SessionID: sessionID, ModelID: modelID, Reply: reply}); err != nil {
		return err
	}
	return m.awaitErr(ctx, h, reply)
}

func (m *Manager) awaitErr(ctx context.Context, h *registry.Handle, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-h.Done():
		return apperrors.Transport("agent did not respond")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) reportCrash(agentID, kind, message string) {
	ctx := context.Background()

	if m.journal != nil {
		if err := m.journal.InsertCrash(ctx, agentID, kind, message); err != nil {
			m.logger.Warn("failed to journal crash", zap.Error(err))
		}
	}
	if m.bus != nil {
		ev := bus.NewEvent("agent.crashed", "agent-manager", map[string]interface{}{
			"agent_id": agentID,
			"kind":     kind,
			"message":  message,
		})
		if err := m.bus.Publish(ctx, CrashSubjectPrefix+agentID, ev); err != nil {
			m.logger.Warn("failed to publish crash event", zap.Error(err))
		}
	}
}
