package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/agent/events"
	"github.com/flowrite/flowrite/internal/agent/wire"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
	"github.com/flowrite/flowrite/internal/common/logger"
)

// sessionSettleDelay gives the wire sniffer a moment to observe the raw
// session/new result before the enrichment snapshot is taken.
const sessionSettleDelay = 100 * time.Millisecond

// Loop is the single-threaded actor owning one agent connection and all
// of its sessions. All session and prompt state is mutated exclusively by
// the Run goroutine; prompt tasks and the notification handler communicate
// with it over channels and the Shared tables.
type Loop struct {
	agentID     string
	conn        *acp.ClientSideConnection
	capture     *wire.Capture
	shared      *Shared
	logger      *logger.Logger
	commands    <-chan Command
	wireLogPath string
	initTimeout time.Duration

	info     events.AgentInfo
	sessions map[string]*events.SessionInfo
	active   map[string]struct{}

	promptDone  chan string
	metaUpdates chan metaUpdate
	stopped     chan struct{}
}

// metaUpdate carries session metadata observed mid-prompt back into the
// loop goroutine.
type metaUpdate struct {
	sessionID string
	modeID    *string
	commands  []events.SlashCommand
}

// NewLoop builds the command loop for one agent connection.
func NewLoop(agentID string, conn *acp.ClientSideConnection, capture *wire.Capture, shared *Shared, commands <-chan Command, wireLogPath string, initTimeout time.Duration, log *logger.Logger) *Loop {
	return &Loop{
		agentID:     agentID,
		conn:        conn,
		capture:     capture,
		shared:      shared,
		logger:      log.WithFields(zap.String("component", "command-loop")),
		commands:    commands,
		wireLogPath: wireLogPath,
		initTimeout: initTimeout,
		sessions:    make(map[string]*events.SessionInfo),
		active:      make(map[string]struct{}),
		promptDone:  make(chan string, 8),
		metaUpdates: make(chan metaUpdate, 32),
		stopped:     make(chan struct{}),
	}
}

// Run performs the protocol handshake, reports the agent info through
// onReady, then processes commands until the command channel closes or the
// context is cancelled. On return every pending permission is resolved
// with no decision.
func (l *Loop) Run(ctx context.Context, onReady func(events.AgentInfo)) error {
	defer close(l.stopped)
	defer l.shared.CancelAll()

	if err := l.initialize(ctx); err != nil {
		return err
	}
	onReady(l.info)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sid := <-l.promptDone:
			l.finishPrompt(sid)
		case mu := <-l.metaUpdates:
			l.applyMeta(mu)
		case cmd, ok := <-l.commands:
			if !ok {
				l.logger.Debug("command channel closed, loop exiting")
				return nil
			}
			l.handle(ctx, cmd)
		}
	}
}

func (l *Loop) initialize(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, l.initTimeout)
	defer cancel()

	resp, err := l.conn.Initialize(initCtx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "flowrite",
			Version: "1.0.0",
		},
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
		},
	})
	if err != nil {
		if errors.Is(initCtx.Err(), context.DeadlineExceeded) {
			return apperrors.Timeout("protocol handshake")
		}
		return ClassifyError(l.capture, err)
	}

	info := events.AgentInfo{
		AgentID: l.agentID,
		Name:    "unknown",
		Version: "unknown",
		LogFile: l.wireLogPath,
	}
	if resp.AgentInfo != nil {
		info.Name = resp.AgentInfo.Name
		info.Version = resp.AgentInfo.Version
	}
	info.AuthMethods = make([]events.AuthMethod, 0)
	for _, m := range l.capture.AuthMethods() {
		info.AuthMethods = append(info.AuthMethods, events.AuthMethod{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
		})
	}
	l.info = info
	l.logger.Info("agent initialized",
		zap.String("agent_name", info.Name),
		zap.String("agent_version", info.Version),
		zap.Int("auth_methods", len(info.AuthMethods)))
	return nil
}

// HandleNotification routes one protocol update to the session's active
// stream. It runs on the connection's dispatch goroutine; updates for
// sessions without an active prompt are dropped.
func (l *Loop) HandleNotification(n acp.SessionNotification) {
	sessionID := string(n.SessionId)
	stream := l.shared.stream(sessionID)
	if stream == nil {
		return
	}

	ev, ok := translate(n, stream)
	if !ok {
		return
	}

	switch ev.Type {
	case events.EventTypeModeUpdate:
		modeID := ev.CurrentModeID
		l.postMeta(metaUpdate{sessionID: sessionID, modeID: &modeID})
	case events.EventTypeCommandsUpdate:
		l.postMeta(metaUpdate{sessionID: sessionID, commands: ev.Commands})
	}

	if err := stream.sink.Send(ev); err != nil {
		l.logger.Debug("event sink rejected update",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (l *Loop) postMeta(mu metaUpdate) {
	select {
	case l.metaUpdates <- mu:
	default:
		// Metadata bookkeeping is advisory; dropping under pressure is
		// preferable to blocking the dispatch goroutine.
	}
}

func (l *Loop) applyMeta(mu metaUpdate) {
	sess, ok := l.sessions[mu.sessionID]
	if !ok {
		return
	}
	if mu.modeID != nil {
		sess.CurrentModeID = mu.modeID
	}
	if mu.commands != nil {
		sess.AvailableCommands = mu.commands
	}
}

func (l *Loop) handle(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case GetInfo:
		c.Reply <- InfoResult{Info: l.info}
	case NewSession:
		l.handleNewSession(ctx, c)
	case Prompt:
		l.handlePrompt(ctx, c)
	case RespondPermission:
		c.Reply <- l.shared.Resolve(c.RequestID, c.OptionID)
	case Cancel:
		l.handleCancel(ctx, c)
	case SetMode:
		l.handleSetMode(ctx, c)
	case SetModel:
		l.handleSetModel(ctx, c)
	default:
		l.logger.Error("unknown command", zap.Any("command", cmd))
	}
}

func (l *Loop) handleNewSession(ctx context.Context, cmd NewSession) {
	resp, err := l.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cmd.Cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		cmd.Reply <- SessionResult{Err: ClassifyError(l.capture, err)}
		return
	}

	// Some agents announce models and slash commands on the wire right
	// around session creation without exposing them in the typed
	// response; let those lines land before snapshotting.
	time.Sleep(sessionSettleDelay)

	info := events.SessionInfo{
		SessionID:         string(resp.SessionId),
		AvailableModes:    make([]events.SessionMode, 0),
		AvailableCommands: make([]events.SlashCommand, 0),
		AvailableModels:   make([]events.ModelInfo, 0),
	}

	if resp.Modes != nil {
		for _, m := range resp.Modes.AvailableModes {
			info.AvailableModes = append(info.AvailableModes, events.SessionMode{
				ID:          string(m.Id),
				Name:        m.Name,
				Description: m.Description,
			})
		}
		if cur := string(resp.Modes.CurrentModeId); cur != "" {
			info.CurrentModeID = &cur
		}
	}

	if resp.Models != nil {
		for _, m := range resp.Models.AvailableModels {
			info.AvailableModels = append(info.AvailableModels, events.ModelInfo{
				ModelID:     string(m.ModelId),
				Name:        m.Name,
				Description: m.Description,
			})
		}
		if cur := string(resp.Models.CurrentModelId); cur != "" {
			info.CurrentModelID = &cur
		}
	} else if sniffed := l.capture.TakeModels(); sniffed != nil {
		for _, m := range sniffed.AvailableModels {
			name := m.Name
			if name == "" {
				name = m.ModelID
			}
			info.AvailableModels = append(info.AvailableModels, events.ModelInfo{
				ModelID:     m.ModelID,
				Name:        name,
				Description: m.Description,
			})
		}
		if sniffed.CurrentModelID != "" {
			cur := sniffed.CurrentModelID
			info.CurrentModelID = &cur
		}
	}

	for _, c := range l.capture.Commands() {
		sc := events.SlashCommand{Name: c.Name, Description: c.Description}
		if c.Input != nil && c.Input.Hint != "" {
			hint := c.Input.Hint
			sc.InputHint = &hint
		}
		info.AvailableCommands = append(info.AvailableCommands, sc)
	}

	stored := info
	l.sessions[info.SessionID] = &stored
	l.logger.Info("session created", zap.String("session_id", info.SessionID))
	cmd.Reply <- SessionResult{Info: info}
}

func (l *Loop) handlePrompt(ctx context.Context, cmd Prompt) {
	if strings.TrimSpace(cmd.Text) == "" {
		cmd.Reply <- apperrors.InvalidInput("prompt text is empty")
		return
	}
	if _, ok := l.sessions[cmd.SessionID]; !ok {
		cmd.Reply <- apperrors.NotFound("session", cmd.SessionID)
		return
	}
	if _, busy := l.active[cmd.SessionID]; busy {
		cmd.Reply <- apperrors.Busy(fmt.Sprintf("session '%s' already has an active prompt", cmd.SessionID))
		return
	}

	stream := &promptStream{
		sessionID: cmd.SessionID,
		sink:      cmd.Sink,
		toolCalls: make(map[string]*events.Event),
	}
	l.shared.registerStream(stream)
	l.active[cmd.SessionID] = struct{}{}

	go l.runPrompt(ctx, cmd, stream)
}

// runPrompt drives one prompt to its terminal event. It owns nothing but
// the session id; completion is reported back to the loop goroutine over
// promptDone.
func (l *Loop) runPrompt(ctx context.Context, cmd Prompt, stream *promptStream) {
	resp, err := l.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(cmd.SessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(cmd.Text)},
	})
	if err != nil {
		appErr := ClassifyError(l.capture, err)
		if sendErr := stream.sink.Send(events.Event{Type: events.EventTypeError, Text: appErr.Message}); sendErr != nil {
			l.logger.Debug("sink rejected prompt error event", zap.Error(sendErr))
		}
		cmd.Reply <- appErr
	} else {
		stop := stopReasonString(resp.StopReason)
		if !stream.sawVisible.Load() {
			warn := events.Event{
				Type: events.EventTypeError,
				Text: "agent finished without producing any visible output",
			}
			if sendErr := stream.sink.Send(warn); sendErr != nil {
				l.logger.Debug("sink rejected no-output warning", zap.Error(sendErr))
			}
		}
		done := events.Event{
			Type:       events.EventTypeDone,
			StopReason: stop,
		}
		if sendErr := stream.sink.Send(done); sendErr != nil {
			l.logger.Debug("sink rejected done event", zap.Error(sendErr))
		}
		cmd.Reply <- nil
	}

	select {
	case l.promptDone <- cmd.SessionID:
	case <-l.stopped:
		l.shared.clearStream(cmd.SessionID)
	}
}

func (l *Loop) finishPrompt(sessionID string) {
	delete(l.active, sessionID)
	l.shared.clearStream(sessionID)
	l.logger.Debug("prompt finished", zap.String("session_id", sessionID))
}

func (l *Loop) handleCancel(ctx context.Context, cmd Cancel) {
	if _, ok := l.sessions[cmd.SessionID]; !ok {
		cmd.Reply <- apperrors.NotFound("session", cmd.SessionID)
		return
	}
	err := l.conn.Cancel(ctx, acp.CancelNotification{
		SessionId: acp.SessionId(cmd.SessionID),
	})
	// Cancellation invalidates any decisions the prompt is waiting on;
	// prompt termination itself arrives via the normal stop path.
	l.shared.CancelSession(cmd.SessionID)
	if err != nil {
		cmd.Reply <- ClassifyError(l.capture, err)
		return
	}
	cmd.Reply <- nil
}

func (l *Loop) handleSetMode(ctx context.Context, cmd SetMode) {
	sess, ok := l.sessions[cmd.SessionID]
	if !ok {
		cmd.Reply <- apperrors.NotFound("session", cmd.SessionID)
		return
	}
	if _, busy := l.active[cmd.SessionID]; busy {
		cmd.Reply <- apperrors.Busy("cannot change mode while a prompt is active")
		return
	}
	_, err := l.conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: acp.SessionId(cmd.SessionID),
		ModeId:    acp.SessionModeId(cmd.ModeID),
	})
	if err != nil {
		cmd.Reply <- ClassifyError(l.capture, err)
		return
	}
	modeID := cmd.ModeID
	sess.CurrentModeID = &modeID
	cmd.Reply <- nil
}

func (l *Loop) handleSetModel(ctx context.Context, cmd SetModel) {
	sess, ok := l.sessions[cmd.SessionID]
	if !ok {
		cmd.Reply <- apperrors.NotFound("session", cmd.SessionID)
		return
	}
	if _, busy := l.active[cmd.SessionID]; busy {
		cmd.Reply <- apperrors.Busy("cannot change model while a prompt is active")
		return
	}
	_, err := l.conn.UnstableSetSessionModel(ctx, acp.UnstableSetSessionModelRequest{
		SessionId: acp.SessionId(cmd.SessionID),
		ModelId:   acp.UnstableModelId(cmd.ModelID),
	})
	if err != nil {
		cmd.Reply <- ClassifyError(l.capture, err)
		return
	}
	modelID := cmd.ModelID
	sess.CurrentModelID = &modelID
	cmd.Reply <- nil
}
