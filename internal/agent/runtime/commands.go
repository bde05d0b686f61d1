package runtime

import (
	"github.com/flowrite/flowrite/internal/agent/events"
)

// Command is one unit of work sent to an agent's command loop. Each
// command carries its own reply channel; the loop answers every command
// exactly once. The set is closed: the loop switches exhaustively over it.
type Command interface {
	command()
}

// InfoResult answers a GetInfo command.
type InfoResult struct {
	Info events.AgentInfo
	Err  error
}

// GetInfo asks for the cached agent info snapshot.
type GetInfo struct {
	Reply chan InfoResult
}

// SessionResult answers a NewSession command.
type SessionResult struct {
	Info events.SessionInfo
	Err  error
}

// NewSession creates a new session rooted at Cwd.
type NewSession struct {
	Cwd   string
	Reply chan SessionResult
}

// Prompt starts a prompt on an existing session. Streamed events are
// delivered to Sink; Reply resolves when the prompt terminates.
type Prompt struct {
	SessionID string
	Text      string
	Sink      events.Sink
	Reply     chan error
}

// RespondPermission resolves a pending permission request with the chosen
// option id.
type RespondPermission struct {
	RequestID string
	OptionID  string
	Reply     chan error
}

// Cancel forwards a cancellation notification for a session and resolves
// that session's pending permissions with no decision.
type Cancel struct {
	SessionID string
	Reply     chan error
}

// SetMode switches a session's interaction mode. Rejected while the
// session has an active prompt.
type SetMode struct {
	SessionID string
	ModeID    string
	Reply     chan error
}

// SetModel switches a session's model. Rejected while the session has an
// active prompt.
type SetModel struct {
	SessionID string
	ModelID   string
	Reply     chan error
}

func (GetInfo) command()           {}
func (NewSession) command()        {}
func (Prompt) command()            {}
func (RespondPermission) command() {}
func (Cancel) command()            {}
func (SetMode) command()           {}
func (SetModel) command()          {}
