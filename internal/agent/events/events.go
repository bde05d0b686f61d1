// Package events defines the event surface delivered to UI clients while
// an agent prompt is streaming, plus the info snapshots returned by
// connection and session calls.
package events

// EventType identifies one variant of the streamed event union.
type EventType string

const (
	EventTypeMessageChunk      EventType = "message_chunk"
	EventTypeThinkingChunk     EventType = "thinking_chunk"
	EventTypeToolCallUpdate    EventType = "tool_call_update"
	EventTypePermissionRequest EventType = "permission_request"
	EventTypePlanUpdate        EventType = "plan_update"
	EventTypeModeUpdate        EventType = "mode_update"
	EventTypeCommandsUpdate    EventType = "commands_update"
	EventTypeDone              EventType = "done"
	EventTypeError             EventType = "error"
)

// Event is one entry in the per-prompt stream. Type selects the variant;
// the remaining fields are populated per variant and omitted otherwise.
type Event struct {
	Type EventType `json:"type"`

	// message_chunk, thinking_chunk, error
	Text string `json:"text,omitempty"`

	// tool_call_update
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Status     string         `json:"status,omitempty"`
	Content    string         `json:"content,omitempty"`
	Locations  []ToolLocation `json:"locations,omitempty"`
	Diff       *DiffData      `json:"diff,omitempty"`

	// permission_request
	RequestID string             `json:"request_id,omitempty"`
	Options   []PermissionOption `json:"options,omitempty"`

	// plan_update
	PlanEntries []PlanEntry `json:"plan_entries,omitempty"`

	// mode_update
	CurrentModeID string `json:"current_mode_id,omitempty"`

	// commands_update
	Commands []SlashCommand `json:"commands,omitempty"`

	// done
	StopReason string `json:"stop_reason,omitempty"`
}

// ToolLocation is a file location a tool call touches.
type ToolLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// DiffData carries a file diff produced by a tool call.
type DiffData struct {
	Path    string  `json:"path"`
	OldText *string `json:"old_text,omitempty"`
	NewText string  `json:"new_text"`
}

// PermissionOption is one choice offered by a permission request.
type PermissionOption struct {
	OptionID string `json:"option_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PlanEntry is one step of an agent-reported plan.
type PlanEntry struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// SlashCommand is a command advertised by the agent.
type SlashCommand struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	InputHint   *string `json:"input_hint,omitempty"`
}

// Sink receives streamed events for one prompt. Send fails when the
// receiver is gone; senders treat that as "stop delivering", never as a
// reason to fail the prompt.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

// Send implements Sink.
func (f SinkFunc) Send(ev Event) error { return f(ev) }

// AuthMethod describes one authentication method supported by an agent.
type AuthMethod struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// AgentInfo is the result of a connect call.
type AgentInfo struct {
	AgentID     string       `json:"agent_id"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	AuthMethods []AuthMethod `json:"auth_methods"`
	LogFile     string       `json:"log_file,omitempty"`
}

// SessionMode is one interaction mode a session supports.
type SessionMode struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// ModelInfo is one model available to a session.
type ModelInfo struct {
	ModelID     string  `json:"model_id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// SessionInfo is the result of a new-session call.
type SessionInfo struct {
	SessionID         string         `json:"session_id"`
	AvailableModes    []SessionMode  `json:"available_modes"`
	CurrentModeID     *string        `json:"current_mode_id,omitempty"`
	AvailableCommands []SlashCommand `json:"available_commands"`
	AvailableModels   []ModelInfo    `json:"available_models"`
	CurrentModelID    *string        `json:"current_model_id,omitempty"`
}

// Crash kinds attached to out-of-band crash notifications.
const (
	CrashKindAuthRequired = "auth_required"
	CrashKindInternal     = "internal"
	CrashKindProtocol     = "protocol"
	CrashKindCrashed      = "crashed"
)

// CrashPayload is the out-of-band notification emitted when an agent's
// supervisor ends abnormally.
type CrashPayload struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
