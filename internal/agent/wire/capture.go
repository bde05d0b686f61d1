// Package wire observes the raw JSON-RPC traffic of one agent process.
// It writes a per-process wire log and opportunistically recovers
// information the typed protocol layer does not expose: structured error
// codes, available models, slash commands and auth methods. Everything
// here is best-effort; a line that fails to parse is simply skipped.
package wire

import (
	"encoding/json"
	"strings"
	"sync"
)

// JSON-RPC error codes the agents are known to emit.
const (
	CodeAuthRequired = -32000
	CodeInternal     = -32603
)

// Error is a structured JSON-RPC error observed on the wire.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Detail returns the most useful human-readable text from the error:
// data.details when present, otherwise the first line of a string data
// payload, otherwise the message.
func (e *Error) Detail() string {
	if len(e.Data) > 0 {
		var obj struct {
			Details string `json:"details"`
		}
		if err := json.Unmarshal(e.Data, &obj); err == nil && obj.Details != "" {
			return obj.Details
		}
		var s string
		if err := json.Unmarshal(e.Data, &s); err == nil && s != "" {
			return firstLine(s)
		}
	}
	return e.Message
}

// ModelInfo is a model entry recovered from a raw session/new result.
type ModelInfo struct {
	ModelID     string  `json:"modelId"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// Models is the model state recovered from a raw session/new result.
type Models struct {
	CurrentModelID  string      `json:"currentModelId"`
	AvailableModels []ModelInfo `json:"availableModels"`
}

// Command is a slash command announced on the wire.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Input       *struct {
		Hint string `json:"hint"`
	} `json:"input"`
}

// AuthMethod is an authentication method recovered from a raw initialize
// result.
type AuthMethod struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// Capture accumulates the most recent sniffed values for one process.
// All methods are safe for concurrent use.
type Capture struct {
	mu          sync.Mutex
	lastError   *Error
	models      *Models
	commands    []Command
	authMethods []AuthMethod
}

// NewCapture returns an empty capture.
func NewCapture() *Capture {
	return &Capture{}
}

// LastError returns the most recent structured error, or nil.
func (c *Capture) LastError() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// TakeModels returns the sniffed model state and clears it, so stale data
// from one session does not leak into the next.
func (c *Capture) TakeModels() *Models {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.models
	c.models = nil
	return m
}

// Commands returns the most recent slash command list.
func (c *Capture) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands
}

// AuthMethods returns the auth methods from the initialize result.
func (c *Capture) AuthMethods() []AuthMethod {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authMethods
}

// frame is the loose shape every wire line is tried against.
type frame struct {
	Method string          `json:"method"`
	Error  *Error          `json:"error"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
}

// observe inspects one line arriving from the agent.
func (c *Capture) observe(line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return
	}

	if f.Error != nil && f.Error.Code != 0 {
		c.mu.Lock()
		c.lastError = f.Error
		c.mu.Unlock()
	}

	if len(f.Result) > 0 {
		c.observeResult(f.Result)
	}
	if len(f.Params) > 0 {
		c.observeParams(f.Params)
	}
}

func (c *Capture) observeResult(result json.RawMessage) {
	var body struct {
		Models      *Models      `json:"models"`
		AuthMethods []AuthMethod `json:"authMethods"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if body.Models != nil {
		c.models = body.Models
	}
	if len(body.AuthMethods) > 0 {
		c.authMethods = body.AuthMethods
	}
}

func (c *Capture) observeParams(params json.RawMessage) {
	var body struct {
		Update struct {
			AvailableCommands []Command `json:"availableCommands"`
		} `json:"update"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return
	}
	if len(body.Update.AvailableCommands) == 0 {
		return
	}
	c.mu.Lock()
	c.commands = body.Update.AvailableCommands
	c.mu.Unlock()
}

// CleanErrorMessage strips an embedded JSON diagnostic payload from a raw
// failure string, preferring the payload's data.details when it parses.
func CleanErrorMessage(raw string) string {
	if idx := strings.Index(raw, ": {"); idx >= 0 {
		base := raw[:idx]
		tail := raw[idx+2:]
		var e Error
		if err := json.Unmarshal([]byte(tail), &e); err == nil {
			if detail := e.Detail(); detail != "" {
				return detail
			}
		}
		return firstLine(base)
	}
	return firstLine(raw)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}
