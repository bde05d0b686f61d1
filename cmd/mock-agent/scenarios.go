package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

type promptParams struct {
	SessionID string `json:"sessionId"`
	Prompt    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"prompt"`
}

// handlePrompt routes the prompt text to a scenario. The first word of
// the prompt selects behavior; anything else gets a plain echo.
func (a *agent) handlePrompt(msg rpcMessage) {
	var p promptParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		a.respond(msg.ID, nil, &rpcError{Code: -32602, Message: "invalid prompt params"})
		return
	}
	text := ""
	for _, block := range p.Prompt {
		if block.Type == "text" {
			text += block.Text
		}
	}

	a.cancelled = false
	scenario := strings.Fields(text)
	key := ""
	if len(scenario) > 0 {
		key = scenario[0]
	}

	switch key {
	case "error":
		a.respond(msg.ID, nil, &rpcError{Code: -32603, Message: "Internal error", Data: map[string]any{
			"details": "simulated internal failure",
		}})
		return
	case "auth":
		a.respond(msg.ID, nil, &rpcError{Code: -32000, Message: "Authentication required", Data: map[string]any{
			"details": "run mock-agent login first",
		}})
		return
	case "crash":
		fmt.Fprintln(os.Stderr, "mock-agent: simulated crash")
		os.Exit(2)
	case "silent":
		// No updates at all, straight to end of turn.
	case "tool":
		a.runToolScenario(p.SessionID)
	case "permission":
		if !a.runPermissionScenario(p.SessionID) {
			a.respond(msg.ID, map[string]any{"stopReason": "cancelled"}, nil)
			return
		}
	case "plan":
		a.runPlanScenario(p.SessionID)
	case "think":
		a.chunk(p.SessionID, "agent_thought_chunk", "Considering the request...")
		a.chunk(p.SessionID, "agent_message_chunk", "Done thinking.")
	default:
		a.chunk(p.SessionID, "agent_message_chunk", "You said: ")
		a.chunk(p.SessionID, "agent_message_chunk", text)
	}

	if a.cancelled {
		a.respond(msg.ID, map[string]any{"stopReason": "cancelled"}, nil)
		return
	}
	a.respond(msg.ID, map[string]any{"stopReason": "end_turn"}, nil)
}

func (a *agent) chunk(sessionID, kind, text string) {
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": kind,
			"content":       map[string]any{"type": "text", "text": text},
		},
	})
}

func (a *agent) runToolScenario(sessionID string) {
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCallId":    "call-1",
			"title":         "Read main.go",
			"kind":          "read",
			"status":        "pending",
			"locations":     []map[string]any{{"path": "/tmp/main.go"}},
		},
	})
	time.Sleep(10 * time.Millisecond)
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    "call-1",
			"status":        "in_progress",
		},
	})
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    "call-1",
			"status":        "completed",
			"content": []map[string]any{
				{"type": "content", "content": map[string]any{"type": "text", "text": "package main"}},
			},
		},
	})
	a.chunk(sessionID, "agent_message_chunk", "Read the file.")
}

// runPermissionScenario asks the host for permission and reports whether
// the tool ran.
func (a *agent) runPermissionScenario(sessionID string) bool {
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCallId":    "call-rm",
			"title":         "Run rm -rf build",
			"kind":          "execute",
			"status":        "pending",
		},
	})

	resp, ok := a.request("session/request_permission", map[string]any{
		"sessionId": sessionID,
		"toolCall":  map[string]any{"toolCallId": "call-rm", "title": "Run rm -rf build"},
		"options": []map[string]any{
			{"optionId": "allow-once", "name": "Allow once", "kind": "allow_once"},
			{"optionId": "reject-once", "name": "Reject", "kind": "reject_once"},
		},
	})
	if !ok {
		return false
	}

	optionID, selected := parsePermissionOutcome(resp.Result)
	if !selected || optionID != "allow-once" {
		a.notify("session/update", map[string]any{
			"sessionId": sessionID,
			"update": map[string]any{
				"sessionUpdate": "tool_call_update",
				"toolCallId":    "call-rm",
				"status":        "failed",
			},
		})
		a.chunk(sessionID, "agent_message_chunk", "Permission denied, skipping.")
		return true
	}

	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    "call-rm",
			"status":        "completed",
		},
	})
	a.chunk(sessionID, "agent_message_chunk", "Command finished.")
	return true
}

func (a *agent) runPlanScenario(sessionID string) {
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "plan",
			"entries": []map[string]any{
				{"content": "Inspect the build", "status": "in_progress", "priority": "high"},
				{"content": "Fix the failure", "status": "pending", "priority": "medium"},
			},
		},
	})
	a.chunk(sessionID, "agent_message_chunk", "Plan posted.")
}

// parsePermissionOutcome accepts both permission outcome encodings:
// a flat discriminator and a nested variant object.
func parsePermissionOutcome(result json.RawMessage) (string, bool) {
	var flat struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(result, &flat); err == nil && flat.Outcome.Outcome == "selected" {
		return flat.Outcome.OptionID, true
	}
	var nested struct {
		Outcome struct {
			Selected *struct {
				OptionID string `json:"optionId"`
			} `json:"selected"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(result, &nested); err == nil && nested.Outcome.Selected != nil {
		return nested.Outcome.Selected.OptionID, true
	}
	return "", false
}
