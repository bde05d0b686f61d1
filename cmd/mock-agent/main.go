// Package main implements a mock agent binary that speaks the agent
// session protocol (JSON-RPC over stdin/stdout). It generates simulated
// responses for rapid feature testing and e2e tests of the agent host.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

var nextSession = 0

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)
	a := &agent{enc: enc, scanner: scanner}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		a.dispatch(msg)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// rpcMessage is one inbound JSON-RPC frame, request or response alike.
type rpcMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type agent struct {
	enc     *json.Encoder
	scanner *bufio.Scanner

	nextRequestID int
	cancelled     bool
}

func (a *agent) dispatch(msg rpcMessage) {
	switch msg.Method {
	case "initialize":
		a.handleInitialize(msg)
	case "session/new":
		a.handleNewSession(msg)
	case "session/prompt":
		a.handlePrompt(msg)
	case "session/cancel":
		a.cancelled = true
	case "session/set_mode", "session/set_model":
		a.respond(msg.ID, map[string]any{}, nil)
	default:
		if msg.ID != nil {
			a.respond(msg.ID, nil, &rpcError{Code: -32601, Message: "method not found: " + msg.Method})
		}
	}
}

func (a *agent) respond(id json.RawMessage, result any, rpcErr *rpcError) {
	frame := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(id)}
	if rpcErr != nil {
		frame["error"] = rpcErr
	} else {
		frame["result"] = result
	}
	_ = a.enc.Encode(frame)
}

func (a *agent) notify(method string, params any) {
	_ = a.enc.Encode(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

// request sends a request to the host and blocks reading stdin until the
// matching response arrives. Cancel notifications seen while waiting are
// recorded; other frames are ignored.
func (a *agent) request(method string, params any) (rpcMessage, bool) {
	a.nextRequestID++
	id := fmt.Sprintf("mock-req-%d", a.nextRequestID)
	_ = a.enc.Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})

	want, _ := json.Marshal(id)
	for a.scanner.Scan() {
		line := a.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Method == "session/cancel" {
			a.cancelled = true
			continue
		}
		if msg.Method == "" && string(msg.ID) == string(want) {
			return msg, true
		}
	}
	return rpcMessage{}, false
}

func (a *agent) handleInitialize(msg rpcMessage) {
	a.respond(msg.ID, map[string]any{
		"protocolVersion": 1,
		"agentInfo": map[string]any{
			"name":    "mock-agent",
			"version": "1.0.0",
		},
		"agentCapabilities": map[string]any{
			"loadSession": false,
		},
		"authMethods": []map[string]any{
			{"id": "api-key", "name": "API key", "description": "Set MOCK_API_KEY"},
		},
	}, nil)
}

func (a *agent) handleNewSession(msg rpcMessage) {
	nextSession++
	sessionID := fmt.Sprintf("mock-session-%d-%d", os.Getpid(), nextSession)
	a.respond(msg.ID, map[string]any{
		"sessionId": sessionID,
		"modes": map[string]any{
			"currentModeId": "default",
			"availableModes": []map[string]any{
				{"id": "default", "name": "Default"},
				{"id": "plan", "name": "Plan", "description": "Plan before acting"},
			},
		},
		"models": map[string]any{
			"currentModelId": "mock-small",
			"availableModels": []map[string]any{
				{"modelId": "mock-small", "name": "Mock Small"},
				{"modelId": "mock-large", "name": "Mock Large"},
			},
		},
	}, nil)

	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "available_commands_update",
			"availableCommands": []map[string]any{
				{"name": "all", "description": "Demo all update types"},
				{"name": "error", "description": "Simulate an error result"},
			},
		},
	})
}
