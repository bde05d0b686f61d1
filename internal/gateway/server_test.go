package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrite/flowrite/internal/agent"
	"github.com/flowrite/flowrite/internal/agent/catalog"
	"github.com/flowrite/flowrite/internal/agent/events"
	"github.com/flowrite/flowrite/internal/agent/supervisor"
	"github.com/flowrite/flowrite/internal/common/config"
	"github.com/flowrite/flowrite/internal/common/logger"
	"github.com/flowrite/flowrite/internal/eventlog"
	"github.com/flowrite/flowrite/internal/events/bus"
)

const testTimeout = 5 * time.Second

// echoProcess is a scripted agent subprocess: it completes the handshake,
// creates sessions, and echoes every prompt back as one message chunk.
type echoProcess struct {
	stdinReader  *io.PipeReader
	stdinWriter  *io.PipeWriter
	stdoutReader *io.PipeReader
	stdoutWriter *io.PipeWriter

	enc    *json.Encoder
	exited chan struct{}
	once   sync.Once
}

func newEchoProcess() *echoProcess {
	p := &echoProcess{exited: make(chan struct{})}
	p.stdinReader, p.stdinWriter = io.Pipe()
	p.stdoutReader, p.stdoutWriter = io.Pipe()
	p.enc = json.NewEncoder(p.stdoutWriter)
	go p.serve()
	return p
}

func (p *echoProcess) Stdin() io.WriteCloser { return p.stdinWriter }
func (p *echoProcess) Stdout() io.ReadCloser { return p.stdoutReader }
func (p *echoProcess) Pid() int              { return 4242 }

func (p *echoProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *echoProcess) Signal() error { p.exit(); return nil }
func (p *echoProcess) Kill() error   { p.exit(); return nil }

func (p *echoProcess) exit() {
	p.once.Do(func() {
		close(p.exited)
		_ = p.stdinReader.Close()
		_ = p.stdoutWriter.Close()
	})
}

func (p *echoProcess) serve() {
	scanner := bufio.NewScanner(p.stdinReader)
	for scanner.Scan() {
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Method {
		case "initialize":
			p.respond(msg.ID, map[string]any{
				"protocolVersion": 1,
				"agentInfo":       map[string]any{"name": "echo-agent", "version": "1.0.0"},
			})
		case "session/new":
			p.respond(msg.ID, map[string]any{"sessionId": "sess-1"})
		case "session/prompt":
			var params struct {
				SessionID string `json:"sessionId"`
				Prompt    []struct {
					Text string `json:"text"`
				} `json:"prompt"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			text := ""
			if len(params.Prompt) > 0 {
				text = params.Prompt[0].Text
			}
			_ = p.enc.Encode(map[string]any{
				"jsonrpc": "2.0",
				"method":  "session/update",
				"params": map[string]any{
					"sessionId": params.SessionID,
					"update": map[string]any{
						"sessionUpdate": "agent_message_chunk",
						"content":       map[string]any{"type": "text", "text": "echo: " + text},
					},
				},
			})
			p.respond(msg.ID, map[string]any{"stopReason": "end_turn"})
		}
	}
}

func (p *echoProcess) respond(id json.RawMessage, result any) {
	_ = p.enc.Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

type echoLauncher struct{}

func (echoLauncher) Launch(_ context.Context, _ supervisor.LaunchSpec) (supervisor.Process, error) {
	return newEchoProcess(), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.Default()

	cat, err := catalog.Parse([]byte("agents:\n  - name: echo\n    command: [\"echo-agent\"]\n"))
	require.NoError(t, err)

	journal, err := eventlog.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	mgr := agent.NewManager(config.AgentsConfig{
		MaxProcesses: 5,
		InitTimeout:  5,
	}, cat, eventBus, journal, echoLauncher{}, log)
	t.Cleanup(mgr.Close)

	return NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, mgr, eventBus, journal, log)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func connectAgent(t *testing.T, s *Server) string {
	t.Helper()
	rec, payload := doJSON(t, s, http.MethodPost, "/api/v1/agents/connect", map[string]any{
		"command": []string{"echo-agent", "--acp"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	agentID, _ := payload["agent_id"].(string)
	require.NotEmpty(t, agentID)
	return agentID
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec, payload := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", payload["status"])
}

func TestCatalogEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec, payload := doJSON(t, s, http.MethodGet, "/api/v1/catalog", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	agents, ok := payload["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 1)
}

func TestConnectGetInfoDisconnect(t *testing.T) {
	s := newTestServer(t)
	agentID := connectAgent(t, s)

	rec, payload := doJSON(t, s, http.MethodGet, "/api/v1/agents/"+agentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo-agent", payload["name"])
	assert.Equal(t, "1.0.0", payload["version"])

	rec, _ = doJSON(t, s, http.MethodDelete, "/api/v1/agents/"+agentID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec, _ := doJSON(t, s, http.MethodGet, "/api/v1/agents/"+agentID, nil)
		return rec.Code == http.StatusNotFound
	}, testTimeout, 10*time.Millisecond)
}

func TestConnectByCatalogName(t *testing.T) {
	s := newTestServer(t)

	rec, payload := doJSON(t, s, http.MethodPost, "/api/v1/agents/connect", map[string]any{"name": "echo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "echo-agent", payload["name"])

	rec, payload = doJSON(t, s, http.MethodPost, "/api/v1/agents/connect", map[string]any{"name": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])
}

func TestConnectRequiresNameOrCommand(t *testing.T) {
	s := newTestServer(t)
	rec, _ := doJSON(t, s, http.MethodPost, "/api/v1/agents/connect", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewSessionValidation(t *testing.T) {
	s := newTestServer(t)
	agentID := connectAgent(t, s)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/v1/agents/"+agentID+"/sessions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, payload := doJSON(t, s, http.MethodPost, "/api/v1/agents/unknown/sessions", map[string]any{"cwd": "/tmp"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_CONNECTED", payload["code"])

	rec, payload = doJSON(t, s, http.MethodPost, "/api/v1/agents/"+agentID+"/sessions", map[string]any{"cwd": "/tmp"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "sess-1", payload["session_id"])
}

func TestEventsEndpoint(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.journal.InsertCrash(context.Background(), "agent-aa", "crashed", "exit status 2"))

	rec, payload := doJSON(t, s, http.MethodGet, "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	records, ok := payload["events"].([]any)
	require.True(t, ok)
	require.Len(t, records, 1)
	first, ok := records[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent.crashed", first["type"])
}

func TestSessionStreamPrompt(t *testing.T) {
	s := newTestServer(t)
	agentID := connectAgent(t, s)

	rec, payload := doJSON(t, s, http.MethodPost, "/api/v1/agents/"+agentID+"/sessions", map[string]any{"cwd": "/tmp"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sessionID, _ := payload["session_id"].(string)
	require.NotEmpty(t, sessionID)

	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1) +
		"/api/v1/agents/" + agentID + "/sessions/" + sessionID + "/stream"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "prompt", "text": "hi"}))

	var got []events.Event
	deadline := time.Now().Add(testTimeout)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		got = append(got, ev)
		if ev.Type == events.EventTypeDone {
			break
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, events.EventTypeMessageChunk, got[0].Type)
	assert.Equal(t, "echo: hi", got[0].Text)
	assert.Equal(t, "end_turn", got[1].StopReason)
}
