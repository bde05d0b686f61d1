package wire

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrite/flowrite/internal/common/logger"
)

func TestCaptureSniffsErrorModelsCommandsAndAuth(t *testing.T) {
	c := NewCapture()

	c.observe([]byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":1,"authMethods":[{"id":"oauth","name":"OAuth"}]}}`))
	c.observe([]byte(`{"jsonrpc":"2.0","id":2,"result":{"sessionId":"s1","models":{"currentModelId":"small","availableModels":[{"modelId":"small","name":"Small"},{"modelId":"large","name":"Large"}]}}}`))
	c.observe([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"available_commands_update","availableCommands":[{"name":"compact","description":"Compact","input":{"hint":"optional focus"}}]}}}`))
	c.observe([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32000,"message":"Authentication required","data":{"details":"run login first"}}}`))

	methods := c.AuthMethods()
	require.Len(t, methods, 1)
	assert.Equal(t, "oauth", methods[0].ID)

	models := c.TakeModels()
	require.NotNil(t, models)
	assert.Equal(t, "small", models.CurrentModelID)
	assert.Len(t, models.AvailableModels, 2)
	assert.Nil(t, c.TakeModels(), "models are consumed on take")

	cmds := c.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "compact", cmds[0].Name)
	require.NotNil(t, cmds[0].Input)
	assert.Equal(t, "optional focus", cmds[0].Input.Hint)

	lastErr := c.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, CodeAuthRequired, lastErr.Code)
	assert.Equal(t, "run login first", lastErr.Detail())
}

func TestCaptureIgnoresGarbage(t *testing.T) {
	c := NewCapture()
	c.observe([]byte(`not json at all`))
	c.observe([]byte(`{"jsonrpc":"2.0","id":1,"result":"plain string"}`))

	assert.Nil(t, c.LastError())
	assert.Nil(t, c.TakeModels())
	assert.Empty(t, c.Commands())
}

func TestErrorDetailFallbacks(t *testing.T) {
	e := &Error{Code: -32603, Message: "Internal error"}
	assert.Equal(t, "Internal error", e.Detail())

	e = &Error{Code: -32603, Message: "Internal error", Data: []byte(`"first line\nsecond line"`)}
	assert.Equal(t, "first line", e.Detail())

	e = &Error{Code: -32603, Message: "Internal error", Data: []byte(`{"details":"disk full"}`)}
	assert.Equal(t, "disk full", e.Detail())
}

func TestCleanErrorMessage(t *testing.T) {
	raw := `request failed: {"code":-32603,"message":"Internal error","data":{"details":"model overloaded"}}`
	assert.Equal(t, "model overloaded", CleanErrorMessage(raw))

	assert.Equal(t, "plain failure", CleanErrorMessage("plain failure\nstack trace line"))
}

func TestTapReaderPassesBytesThroughAndObservesLines(t *testing.T) {
	c := NewCapture()
	payload := `{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"boom"}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"result":{}}` + "\n"

	tapped := TapReader(strings.NewReader(payload), c, nil)
	out, err := io.ReadAll(tapped)
	require.NoError(t, err)
	assert.Equal(t, payload, string(out))

	lastErr := c.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, CodeInternal, lastErr.Code)
}

func TestTapWriterLogsOutboundFrames(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenLog(dir, "agent-test")
	require.NoError(t, err)

	var sink strings.Builder
	w := TapWriter(&sink, log)
	_, err = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n")
	require.NoError(t, err)
	require.NoError(t, log.Close())

	assert.Contains(t, sink.String(), `"initialize"`)

	data, err := os.ReadFile(log.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `-> {"jsonrpc":"2.0","id":1,"method":"initialize"}`)
}

func TestNilLogIsSafe(t *testing.T) {
	var log *Log
	assert.Equal(t, "", log.Path())
	assert.NoError(t, log.Close())
	log.writeLine("->", []byte("x"))
}

func TestCleanupLogsRemovesOnlyExpiredWireLogs(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "wire-agent-old-1.log")
	fresh := filepath.Join(dir, "wire-agent-new-2.log")
	unrelated := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, unrelated} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	stale := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))
	require.NoError(t, os.Chtimes(unrelated, stale, stale))

	CleanupLogs(dir, 7*24*time.Hour, logger.Default())

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, unrelated)
}
