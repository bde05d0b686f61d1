package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrite/flowrite/internal/agent/supervisor"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
	"github.com/flowrite/flowrite/internal/common/logger"
)

const testTimeout = 5 * time.Second

// fakeProcess is a pipe-backed stand-in for a launched agent: a goroutine
// answers the protocol handshake and the process stays alive until
// signalled.
type fakeProcess struct {
	stdinReader  *io.PipeReader
	stdinWriter  *io.PipeWriter
	stdoutReader *io.PipeReader
	stdoutWriter *io.PipeWriter

	exited chan struct{}
	once   sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{exited: make(chan struct{})}
	p.stdinReader, p.stdinWriter = io.Pipe()
	p.stdoutReader, p.stdoutWriter = io.Pipe()
	go p.serve()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinWriter }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutReader }
func (p *fakeProcess) Pid() int              { return 4242 }

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) Signal() error { p.terminate(); return nil }
func (p *fakeProcess) Kill() error   { p.terminate(); return nil }

func (p *fakeProcess) terminate() {
	p.once.Do(func() {
		close(p.exited)
		_ = p.stdinReader.Close()
		_ = p.stdoutWriter.Close()
	})
}

func (p *fakeProcess) serve() {
	enc := json.NewEncoder(p.stdoutWriter)
	scanner := bufio.NewScanner(p.stdinReader)
	for scanner.Scan() {
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Method {
		case "initialize":
			_ = enc.Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      msg.ID,
				"result": map[string]any{
					"protocolVersion": 1,
					"agentInfo":       map[string]any{"name": "fake", "version": "1.0.0"},
				},
			})
		case "session/new":
			_ = enc.Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      msg.ID,
				"result":  map[string]any{"sessionId": "sess-1"},
			})
		}
	}
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
}

func (l *fakeLauncher) Launch(_ context.Context, _ supervisor.LaunchSpec) (supervisor.Process, error) {
	l.mu.Lock()
	l.launches++
	l.mu.Unlock()
	return newFakeProcess(), nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

type failingLauncher struct{}

func (failingLauncher) Launch(_ context.Context, _ supervisor.LaunchSpec) (supervisor.Process, error) {
	return nil, apperrors.ProcessCrashed("spawn failed: no such binary")
}

func newTestRegistry(t *testing.T, launcher supervisor.Launcher, maxProcesses int) *Registry {
	t.Helper()
	r := New(Options{
		Launcher:     launcher,
		MaxProcesses: maxProcesses,
		InitTimeout:  testTimeout,
		Logger:       logger.Default(),
	})
	t.Cleanup(r.Close)
	return r
}

func specFor(name string) supervisor.LaunchSpec {
	return supervisor.LaunchSpec{
		Command:   []string{name, "--acp"},
		Transport: supervisor.TransportStdio,
	}
}

func TestIdentityDeterministic(t *testing.T) {
	a := Identity(specFor("claude"))
	b := Identity(specFor("claude"))
	assert.Equal(t, a, b)
	assert.Regexp(t, `^agent-[0-9a-f]{16}$`, a)
}

func TestIdentityEnvOrderInsensitive(t *testing.T) {
	a := Identity(supervisor.LaunchSpec{
		Command: []string{"claude", "--acp"},
		Env:     []string{"A=1", "B=2"},
	})
	b := Identity(supervisor.LaunchSpec{
		Command: []string{"claude", "--acp"},
		Env:     []string{"B=2", "A=1"},
	})
	assert.Equal(t, a, b)
}

func TestIdentityCommandOrderSensitive(t *testing.T) {
	a := Identity(supervisor.LaunchSpec{Command: []string{"claude", "--acp"}})
	b := Identity(supervisor.LaunchSpec{Command: []string{"--acp", "claude"}})
	assert.NotEqual(t, a, b)
}

func TestConnectReusesRunningAgent(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, 5)
	ctx := context.Background()

	first, err := r.Connect(ctx, specFor("claude"))
	require.NoError(t, err)
	assert.Equal(t, "fake", first.Info().Name)

	second, err := r.Connect(ctx, specFor("claude"))
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestConcurrentConnectSharesOneProcess(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, 5)

	const callers = 8
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Connect(context.Background(), specFor("claude"))
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, launcher.launchCount())
	for i := 1; i < callers; i++ {
		assert.Same(t, handles[0], handles[i])
	}
}

func TestConnectEvictsLeastRecentlyUsed(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, 2)
	ctx := context.Background()

	first, err := r.Connect(ctx, specFor("claude"))
	require.NoError(t, err)
	second, err := r.Connect(ctx, specFor("gemini"))
	require.NoError(t, err)

	// Touch the first connection so the second becomes the eviction
	// candidate.
	_, err = r.Connect(ctx, specFor("claude"))
	require.NoError(t, err)

	_, err = r.Connect(ctx, specFor("codex"))
	require.NoError(t, err)

	select {
	case <-second.Done():
	case <-time.After(testTimeout):
		t.Fatal("evicted agent never stopped")
	}

	require.Eventually(t, func() bool {
		_, err := r.Get(second.AgentID())
		return apperrors.Code(err) == apperrors.ErrCodeNotConnected
	}, testTimeout, 10*time.Millisecond)

	_, err = r.Get(first.AgentID())
	assert.NoError(t, err)
}

func TestDisconnectStopsAgent(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, 5)

	h, err := r.Connect(context.Background(), specFor("claude"))
	require.NoError(t, err)

	require.NoError(t, r.Disconnect(h.AgentID()))
	select {
	case <-h.Done():
	case <-time.After(testTimeout):
		t.Fatal("agent never stopped")
	}

	require.Eventually(t, func() bool {
		_, err := r.Get(h.AgentID())
		return apperrors.Code(err) == apperrors.ErrCodeNotConnected
	}, testTimeout, 10*time.Millisecond)
}

func TestDisconnectUnknownAgent(t *testing.T) {
	r := newTestRegistry(t, &fakeLauncher{}, 5)
	err := r.Disconnect("agent-0000000000000000")
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.Code(err))
}

func TestConnectPropagatesSpawnFailure(t *testing.T) {
	r := newTestRegistry(t, failingLauncher{}, 5)

	_, err := r.Connect(context.Background(), specFor("claude"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeProcessCrashed, apperrors.Code(err))

	// A failed spawn leaves no stuck entry behind.
	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, testTimeout, 10*time.Millisecond)
}

func TestGetBeforeReady(t *testing.T) {
	r := newTestRegistry(t, &fakeLauncher{}, 5)
	_, err := r.Get(Identity(specFor("claude")))
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.Code(err))
}

func TestConnectSweepsStaleWireLogs(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "wire-old-1.log")
	require.NoError(t, os.WriteFile(stale, []byte("-> {}\n"), 0o644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	r := New(Options{
		Launcher:      &fakeLauncher{},
		MaxProcesses:  2,
		InitTimeout:   testTimeout,
		WireLogDir:    dir,
		WireLogMaxAge: 24 * time.Hour,
		Logger:        logger.Default(),
	})
	t.Cleanup(r.Close)

	_, err := r.Connect(context.Background(), specFor("claude"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(stale)
		return os.IsNotExist(statErr)
	}, testTimeout, 10*time.Millisecond)
}
