// Package registry tracks live agent connections keyed by launch
// identity, reusing a running process when the same agent is requested
// again and evicting the least recently used connection at capacity.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/agent/events"
	"github.com/flowrite/flowrite/internal/agent/runtime"
	"github.com/flowrite/flowrite/internal/agent/supervisor"
	"github.com/flowrite/flowrite/internal/agent/wire"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
	"github.com/flowrite/flowrite/internal/common/logger"
)

// Identity derives the stable connection key for a launch spec. The
// command argv is hashed in order; environment entries are hashed in
// sorted order so callers need not normalize them.
func Identity(spec supervisor.LaunchSpec) string {
	h := fnv.New64a()
	for _, arg := range spec.Command {
		h.Write([]byte(arg))
		h.Write([]byte{0})
	}
	env := make([]string, len(spec.Env))
	copy(env, spec.Env)
	sort.Strings(env)
	for _, kv := range env {
		h.Write([]byte(kv))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("agent-%016x", h.Sum64())
}

// Handle is one live agent connection.
type Handle struct {
	agentID string
	sup     *supervisor.Supervisor

	readyCh  chan struct{}
	info     events.AgentInfo
	readyErr error

	mu       sync.Mutex
	lastUsed time.Time
}

// AgentID returns the connection key.
func (h *Handle) AgentID() string { return h.agentID }

// Info returns the agent info captured at handshake. Valid only after
// the registry's Connect returned successfully for this handle.
func (h *Handle) Info() events.AgentInfo { return h.info }

// Done is closed when the underlying process is gone.
func (h *Handle) Done() <-chan struct{} { return h.sup.Done() }

// Send submits a command to the agent's loop. It fails with a transport
// error when the agent died, so callers are never left waiting on a
// reply that cannot come.
func (h *Handle) Send(ctx context.Context, cmd runtime.Command) error {
	select {
	case h.sup.Commands() <- cmd:
		h.touch()
		return nil
	case <-h.sup.Done():
		return apperrors.Transport("agent did not respond")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

func (h *Handle) lastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// Options configures a Registry.
type Options struct {
	Launcher      supervisor.Launcher
	MaxProcesses  int
	InitTimeout   time.Duration
	WireLogDir    string
	WireLogMaxAge time.Duration
	WorkspaceRoot string
	Logger        *logger.Logger

	// OnCrash receives out-of-band crash reports for connections that
	// died without a Stop.
	OnCrash func(agentID, kind, message string)
}

// Registry owns all live agent connections.
type Registry struct {
	opts   Options
	logger *logger.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// New creates an empty registry.
func New(opts Options) *Registry {
	return &Registry{
		opts:    opts,
		logger:  opts.Logger.WithFields(zap.String("component", "agent-registry")),
		handles: make(map[string]*Handle),
	}
}

// Connect returns the live connection for spec, spawning the agent if no
// connection exists. Concurrent calls for the same spec share one
// process; the second caller waits on the same handshake.
func (r *Registry) Connect(ctx context.Context, spec supervisor.LaunchSpec) (*Handle, error) {
	agentID := Identity(spec)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, apperrors.NotConnected(agentID)
	}
	h, exists := r.handles[agentID]
	if !exists {
		r.evictLocked()
		h = r.spawnLocked(ctx, agentID, spec)
	}
	r.mu.Unlock()

	select {
	case <-h.readyCh:
	case <-ctx.Done():
		return nil, apperrors.Timeout("agent startup")
	}
	if h.readyErr != nil {
		return nil, h.readyErr
	}
	h.touch()
	return h, nil
}

// Get returns the live connection for agentID, or a not-connected error.
func (r *Registry) Get(agentID string) (*Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[agentID]
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.NotConnected(agentID)
	}
	select {
	case <-h.readyCh:
	default:
		return nil, apperrors.NotConnected(agentID)
	}
	if h.readyErr != nil {
		return nil, apperrors.NotConnected(agentID)
	}
	h.touch()
	return h, nil
}

// Disconnect stops the connection for agentID if one exists.
func (r *Registry) Disconnect(agentID string) error {
	r.mu.Lock()
	h, ok := r.handles[agentID]
	r.mu.Unlock()
	if !ok {
		return apperrors.NotConnected(agentID)
	}
	h.sup.Stop()
	return nil
}

// Close stops every connection and rejects further Connect calls.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.sup.Stop()
	}
	for _, h := range handles {
		<-h.sup.Done()
	}
}

// Count returns the number of tracked connections, ready or not.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// spawnLocked inserts the handle before starting the process so a
// concurrent Connect for the same spec joins this handshake instead of
// double-spawning.
func (r *Registry) spawnLocked(ctx context.Context, agentID string, spec supervisor.LaunchSpec) *Handle {
	h := &Handle{
		agentID:  agentID,
		readyCh:  make(chan struct{}),
		lastUsed: time.Now(),
	}

	sup := supervisor.New(agentID, spec, supervisor.Options{
		Launcher:      r.opts.Launcher,
		WireLogDir:    r.opts.WireLogDir,
		InitTimeout:   r.opts.InitTimeout,
		WorkspaceRoot: r.opts.WorkspaceRoot,
		Logger:        r.opts.Logger,
		OnCrash: func(kind, message string) {
			if r.opts.OnCrash != nil {
				r.opts.OnCrash(agentID, kind, message)
			}
		},
		OnExit: func() {
			r.remove(agentID, h)
		},
	})
	h.sup = sup
	r.handles[agentID] = h

	r.logger.Info("spawning agent",
		zap.String("agent_id", agentID),
		zap.Strings("command", spec.Command))

	// Stale wire logs are swept when a fresh process comes up, off the
	// registry lock.
	if r.opts.WireLogDir != "" && r.opts.WireLogMaxAge > 0 {
		go wire.CleanupLogs(r.opts.WireLogDir, r.opts.WireLogMaxAge, r.logger)
	}

	sup.Start(context.WithoutCancel(ctx))
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), r.opts.InitTimeout)
		defer cancel()
		info, err := sup.WaitReady(waitCtx)
		h.info = info
		h.readyErr = err
		close(h.readyCh)
		if err != nil {
			sup.Stop()
		}
	}()
	return h
}

// evictLocked drops the least recently used connection when the registry
// is at capacity.
func (r *Registry) evictLocked() {
	max := r.opts.MaxProcesses
	if max <= 0 || len(r.handles) < max {
		return
	}

	var oldest *Handle
	for _, h := range r.handles {
		if oldest == nil || h.lastUsedAt().Before(oldest.lastUsedAt()) {
			oldest = h
		}
	}
	if oldest == nil {
		return
	}
	delete(r.handles, oldest.agentID)
	oldest.sup.Stop()
	r.logger.Info("evicting least recently used agent",
		zap.String("agent_id", oldest.agentID))
}

// remove drops the registry entry, but only if it still points at the
// exited supervisor; a replacement connection keeps its slot.
func (r *Registry) remove(agentID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[agentID]; ok && cur == h {
		delete(r.handles, agentID)
	}
}
