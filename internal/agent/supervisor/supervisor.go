package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/agent/acpclient"
	"github.com/flowrite/flowrite/internal/agent/events"
	"github.com/flowrite/flowrite/internal/agent/runtime"
	"github.com/flowrite/flowrite/internal/agent/wire"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
	"github.com/flowrite/flowrite/internal/common/logger"
)

// termGrace is how long a signalled process gets before it is killed.
const termGrace = 3 * time.Second

// Options configures a Supervisor.
type Options struct {
	Launcher      Launcher
	WireLogDir    string
	InitTimeout   time.Duration
	WorkspaceRoot string
	Logger        *logger.Logger

	// OnCrash is called when the process ends for any reason other than
	// a deliberate Stop, with the crash kind and a cleaned message.
	OnCrash func(kind, message string)
	// OnExit is called after teardown completes, stop or crash alike.
	OnExit func()
}

type readyResult struct {
	info events.AgentInfo
	err  error
}

// Supervisor owns one agent subprocess: it launches it, runs the command
// loop over its stdio, and tears everything down when the process ends
// or Stop is called.
type Supervisor struct {
	agentID string
	spec    LaunchSpec
	opts    Options
	logger  *logger.Logger

	commands chan runtime.Command
	shared   *runtime.Shared
	loop     atomic.Pointer[runtime.Loop]

	ready     chan readyResult
	readyOnce sync.Once
	done      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

// New builds a Supervisor for one agent. Start must be called to launch
// the process.
func New(agentID string, spec LaunchSpec, opts Options) *Supervisor {
	return &Supervisor{
		agentID:  agentID,
		spec:     spec,
		opts:     opts,
		logger:   opts.Logger.WithAgentID(agentID),
		commands: make(chan runtime.Command),
		shared:   runtime.NewShared(opts.Logger),
		ready:    make(chan readyResult, 1),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Commands is the channel commands are submitted on. Senders must select
// against Done to avoid blocking on a dead agent.
func (s *Supervisor) Commands() chan<- runtime.Command { return s.commands }

// Done is closed after the process has exited and teardown finished.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Stop requests a graceful shutdown. It returns immediately; Done closes
// once the process is gone.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// WaitReady blocks until the protocol handshake completes or fails.
func (s *Supervisor) WaitReady(ctx context.Context) (events.AgentInfo, error) {
	select {
	case r := <-s.ready:
		return r.info, r.err
	case <-ctx.Done():
		return events.AgentInfo{}, apperrors.Timeout("agent startup")
	}
}

// Start launches the subprocess and runs the supervision goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if s.opts.OnExit != nil {
			s.opts.OnExit()
		}
	}()

	if s.spec.Transport != "" && s.spec.Transport != TransportStdio {
		s.sendReady(readyResult{err: apperrors.InvalidInput(
			"transport '" + s.spec.Transport + "' is not supported; only stdio agents can be hosted")})
		return
	}

	wlog, err := wire.OpenLog(s.opts.WireLogDir, s.agentID)
	if err != nil {
		s.logger.Warn("wire log unavailable", zap.Error(err))
	}
	defer wlog.Close()

	proc, err := s.opts.Launcher.Launch(ctx, s.spec)
	if err != nil {
		s.sendReady(readyResult{err: apperrors.ProcessCrashed(err.Error())})
		return
	}

	capture := wire.NewCapture()
	stdout := wire.TapReader(proc.Stdout(), capture, wlog)
	stdin := wire.TapWriter(proc.Stdin(), wlog)

	client := acpclient.NewClient(
		acpclient.WithLogger(s.logger.Zap()),
		acpclient.WithWorkspaceRoot(s.opts.WorkspaceRoot),
		acpclient.WithUpdateHandler(func(n acp.SessionNotification) {
			if l := s.loop.Load(); l != nil {
				l.HandleNotification(n)
			}
		}),
		acpclient.WithPermissionHandler(s.shared.HandlePermission),
	)

	conn := acp.NewClientSideConnection(client, stdin, stdout)
	conn.SetLogger(slog.Default().With("agent_id", s.agentID))

	loop := runtime.NewLoop(s.agentID, conn, capture, s.shared, s.commands, wlog.Path(), s.opts.InitTimeout, s.opts.Logger)
	s.loop.Store(loop)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	procExited := make(chan struct{})
	var procErr error
	go func() {
		procErr = proc.Wait()
		close(procExited)
		cancel()
	}()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	loopErr := loop.Run(runCtx, func(info events.AgentInfo) {
		s.sendReady(readyResult{info: info})
	})
	if loopErr != nil {
		select {
		case <-procExited:
			exitErr := procErr
			if exitErr == nil {
				exitErr = errors.New("agent process exited during startup")
			}
			s.sendReady(readyResult{err: runtime.ClassifyError(capture, exitErr)})
		default:
			s.sendReady(readyResult{err: loopErr})
		}
	}

	s.terminate(proc, procExited)

	if !s.stopping() && ctx.Err() == nil {
		kind, message := runtime.ClassifyCrash(capture, procErr)
		s.logger.Warn("agent process ended unexpectedly",
			zap.String("kind", kind),
			zap.String("message", message))
		if s.opts.OnCrash != nil {
			s.opts.OnCrash(kind, message)
		}
	} else {
		s.logger.Info("agent process stopped")
	}
}

// terminate makes sure the process is gone: signal first, kill if it
// does not exit within the grace period.
func (s *Supervisor) terminate(proc Process, procExited <-chan struct{}) {
	select {
	case <-procExited:
		return
	default:
	}

	if err := proc.Signal(); err != nil {
		_ = proc.Kill()
	}
	select {
	case <-procExited:
	case <-time.After(termGrace):
		_ = proc.Kill()
		<-procExited
	}
}

func (s *Supervisor) sendReady(r readyResult) {
	s.readyOnce.Do(func() { s.ready <- r })
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}
