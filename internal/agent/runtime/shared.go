package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/agent/acpclient"
	"github.com/flowrite/flowrite/internal/agent/events"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
	"github.com/flowrite/flowrite/internal/common/logger"
)

// promptStream is the per-prompt state shared between the command loop,
// the notification handler and the permission broker. The coalesced
// tool-call table is only touched by the notification handler; the flags
// are atomics because the prompt task reads them at termination.
type promptStream struct {
	sessionID  string
	sink       events.Sink
	toolCalls  map[string]*events.Event
	updates    atomic.Int64
	sawVisible atomic.Bool
}

type pendingPermission struct {
	sessionID string
	decision  chan acpclient.PermissionDecision
}

// Shared holds the state crossing goroutine boundaries for one agent: the
// session id to active stream table and the pending permission table.
// The mutex only guards map access; it is never held across a send or a
// wait.
type Shared struct {
	logger *logger.Logger

	mu            sync.Mutex
	streams       map[string]*promptStream
	pending       map[string]*pendingPermission
	nextRequestID uint64
}

// NewShared creates the cross-task state for one agent.
func NewShared(log *logger.Logger) *Shared {
	return &Shared{
		logger:  log,
		streams: make(map[string]*promptStream),
		pending: make(map[string]*pendingPermission),
	}
}

func (s *Shared) registerStream(stream *promptStream) {
	s.mu.Lock()
	s.streams[stream.sessionID] = stream
	s.mu.Unlock()
}

func (s *Shared) clearStream(sessionID string) {
	s.mu.Lock()
	delete(s.streams, sessionID)
	s.mu.Unlock()
}

func (s *Shared) stream(sessionID string) *promptStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[sessionID]
}

// HandlePermission services one inbound permission call. It mints a
// request id, records the pending decision and forwards the request to the
// session's active stream. Without an active stream the call is answered
// as cancelled immediately. Otherwise it suspends until Resolve,
// CancelSession or context cancellation supplies the outcome.
func (s *Shared) HandlePermission(ctx context.Context, req *acpclient.PermissionRequest) (*acpclient.PermissionDecision, error) {
	s.mu.Lock()
	stream := s.streams[req.SessionID]
	if stream == nil {
		s.mu.Unlock()
		s.logger.Warn("permission request for session with no active prompt",
			zap.String("session_id", req.SessionID),
			zap.String("tool_call_id", req.ToolCallID))
		return &acpclient.PermissionDecision{Cancelled: true}, nil
	}
	s.nextRequestID++
	requestID := fmt.Sprintf("permission-%d", s.nextRequestID)
	pp := &pendingPermission{
		sessionID: req.SessionID,
		decision:  make(chan acpclient.PermissionDecision, 1),
	}
	s.pending[requestID] = pp
	s.mu.Unlock()

	ev := events.Event{
		Type:       events.EventTypePermissionRequest,
		RequestID:  requestID,
		ToolCallID: req.ToolCallID,
		Title:      req.Title,
		Kind:       req.Kind,
		Options:    req.Options,
	}
	if err := stream.sink.Send(ev); err != nil {
		s.logger.Warn("failed to deliver permission request",
			zap.String("request_id", requestID), zap.Error(err))
		s.remove(requestID)
		return &acpclient.PermissionDecision{Cancelled: true}, nil
	}

	select {
	case d := <-pp.decision:
		return &d, nil
	case <-ctx.Done():
		s.remove(requestID)
		// A decision may have raced the teardown; prefer it.
		select {
		case d := <-pp.decision:
			return &d, nil
		default:
		}
		return &acpclient.PermissionDecision{Cancelled: true}, nil
	}
}

// Resolve answers a pending permission with the chosen option id.
func (s *Shared) Resolve(requestID, optionID string) error {
	s.mu.Lock()
	pp, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return apperrors.NotFound("permission request", requestID)
	}
	pp.decision <- acpclient.PermissionDecision{OptionID: optionID}
	return nil
}

// CancelSession resolves all of one session's pending permissions with no
// decision and removes them from the table.
func (s *Shared) CancelSession(sessionID string) {
	s.resolveCancelled(func(pp *pendingPermission) bool {
		return pp.sessionID == sessionID
	})
}

// CancelAll resolves every pending permission with no decision. Called
// when the command loop exits.
func (s *Shared) CancelAll() {
	s.resolveCancelled(func(*pendingPermission) bool { return true })
}

func (s *Shared) resolveCancelled(match func(*pendingPermission) bool) {
	s.mu.Lock()
	var cancelled []*pendingPermission
	for id, pp := range s.pending {
		if match(pp) {
			cancelled = append(cancelled, pp)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()
	for _, pp := range cancelled {
		pp.decision <- acpclient.PermissionDecision{Cancelled: true}
	}
}

func (s *Shared) remove(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// PendingCount reports how many permission requests are waiting for a
// decision.
func (s *Shared) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
