package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/agent"
	"github.com/flowrite/flowrite/internal/agent/events"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
	"github.com/flowrite/flowrite/internal/common/logger"
	"github.com/flowrite/flowrite/internal/events/bus"
)

var streamUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// wsSink delivers stream events over one WebSocket connection. Writes
// are serialized; after the first failed write the sink stays closed.
type wsSink struct {
	mu     sync.Mutex
	conn   *gorillaws.Conn
	closed bool
}

func (s *wsSink) Send(ev events.Event) error {
	return s.write(ev)
}

func (s *wsSink) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	if err := s.conn.WriteJSON(v); err != nil {
		s.closed = true
		return err
	}
	return nil
}

// clientMessage is one inbound frame on the session stream.
type clientMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	OptionID  string `json:"option_id,omitempty"`
}

// handleStream upgrades the request and serves one session's event
// stream: outbound agent events, inbound prompt/permission/cancel
// frames.
func (s *Server) handleStream(c *gin.Context) {
	agentID := c.Param("agentId")
	sessionID := c.Param("sessionId")

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade stream connection", zap.Error(err))
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	log := s.logger.WithFields(
		zap.String("agent_id", agentID),
		zap.String("session_id", sessionID))
	log.Debug("session stream opened", zap.String("remote_addr", c.Request.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if s.bus != nil {
		sub, err := s.bus.Subscribe(agent.CrashSubjectPrefix+agentID, func(_ context.Context, ev *bus.Event) error {
			frame := map[string]interface{}{"type": "agent_crashed"}
			for k, v := range ev.Data {
				frame[k] = v
			}
			return sink.write(frame)
		})
		if err != nil {
			log.Warn("failed to subscribe to crash events", zap.Error(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "prompt":
			go s.streamPrompt(ctx, sink, agentID, sessionID, msg.Text, log)
		case "permission":
			go func(requestID, optionID string) {
				if err := s.manager.RespondPermission(ctx, agentID, requestID, optionID); err != nil {
					_ = sink.write(gin.H{"type": "error", "text": err.Error(), "code": apperrors.Code(err)})
				}
			}(msg.RequestID, msg.OptionID)
		case "cancel":
			go func() {
				if err := s.manager.Cancel(ctx, agentID, sessionID); err != nil {
					_ = sink.write(gin.H{"type": "error", "text": err.Error(), "code": apperrors.Code(err)})
				}
			}()
		default:
			_ = sink.write(gin.H{"type": "error", "text": "unknown message type: " + msg.Type})
		}
	}

	log.Debug("session stream closed")
}

// streamPrompt runs one prompt to completion. Failures that were already
// reported to the stream by the agent loop are not repeated; validation
// failures never reach the stream so they are reported here.
func (s *Server) streamPrompt(ctx context.Context, sink *wsSink, agentID, sessionID, text string, log *logger.Logger) {
	err := s.manager.Prompt(ctx, agentID, sessionID, text, sink)
	if err == nil {
		return
	}
	log.Debug("prompt failed", zap.Error(err))
	switch apperrors.Code(err) {
	case apperrors.ErrCodeAuthRequired, apperrors.ErrCodeInternal, apperrors.ErrCodeProtocol, apperrors.ErrCodeProcessCrashed:
		// The loop already emitted an error event for these.
	default:
		_ = sink.write(gin.H{"type": "error", "text": err.Error(), "code": apperrors.Code(err)})
	}
}
