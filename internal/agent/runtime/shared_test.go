package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrite/flowrite/internal/agent/acpclient"
	"github.com/flowrite/flowrite/internal/agent/events"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
	"github.com/flowrite/flowrite/internal/common/logger"
)

func newStream(sessionID string, sink events.Sink) *promptStream {
	return &promptStream{
		sessionID: sessionID,
		sink:      sink,
		toolCalls: make(map[string]*events.Event),
	}
}

func TestPermissionWithoutActiveStreamAnswersCancelled(t *testing.T) {
	s := NewShared(logger.Default())

	done := make(chan *acpclient.PermissionDecision, 1)
	go func() {
		d, err := s.HandlePermission(context.Background(), &acpclient.PermissionRequest{
			SessionID:  "no-prompt",
			ToolCallID: "call-1",
		})
		require.NoError(t, err)
		done <- d
	}()

	select {
	case d := <-done:
		assert.True(t, d.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("permission call suspended with no active stream")
	}
	assert.Equal(t, 0, s.PendingCount())
}

func TestPermissionSinkFailureAnswersCancelled(t *testing.T) {
	s := NewShared(logger.Default())
	s.registerStream(newStream("s1", events.SinkFunc(func(events.Event) error {
		return errors.New("receiver gone")
	})))

	d, err := s.HandlePermission(context.Background(), &acpclient.PermissionRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, d.Cancelled)
	assert.Equal(t, 0, s.PendingCount())
}

func TestCancelSessionResolvesOnlyItsPermissions(t *testing.T) {
	s := NewShared(logger.Default())

	waitRequest := func(sessionID string) (string, <-chan acpclient.PermissionDecision) {
		t.Helper()
		requests := make(chan events.Event, 1)
		s.registerStream(newStream(sessionID, events.SinkFunc(func(ev events.Event) error {
			requests <- ev
			return nil
		})))

		decided := make(chan acpclient.PermissionDecision, 1)
		go func() {
			d, err := s.HandlePermission(context.Background(), &acpclient.PermissionRequest{SessionID: sessionID})
			require.NoError(t, err)
			decided <- *d
		}()

		select {
		case ev := <-requests:
			return ev.RequestID, decided
		case <-time.After(time.Second):
			t.Fatal("permission request never delivered")
			return "", nil
		}
	}

	_, cancelledDecision := waitRequest("s1")
	survivorID, survivorDecision := waitRequest("s2")
	require.Equal(t, 2, s.PendingCount())

	s.CancelSession("s1")

	select {
	case d := <-cancelledDecision:
		assert.True(t, d.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled permission never resolved")
	}
	assert.Equal(t, 1, s.PendingCount())

	require.NoError(t, s.Resolve(survivorID, "allow-once"))
	select {
	case d := <-survivorDecision:
		assert.False(t, d.Cancelled)
		assert.Equal(t, "allow-once", d.OptionID)
	case <-time.After(time.Second):
		t.Fatal("resolved permission never delivered")
	}
	assert.Equal(t, 0, s.PendingCount())
}

func TestResolveUnknownRequest(t *testing.T) {
	s := NewShared(logger.Default())
	err := s.Resolve("permission-99", "allow-once")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}

func TestCancelAllResolvesEverything(t *testing.T) {
	s := NewShared(logger.Default())
	sink := events.SinkFunc(func(events.Event) error { return nil })
	s.registerStream(newStream("s1", sink))

	decided := make(chan acpclient.PermissionDecision, 1)
	go func() {
		d, err := s.HandlePermission(context.Background(), &acpclient.PermissionRequest{SessionID: "s1"})
		require.NoError(t, err)
		decided <- *d
	}()

	require.Eventually(t, func() bool { return s.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	s.CancelAll()
	select {
	case d := <-decided:
		assert.True(t, d.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("pending permission never resolved")
	}
	assert.Equal(t, 0, s.PendingCount())
}
