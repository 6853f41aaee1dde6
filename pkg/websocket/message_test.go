package websocket

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNotification(t *testing.T) {
	msg, err := NewNotification(ActionAgentChunk, map[string]interface{}{"text": "hello"})
	require.NoError(t, err)

	assert.Empty(t, msg.ID)
	assert.Equal(t, MessageTypeNotification, msg.Type)
	assert.Equal(t, ActionAgentChunk, msg.Action)
	assert.False(t, msg.Timestamp.IsZero())

	var payload map[string]string
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "hello", payload["text"])
}

func TestNewError(t *testing.T) {
	msg, err := NewError("msg-1", ActionThreadStatus, ErrorCodeManagerInactive, "manager gone", map[string]interface{}{
		"thread_id": "thread-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, MessageTypeError, msg.Type)

	var payload ErrorPayload
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, ErrorCodeManagerInactive, payload.Code)
	assert.Equal(t, "manager gone", payload.Message)
	assert.Equal(t, "thread-1", payload.Details["thread_id"])
}

func TestParsePayload_NilPayload(t *testing.T) {
	msg := &Message{Type: MessageTypeRequest, Action: ActionHealthCheck}

	var payload map[string]interface{}
	assert.NoError(t, msg.ParsePayload(&payload))
	assert.Nil(t, payload)
}

func TestDispatcher_RoutesByAction(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionHealthCheck, func(ctx context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, map[string]interface{}{"status": "ok"})
	})

	require.True(t, d.HasHandler(ActionHealthCheck))
	require.False(t, d.HasHandler("unknown.action"))

	req, err := NewRequest("msg-1", ActionHealthCheck, nil)
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", resp.ID)
	assert.Equal(t, MessageTypeResponse, resp.Type)
}

func TestDispatcher_UnknownAction(t *testing.T) {
	d := NewDispatcher()

	req, err := NewRequest("msg-1", "does.not.exist", nil)
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeError, resp.Type)

	var payload ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ErrorCodeUnknownAction, payload.Code)
}

func TestDispatcher_HandlerError(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionThreadStatus, func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, errors.New("boom")
	})

	req, err := NewRequest("msg-1", ActionThreadStatus, nil)
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), req)
	assert.Error(t, err)
}
