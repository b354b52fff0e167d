package kb

import (
	"context"
	"testing"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordinatorOnlyAuth struct{}

func (coordinatorOnlyAuth) AuthorizeWriter(sender, token string) bool { return sender == "coordinator" }

func newTestKBHandler() *Handler {
	return NewHandler(NewMemoryStore(), coordinatorOnlyAuth{}, nil, "KB", nil)
}

func TestHandleStoreRefusesUnauthorizedSender(t *testing.T) {
	h := newTestKBHandler()
	req, err := acl.New("REQUEST", "intruder", "KB", map[string]any{
		"type": "STORE", "key": "session:s1:chat:frame:1", "value": "x",
	})
	require.NoError(t, err)

	resp := h.Handle(context.Background(), req)
	require.NotNil(t, resp)
	assert.Equal(t, acl.Refuse, resp.Performative)
	assert.Equal(t, "REFUSE.UNAUTHORIZED", resp.Content["type"])
}

func TestHandleStoreSuccess(t *testing.T) {
	h := newTestKBHandler()
	req, err := acl.New("REQUEST", "coordinator", "KB", map[string]any{
		"type": "STORE", "key": "session:s1:chat:frame:1",
		"content_type": "application/json", "value": "ping",
	})
	require.NoError(t, err)

	resp := h.Handle(context.Background(), req)
	require.NotNil(t, resp)
	assert.Equal(t, acl.Inform, resp.Performative)
	assert.Equal(t, "STORED", resp.Content["type"])
	assert.Equal(t, 1, resp.Content["version"])
}

func TestHandleStoreInvalidKey(t *testing.T) {
	h := newTestKBHandler()
	req, err := acl.New("REQUEST", "coordinator", "KB", map[string]any{
		"type": "STORE", "key": "bad", "value": "x",
	})
	require.NoError(t, err)

	resp := h.Handle(context.Background(), req)
	require.NotNil(t, resp)
	assert.Equal(t, acl.Failure, resp.Performative)
	assert.Equal(t, "FAILURE.INVALID_KEY", resp.Content["type"])
}

func TestHandleGetNotFound(t *testing.T) {
	h := newTestKBHandler()
	req, err := acl.New("REQUEST", "coordinator", "KB", map[string]any{
		"type": "GET", "key": "session:s1:chat:frame:1",
	})
	require.NoError(t, err)

	resp := h.Handle(context.Background(), req)
	require.NotNil(t, resp)
	assert.Equal(t, acl.Failure, resp.Performative)
	assert.Equal(t, "FAILURE.NOT_FOUND", resp.Content["type"])
}

func TestHandleGetRoundTrip(t *testing.T) {
	h := newTestKBHandler()
	storeReq, err := acl.New("REQUEST", "coordinator", "KB", map[string]any{
		"type": "STORE", "key": "session:s1:chat:frame:1",
		"content_type": "application/json", "value": "pong",
	})
	require.NoError(t, err)
	h.Handle(context.Background(), storeReq)

	getReq, err := acl.New("REQUEST", "coordinator", "KB", map[string]any{
		"type": "GET", "key": "session:s1:chat:frame:1",
	})
	require.NoError(t, err)

	resp := h.Handle(context.Background(), getReq)
	require.NotNil(t, resp)
	assert.Equal(t, "VALUE", resp.Content["type"])
	assert.Equal(t, "pong", resp.Content["value"])
}
