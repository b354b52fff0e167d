package bus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSBusRoundTrip(t *testing.T) {
	hub := NewHub()
	server := NewHubServer(hub, nil)
	ts := httptest.NewServer(server)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	coordinator, err := DialWSBus(ctx, wsURL, "coordinator")
	require.NoError(t, err)
	defer coordinator.Close()

	presenter, err := DialWSBus(ctx, wsURL, "presenter@x")
	require.NoError(t, err)
	defer presenter.Close()

	time.Sleep(50 * time.Millisecond) // let both hellos register

	frame, err := acl.New("INFORM", "coordinator", "presenter@x", map[string]any{"type": "PRESENTER_REPLY", "answer": "hi"})
	require.NoError(t, err)
	require.NoError(t, coordinator.Send(ctx, frame))

	got, err := presenter.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content["answer"])
}
