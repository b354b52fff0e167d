package bus

import (
	"context"
	"testing"
	"time"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToReceiver(t *testing.T) {
	hub := NewHub()
	coordinator := NewMemoryBus(hub, "coordinator", 8)
	defer coordinator.Close()
	presenter := NewMemoryBus(hub, "presenter@x", 8)
	defer presenter.Close()

	frame, err := acl.New("INFORM", "coordinator", "presenter@x", map[string]any{"type": "PRESENTER_REPLY", "answer": "ok"})
	require.NoError(t, err)
	require.NoError(t, coordinator.Send(context.Background(), frame))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := presenter.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Content["answer"])
}

func TestMemoryBusDropsUnknownReceiver(t *testing.T) {
	hub := NewHub()
	coordinator := NewMemoryBus(hub, "coordinator", 8)
	defer coordinator.Close()

	frame, err := acl.New("INFORM", "coordinator", "ghost@x", map[string]any{"type": "PRESENTER_REPLY"})
	require.NoError(t, err)
	assert.NoError(t, coordinator.Send(context.Background(), frame))
}

func TestMemoryBusReceiveRespectsContext(t *testing.T) {
	hub := NewHub()
	b := NewMemoryBus(hub, "idle@x", 1)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusCloseStopsReceive(t *testing.T) {
	hub := NewHub()
	b := NewMemoryBus(hub, "x@y", 1)
	require.NoError(t, b.Close())

	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHubRouteStripsResource(t *testing.T) {
	hub := NewHub()
	b := NewMemoryBus(hub, "specialist@x", 8)
	defer b.Close()

	frame, err := acl.New("REQUEST", "coordinator", "specialist@x/res1", map[string]any{"type": "ASK_EXPERT"})
	require.NoError(t, err)
	assert.True(t, hub.Route(frame))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ASK_EXPERT", got.Content["type"])
}
