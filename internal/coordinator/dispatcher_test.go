package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/config"
)

func testCfg() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		ReqTimeout:     300 * time.Millisecond,
		MaxRetries:     3,
		MaxConcurrency: 4,
		ConvGraceSec:   10 * time.Millisecond,
		DFMode:         config.DFModeNeed,
		HistoryLen:     20,
		KBTimeout:      300 * time.Millisecond,
		NeedCap:        "ASK_EXPERT",
	}
}

func TestRouteSendsKBTaggedFrameToKBQueue(t *testing.T) {
	hub := bus.NewHub()
	coordBus := bus.NewMemoryBus(hub, "coordinator", 16)
	d := NewDispatcher(coordBus, "df@x", "kb@x", testCfg(), nil, nil)

	cq := &conversationQueues{main: make(chan *acl.Frame, 4), kb: make(chan *acl.Frame, 4)}
	d.mu.Lock()
	d.conversations["sess-1"] = cq
	d.mu.Unlock()

	f := &acl.Frame{Performative: acl.Inform, ConversationID: "sess-1" + kbPutTag + "1"}
	d.route(context.Background(), f)

	select {
	case got := <-cq.kb:
		assert.Same(t, f, got)
	default:
		t.Fatal("expected frame routed to kb queue")
	}
	assert.Empty(t, cq.main)
}

func TestRouteSendsNonKBFrameToMainQueue(t *testing.T) {
	hub := bus.NewHub()
	coordBus := bus.NewMemoryBus(hub, "coordinator", 16)
	d := NewDispatcher(coordBus, "df@x", "kb@x", testCfg(), nil, nil)

	cq := &conversationQueues{main: make(chan *acl.Frame, 4), kb: make(chan *acl.Frame, 4)}
	d.mu.Lock()
	d.conversations["sess-1"] = cq
	d.mu.Unlock()

	f := &acl.Frame{Performative: acl.Inform, ConversationID: "sess-1"}
	d.route(context.Background(), f)

	select {
	case got := <-cq.main:
		assert.Same(t, f, got)
	default:
		t.Fatal("expected frame routed to main queue")
	}
}

func TestRouteDropsFrameForUnknownConversation(t *testing.T) {
	hub := bus.NewHub()
	coordBus := bus.NewMemoryBus(hub, "coordinator", 16)
	d := NewDispatcher(coordBus, "df@x", "kb@x", testCfg(), nil, nil)

	f := &acl.Frame{Performative: acl.Inform, ConversationID: "nope"}
	assert.NotPanics(t, func() { d.route(context.Background(), f) })
}

func TestRouteSpawnsConversationOnFreshUserMsg(t *testing.T) {
	hub := bus.NewHub()
	coordBus := bus.NewMemoryBus(hub, "coordinator", 16)
	d := NewDispatcher(coordBus, "df@x", "kb@x", testCfg(), nil, nil)

	f, err := acl.New("REQUEST", "presenter@x", "coordinator", map[string]any{"type": "USER_MSG", "text": "hi"})
	require.NoError(t, err)
	f.ConversationID = "sess-spawn"

	d.route(context.Background(), f)

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		_, ok := d.conversations["sess-spawn"]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestSpawnConversationSynthesizesConversationID(t *testing.T) {
	hub := bus.NewHub()
	coordBus := bus.NewMemoryBus(hub, "coordinator", 16)
	d := NewDispatcher(coordBus, "df@x", "kb@x", testCfg(), nil, nil)

	f, err := acl.New("REQUEST", "presenter@x", "coordinator", map[string]any{"type": "USER_MSG", "text": "hi"})
	require.NoError(t, err)
	assert.Empty(t, f.ConversationID)

	d.spawnConversation(context.Background(), f)
	assert.NotEmpty(t, f.ConversationID)

	d.mu.Lock()
	_, ok := d.conversations[f.ConversationID]
	d.mu.Unlock()
	assert.True(t, ok)
}
