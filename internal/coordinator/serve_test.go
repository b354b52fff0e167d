package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/df"
	"github.com/aiserve/masfed/internal/kb"
)

// runDFAgent answers every QUERY-REF on b with whatever is in cat, until
// ctx is done.
func runDFAgent(ctx context.Context, b bus.Bus, cat *df.Catalog) {
	h := df.NewHandler(cat, b.Identity(), nil)
	for {
		f, err := b.Receive(ctx)
		if err != nil {
			return
		}
		if resp := h.Handle(f); resp != nil {
			b.Send(ctx, resp)
		}
	}
}

// runKBAgent answers every STORE/GET on b against an in-memory store.
func runKBAgent(ctx context.Context, b bus.Bus) {
	h := kb.NewHandler(kb.NewMemoryStore(), alwaysAuthorize{}, nil, b.Identity(), nil)
	for {
		f, err := b.Receive(ctx)
		if err != nil {
			return
		}
		if resp := h.Handle(ctx, f); resp != nil {
			b.Send(ctx, resp)
		}
	}
}

type alwaysAuthorize struct{}

func (alwaysAuthorize) AuthorizeWriter(sender, token string) bool { return true }

// runSpecialistAgent replies AGREE then INFORM.RESULT with a fixed answer
// to every REQUEST.ASK_EXPERT.
func runSpecialistAgent(ctx context.Context, b bus.Bus, answer string) {
	for {
		f, err := b.Receive(ctx)
		if err != nil {
			return
		}
		if f.Performative != acl.Request || f.ContentType() != "ASK_EXPERT" {
			continue
		}
		agree, _ := f.Reply("AGREE", b.Identity(), map[string]any{"status": "working"})
		b.Send(ctx, agree)
		result, _ := f.Reply("INFORM", b.Identity(), map[string]any{
			"type":   "RESULT",
			"result": map[string]any{"answer": answer, "capability": "ASK_EXPERT"},
		})
		b.Send(ctx, result)
	}
}

func TestServeConversationFullRoundTrip(t *testing.T) {
	hub := bus.NewHub()

	cat := df.NewCatalog(30, 3)
	cat.Upsert(df.Profile{JID: "specialist@x", Capabilities: []string{"ASK_EXPERT"}, Status: df.StatusOnline})

	dfBus := bus.NewMemoryBus(hub, "df@x", 16)
	kbBus := bus.NewMemoryBus(hub, "kb@x", 16)
	specBus := bus.NewMemoryBus(hub, "specialist@x", 16)
	presenterBus := bus.NewMemoryBus(hub, "presenter@x", 16)
	coordBus := bus.NewMemoryBus(hub, "coordinator", 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runDFAgent(ctx, dfBus, cat)
	go runKBAgent(ctx, kbBus)
	go runSpecialistAgent(ctx, specBus, "the answer is 42")

	d := NewDispatcher(coordBus, "df@x", "kb@x", testCfg(), nil, nil)
	go d.Run(ctx)

	userMsg, err := acl.New("REQUEST", "presenter@x", "coordinator", map[string]any{
		"type": "USER_MSG", "args": map[string]any{"question": "what is the answer"},
	})
	require.NoError(t, err)
	userMsg.ConversationID = "sess-roundtrip"
	require.NoError(t, coordBus.Send(ctx, userMsg))

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	reply, err := presenterBus.Receive(waitCtx)
	require.NoError(t, err)

	assert.Equal(t, acl.Inform, reply.Performative)
	assert.Equal(t, "PRESENTER_REPLY", reply.ContentType())
	assert.Equal(t, "the answer is 42", reply.Content["text"])
	assert.Equal(t, "sess-roundtrip", reply.ConversationID)
}

func TestServeConversationNoSpecialistsMessage(t *testing.T) {
	hub := bus.NewHub()

	cat := df.NewCatalog(30, 3) // empty: no specialists registered

	dfBus := bus.NewMemoryBus(hub, "df@x", 16)
	kbBus := bus.NewMemoryBus(hub, "kb@x", 16)
	presenterBus := bus.NewMemoryBus(hub, "presenter@x", 16)
	coordBus := bus.NewMemoryBus(hub, "coordinator", 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runDFAgent(ctx, dfBus, cat)
	go runKBAgent(ctx, kbBus)

	cfg := testCfg()
	cfg.ReqTimeout = 100 * time.Millisecond
	cfg.KBTimeout = 100 * time.Millisecond
	d := NewDispatcher(coordBus, "df@x", "kb@x", cfg, nil, nil)
	go d.Run(ctx)

	userMsg, err := acl.New("REQUEST", "presenter@x", "coordinator", map[string]any{
		"type": "USER_MSG", "args": map[string]any{"question": "anyone there?"},
	})
	require.NoError(t, err)
	userMsg.ConversationID = "sess-empty"
	require.NoError(t, coordBus.Send(ctx, userMsg))

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	reply, err := presenterBus.Receive(waitCtx)
	require.NoError(t, err)

	assert.Equal(t, "Brak dostępnych specjalistów (ASK_EXPERT).", reply.Content["text"])
}

func TestServeConversationSpecialistTimeoutMessage(t *testing.T) {
	hub := bus.NewHub()

	cat := df.NewCatalog(30, 3)
	cat.Upsert(df.Profile{JID: "silent@x", Capabilities: []string{"ASK_EXPERT"}, Status: df.StatusOnline})

	dfBus := bus.NewMemoryBus(hub, "df@x", 16)
	kbBus := bus.NewMemoryBus(hub, "kb@x", 16)
	silentBus := bus.NewMemoryBus(hub, "silent@x", 16)
	presenterBus := bus.NewMemoryBus(hub, "presenter@x", 16)
	coordBus := bus.NewMemoryBus(hub, "coordinator", 16)
	_ = silentBus // registered but never replies

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runDFAgent(ctx, dfBus, cat)
	go runKBAgent(ctx, kbBus)

	cfg := testCfg()
	cfg.ReqTimeout = 100 * time.Millisecond
	cfg.KBTimeout = 100 * time.Millisecond
	cfg.MaxRetries = 1
	d := NewDispatcher(coordBus, "df@x", "kb@x", cfg, nil, nil)
	go d.Run(ctx)

	userMsg, err := acl.New("REQUEST", "presenter@x", "coordinator", map[string]any{
		"type": "USER_MSG", "args": map[string]any{"question": "hello?"},
	})
	require.NoError(t, err)
	userMsg.ConversationID = "sess-timeout"
	require.NoError(t, coordBus.Send(ctx, userMsg))

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	reply, err := presenterBus.Receive(waitCtx)
	require.NoError(t, err)

	assert.Equal(t, unavailableReply, reply.Content["text"])
}

func TestServeConversationRetriesNextCandidateOnDecline(t *testing.T) {
	hub := bus.NewHub()

	cat := df.NewCatalog(30, 3)
	cat.Upsert(df.Profile{JID: "flaky@x", Capabilities: []string{"ASK_EXPERT"}, Status: df.StatusOnline})
	cat.Upsert(df.Profile{JID: "reliable@x", Capabilities: []string{"ASK_EXPERT"}, Status: df.StatusOnline})

	dfBus := bus.NewMemoryBus(hub, "df@x", 16)
	kbBus := bus.NewMemoryBus(hub, "kb@x", 16)
	flakyBus := bus.NewMemoryBus(hub, "flaky@x", 16)
	reliableBus := bus.NewMemoryBus(hub, "reliable@x", 16)
	presenterBus := bus.NewMemoryBus(hub, "presenter@x", 16)
	coordBus := bus.NewMemoryBus(hub, "coordinator", 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runKBAgent(ctx, kbBus)
	go runDFAgent(ctx, dfBus, cat)
	go func() {
		for {
			f, err := flakyBus.Receive(ctx)
			if err != nil {
				return
			}
			if f.Performative != acl.Request || f.ContentType() != "ASK_EXPERT" {
				continue
			}
			refuse, _ := f.Reply("REFUSE", flakyBus.Identity(), map[string]any{"reason": "busy"})
			flakyBus.Send(ctx, refuse)
		}
	}()
	go runSpecialistAgent(ctx, reliableBus, "reliable answer")

	cfg := testCfg()
	cfg.MaxRetries = 4
	d := NewDispatcher(coordBus, "df@x", "kb@x", cfg, nil, nil)
	go d.Run(ctx)

	userMsg, err := acl.New("REQUEST", "presenter@x", "coordinator", map[string]any{
		"type": "USER_MSG", "args": map[string]any{"question": "hello"},
	})
	require.NoError(t, err)
	userMsg.ConversationID = "sess-retry"
	require.NoError(t, coordBus.Send(ctx, userMsg))

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	reply, err := presenterBus.Receive(waitCtx)
	require.NoError(t, err)

	assert.Equal(t, "reliable answer", reply.Content["text"])
}

func TestNormalizeCandidatesAcceptsNativeProfileSlice(t *testing.T) {
	content := map[string]any{
		"profiles": []df.Profile{
			{JID: "a@x", Status: df.StatusOnline, Capabilities: []string{"ASK_EXPERT"}},
			{JID: "", Status: df.StatusOnline},
		},
	}
	got := normalizeCandidates(content)
	require.Len(t, got, 1)
	assert.Equal(t, "a@x", got[0].JID)
	assert.Equal(t, "online", got[0].Status)
}

func TestNormalizeCandidatesAcceptsJSONRoundTrippedProfiles(t *testing.T) {
	content := map[string]any{
		"profiles": []any{
			map[string]any{"jid": "b@x", "status": "ready", "capabilities": []any{"ASK_EXPERT"}},
		},
	}
	got := normalizeCandidates(content)
	require.Len(t, got, 1)
	assert.Equal(t, "b@x", got[0].JID)
	assert.Equal(t, "ready", got[0].Status)
}

func TestNormalizeCandidatesAcceptsBareCandidateList(t *testing.T) {
	content := map[string]any{"candidates": []string{"c@x", "d@x"}}
	got := normalizeCandidates(content)
	require.Len(t, got, 2)
	assert.Equal(t, "c@x", got[0].JID)
}
