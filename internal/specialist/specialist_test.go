package specialist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/df"
)

func TestSpecialistRegistersWithDF(t *testing.T) {
	hub := bus.NewHub()
	cat := df.NewCatalog(30, 3)
	dfBus := bus.NewMemoryBus(hub, "df@x", 8)
	specBus := bus.NewMemoryBus(hub, "specialist@x", 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dfHandler := df.NewHandler(cat, "df@x", nil)
	go func() {
		for {
			f, err := dfBus.Receive(ctx)
			if err != nil {
				return
			}
			if resp := dfHandler.Handle(f); resp != nil {
				dfBus.Send(ctx, resp)
			}
		}
	}()

	s := New(specBus, "df@x", []string{"ASK_EXPERT"}, func(ctx context.Context, q string, h []map[string]any) (string, error) {
		return "n/a", nil
	}, 1, nil)
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		_, profiles := cat.Query("ASK_EXPERT")
		return len(profiles) == 1 && profiles[0].JID == "specialist@x"
	}, time.Second, 5*time.Millisecond)
}

func TestSpecialistAnswersAskExpertWithAgreeThenResult(t *testing.T) {
	hub := bus.NewHub()
	cat := df.NewCatalog(30, 3)
	dfBus := bus.NewMemoryBus(hub, "df@x", 8)
	specBus := bus.NewMemoryBus(hub, "specialist@x", 8)
	coordBus := bus.NewMemoryBus(hub, "coordinator", 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dfHandler := df.NewHandler(cat, "df@x", nil)
	go func() {
		for {
			f, err := dfBus.Receive(ctx)
			if err != nil {
				return
			}
			if resp := dfHandler.Handle(f); resp != nil {
				dfBus.Send(ctx, resp)
			}
		}
	}()

	s := New(specBus, "df@x", []string{"ASK_EXPERT"}, func(ctx context.Context, q string, h []map[string]any) (string, error) {
		return "the answer to " + q, nil
	}, 30, nil)
	go s.Run(ctx)

	req, err := acl.New("REQUEST", "coordinator", "specialist@x", map[string]any{
		"type": "ASK_EXPERT",
		"args": map[string]any{"question": "life"},
	})
	require.NoError(t, err)
	req.ConversationID = "sess-1"
	req.ReplyWith = "sess-1-ask-1"
	require.NoError(t, coordBus.Send(ctx, req))

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()

	agree, err := coordBus.Receive(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, acl.Agree, agree.Performative)
	assert.Equal(t, "sess-1-ask-1", agree.InReplyTo)

	result, err := coordBus.Receive(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, acl.Inform, result.Performative)
	assert.Equal(t, "RESULT", result.ContentType())
	resultMap, ok := result.Content["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "the answer to life", resultMap["answer"])
}
