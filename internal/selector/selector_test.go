package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func candidates() []Candidate {
	return []Candidate{
		{JID: "b@x", Status: "offline", Capabilities: []string{"ASK_EXPERT"}},
		{JID: "a@x", Status: "online", Capabilities: []string{"ASK_EXPERT"}},
		{JID: "c@x", Status: "online", Capabilities: []string{}},
	}
}

func TestFallbackPrefersReadyAndCapable(t *testing.T) {
	assert.Equal(t, "a@x", Fallback(candidates()))
}

func TestFallbackFallsBackToAvailable(t *testing.T) {
	cs := []Candidate{
		{JID: "b@x", Status: "online", Capabilities: []string{"OTHER"}},
		{JID: "a@x", Status: "offline", Capabilities: []string{"ASK_EXPERT"}},
	}
	assert.Equal(t, "b@x", Fallback(cs))
}

func TestFallbackFallsBackToAnyCandidate(t *testing.T) {
	cs := []Candidate{
		{JID: "z@x", Status: "offline"},
		{JID: "a@x", Status: "offline"},
	}
	assert.Equal(t, "a@x", Fallback(cs))
}

func TestFallbackEmptyCandidates(t *testing.T) {
	assert.Equal(t, "", Fallback(nil))
}

type stubSelector struct {
	out Output
	err error
}

func (s stubSelector) Choose(ctx context.Context, in Input) (Output, error) {
	return s.out, s.err
}

func TestSelectUsesSelectorChoiceWhenValid(t *testing.T) {
	sel := stubSelector{out: Output{SelectedJID: "a@x"}}
	jid, fallback := Select(context.Background(), sel, Input{Candidates: candidates()})
	assert.Equal(t, "a@x", jid)
	assert.False(t, fallback)
}

func TestSelectFallsBackOnSelectorError(t *testing.T) {
	sel := stubSelector{err: errors.New("boom")}
	jid, fallback := Select(context.Background(), sel, Input{Candidates: candidates()})
	assert.Equal(t, "a@x", jid)
	assert.True(t, fallback)
}

func TestSelectFallsBackOnOutOfSetChoice(t *testing.T) {
	sel := stubSelector{out: Output{SelectedJID: "ghost@x"}}
	jid, fallback := Select(context.Background(), sel, Input{Candidates: candidates()})
	assert.Equal(t, "a@x", jid)
	assert.True(t, fallback)
}

func TestSelectNilSelectorFallsBack(t *testing.T) {
	jid, fallback := Select(context.Background(), nil, Input{Candidates: candidates()})
	assert.Equal(t, "a@x", jid)
	assert.True(t, fallback)
}

func TestStaticSelectorAlwaysReturnsJID(t *testing.T) {
	sel := StaticSelector{JID: "b@x"}
	out, err := sel.Choose(context.Background(), Input{})
	assert.NoError(t, err)
	assert.Equal(t, "b@x", out.SelectedJID)
}
