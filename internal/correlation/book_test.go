package correlation

import (
	"testing"
	"time"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchAndPopLooseForInitialFrame(t *testing.T) {
	b := NewBook(time.Second)
	assert.True(t, b.MatchAndPop("conv-1", "", "anyone", "REQUEST"))
}

func TestMatchAndPopUnknownEntry(t *testing.T) {
	b := NewBook(time.Second)
	assert.False(t, b.MatchAndPop("conv-1", "rw-1", "anyone", "INFORM"))
}

func TestMatchAndPopRestrictsSenderAndPerformative(t *testing.T) {
	b := NewBook(time.Second)
	b.Register("conv-1", "rw-1", WithAllowFrom("specialist-1"), WithAllowPerformative("INFORM"))

	assert.False(t, b.MatchAndPop("conv-1", "rw-1", "specialist-2", "INFORM"), "wrong sender")
	assert.False(t, b.MatchAndPop("conv-1", "rw-1", "specialist-1", "REFUSE"), "wrong performative")
	assert.True(t, b.MatchAndPop("conv-1", "rw-1", "specialist-1", "INFORM"))
	// consumed: second attempt should fail
	assert.False(t, b.MatchAndPop("conv-1", "rw-1", "specialist-1", "INFORM"))
}

func TestMatchAndPopExpires(t *testing.T) {
	b := NewBook(time.Millisecond)
	b.Register("conv-1", "rw-1")
	time.Sleep(5 * time.Millisecond)
	assert.False(t, b.MatchAndPop("conv-1", "rw-1", "x", "INFORM"))
}

func TestMultiPhaseAgreeDoesNotConsume(t *testing.T) {
	b := NewBook(time.Second)
	b.Register("conv-1", "rw-1", WithAllowPerformative("AGREE", "INFORM"))

	require.True(t, b.MatchAndPop("conv-1", "rw-1", "specialist-1", "AGREE"))
	// still registered: INFORM should still match and then consume
	require.True(t, b.MatchAndPop("conv-1", "rw-1", "specialist-1", "INFORM"))
	assert.False(t, b.MatchAndPop("conv-1", "rw-1", "specialist-1", "INFORM"))
}

func TestSweepRemovesExpiredEntriesAndEmptyConvBuckets(t *testing.T) {
	b := NewBook(time.Millisecond)
	b.Register("conv-1", "rw-1")
	time.Sleep(5 * time.Millisecond)
	b.Sweep()

	b.mu.Lock()
	_, convExists := b.byConv["conv-1"]
	b.mu.Unlock()
	assert.False(t, convExists)
}

func TestBare(t *testing.T) {
	assert.Equal(t, "agent@domain", Bare("agent@domain/resource"))
	assert.Equal(t, "agent@domain", Bare("agent@domain"))
	assert.Equal(t, "", Bare(""))
}

func TestAllowIfCorrelated(t *testing.T) {
	b := NewBook(time.Second)
	b.Register("conv-1", "rw-1", WithAllowFrom("specialist-1"), WithAllowPerformative("INFORM"))

	f := &acl.Frame{
		Performative:   "INFORM",
		ConversationID: "conv-1",
		InReplyTo:      "rw-1",
	}
	assert.True(t, AllowIfCorrelated(b, f, "specialist-1"))
}
