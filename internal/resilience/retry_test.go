package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryIdentitiesFirstNonEmptyWins(t *testing.T) {
	identities := []string{"a@x", "b@x"}
	calls := []string{}

	answer, log := TryIdentities(context.Background(), identities, 2, func(ctx context.Context, identity string) (string, error) {
		calls = append(calls, identity)
		if identity == "a@x" {
			return "", errors.New("timeout")
		}
		return "ok", nil
	})

	assert.Equal(t, "ok", answer)
	assert.Equal(t, []string{"a@x", "b@x"}, calls)
	require.Len(t, log, 2)
}

func TestTryIdentitiesGlobalAttemptCap(t *testing.T) {
	identities := []string{"a@x", "b@x", "c@x"}
	calls := 0

	answer, log := TryIdentities(context.Background(), identities, 2, func(ctx context.Context, identity string) (string, error) {
		calls++
		return "", errors.New("no answer")
	})

	assert.Equal(t, "", answer)
	assert.Equal(t, 2, calls)
	assert.Len(t, log, 2)
}

func TestTryIdentitiesAbortsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	answer, log := TryIdentities(ctx, []string{"a@x"}, 2, func(ctx context.Context, identity string) (string, error) {
		return "ok", nil
	})

	assert.Equal(t, "", answer)
	assert.Empty(t, log)
}
