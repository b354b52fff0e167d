package resilience

import (
	"context"
)

// Attempt is one try against a candidate identity in an ordered list.
type Attempt struct {
	Identity string
	Answer   string
	Err      error
}

// TryIdentities implements the Coordinator's "ask Specialist with retry"
// step: call fn once per identity in order, counting attempts globally
// (not per identity) up to maxAttempts. The first attempt producing a
// non-empty answer wins; ctx cancellation (a REQ_TIMEOUT_S deadline, or the
// conversation's overall grace period) aborts the remaining list. There is
// no backoff between attempts: a silent specialist should be abandoned for
// the next candidate immediately, not retried with delay.
func TryIdentities(ctx context.Context, identities []string, maxAttempts int, fn func(ctx context.Context, identity string) (string, error)) (string, []Attempt) {
	var log []Attempt
	attempts := 0

	for _, identity := range identities {
		if attempts >= maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", log
		default:
		}

		attempts++
		answer, err := fn(ctx, identity)
		log = append(log, Attempt{Identity: identity, Answer: answer, Err: err})
		if err == nil && answer != "" {
			return answer, log
		}
	}

	return "", log
}
