// Package selector implements the Coordinator's call out to the external
// Selector: a pure function from a candidate set and conversation context
// to a chosen Specialist jid. The function itself is a black box (an
// LLM, a rules engine, whatever); this package only defines the input/
// output contract and the deterministic fallback used when the Selector
// can't be trusted.
package selector

import (
	"context"
	"sort"
)

// Candidate is a normalized DF profile entry offered to the Selector.
type Candidate struct {
	JID          string   `json:"jid"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

// Input is the JSON payload sent to the external Selector.
type Input struct {
	ConversationID      string         `json:"conversation_id"`
	RequiredCapability  string         `json:"required_capability"`
	DFTimestamp         string         `json:"df_timestamp"`
	FIPARequest         map[string]any `json:"fipa_request"`
	Candidates          []Candidate    `json:"candidates"`
	History             []map[string]any `json:"history"`
}

// Output is the JSON payload the external Selector must return.
type Output struct {
	SelectedJID string  `json:"selected_jid"`
	Reason      string  `json:"reason"`
	Confidence  float64 `json:"confidence"`
}

// Selector chooses a Specialist jid from Input.Candidates. A nil error with
// an empty SelectedJID, a SelectedJID outside the candidate set, or a
// non-nil error are all treated identically by Select: "no valid choice",
// triggering the deterministic Fallback.
type Selector interface {
	Choose(ctx context.Context, in Input) (Output, error)
}

// Select invokes sel and falls back to deterministic selection when the
// Selector produced no usable answer. It never returns an error: an empty
// jid result only occurs when candidates itself is empty.
func Select(ctx context.Context, sel Selector, in Input) (jid string, viaFallback bool) {
	if sel != nil {
		out, err := sel.Choose(ctx, in)
		if err == nil && inCandidateSet(out.SelectedJID, in.Candidates) {
			return out.SelectedJID, false
		}
	}
	return Fallback(in.Candidates), true
}

// Fallback implements the tiered deterministic choice: prefer candidates
// that are online/available/ready AND carry ASK_EXPERT, else prefer
// merely-available candidates, else accept any candidate. Ties break by
// jid lexicographic order.
func Fallback(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}

	readyAndCapable := filter(candidates, func(c Candidate) bool {
		return isLive(c.Status) && hasCapability(c, "ASK_EXPERT")
	})
	if len(readyAndCapable) > 0 {
		return lowestJID(readyAndCapable)
	}

	available := filter(candidates, func(c Candidate) bool {
		return isLive(c.Status)
	})
	if len(available) > 0 {
		return lowestJID(available)
	}

	return lowestJID(candidates)
}

func isLive(status string) bool {
	switch status {
	case "online", "available", "ready":
		return true
	default:
		return false
	}
}

func hasCapability(c Candidate, capability string) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

func filter(candidates []Candidate, pred func(Candidate) bool) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

func lowestJID(candidates []Candidate) string {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].JID < sorted[j].JID })
	return sorted[0].JID
}

func inCandidateSet(jid string, candidates []Candidate) bool {
	if jid == "" {
		return false
	}
	for _, c := range candidates {
		if c.JID == jid {
			return true
		}
	}
	return false
}
