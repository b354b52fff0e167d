// Package correlation tracks which reply a pending ACL exchange is waiting
// for, so an inbound frame can be matched back to the request that caused
// it without the caller threading request/response pairs through channels
// by hand.
package correlation

import (
	"strings"
	"sync"
	"time"

	"github.com/aiserve/masfed/internal/acl"
)

// DefaultTTL is the expectation lifetime used when Register is not given an
// explicit one.
const DefaultTTL = 30 * time.Second

// ackPerformatives are treated as acknowledgements: in a multi-phase
// expectation (more than one allowed performative) they do not consume the
// entry, so a later terminal frame can still match.
var ackPerformatives = map[string]bool{"AGREE": true}

// Expectation is a single registered wait on (conversation_id, reply_with).
type Expectation struct {
	AllowFrom  map[string]bool
	AllowPF    map[string]bool
	ExpiresAt  time.Time
	Note       string
	ConsumeOn  map[string]bool // nil means "use the ack heuristic"
}

// Option configures a registered Expectation.
type Option func(*Expectation)

// WithAllowFrom restricts the expectation to responses from one of the
// given bare sender identities. Empty/unset means any sender.
func WithAllowFrom(senders ...string) Option {
	return func(e *Expectation) {
		for _, s := range senders {
			e.AllowFrom[s] = true
		}
	}
}

// WithAllowPerformative restricts the expectation to the given
// performatives (case-insensitive). Empty/unset means any performative.
func WithAllowPerformative(pfs ...string) Option {
	return func(e *Expectation) {
		for _, pf := range pfs {
			e.AllowPF[strings.ToUpper(pf)] = true
		}
	}
}

// WithTTL overrides the book's default TTL for this one expectation.
func WithTTL(ttl time.Duration) Option {
	return func(e *Expectation) {
		e.ExpiresAt = time.Now().Add(ttl)
	}
}

// WithNote attaches a free-form debug label to the expectation.
func WithNote(note string) Option {
	return func(e *Expectation) { e.Note = note }
}

// Book is a registry of correlation expectations, keyed by
// conversation_id -> reply_with. It is safe for concurrent use.
type Book struct {
	mu      sync.Mutex
	ttl     time.Duration
	byConv  map[string]map[string]*Expectation
}

// NewBook constructs a Book with the given default TTL. A zero ttl uses
// DefaultTTL.
func NewBook(ttl time.Duration) *Book {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Book{
		ttl:    ttl,
		byConv: make(map[string]map[string]*Expectation),
	}
}

// Register records a wait on (convID, replyWith). By default any sender and
// any performative match and the entry's TTL is the book's default; options
// narrow it, per guard usage in the coordinator and presenter adapters.
//
// If both AGREE and INFORM are in the allowed performative set, the entry
// only consumes on INFORM (the backward-compatible multi-phase policy: an
// AGREE is an ack, not the terminal reply).
func (b *Book) Register(convID, replyWith string, opts ...Option) {
	exp := &Expectation{
		AllowFrom: make(map[string]bool),
		AllowPF:   make(map[string]bool),
		ExpiresAt: time.Now().Add(b.ttl),
	}
	for _, opt := range opts {
		opt(exp)
	}
	if exp.AllowPF["AGREE"] && exp.AllowPF["INFORM"] {
		exp.ConsumeOn = map[string]bool{"INFORM": true}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.byConv[convID]
	if !ok {
		bucket = make(map[string]*Expectation)
		b.byConv[convID] = bucket
	}
	bucket[replyWith] = exp
}

// MatchAndPop checks whether an inbound frame satisfies a registered
// expectation and, depending on the consumption policy, removes it.
//
// An empty inReplyTo is treated loosely as an initial frame needing no
// correlation and always matches. Otherwise a matching entry must exist,
// be unexpired, and (if restricted) come from an allowed sender and carry
// an allowed performative.
func (b *Book) MatchAndPop(convID, inReplyTo, fromBare, performative string) bool {
	if inReplyTo == "" {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.byConv[convID]
	if !ok {
		return false
	}
	exp, ok := bucket[inReplyTo]
	if !ok {
		return false
	}

	now := time.Now()
	if now.After(exp.ExpiresAt) {
		delete(bucket, inReplyTo)
		b.cleanupConvLocked(convID)
		return false
	}

	if len(exp.AllowFrom) > 0 {
		if fromBare == "" || !exp.AllowFrom[fromBare] {
			return false
		}
	}

	pf := strings.ToUpper(performative)
	if len(exp.AllowPF) > 0 && !exp.AllowPF[pf] {
		return false
	}

	shouldConsume := true
	if exp.ConsumeOn != nil {
		shouldConsume = exp.ConsumeOn[pf]
	} else if len(exp.AllowPF) > 1 && ackPerformatives[pf] {
		shouldConsume = false
	}

	if shouldConsume {
		delete(bucket, inReplyTo)
		b.cleanupConvLocked(convID)
	}
	return true
}

// Sweep removes every expired entry across all conversations. Call it
// periodically from a background ticker; matching also drops an expired
// entry it looks up, so Sweep is a safety net, not a requirement for
// correctness. Registration does not expire anything.
func (b *Book) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for convID, bucket := range b.byConv {
		for replyWith, exp := range bucket {
			if now.After(exp.ExpiresAt) {
				delete(bucket, replyWith)
			}
		}
		if len(bucket) == 0 {
			delete(b.byConv, convID)
		}
	}
}

func (b *Book) cleanupConvLocked(convID string) {
	if bucket, ok := b.byConv[convID]; ok && len(bucket) == 0 {
		delete(b.byConv, convID)
	}
}

// Bare strips the resource segment off a JID-shaped identity
// ("agent@domain/resource" -> "agent@domain"), matching the wire
// convention sender identities are compared by.
func Bare(jid string) string {
	if jid == "" {
		return ""
	}
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// AllowIfCorrelated is the guard dispatchers run before accepting a frame
// outside of the very first message in a conversation: it pulls
// conversation_id/in_reply_to/performative off the frame and asks the book
// whether this looks like the reply something is actually waiting for.
func AllowIfCorrelated(b *Book, f *acl.Frame, fromBare string) bool {
	return b.MatchAndPop(f.ConversationID, f.InReplyTo, fromBare, string(f.Performative))
}
