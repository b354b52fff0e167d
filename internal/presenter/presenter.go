// Package presenter implements the user-facing adapter: it pins a single
// session to the Coordinator, sends REQUEST.USER_MSG, and waits for the
// matching INFORM.PRESENTER_REPLY.
package presenter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/correlation"
	"github.com/aiserve/masfed/internal/logging"
)

// allowedReplyPerformatives is the set a Presenter accepts as the terminal
// (or rejecting) answer to one USER_MSG.
var allowedReplyPerformatives = []string{"INFORM", "REFUSE", "FAILURE", "NOT-UNDERSTOOD"}

// Presenter pins one session_id (the conversation_id) to the Coordinator.
// A session-level mutex ensures only one outstanding USER_MSG at a time, as
// the adapter is meant to be driven by one user/REPL loop.
type Presenter struct {
	Bus        bus.Bus
	CoordJID   string
	SessionID  string
	ReqTimeout time.Duration
	Book       *correlation.Book
	Log        *logging.Logger

	mu  sync.Mutex
	seq int
}

// New builds a Presenter bound to b, addressing coordJID, pinned to
// sessionID. A zero reqTimeout uses the spec default of 15s.
func New(b bus.Bus, coordJID, sessionID string, reqTimeout time.Duration, log *logging.Logger) *Presenter {
	if reqTimeout <= 0 {
		reqTimeout = 15 * time.Second
	}
	return &Presenter{
		Bus:        b,
		CoordJID:   coordJID,
		SessionID:  sessionID,
		ReqTimeout: reqTimeout,
		Book:       correlation.NewBook(reqTimeout + 2*time.Second),
		Log:        log,
	}
}

// ErrNoAnswer is returned when the Coordinator never replies within
// ReqTimeout.
var ErrNoAnswer = fmt.Errorf("presenter: no answer within timeout")

// Ask sends question as a REQUEST.USER_MSG on the pinned session and blocks
// for the Coordinator's reply. Only one Ask runs at a time per Presenter.
func (p *Presenter) Ask(ctx context.Context, question string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	replyWith := fmt.Sprintf("%s-ask-%d", p.SessionID, p.seq)

	req, err := acl.New("REQUEST", p.Bus.Identity(), p.CoordJID, map[string]any{
		"type": "USER_MSG",
		"args": map[string]any{"question": question},
		"meta": map[string]any{"presenter_jid": correlation.Bare(p.Bus.Identity())},
	})
	if err != nil {
		return "", err
	}
	req.ConversationID = p.SessionID
	req.ReplyWith = replyWith

	p.Book.Register(p.SessionID, replyWith,
		correlation.WithAllowFrom(correlation.Bare(p.CoordJID)),
		correlation.WithAllowPerformative(allowedReplyPerformatives...),
		correlation.WithTTL(p.ReqTimeout+2*time.Second))

	waitCtx, cancel := context.WithTimeout(ctx, p.ReqTimeout)
	defer cancel()

	if err := p.Bus.Send(waitCtx, req); err != nil {
		return "", err
	}

	for {
		f, err := p.Bus.Receive(waitCtx)
		if err != nil {
			if p.Log != nil {
				p.Log.Warn("presenter wait ended without reply", "session_id", p.SessionID, "error", err.Error())
			}
			return "", ErrNoAnswer
		}
		if !correlation.AllowIfCorrelated(p.Book, f, correlation.Bare(f.Sender)) {
			continue
		}
		if f.InReplyTo != replyWith {
			continue
		}
		return textOf(f), nil
	}
}

func textOf(f *acl.Frame) string {
	if text, ok := f.Content["text"].(string); ok {
		return text
	}
	if reason, ok := f.Content["reason"].(string); ok {
		return reason
	}
	return string(f.Performative)
}
