// Package specialist implements the Specialist adapter: it registers with
// the Directory Facilitator, heartbeats on an interval, and answers
// REQUEST.ASK_EXPERT by delegating to a pluggable Expert. The expert logic
// itself is a black box to this package — only the ACL/DF plumbing lives
// here.
package specialist

import (
	"context"
	"time"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/correlation"
	"github.com/aiserve/masfed/internal/logging"
)

// Expert answers one question, given the conversation history the
// Coordinator forwarded alongside it. The answer is opaque to the rest of
// the federation.
type Expert func(ctx context.Context, question string, history []map[string]any) (string, error)

// Specialist registers itself with a DF, heartbeats, and serves
// REQUEST.ASK_EXPERT by calling Expert.
type Specialist struct {
	Bus          bus.Bus
	DFJID        string
	Capabilities []string
	Expert       Expert
	HeartbeatSec int
	Log          *logging.Logger
}

// New builds a Specialist. A zero heartbeatSec uses df.DefaultHeartbeatSec.
func New(b bus.Bus, dfJID string, capabilities []string, expert Expert, heartbeatSec int, log *logging.Logger) *Specialist {
	if heartbeatSec <= 0 {
		heartbeatSec = 30
	}
	return &Specialist{Bus: b, DFJID: dfJID, Capabilities: capabilities, Expert: expert, HeartbeatSec: heartbeatSec, Log: log}
}

// Run registers with the DF, starts the heartbeat loop, and serves
// ASK_EXPERT requests until ctx is done.
func (s *Specialist) Run(ctx context.Context) error {
	if err := s.register(ctx); err != nil && s.Log != nil {
		s.Log.Warn("specialist register failed", "jid", s.Bus.Identity(), "error", err.Error())
	}

	go s.heartbeatLoop(ctx)

	for {
		f, err := s.Bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if f.Performative != acl.Request || f.ContentType() != "ASK_EXPERT" {
			continue
		}
		go s.handleAskExpert(ctx, f)
	}
}

func (s *Specialist) register(ctx context.Context) error {
	req, err := acl.New("REQUEST", s.Bus.Identity(), s.DFJID, map[string]any{
		"type": "REGISTER",
		"profile": map[string]any{
			"jid":          correlation.Bare(s.Bus.Identity()),
			"capabilities": s.Capabilities,
			"status":       "online",
		},
	})
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.Bus.Send(sendCtx, req)
}

func (s *Specialist) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.HeartbeatSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb, err := acl.New("INFORM", s.Bus.Identity(), s.DFJID, map[string]any{
				"type":   "HEARTBEAT",
				"jid":    correlation.Bare(s.Bus.Identity()),
				"status": "online",
			})
			if err != nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			s.Bus.Send(sendCtx, hb)
			cancel()
		}
	}
}

func (s *Specialist) handleAskExpert(ctx context.Context, f *acl.Frame) {
	agree, err := f.Reply("AGREE", s.Bus.Identity(), map[string]any{"status": "working"})
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		s.Bus.Send(sendCtx, agree)
		cancel()
	}

	question, _ := argsQuestion(f.Content)
	history := historyOf(f.Content)

	answer, err := s.Expert(ctx, question, history)
	if err != nil {
		if s.Log != nil {
			s.Log.Warn("specialist expert error", "error", err.Error())
		}
		resp, rerr := f.Reply("FAILURE", s.Bus.Identity(), map[string]any{"type": "FAILURE.EXCEPTION"})
		if rerr == nil {
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			s.Bus.Send(sendCtx, resp)
			cancel()
		}
		return
	}

	resp, err := f.Reply("INFORM", s.Bus.Identity(), map[string]any{
		"type": "RESULT",
		"result": map[string]any{
			"answer": answer,
			"meta":   map[string]any{"capability": "ASK_EXPERT"},
		},
	})
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Bus.Send(sendCtx, resp)
}

func argsQuestion(content map[string]any) (string, bool) {
	if args, ok := content["args"].(map[string]any); ok {
		if q, ok := args["question"].(string); ok {
			return q, true
		}
	}
	q, ok := content["question"].(string)
	return q, ok
}

func historyOf(content map[string]any) []map[string]any {
	switch raw := content["history"].(type) {
	case []map[string]any:
		return raw
	case []any:
		out := make([]map[string]any, 0, len(raw))
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
