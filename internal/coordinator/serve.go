package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/correlation"
	"github.com/aiserve/masfed/internal/df"
	"github.com/aiserve/masfed/internal/resilience"
	"github.com/aiserve/masfed/internal/selector"
)

const unavailableReply = "Specjalista nie odpowiedział w czasie. Spróbuj ponownie."

// timelineEntry is one journaled exchange on a conversation's timeline.
type timelineEntry struct {
	TS    string `json:"ts"`
	Agent string `json:"agent"`
	PF    string `json:"pf"`
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
}

// serveConversation is the per-request state machine spec.md §4.4.2
// describes. One instance runs to completion inside its own goroutine.
type serveConversation struct {
	d      *Dispatcher
	orig   *acl.Frame
	convID string
	queue  <-chan *acl.Frame
	kb     *kbClient
}

func (sc *serveConversation) run(ctx context.Context) {
	question := questionOf(sc.orig.Content)
	presenterJID := presenterIdentity(sc.orig)

	history := sc.journalUserMessage(ctx, question)

	candidates, dfTimestamp, err := sc.lookupDF(ctx)
	if err != nil && sc.d.Log != nil {
		sc.d.Log.Warn("df lookup failed", "conversation_id", sc.convID, "error", err.Error())
	}
	if len(candidates) == 0 {
		sc.reply(ctx, presenterJID, "", noSpecialistsMessage(sc.d.Cfg.NeedCap))
		return
	}

	selected, _ := selector.Select(ctx, sc.d.Selector, selector.Input{
		ConversationID:     sc.convID,
		RequiredCapability: sc.d.Cfg.NeedCap,
		DFTimestamp:        dfTimestamp,
		FIPARequest:        map[string]any{"args": map[string]any{"question": question}},
		Candidates:         candidates,
		History:            history,
	})

	tryList := orderedTryList(selected, candidates)
	answer := sc.askSpecialists(ctx, tryList, question, history)

	sc.reply(ctx, presenterJID, answer, unavailableReply)
}

// questionOf reads the question text out of a USER_MSG frame's content,
// preferring the args.question convention and falling back to a bare
// top-level question/text field for lenience.
func questionOf(content map[string]any) string {
	if args, ok := content["args"].(map[string]any); ok {
		if q, ok := args["question"].(string); ok && q != "" {
			return q
		}
	}
	if q, ok := content["question"].(string); ok {
		return q
	}
	q, _ := content["text"].(string)
	return q
}

// noSpecialistsMessage is the exact user-visible wording for an empty DF
// lookup, parameterized by the capability that was requested.
func noSpecialistsMessage(capability string) string {
	return fmt.Sprintf("Brak dostępnych specjalistów (%s).", capability)
}

func presenterIdentity(orig *acl.Frame) string {
	if meta, ok := orig.Content["meta"].(map[string]any); ok {
		if p, ok := meta["presenter_jid"].(string); ok && p != "" {
			return p
		}
	}
	return correlation.Bare(orig.Sender)
}

func (sc *serveConversation) journalUserMessage(ctx context.Context, question string) []map[string]any {
	now := time.Now().UTC()
	entry := timelineEntry{
		TS:    now.Format(time.RFC3339Nano),
		Agent: correlation.Bare(sc.orig.Sender),
		PF:    string(acl.Request),
		Type:  "USER_MSG",
		Text:  question,
	}

	frameKey := fmt.Sprintf("session:%s:chat:frame:%d", sc.convID, now.UnixMilli())
	if _, err := sc.kb.store(ctx, frameKey, "application/json", entry, "", frameConvID); err != nil && sc.d.Log != nil {
		sc.d.Log.Warn("kb frame journal failed", "key", frameKey, "error", err.Error())
	}

	timelineKey := fmt.Sprintf("session:%s:chat:timeline:main", sc.convID)
	history, ifMatch := sc.readTimeline(ctx, timelineKey)
	history = append(history, map[string]any{
		"ts": entry.TS, "agent": entry.Agent, "pf": entry.PF, "type": entry.Type, "text": entry.Text,
	})
	if len(history) > sc.d.Cfg.HistoryLen {
		history = history[len(history)-sc.d.Cfg.HistoryLen:]
	}
	if _, err := sc.kb.store(ctx, timelineKey, "application/json", history, ifMatch, kbPutConvID); err != nil && sc.d.Log != nil {
		sc.d.Log.Warn("kb timeline store failed", "key", timelineKey, "error", err.Error())
	}
	return history
}

func frameConvID(base string, seq int) string { return fmt.Sprintf("%s%s%d", base, kbFrameTag, seq) }

func (sc *serveConversation) readTimeline(ctx context.Context, key string) ([]map[string]any, string) {
	content, err := sc.kb.get(ctx, key, 0)
	if err != nil {
		// no prior timeline: first message in the conversation, nothing to
		// if_match against.
		return nil, ""
	}
	history := decodeHistory(content["value"])
	return history, versionIfMatch(content)
}

// versionIfMatch extracts the "vN" if_match spelling from a KB response's
// version field, which arrives as int when the KB runs in the same process
// (no JSON round trip) or float64 when it arrived over a wire transport.
func versionIfMatch(content map[string]any) string {
	switch v := content["version"].(type) {
	case int:
		return fmt.Sprintf("v%d", v)
	case float64:
		return fmt.Sprintf("v%d", int(v))
	default:
		if etag, ok := content["etag"].(string); ok {
			return etag
		}
		return ""
	}
}

func decodeHistory(raw any) []map[string]any {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (sc *serveConversation) lookupDF(ctx context.Context) ([]selector.Candidate, string, error) {
	mode := string(sc.d.Cfg.DFMode)
	candidates, ts, err := sc.queryDF(ctx, queryContent(mode, sc.d.Cfg.NeedCap))
	if err != nil {
		return nil, "", err
	}
	if len(candidates) == 0 && mode == "ALL" {
		candidates, ts, err = sc.queryDF(ctx, queryContent("NEED", sc.d.Cfg.NeedCap))
		if err != nil {
			return nil, "", err
		}
	}
	return candidates, ts, nil
}

func queryContent(mode, needCap string) map[string]any {
	if mode == "ALL" {
		return map[string]any{"need": "ALL"}
	}
	return map[string]any{"need": needCap}
}

func (sc *serveConversation) queryDF(ctx context.Context, content map[string]any) ([]selector.Candidate, string, error) {
	replyWith := fmt.Sprintf("%s-df-%d", sc.convID, time.Now().UnixNano())
	req, err := acl.New("QUERY-REF", sc.d.Self, sc.d.DFJID, content)
	if err != nil {
		return nil, "", err
	}
	req.ConversationID = sc.convID
	req.ReplyWith = replyWith

	sc.d.Book.Register(sc.convID, replyWith,
		correlation.WithAllowFrom(correlation.Bare(sc.d.DFJID)),
		correlation.WithAllowPerformative("INFORM"),
		correlation.WithTTL(sc.d.Cfg.ReqTimeout+2*time.Second))

	waitCtx, cancel := context.WithTimeout(ctx, sc.d.Cfg.ReqTimeout)
	defer cancel()
	if err := sc.d.Bus.Send(waitCtx, req); err != nil {
		return nil, "", err
	}

	resp, err := sc.awaitMain(waitCtx, replyWith)
	if err != nil {
		return nil, "", err
	}

	ts, _ := resp.Content["df_timestamp"].(string)
	return normalizeCandidates(resp.Content), ts, nil
}

// normalizeCandidates accepts the DF's "profiles" field in either shape it
// can arrive in: []df.Profile when the DF runs in the same process (the
// frame never crossed a wire transport), or []any/map[string]any once a
// JSON round trip has flattened everything to generic types.
func normalizeCandidates(content map[string]any) []selector.Candidate {
	if profiles, ok := content["profiles"].([]df.Profile); ok {
		out := make([]selector.Candidate, 0, len(profiles))
		for _, p := range profiles {
			if p.JID == "" {
				continue
			}
			out = append(out, selector.Candidate{JID: p.JID, Status: string(p.Status), Capabilities: p.Capabilities})
		}
		return out
	}

	if profiles, ok := content["profiles"].([]any); ok {
		out := make([]selector.Candidate, 0, len(profiles))
		for _, raw := range profiles {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			jid, _ := m["jid"].(string)
			if jid == "" {
				continue
			}
			status, _ := m["status"].(string)
			out = append(out, selector.Candidate{JID: jid, Status: status, Capabilities: stringsOf(m["capabilities"])})
		}
		return out
	}

	if ids, ok := content["candidates"].([]string); ok {
		out := make([]selector.Candidate, 0, len(ids))
		for _, jid := range ids {
			if jid == "" {
				continue
			}
			out = append(out, selector.Candidate{JID: jid, Status: "online", Capabilities: []string{"ASK_EXPERT"}})
		}
		return out
	}

	if ids, ok := content["candidates"].([]any); ok {
		out := make([]selector.Candidate, 0, len(ids))
		for _, raw := range ids {
			jid, _ := raw.(string)
			if jid == "" {
				continue
			}
			out = append(out, selector.Candidate{JID: jid, Status: "online", Capabilities: []string{"ASK_EXPERT"}})
		}
		return out
	}

	return nil
}

func stringsOf(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func orderedTryList(selected string, candidates []selector.Candidate) []string {
	tryList := make([]string, 0, len(candidates))
	if selected != "" {
		tryList = append(tryList, selected)
	}
	for _, c := range candidates {
		if c.JID != selected {
			tryList = append(tryList, c.JID)
		}
	}
	return tryList
}

// askSpecialists tries tryList in order, skipping any identity whose circuit
// breaker is already open (a specialist that has been consistently failing
// doesn't draw from MaxRetries) before handing the rest to TryIdentities.
// Every attempt that is actually made is recorded back into the breaker.
func (sc *serveConversation) askSpecialists(ctx context.Context, tryList []string, question string, history []map[string]any) string {
	cb := sc.d.Breakers
	answer, _ := resilience.TryIdentities(ctx, skipOpenBreakers(cb, tryList), sc.d.Cfg.MaxRetries, func(ctx context.Context, identity string) (string, error) {
		if cb == nil {
			return sc.askOne(ctx, identity, question, history)
		}
		res, err := cb.ExecuteContext(ctx, identity, func() (interface{}, error) {
			return sc.askOne(ctx, identity, question, history)
		})
		if err != nil {
			return "", err
		}
		return res.(string), nil
	})
	return answer
}

// skipOpenBreakers drops identities whose breaker has already tripped open.
// If that would leave nothing to try, it falls back to the full list rather
// than give up with candidates still on the table.
func skipOpenBreakers(cb *resilience.CircuitBreaker, tryList []string) []string {
	if cb == nil {
		return tryList
	}
	out := make([]string, 0, len(tryList))
	for _, identity := range tryList {
		if cb.GetState(identity) != gobreaker.StateOpen {
			out = append(out, identity)
		}
	}
	if len(out) == 0 {
		return tryList
	}
	return out
}

func (sc *serveConversation) askOne(ctx context.Context, identity, question string, history []map[string]any) (string, error) {
	replyWith := fmt.Sprintf("%s-ask-%d", sc.convID, time.Now().UnixNano())
	req, err := acl.New("REQUEST", sc.d.Self, identity, map[string]any{
		"type": "ASK_EXPERT", "args": map[string]any{"question": question}, "history": history,
	})
	if err != nil {
		return "", err
	}
	req.ConversationID = sc.convID
	req.ReplyWith = replyWith

	sc.d.Book.Register(sc.convID, replyWith,
		correlation.WithAllowFrom(correlation.Bare(identity)),
		correlation.WithAllowPerformative("AGREE", "INFORM", "REFUSE", "FAILURE"),
		correlation.WithTTL(sc.d.Cfg.ReqTimeout+2*time.Second))

	waitCtx, cancel := context.WithTimeout(ctx, sc.d.Cfg.ReqTimeout)
	defer cancel()
	if err := sc.d.Bus.Send(waitCtx, req); err != nil {
		return "", err
	}

	for {
		f, err := sc.awaitMain(waitCtx, replyWith)
		if err != nil {
			return "", err
		}
		if f.Performative == acl.Agree {
			if sc.d.Log != nil {
				sc.d.Log.Debug("specialist agreed", "identity", identity, "conversation_id", sc.convID)
			}
			continue
		}
		if f.Performative == acl.Inform {
			result, _ := f.Content["result"].(map[string]any)
			answer, _ := result["answer"].(string)
			return answer, nil
		}
		return "", fmt.Errorf("specialist %s declined: %v", identity, f.Performative)
	}
}

// awaitMain reads the conversation's main queue until a frame correlates
// to replyWith, the wait context expires, or the queue is closed.
func (sc *serveConversation) awaitMain(ctx context.Context, replyWith string) (*acl.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case f, ok := <-sc.queue:
			if !ok {
				return nil, fmt.Errorf("conversation queue closed")
			}
			if !correlation.AllowIfCorrelated(sc.d.Book, f, correlation.Bare(f.Sender)) {
				continue
			}
			if f.InReplyTo != replyWith {
				continue
			}
			return f, nil
		}
	}
}

// reply sends the final PRESENTER_REPLY. If answer is empty, whenEmpty is
// sent instead (the caller picks the exact wording: "no specialists" vs.
// "specialist timed out" are distinct user-visible messages).
func (sc *serveConversation) reply(ctx context.Context, presenterJID, answer, whenEmpty string) {
	if answer == "" {
		answer = whenEmpty
	}
	resp, err := sc.orig.Reply("INFORM", sc.d.Self, map[string]any{
		"type": "PRESENTER_REPLY",
		"text": answer,
	})
	if err != nil {
		return
	}
	resp.Receiver = presenterJID
	resp.ConversationID = sc.convID

	sendCtx, cancel := context.WithTimeout(ctx, sc.d.Cfg.ReqTimeout)
	defer cancel()
	if err := sc.d.Bus.Send(sendCtx, resp); err != nil && sc.d.Log != nil {
		sc.d.Log.Err("presenter reply send failed", err, "conversation_id", sc.convID)
	}
}
