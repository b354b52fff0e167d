// Package acl implements the FIPA-ACL-inspired JSON envelope shared by every
// agent in the federation: Coordinator, Directory Facilitator, Knowledge
// Base, Presenter and Specialist adapters all speak this wire format.
package acl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Performative is the verb of an ACL frame, drawn from a closed set.
type Performative string

const (
	Request          Performative = "REQUEST"
	Agree            Performative = "AGREE"
	Inform           Performative = "INFORM"
	Refuse           Performative = "REFUSE"
	Failure          Performative = "FAILURE"
	QueryRef         Performative = "QUERY-REF"
	NotUnderstood    Performative = "NOT-UNDERSTOOD"
	CFP              Performative = "CFP"
	Propose          Performative = "PROPOSE"
	AcceptProposal   Performative = "ACCEPT-PROPOSAL"
	RejectProposal   Performative = "REJECT-PROPOSAL"
	Subscribe        Performative = "SUBSCRIBE"
	Cancel           Performative = "CANCEL"
	Confirm          Performative = "CONFIRM"
	Disconfirm       Performative = "DISCONFIRM"
	InformIf         Performative = "INFORM-IF"
	InformRef        Performative = "INFORM-REF"
	QueryIf          Performative = "QUERY-IF"
	RequestWhen      Performative = "REQUEST-WHEN"
	RequestWhenever  Performative = "REQUEST-WHENEVER"
)

var validPerformatives = map[Performative]bool{
	Request: true, Agree: true, Inform: true, Refuse: true, Failure: true,
	QueryRef: true, NotUnderstood: true, CFP: true, Propose: true,
	AcceptProposal: true, RejectProposal: true, Subscribe: true, Cancel: true,
	Confirm: true, Disconfirm: true, InformIf: true, InformRef: true,
	QueryIf: true, RequestWhen: true, RequestWhenever: true,
}

// ErrUnknownPerformative is returned when a frame carries a performative
// outside the closed FIPA-ACL set, even after normalization.
type ErrUnknownPerformative struct {
	Raw string
}

func (e *ErrUnknownPerformative) Error() string {
	return fmt.Sprintf("acl: unknown performative %q", e.Raw)
}

const (
	DefaultOntology = "MAS.Core"
	DefaultLanguage = "application/json"

	ProtocolRequest     = "fipa-request"
	ProtocolQuery       = "fipa-query"
	ProtocolSubscribe   = "fipa-subscribe"
	ProtocolContractNet = "fipa-contract-net"
)

var spaceOrUnderscore = regexp.MustCompile(`[ _]+`)
var dashRun = regexp.MustCompile(`-{2,}`)

// kebabRepairs fixes the performative forms that collapse two words
// together when spaces/underscores are stripped before the table lookup
// (e.g. "REQUESTWHEN" -> "REQUEST-WHEN").
var kebabRepairs = []struct{ from, to string }{
	{"ACCEPTPROPOSAL", "ACCEPT-PROPOSAL"},
	{"REJECTPROPOSAL", "REJECT-PROPOSAL"},
	{"INFORMIF", "INFORM-IF"},
	{"INFORMREF", "INFORM-REF"},
	{"QUERYIF", "QUERY-IF"},
	{"QUERYREF", "QUERY-REF"},
	{"REQUESTWHENEVER", "REQUEST-WHENEVER"},
	{"REQUESTWHEN", "REQUEST-WHEN"},
}

// NormalizePerformative canonicalizes a raw performative string: uppercased,
// space/underscore runs collapsed to a single hyphen, then a small repair
// table fixes forms that lost their internal hyphen entirely.
func NormalizePerformative(raw string) string {
	if raw == "" {
		return ""
	}
	s := spaceOrUnderscore.ReplaceAllString(strings.TrimSpace(raw), "-")
	s = strings.ToUpper(s)
	for _, r := range kebabRepairs {
		s = strings.ReplaceAll(s, r.from, r.to)
	}
	s = dashRun.ReplaceAllString(s, "-")
	return s
}

// DefaultProtocolFor derives the protocol for a performative per the rule
// table: QUERY-* -> fipa-query, SUBSCRIBE -> fipa-subscribe, the
// contract-net family -> fipa-contract-net, else fipa-request.
func DefaultProtocolFor(pf Performative) string {
	switch {
	case strings.HasPrefix(string(pf), "QUERY-"):
		return ProtocolQuery
	case pf == Subscribe:
		return ProtocolSubscribe
	case pf == CFP || pf == Propose || pf == AcceptProposal || pf == RejectProposal:
		return ProtocolContractNet
	default:
		return ProtocolRequest
	}
}

// Frame is the unit of every exchange on the bus.
type Frame struct {
	Performative   Performative   `json:"performative"`
	Sender         string         `json:"sender"`
	Receiver       string         `json:"receiver"`
	Ontology       string         `json:"ontology,omitempty"`
	Protocol       string         `json:"protocol,omitempty"`
	Language       string         `json:"language,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ReplyWith      string         `json:"reply_with,omitempty"`
	InReplyTo      string         `json:"in_reply_to,omitempty"`
	Content        map[string]any `json:"content"`
}

// New builds a Frame, normalizing the performative and filling every
// defaulted field (protocol, ontology, language, timestamp) the way the
// wire format requires. It returns ErrUnknownPerformative if pf does not
// normalize to a member of the closed performative set.
func New(pf, sender, receiver string, content map[string]any) (*Frame, error) {
	norm := Performative(NormalizePerformative(pf))
	if !validPerformatives[norm] {
		return nil, &ErrUnknownPerformative{Raw: pf}
	}
	if content == nil {
		content = map[string]any{}
	}
	return &Frame{
		Performative: norm,
		Sender:       sender,
		Receiver:     receiver,
		Ontology:     DefaultOntology,
		Protocol:     DefaultProtocolFor(norm),
		Language:     DefaultLanguage,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Content:      content,
	}, nil
}

// Reply builds a response frame to f: swaps sender/receiver, stamps
// in_reply_to from f.ReplyWith, and keeps the conversation id.
func (f *Frame) Reply(pf, fromSender string, content map[string]any) (*Frame, error) {
	resp, err := New(pf, fromSender, f.Sender, content)
	if err != nil {
		return nil, err
	}
	resp.ConversationID = f.ConversationID
	resp.InReplyTo = f.ReplyWith
	return resp, nil
}

// Marshal serializes the frame, filling in any field left at its zero value
// with the standard default (mirrors what New already does, so a Frame
// built by hand and then Marshaled still round-trips through Parse).
func (f *Frame) Marshal() ([]byte, error) {
	cp := *f
	if cp.Ontology == "" {
		cp.Ontology = DefaultOntology
	}
	if cp.Language == "" {
		cp.Language = DefaultLanguage
	}
	if cp.Protocol == "" {
		cp.Protocol = DefaultProtocolFor(cp.Performative)
	}
	if cp.Timestamp == "" {
		cp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if cp.Content == nil {
		cp.Content = map[string]any{}
	}
	return json.Marshal(cp)
}

// Parse decodes a wire frame and normalizes/validates its performative.
// Unknown fields in the JSON object are ignored, per the wire contract.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("acl: invalid json: %w", err)
	}
	norm := NormalizePerformative(string(f.Performative))
	if !validPerformatives[Performative(norm)] {
		return nil, &ErrUnknownPerformative{Raw: string(f.Performative)}
	}
	f.Performative = Performative(norm)
	if f.Ontology == "" {
		f.Ontology = DefaultOntology
	}
	if f.Language == "" {
		f.Language = DefaultLanguage
	}
	if f.Protocol == "" {
		f.Protocol = DefaultProtocolFor(f.Performative)
	}
	if f.Content == nil {
		f.Content = map[string]any{}
	}
	return &f, nil
}

// ContentType reads content.type as a string, the convention used by the
// DF and KB ontologies to tag the request/response kind.
func (f *Frame) ContentType() string {
	if f.Content == nil {
		return ""
	}
	t, _ := f.Content["type"].(string)
	return t
}
