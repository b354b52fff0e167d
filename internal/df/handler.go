package df

import (
	"strings"
	"time"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/logging"
)

// Handler dispatches ACL frames against a Catalog, implementing the
// REGISTER/HEARTBEAT/DEREGISTER/QUERY-REF surface over MAS.Core/MAS.DF.
type Handler struct {
	Catalog *Catalog
	Self    string // identity this DF answers as ("Registry" in the teacher's idiom)
	Log     *logging.Logger
}

// NewHandler builds a Handler bound to cat, answering as self.
func NewHandler(cat *Catalog, self string, log *logging.Logger) *Handler {
	return &Handler{Catalog: cat, Self: self, Log: log}
}

// Handle processes one inbound frame and returns the response frame to
// send, or nil when the frame warrants no reply (a HEARTBEAT, or a
// performative the DF silently ignores).
func (h *Handler) Handle(f *acl.Frame) *acl.Frame {
	switch {
	case f.Performative == acl.Request && f.ContentType() == "REGISTER":
		return h.handleRegister(f)
	case f.Performative == acl.Inform && f.ContentType() == "HEARTBEAT":
		h.handleHeartbeat(f)
		return nil
	case f.Performative == acl.Request && f.ContentType() == "DEREGISTER":
		return h.handleDeregister(f)
	case f.Performative == acl.QueryRef:
		return h.handleQuery(f)
	default:
		return nil
	}
}

func (h *Handler) handleRegister(f *acl.Frame) *acl.Frame {
	profileRaw, _ := f.Content["profile"].(map[string]any)
	profile := profileFromContent(profileRaw)

	if profile.JID == "" {
		resp, _ := f.Reply("FAILURE", h.Self, map[string]any{"reason": "INVALID_PROFILE"})
		return resp
	}

	h.Catalog.Upsert(profile)
	if h.Log != nil {
		h.Log.Info("df register", "jid", profile.JID, "capabilities", profile.Capabilities)
	}
	resp, _ := f.Reply("AGREE", h.Self, map[string]any{"status": "registered"})
	return resp
}

func (h *Handler) handleHeartbeat(f *acl.Frame) {
	jid, _ := f.Content["jid"].(string)
	if jid == "" {
		return
	}
	extra := make(map[string]any, len(f.Content))
	for k, v := range f.Content {
		if k == "jid" || k == "type" {
			continue
		}
		extra[k] = v
	}
	h.Catalog.Touch(jid, extra)
}

func (h *Handler) handleDeregister(f *acl.Frame) *acl.Frame {
	jid, _ := f.Content["jid"].(string)
	if jid == "" {
		return nil
	}
	h.Catalog.Remove(jid)
	if h.Log != nil {
		h.Log.Info("df deregister", "jid", jid)
	}
	resp, _ := f.Reply("AGREE", h.Self, map[string]any{"status": "deregistered"})
	return resp
}

func (h *Handler) handleQuery(f *acl.Frame) *acl.Frame {
	need := queryTarget(f.Content)
	candidates, profiles := h.Catalog.Query(need)

	resp, _ := f.Reply("INFORM", h.Self, map[string]any{
		"candidates":   candidates,
		"profiles":     profiles,
		"df_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	return resp
}

// queryTarget reads content.type (LIST/DUMP) first, then content.need,
// matching the two QUERY-REF shapes the wire format allows.
func queryTarget(content map[string]any) string {
	if t, _ := content["type"].(string); t != "" {
		return t
	}
	if n, _ := content["need"].(string); n != "" {
		return n
	}
	return ""
}

func profileFromContent(m map[string]any) Profile {
	p := Profile{}
	p.JID, _ = m["jid"].(string)
	p.Name, _ = m["name"].(string)
	p.Version, _ = m["version"].(string)
	p.Description, _ = m["description"].(string)
	p.Capabilities = stringSlice(m["capabilities"])
	p.Skills = stringSlice(m["skills"])
	switch ttl := m["ttl_sec"].(type) {
	case int:
		p.TTLSec = ttl
	case float64:
		p.TTLSec = int(ttl)
	}
	return p
}

// stringSlice accepts either a native []string (a REGISTER built and sent
// in the same process, never JSON-serialized) or the []any-of-string shape
// a frame carries after crossing a wire transport.
func stringSlice(v any) []string {
	switch raw := v.(type) {
	case []string:
		out := make([]string, len(raw))
		copy(out, raw)
		return out
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}
