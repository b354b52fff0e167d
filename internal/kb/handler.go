package kb

import (
	"context"
	"time"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/correlation"
	"github.com/aiserve/masfed/internal/logging"
)

// Authorizer decides whether sender (and an optional bearer token carried
// in content.meta.auth) may perform a STORE. internal/kbauth.Issuer
// satisfies this.
type Authorizer interface {
	AuthorizeWriter(sender, token string) bool
}

// MetricsSink receives KB operation outcomes. internal/metrics.KB
// satisfies this; nil is accepted (no-op).
type MetricsSink interface {
	ObserveStore(outcome string, d time.Duration)
	ObserveGet(outcome string, d time.Duration)
}

// Handler dispatches ACL frames over MAS.KB against a Store.
type Handler struct {
	Store   Store
	Auth    Authorizer
	Metrics MetricsSink
	Self    string
	Log     *logging.Logger
}

// NewHandler builds a Handler.
func NewHandler(store Store, auth Authorizer, metrics MetricsSink, self string, log *logging.Logger) *Handler {
	return &Handler{Store: store, Auth: auth, Metrics: metrics, Self: self, Log: log}
}

// Handle processes one inbound frame and returns the response to send.
// Non-KB performatives/types return nil (no reply) since this handler is
// called only for frames routed to the KB.
func (h *Handler) Handle(ctx context.Context, f *acl.Frame) *acl.Frame {
	switch f.ContentType() {
	case "STORE":
		return h.handleStore(ctx, f)
	case "GET":
		return h.handleGet(ctx, f)
	default:
		return nil
	}
}

func (h *Handler) handleStore(ctx context.Context, f *acl.Frame) *acl.Frame {
	start := time.Now()

	if h.Auth != nil {
		token, _ := authToken(f)
		if !h.Auth.AuthorizeWriter(correlation.Bare(f.Sender), token) {
			h.observeStore("unauthorized", start)
			resp, _ := f.Reply("REFUSE", h.Self, map[string]any{"type": "REFUSE.UNAUTHORIZED"})
			return resp
		}
	}

	key, _ := f.Content["key"].(string)
	contentType, _ := f.Content["content_type"].(string)
	ifMatch, _ := f.Content["if_match"].(string)
	tags := stringSlice(f.Content["tags"])

	result, err := h.Store.Store(ctx, StoreParams{
		Key:         key,
		ContentType: contentType,
		Value:       f.Content["value"],
		Tags:        tags,
		CreatedBy:   correlation.Bare(f.Sender),
		IfMatch:     ifMatch,
	})
	if err != nil {
		return h.storeErrorReply(f, err, start)
	}

	h.observeStore("ok", start)
	if h.Log != nil {
		h.Log.Info("kb store", "key", key, "version", result.Version)
	}
	resp, _ := f.Reply("INFORM", h.Self, map[string]any{
		"type":      "STORED",
		"key":       key,
		"version":   result.Version,
		"etag":      result.ETag,
		"stored_at": result.StoredAt,
	})
	return resp
}

func (h *Handler) storeErrorReply(f *acl.Frame, err error, start time.Time) *acl.Frame {
	switch err.(type) {
	case *ErrInvalidKey:
		h.observeStore("fail", start)
		resp, _ := f.Reply("FAILURE", h.Self, map[string]any{"type": "FAILURE.INVALID_KEY"})
		return resp
	case *ErrConflict:
		h.observeStore("conflict", start)
		resp, _ := f.Reply("FAILURE", h.Self, map[string]any{"type": "FAILURE.CONFLICT"})
		return resp
	default:
		h.observeStore("fail", start)
		if h.Log != nil {
			h.Log.Err("kb store failed", err)
		}
		resp, _ := f.Reply("FAILURE", h.Self, map[string]any{"type": "FAILURE.EXCEPTION"})
		return resp
	}
}

func (h *Handler) handleGet(ctx context.Context, f *acl.Frame) *acl.Frame {
	start := time.Now()

	key, _ := f.Content["key"].(string)
	version := 0
	if v, ok := f.Content["version"].(float64); ok {
		version = int(v)
	}
	asOf, _ := f.Content["as_of"].(string)

	item, err := h.Store.Get(ctx, GetParams{Key: key, Version: version, AsOf: asOf})
	if err != nil {
		return h.getErrorReply(f, err, start)
	}

	h.observeGet("ok", start)
	resp, _ := f.Reply("INFORM", h.Self, map[string]any{
		"type":         "VALUE",
		"key":          item.Key,
		"version":      item.Version,
		"etag":         item.ETag,
		"content_type": item.ContentType,
		"value":        item.Value,
		"stored_at":    item.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	return resp
}

func (h *Handler) getErrorReply(f *acl.Frame, err error, start time.Time) *acl.Frame {
	switch err.(type) {
	case *ErrInvalidKey:
		h.observeGet("fail", start)
		resp, _ := f.Reply("FAILURE", h.Self, map[string]any{"type": "FAILURE.INVALID_KEY"})
		return resp
	case *ErrNotFound:
		h.observeGet("not_found", start)
		resp, _ := f.Reply("FAILURE", h.Self, map[string]any{"type": "FAILURE.NOT_FOUND"})
		return resp
	default:
		h.observeGet("fail", start)
		if h.Log != nil {
			h.Log.Err("kb get failed", err)
		}
		resp, _ := f.Reply("FAILURE", h.Self, map[string]any{"type": "FAILURE.EXCEPTION"})
		return resp
	}
}

func (h *Handler) observeStore(outcome string, start time.Time) {
	if h.Metrics != nil {
		h.Metrics.ObserveStore(outcome, time.Since(start))
	}
}

func (h *Handler) observeGet(outcome string, start time.Time) {
	if h.Metrics != nil {
		h.Metrics.ObserveGet(outcome, time.Since(start))
	}
}

func authToken(f *acl.Frame) (string, bool) {
	meta, ok := f.Content["meta"].(map[string]any)
	if !ok {
		return "", false
	}
	token, ok := meta["auth"].(string)
	return token, ok
}

func stringSlice(v any) []string {
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
