// Package df implements the Directory Facilitator: the live catalog of
// agent profiles and the capability index used to answer discovery queries.
package df

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the liveness state of a registered profile.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusReady   Status = "ready"
)

// Defaults for the liveness parameters, matching DF_HEARTBEAT_SEC,
// DF_TTL_MULTIPLIER and DF_CLEANUP_PERIOD.
const (
	DefaultHeartbeatSec  = 30
	DefaultTTLMultiplier = 3
	DefaultCleanupPeriod = 10 * time.Second
)

// Profile is the catalog entry for one agent.
type Profile struct {
	JID          string         `json:"jid"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description"`
	Capabilities []string       `json:"capabilities"`
	Skills       []string       `json:"skills"`
	Status       Status         `json:"status"`
	LastSeen     time.Time      `json:"last_seen"`
	TTLSec       int            `json:"ttl_sec,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// ErrMissingJID is returned when a REGISTER profile has no jid.
type ErrMissingJID struct{}

func (ErrMissingJID) Error() string { return "df: profile missing jid" }

// Catalog is the in-memory agent directory: a map of jid to Profile plus a
// derived capability index. Without a SnapshotCache it has no persistence —
// a restart starts empty and clients reregister through their own heartbeat
// loops.
type Catalog struct {
	mu            sync.RWMutex
	byJID         map[string]*Profile
	capToJIDs     map[string]map[string]bool
	heartbeatSec  int
	ttlMultiplier int
	snapshot      *SnapshotCache
}

// SetSnapshotCache attaches an optional Redis-backed snapshot cache. Every
// subsequent Upsert/Remove best-effort mirrors the change to Redis; failures
// are swallowed here (the catalog itself never depends on Redis being up).
func (c *Catalog) SetSnapshotCache(s *SnapshotCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = s
}

// NewCatalog builds an empty Catalog with the given liveness parameters.
// A zero heartbeatSec/ttlMultiplier falls back to the package defaults.
func NewCatalog(heartbeatSec, ttlMultiplier int) *Catalog {
	if heartbeatSec <= 0 {
		heartbeatSec = DefaultHeartbeatSec
	}
	if ttlMultiplier <= 0 {
		ttlMultiplier = DefaultTTLMultiplier
	}
	return &Catalog{
		byJID:         make(map[string]*Profile),
		capToJIDs:     make(map[string]map[string]bool),
		heartbeatSec:  heartbeatSec,
		ttlMultiplier: ttlMultiplier,
	}
}

// Upsert merges an incoming profile into the catalog. Every field except
// jid is copied from the incoming profile, except that an empty name
// defaults to the jid and an empty version to "0.0.0"; capabilities become the union
// of the prior and incoming sets; status is set online and last_seen to
// now. The capability index is rebuilt for the affected jid.
func (c *Catalog) Upsert(incoming Profile) (*Profile, error) {
	if incoming.JID == "" {
		return nil, ErrMissingJID{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.byJID[incoming.JID]
	caps := incoming.Capabilities
	if ok {
		caps = unionStrings(existing.Capabilities, incoming.Capabilities)
	}

	rec := &Profile{
		JID:          incoming.JID,
		Name:         firstNonEmpty(incoming.Name, incoming.JID),
		Version:      firstNonEmpty(incoming.Version, "0.0.0"),
		Description:  incoming.Description,
		Capabilities: caps,
		Skills:       incoming.Skills,
		Status:       StatusOnline,
		LastSeen:     time.Now(),
		TTLSec:       incoming.TTLSec,
		Extra:        incoming.Extra,
	}
	c.byJID[incoming.JID] = rec
	c.reindexLocked(incoming.JID, caps)
	snap := c.snapshot
	out := *rec
	if snap != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = snap.Put(ctx, out)
		}()
	}
	return rec, nil
}

// Touch refreshes last_seen and status for jid on a HEARTBEAT, copying any
// extra runtime fields (anything beyond jid/type) into the profile's Extra
// map. It is a no-op if jid is not registered.
func (c *Catalog) Touch(jid string, extra map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.byJID[jid]
	if !ok {
		return
	}
	p.LastSeen = time.Now()
	p.Status = StatusOnline
	if len(extra) > 0 {
		if p.Extra == nil {
			p.Extra = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			p.Extra[k] = v
		}
	}
}

// Remove deregisters jid and drops it from the capability index.
func (c *Catalog) Remove(jid string) {
	c.mu.Lock()
	snap := c.snapshot
	c.removeLocked(jid)
	c.mu.Unlock()

	if snap != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = snap.Delete(ctx, jid)
		}()
	}
}

func (c *Catalog) removeLocked(jid string) {
	if p, ok := c.byJID[jid]; ok {
		for _, capability := range p.Capabilities {
			if set, ok := c.capToJIDs[capability]; ok {
				delete(set, jid)
				if len(set) == 0 {
					delete(c.capToJIDs, capability)
				}
			}
		}
		delete(c.byJID, jid)
	}
}

// GC sweeps the catalog: profiles silent longer than
// ttlMultiplier*heartbeatSec are removed; profiles silent longer than
// 2*heartbeatSec (but within the TTL) are marked offline. It returns the
// jids that were removed.
func (c *Catalog) GC() []string {
	c.mu.Lock()

	now := time.Now()
	ttl := time.Duration(c.ttlMultiplier*c.heartbeatSec) * time.Second
	offlineAfter := time.Duration(2*c.heartbeatSec) * time.Second

	var removed []string
	for jid, p := range c.byJID {
		age := now.Sub(p.LastSeen)
		switch {
		case age > ttl:
			removed = append(removed, jid)
			c.removeLocked(jid)
		case age > offlineAfter:
			p.Status = StatusOffline
		}
	}
	snap := c.snapshot
	c.mu.Unlock()

	sort.Strings(removed)
	if snap != nil && len(removed) > 0 {
		go func(jids []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for _, jid := range jids {
				_ = snap.Delete(ctx, jid)
			}
		}(removed)
	}
	return removed
}

// IsAlive reports whether p has been seen within the last 2*heartbeatSec.
func (c *Catalog) IsAlive(p *Profile, now time.Time) bool {
	c.mu.RLock()
	hb := c.heartbeatSec
	c.mu.RUnlock()
	return now.Sub(p.LastSeen) <= time.Duration(2*hb)*time.Second
}

// Query answers a DF capability lookup. need may be "" / "ALL" / "*" /
// "LIST" (all live profiles), "DUMP" (entire catalog, including offline),
// or a specific capability (case-insensitive match against live profiles
// with that capability). Results are sorted by jid for determinism.
func (c *Catalog) Query(need string) (candidates []string, profiles []Profile) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	upper := strings.ToUpper(strings.TrimSpace(need))

	switch upper {
	case "", "ALL", "*", "LIST":
		for jid, p := range c.byJID {
			if c.isAliveLocked(p, now) {
				candidates = append(candidates, jid)
				profiles = append(profiles, *p)
			}
		}
	case "DUMP":
		for jid, p := range c.byJID {
			candidates = append(candidates, jid)
			profiles = append(profiles, *p)
		}
	default:
		jids := c.capToJIDs[need]
		if jids == nil {
			jids = c.matchCapabilityCaseInsensitiveLocked(need)
		}
		for jid := range jids {
			p, ok := c.byJID[jid]
			if !ok || !c.isAliveLocked(p, now) {
				continue
			}
			candidates = append(candidates, jid)
			profiles = append(profiles, *p)
		}
	}

	sort.Strings(candidates)
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].JID < profiles[j].JID })
	return candidates, profiles
}

func (c *Catalog) isAliveLocked(p *Profile, now time.Time) bool {
	return now.Sub(p.LastSeen) <= time.Duration(2*c.heartbeatSec)*time.Second
}

func (c *Catalog) matchCapabilityCaseInsensitiveLocked(need string) map[string]bool {
	out := make(map[string]bool)
	lower := strings.ToLower(need)
	for jid, p := range c.byJID {
		for _, capability := range p.Capabilities {
			if strings.ToLower(capability) == lower {
				out[jid] = true
				break
			}
		}
	}
	return out
}

func (c *Catalog) reindexLocked(jid string, caps []string) {
	for capability, set := range c.capToJIDs {
		delete(set, jid)
		if len(set) == 0 {
			delete(c.capToJIDs, capability)
		}
	}
	for _, capability := range caps {
		set, ok := c.capToJIDs[capability]
		if !ok {
			set = make(map[string]bool)
			c.capToJIDs[capability] = set
		}
		set[jid] = true
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
