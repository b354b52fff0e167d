package kb

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests; the cmd binaries open
// Postgres or SQLite instead. It keeps every version of
// every key in memory; nothing is ever evicted.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string][]Item // key -> versions, ascending
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]Item)}
}

func (m *MemoryStore) Close() error { return nil }

// Store implements Store.
func (m *MemoryStore) Store(_ context.Context, p StoreParams) (StoreResult, error) {
	if err := ValidateKey(p.Key); err != nil {
		return StoreResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.items[p.Key]
	currentMax := len(versions)
	var currentETag string
	if currentMax > 0 {
		currentETag = versions[currentMax-1].ETag
	}

	if p.IfMatch != "" {
		if ok, conflict := checkIfMatch(p.IfMatch, currentMax, currentETag); !ok {
			return StoreResult{}, conflict
		}
	}

	now := time.Now().UTC()
	item := Item{
		Key:         p.Key,
		Version:     currentMax + 1,
		ETag:        uuid.NewString(),
		ContentType: p.ContentType,
		Value:       p.Value,
		Tags:        p.Tags,
		SessionID:   SessionID(p.Key),
		CreatedAt:   now,
		CreatedBy:   p.CreatedBy,
	}
	m.items[p.Key] = append(versions, item)

	return StoreResult{
		Version:  item.Version,
		ETag:     item.ETag,
		StoredAt: now.Format(time.RFC3339Nano),
	}, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, p GetParams) (Item, error) {
	if err := ValidateKey(p.Key); err != nil {
		return Item{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.items[p.Key]
	if len(versions) == 0 {
		return Item{}, &ErrNotFound{Key: p.Key}
	}

	switch {
	case p.Version > 0:
		if p.Version > len(versions) {
			return Item{}, &ErrNotFound{Key: p.Key}
		}
		item := versions[p.Version-1]
		if item.Deleted {
			return Item{}, &ErrNotFound{Key: p.Key}
		}
		return item, nil
	case p.AsOf != "":
		asOf, err := time.Parse(time.RFC3339Nano, p.AsOf)
		if err != nil {
			if asOf, err = time.Parse(time.RFC3339, p.AsOf); err != nil {
				return Item{}, &ErrNotFound{Key: p.Key}
			}
		}
		for i := len(versions) - 1; i >= 0; i-- {
			if !versions[i].CreatedAt.After(asOf) && !versions[i].Deleted {
				return versions[i], nil
			}
		}
		return Item{}, &ErrNotFound{Key: p.Key}
	default:
		latest := versions[len(versions)-1]
		if latest.Deleted {
			return Item{}, &ErrNotFound{Key: p.Key}
		}
		return latest, nil
	}
}

// DumpSession returns every item whose session_id matches sessionID,
// sorted by key then version — used by the admin CLI's `dump` command.
func (m *MemoryStore) DumpSession(_ context.Context, sessionID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Item
	for _, versions := range m.items {
		for _, item := range versions {
			if item.SessionID == sessionID {
				out = append(out, item)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// checkIfMatch evaluates an if_match precondition against the current
// state of a key: "vN" compares N to the current max version, anything
// else is compared against the latest stored etag.
func checkIfMatch(ifMatch string, currentMax int, currentETag string) (bool, error) {
	if strings.HasPrefix(ifMatch, "v") {
		n, err := strconv.Atoi(strings.TrimPrefix(ifMatch, "v"))
		if err != nil {
			return false, &ErrConflict{ExpectedLatest: currentMax}
		}
		if n != currentMax {
			return false, &ErrConflict{ExpectedLatest: currentMax}
		}
		return true, nil
	}
	if ifMatch != currentETag {
		return false, &ErrConflict{ExpectedLatest: currentMax}
	}
	return true, nil
}
