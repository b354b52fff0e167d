package kb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRejectsInvalidKey(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Store(context.Background(), StoreParams{Key: "bad", Value: 1})
	require.Error(t, err)
	var keyErr *ErrInvalidKey
	assert.ErrorAs(t, err, &keyErr)
}

func TestStoreVersionsMonotonic(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := "session:s1:chat:frame:1"

	r1, err := m.Store(ctx, StoreParams{Key: key, Value: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, r1.Version)

	r2, err := m.Store(ctx, StoreParams{Key: key, Value: "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Version)
	assert.NotEqual(t, r1.ETag, r2.ETag)
}

func TestGetReturnsLatestByDefault(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := "session:s1:chat:frame:1"
	_, _ = m.Store(ctx, StoreParams{Key: key, Value: "a"})
	_, _ = m.Store(ctx, StoreParams{Key: key, Value: "b"})

	item, err := m.Get(ctx, GetParams{Key: key})
	require.NoError(t, err)
	assert.Equal(t, 2, item.Version)
	assert.Equal(t, "b", item.Value)
}

func TestGetSpecificVersion(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := "session:s1:chat:frame:1"
	_, _ = m.Store(ctx, StoreParams{Key: key, Value: "a"})
	_, _ = m.Store(ctx, StoreParams{Key: key, Value: "b"})

	item, err := m.Get(ctx, GetParams{Key: key, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "a", item.Value)
}

func TestGetMissingKey(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Get(context.Background(), GetParams{Key: "session:s1:chat:frame:1"})
	require.Error(t, err)
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestIfMatchVersionConflict(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := "session:s:chat:timeline:main"
	_, err := m.Store(ctx, StoreParams{Key: key, Value: []string{"x"}})
	require.NoError(t, err)

	// two writers racing on if_match=v1; simulate B going after A already advanced to v2
	_, err = m.Store(ctx, StoreParams{Key: key, Value: []string{"a"}, IfMatch: "v1"})
	require.NoError(t, err)

	_, err = m.Store(ctx, StoreParams{Key: key, Value: []string{"b"}, IfMatch: "v1"})
	require.Error(t, err)
	var conflict *ErrConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.ExpectedLatest)

	// loser retries after a fresh read
	_, err = m.Store(ctx, StoreParams{Key: key, Value: []string{"b"}, IfMatch: "v2"})
	require.NoError(t, err)
}

func TestIfMatchETagForm(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := "session:s:chat:timeline:main"
	r1, err := m.Store(ctx, StoreParams{Key: key, Value: "a"})
	require.NoError(t, err)

	_, err = m.Store(ctx, StoreParams{Key: key, Value: "b", IfMatch: r1.ETag})
	require.NoError(t, err)

	_, err = m.Store(ctx, StoreParams{Key: key, Value: "c", IfMatch: r1.ETag})
	require.Error(t, err)
}

func TestDumpSessionSortsByKeyThenVersion(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, _ = m.Store(ctx, StoreParams{Key: "session:s1:chat:frame:2", Value: "x"})
	_, _ = m.Store(ctx, StoreParams{Key: "session:s1:chat:frame:1", Value: "y"})
	_, _ = m.Store(ctx, StoreParams{Key: "session:s1:chat:frame:1", Value: "z"})

	items, err := m.DumpSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "session:s1:chat:frame:1", items[0].Key)
	assert.Equal(t, 1, items[0].Version)
	assert.Equal(t, "session:s1:chat:frame:1", items[1].Key)
	assert.Equal(t, 2, items[1].Version)
}
