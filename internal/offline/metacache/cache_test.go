package metacache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_GetSet(t *testing.T) {
	t.Parallel()

	c := NewCache[string](time.Minute, 10)
	_, ok := c.Get("a")
	require.False(t, ok)

	c.Set("a", "one")
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "one", v)
}

func TestCache_TTLExpiryEvictsOnRead(t *testing.T) {
	t.Parallel()

	c := NewCache[int](time.Minute, 10)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	now = now.Add(59 * time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len(), "expired entry must be removed on read")
}

func TestCache_CapacityEvictsOldestInserted(t *testing.T) {
	t.Parallel()

	c := NewCache[int](time.Minute, 3)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Reading "a" must not protect it: eviction is insertion order.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)
	require.Equal(t, 3, c.Len())
	_, ok = c.Get("a")
	require.False(t, ok, "oldest-inserted entry should be evicted")
	for _, k := range []string{"b", "c", "d"} {
		_, ok := c.Get(k)
		require.True(t, ok, "key %s", k)
	}
}

func TestCache_OverwriteRefreshesInsertionOrder(t *testing.T) {
	t.Parallel()

	c := NewCache[int](time.Minute, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)
	c.Set("c", 3)

	_, ok := c.Get("b")
	require.False(t, ok, "b became the oldest after a was rewritten")
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 10, v)
}

func TestStore_CompositeKeys(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ext:m1", MangaKey("ext", "m1"))
	require.Equal(t, "ext:m1:c2", PagesKey("ext", "m1", "c2"))

	s := NewStore(0, 0)
	require.NotNil(t, s.Manga)
	require.NotNil(t, s.Pages)
}
