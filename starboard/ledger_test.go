package starboard

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLedger returns a ledger with a controllable clock.
func newTestLedger(t testing.TB, debounce time.Duration) (*GuildLedger, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewGuildLedger("111111111111111111", debounce)
	l.now = clock.Now
	return l, clock
}

type testClock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGuildLedger_Showcases(t *testing.T) {
	l, _ := newTestLedger(t, time.Minute)

	l.RecordReaction("m1", "c1")
	l.LinkShowcase("m1", "s1")

	showcaseID, ok := l.LookupShowcase("m1")
	require.True(t, ok)
	assert.Equal(t, "s1", showcaseID)

	originalID, ok := l.LookupOriginal("s1")
	require.True(t, ok)
	assert.Equal(t, "m1", originalID)

	assert.True(t, l.IsShowcase("s1"))
	assert.False(t, l.IsShowcase("m1"))

	channelID, ok := l.Channel("m1")
	require.True(t, ok)
	assert.Equal(t, "c1", channelID)

	_, ok = l.Channel("unknown")
	assert.False(t, ok)
}

func TestGuildLedger_AddExperienceOverwrites(t *testing.T) {
	l, _ := newTestLedger(t, time.Minute)

	l.AddExperience("u1", "m1", 3)
	l.AddExperience("u1", "m1", 4)
	l.AddExperience("u1", "m2", 2)
	l.AddExperience("u2", "m3", 1)

	assert.Equal(t, 6, l.TotalExperience("u1"))
	assert.Equal(t, 1, l.TotalExperience("u2"))
	assert.Equal(t, 0, l.TotalExperience("nobody"))

	l.AddExperience("u1", "m1", 0)
	assert.Equal(t, 2, l.TotalExperience("u1"))
}

func TestGuildLedger_Leaderboard(t *testing.T) {
	l, _ := newTestLedger(t, time.Minute)
	assert.Empty(t, l.Leaderboard())

	l.AddExperience("u3", "m1", 5)
	l.AddExperience("u1", "m2", 2)
	l.AddExperience("u2", "m3", 5)
	l.AddExperience("u1", "m4", 1)

	expected := []LeaderboardEntry{
		{UserID: "u2", Experience: 5},
		{UserID: "u3", Experience: 5},
		{UserID: "u1", Experience: 3},
	}
	assert.Equal(t, expected, l.Leaderboard())
}

func TestGuildLedger_ShouldPersist(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   bool
		advance  time.Duration
		expected bool
		dirty    bool
	}{
		{name: "clean", mutate: false, advance: time.Hour, expected: false, dirty: false},
		{name: "inside debounce", mutate: true, advance: 30 * time.Second, expected: false, dirty: true},
		{name: "at debounce", mutate: true, advance: time.Minute, expected: true, dirty: true},
		{name: "past debounce", mutate: true, advance: time.Hour, expected: true, dirty: true},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				l, clock := newTestLedger(t, time.Minute)
				if tc.mutate {
					l.RecordReaction("m1", "c1")
				}
				clock.Advance(tc.advance)
				assert.Equal(t, tc.expected, l.ShouldPersist())
				assert.Equal(t, tc.dirty, l.Dirty())
			},
		)
	}
}

func TestGuildLedger_MutationResetsDebounce(t *testing.T) {
	l, clock := newTestLedger(t, time.Minute)
	l.RecordReaction("m1", "c1")
	clock.Advance(50 * time.Second)
	l.AddExperience("u1", "m1", 1)
	clock.Advance(50 * time.Second)
	assert.False(t, l.ShouldPersist())
	clock.Advance(10 * time.Second)
	assert.True(t, l.ShouldPersist())

	l.MarkPersisted()
	assert.False(t, l.ShouldPersist())
	assert.False(t, l.Dirty())
}

func TestGuildLedger_MarkPersistedAt(t *testing.T) {
	l, clock := newTestLedger(t, time.Minute)
	l.RecordReaction("m1", "c1")
	clock.Advance(time.Second)

	snap := l.Snapshot()
	clock.Advance(time.Second)
	l.LinkShowcase("m1", "s1")

	assert.False(t, l.markPersistedAt(snap.TakenAt))
	assert.True(t, l.Dirty())

	snap = l.Snapshot()
	assert.True(t, l.markPersistedAt(snap.TakenAt))
	assert.False(t, l.Dirty())
}

func TestGuildLedger_SnapshotRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t, time.Minute)
	l.RecordReaction("m1", "c1")
	l.RecordReaction("s1", "showcase")
	l.LinkShowcase("m1", "s1")
	l.AddExperience("u1", "m1", 4)

	snap := l.Snapshot()
	assert.Equal(t, l.GuildID, snap.GuildID)
	assert.Equal(t, map[string]string{"m1": "s1"}, snap.Showcases)
	assert.Equal(t, map[string]string{"m1": "c1", "s1": "showcase"}, snap.Channels)
	assert.Equal(t, map[string]map[string]int{"u1": {"m1": 4}}, snap.Experience)

	// the snapshot is a deep copy
	snap.Experience["u1"]["m1"] = 100
	assert.Equal(t, 4, l.TotalExperience("u1"))

	restored := newLedgerFromSnapshot(l.Snapshot(), time.Minute)
	assert.False(t, restored.Dirty())
	showcaseID, ok := restored.LookupShowcase("m1")
	require.True(t, ok)
	assert.Equal(t, "s1", showcaseID)
	assert.True(t, restored.IsShowcase("s1"))
	assert.Equal(t, 4, restored.TotalExperience("u1"))
	channelID, ok := restored.Channel("s1")
	require.True(t, ok)
	assert.Equal(t, "showcase", channelID)
}

func TestLedgerStore(t *testing.T) {
	store := NewLedgerStore(time.Minute)
	assert.Equal(t, 0, store.Len())

	l, created := store.GetOrCreate("g1")
	require.True(t, created)
	again, created := store.GetOrCreate("g1")
	require.False(t, created)
	assert.Same(t, l, again)

	other := NewGuildLedger("g1", time.Minute)
	assert.Same(t, l, store.PutIfAbsent(other))

	store.Put(other)
	got, ok := store.Get("g1")
	require.True(t, ok)
	assert.Same(t, other, got)

	store.Put(NewGuildLedger("g2", time.Minute))
	assert.Equal(t, 2, store.Len())

	seen := 0
	store.Range(
		func(*GuildLedger) bool {
			seen++
			return false
		},
	)
	assert.Equal(t, 1, seen)
}

func TestLedgerStore_ConcurrentGetOrCreate(t *testing.T) {
	store := NewLedgerStore(time.Minute)
	wg := &sync.WaitGroup{}
	results := make([]*GuildLedger, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, _ := store.GetOrCreate("g1")
			l.AddExperience(fmt.Sprintf("u%d", i), "m1", 1)
			results[i] = l
		}()
	}
	wg.Wait()

	for _, l := range results {
		assert.Same(t, results[0], l)
	}
	assert.Len(t, results[0].Leaderboard(), 50)
}
