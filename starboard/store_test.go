package starboard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshotStore(t testing.TB) *gormSnapshotStore {
	t.Helper()
	ctx := context.Background()
	db, err := CreateDB(ctx, dbTypeSQLite, filepath.Join(t.TempDir(), "store.sqlite3"))
	require.NoError(t, err)
	require.NoError(t, configureSQLite(ctx, db))
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return newSnapshotStore(NewDatabase(db, nil, false))
}

func TestSnapshotStore_SaveAndLoad(t *testing.T) {
	store := newTestSnapshotStore(t)
	ctx := context.Background()

	ledger := NewGuildLedger(testGuildID, time.Minute)
	ledger.RecordReaction("m1", testChannelID)
	ledger.RecordReaction("m2", testChannelID)
	ledger.LinkShowcase("m1", "s1")
	ledger.AddExperience(testAuthorID, "m1", 3)
	ledger.AddExperience(testAuthorID, "m2", 1)
	ledger.AddExperience("u2", "m3", 2)

	snap := ledger.Snapshot()
	require.NoError(t, store.SaveLedger(ctx, snap))

	loaded, err := store.LoadLedger(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, snap.GuildID, loaded.GuildID)
	assert.Equal(t, snap.Showcases, loaded.Showcases)
	assert.Equal(t, snap.Channels, loaded.Channels)
	assert.Equal(t, snap.Experience, loaded.Experience)

	restored := newLedgerFromSnapshot(loaded, time.Minute)
	assert.Equal(t, ledger.Leaderboard(), restored.Leaderboard())
}

func TestSnapshotStore_SaveReplaces(t *testing.T) {
	store := newTestSnapshotStore(t)
	ctx := context.Background()

	ledger := NewGuildLedger(testGuildID, time.Minute)
	ledger.LinkShowcase("m1", "s1")
	ledger.AddExperience(testAuthorID, "m1", 3)
	require.NoError(t, store.SaveLedger(ctx, ledger.Snapshot()))

	ledger.LinkShowcase("m1", "s2")
	ledger.AddExperience(testAuthorID, "m1", 5)
	require.NoError(t, store.SaveLedger(ctx, ledger.Snapshot()))

	loaded, err := store.LoadLedger(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m1": "s2"}, loaded.Showcases)
	assert.Equal(t, map[string]map[string]int{testAuthorID: {"m1": 5}}, loaded.Experience)
}

func TestSnapshotStore_GuildsAreIsolated(t *testing.T) {
	store := newTestSnapshotStore(t)
	ctx := context.Background()

	first := NewGuildLedger(testGuildID, time.Minute)
	first.AddExperience(testAuthorID, "m1", 3)
	second := NewGuildLedger(testOtherGuildID, time.Minute)
	second.RecordReaction("m9", testOtherChannelID)

	require.NoError(t, store.SaveLedger(ctx, first.Snapshot()))
	require.NoError(t, store.SaveLedger(ctx, second.Snapshot()))

	// saving an empty ledger clears only its own guild
	require.NoError(t, store.SaveLedger(ctx, NewGuildLedger(testOtherGuildID, time.Minute).Snapshot()))

	ids, err := store.LedgerGuildIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{testGuildID}, ids)

	loaded, err := store.LoadLedger(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Experience[testAuthorID]["m1"])
}

func TestSnapshotStore_LoadUnknownGuild(t *testing.T) {
	store := newTestSnapshotStore(t)
	loaded, err := store.LoadLedger(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, "unknown", loaded.GuildID)
	assert.Empty(t, loaded.Showcases)
	assert.Empty(t, loaded.Channels)
	assert.Empty(t, loaded.Experience)
}

func TestSnapshotStore_ShowcaseChannels(t *testing.T) {
	store := newTestSnapshotStore(t)
	ctx := context.Background()

	channels, err := store.ShowcaseChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)

	require.NoError(t, store.SetShowcaseChannel(ctx, testGuildID, testChannelID))
	require.NoError(t, store.SetShowcaseChannel(ctx, testGuildID, testShowcaseChannelID))
	require.NoError(t, store.SetShowcaseChannel(ctx, testOtherGuildID, testOtherChannelID))

	channels, err = store.ShowcaseChannels(ctx)
	require.NoError(t, err)
	assert.Equal(
		t,
		map[string]string{
			testGuildID:      testShowcaseChannelID,
			testOtherGuildID: testOtherChannelID,
		},
		channels,
	)
}
