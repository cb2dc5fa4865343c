package starboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDBNotifier(t *testing.T) {
	sb, _ := newTestStarboard(t)

	n, err := newDBNotifier(sb)
	require.NoError(t, err)
	require.IsType(t, &sqliteNotifier{}, n)
	assert.Len(t, n.ID(), 16)
	assert.Empty(t, n.StopChannelName())
	assert.Empty(t, n.SettingsChannelName())
	assert.NoError(t, n.Listen(context.Background(), "anything"))

	other, err := newDBNotifier(sb)
	require.NoError(t, err)
	assert.NotEqual(t, n.ID(), other.ID())

	sb.config.DatabaseType = dbTypePostgres
	pg, err := newDBNotifier(sb)
	require.NoError(t, err)
	require.IsType(t, &postgresNotifier{}, pg)
	assert.Equal(t, postgresNotifyChannelStop, pg.StopChannelName())
	assert.Equal(t, postgresNotifyChannelReloadSettings, pg.SettingsChannelName())

	sb.config.DatabaseType = "mysql"
	_, err = newDBNotifier(sb)
	assert.Error(t, err)
}

func TestSQLiteNotifier_ReloadSettings(t *testing.T) {
	sb, _ := newTestStarboard(t)
	n, err := newDBNotifier(sb)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, n.ReloadSettings(ctx))
	assert.True(t, <-sb.triggerSettingsRefreshCh)

	// the refresh channel is buffered by one, so a second pending
	// reload waits on the context
	assert.True(t, n.ReloadSettings(ctx))
	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.False(t, n.ReloadSettings(timeoutCtx))
}

func TestSQLiteNotifier_Stop(t *testing.T) {
	sb, _ := newTestStarboard(t)
	sb.signalStop = make(chan struct{}, 1)
	n, err := newDBNotifier(sb)
	require.NoError(t, err)

	assert.True(t, n.Stop(context.Background()))
	select {
	case <-sb.signalStop:
	default:
		t.Fatal("expected stop signal")
	}

	sb.signalStop <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, n.Stop(ctx))
}
