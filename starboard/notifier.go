package starboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	postgresNotifyChannelReloadSettings = "starboard_reload_settings"
	postgresNotifyChannelStop           = "starboard_stop"
	notifierRetryInterval               = 5 * time.Second
)

// DBNotifier notifies other bot instances sharing the same database that
// settings changed, or that they should shut down.
type DBNotifier interface {
	SettingsChannelName() string

	// ReloadSettings tells bot instances to reload their runtime
	// configuration and showcase channels from the database
	ReloadSettings(context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. Instances use it to
	// filter out their own notifications.
	ID() string

	// Listen blocks, forwarding notifications received on the given
	// channel until the context is cancelled
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(sb *Starboard) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := sb.logger.With(loggerNameKey, "db_notifier")
	var notifier DBNotifier
	switch sb.config.DatabaseType {
	case dbTypeSQLite:
		notifier = &sqliteNotifier{
			logger:   log,
			sb:       sb,
			notifyID: notifyID,
		}
	case dbTypePostgres:
		notifier = &postgresNotifier{
			sb:         sb,
			logger:     log,
			pgNotifyID: notifyID,
		}
	default:
		return nil, errors.New("invalid database type")
	}
	return notifier, nil
}

// sqliteNotifier only signals the local instance, since a SQLite
// database isn't shared.
type sqliteNotifier struct {
	logger   *slog.Logger
	sb       *Starboard
	notifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (sqliteNotifier) SettingsChannelName() string {
	return ""
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.sb.signalStop <- struct{}{}:
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ReloadSettings(ctx context.Context) bool {
	s.logger.Info("got settings reload notification")
	select {
	case s.sb.triggerSettingsRefreshCh <- true:
	case <-ctx.Done():
		s.logger.Warn("timeout sending settings refresh signal")
		return false
	}
	return true
}

type postgresNotifier struct {
	sb         *Starboard
	logger     *slog.Logger
	pgNotifyID string
}

func (postgresNotifier) SettingsChannelName() string {
	return postgresNotifyChannelReloadSettings
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) error {
	return p.sb.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		p.ID(),
	).Error
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	if err := p.notify(ctx, p.StopChannelName()); err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY to stop bot", tint.Err(err))
		return false
	}
	p.logger.Info("sent stop signal", "pg_notify_id", p.ID())

	// our own notifications are filtered out by Listen
	select {
	case p.sb.signalStop <- struct{}{}:
	case <-ctx.Done():
		p.logger.Warn("timeout sending local stop signal")
		return false
	}
	return true
}

func (p *postgresNotifier) ReloadSettings(ctx context.Context) bool {
	if err := p.notify(ctx, p.SettingsChannelName()); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY to reload settings",
			tint.Err(err),
		)
		return false
	}
	p.logger.Info("sent settings refresh notification", "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.sb.config.Database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryInterval):
			}
			continue
		}
		if notification.Payload == p.ID() {
			logger.Debug("received notification from self, ignoring")
			continue
		}

		switch notification.Channel {
		case p.SettingsChannelName():
			logger.InfoContext(ctx, "received notification to reload settings")
			select {
			case p.sb.triggerSettingsRefreshCh <- true:
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending settings refresh signal")
			}
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.sb.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("received unknown notification", "notify_channel", notification.Channel)
		}
	}

	return nil
}
