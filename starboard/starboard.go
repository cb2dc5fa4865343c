package starboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/getsentry/sentry-go"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/starboard/starboard.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

const (
	shutdownAnnouncementInterval = 10 * time.Second
	settingsRefreshTimeout       = 30 * time.Second
)

// Starboard reposts highly-reacted messages to each guild's showcase
// channel, and tracks the experience authors earn from reactions.
type Starboard struct {
	config        *Config
	logger        *slog.Logger
	sentryEnabled bool

	// db is the gorm connection used for reads
	db *gorm.DB

	// writeDB wraps db for writes, serialized when using SQLite
	writeDB DBI

	store      snapshotStore
	dbNotifier DBNotifier
	discord    *Discord
	api        *API

	// ledgers holds the in-memory state of every known guild
	ledgers *LedgerStore

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// showcaseChannels maps guild IDs to the channel showcase messages
	// are posted in
	showcaseChannels  map[string]string
	showcaseChannelMu sync.RWMutex

	guildWorkers        map[string]*guildWorker
	guildWorkerMu       sync.Mutex
	guildWorkersRunning atomic.Int64

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// signalStop enables an explicit stop signal to be sent to the bot,
	// which triggers a graceful shutdown
	signalStop chan struct{}

	// eventShutdown receives a value once shutdown has completed
	eventShutdown chan struct{}

	triggerSettingsRefreshCh chan bool

	startedAt time.Time
	runMu     sync.Mutex
}

// New creates a Starboard from the given configuration. Run must be
// called to connect to the database and Discord.
func New(config *Config) (*Starboard, error) {
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	sb := &Starboard{
		config:                   config,
		ledgers:                  NewLedgerStore(config.Persist.Debounce),
		showcaseChannels:         map[string]string{},
		guildWorkers:             map[string]*guildWorker{},
		signalReady:              make(chan struct{}, 1),
		eventShutdown:            make(chan struct{}, 1),
		triggerSettingsRefreshCh: make(chan bool, 1),
	}

	sentryEnabled, err := initSentry(config.Sentry)
	if err != nil {
		errs = append(errs, err)
	}
	sb.sentryEnabled = sentryEnabled

	sb.logger = slog.New(sb.componentLogHandler(config.LogLevel))
	slog.SetDefault(sb.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).
			WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	config.Discord.httpClient = config.HTTPClient
	disc := newDiscord(config.Discord)
	disc.logger = slog.New(
		sb.componentLogHandler(config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.sb = sb
	sb.discord = disc

	api, err := newAPI(sb, config.API, config.Development)
	if err != nil {
		errs = append(errs, err)
	}
	sb.api = api

	return sb, errors.Join(errs...)
}

// componentLogHandler returns a log handler at the given level, which
// also forwards warnings and errors to Sentry when it's configured.
func (sb *Starboard) componentLogHandler(level slog.Leveler) slog.Handler {
	handler := newLogHandler(defaultLogWriter, level)
	if sb.sentryEnabled {
		return withSentry(handler)
	}
	return handler
}

func (sb *Starboard) discordLogger() *slog.Logger {
	if sb.discord != nil && sb.discord.logger != nil {
		return sb.discord.logger
	}
	return sb.logger
}

func (sb *Starboard) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = sb.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration
func (sb *Starboard) RuntimeConfig() RuntimeConfig {
	sb.cfgMu.RLock()
	defer sb.cfgMu.RUnlock()
	if sb.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *sb.runtimeConfig
}

// ShowcaseChannel returns the showcase channel ID set for the guild.
func (sb *Starboard) ShowcaseChannel(guildID string) (string, bool) {
	sb.showcaseChannelMu.RLock()
	defer sb.showcaseChannelMu.RUnlock()
	channelID, ok := sb.showcaseChannels[guildID]
	return channelID, ok && channelID != ""
}

// SetShowcaseChannel sets the channel showcase messages are posted in
// for the guild, and saves it immediately.
func (sb *Starboard) SetShowcaseChannel(ctx context.Context, guildID, channelID string) error {
	if !validSnowflake(guildID) {
		return fmt.Errorf("invalid guild ID: %q", guildID)
	}
	if !validSnowflake(channelID) {
		return fmt.Errorf("invalid channel ID: %q", channelID)
	}
	if err := sb.store.SetShowcaseChannel(ctx, guildID, channelID); err != nil {
		return fmt.Errorf("error saving showcase channel: %w", err)
	}

	sb.showcaseChannelMu.Lock()
	sb.showcaseChannels[guildID] = channelID
	sb.showcaseChannelMu.Unlock()

	sb.logger.InfoContext(
		ctx,
		"set showcase channel",
		"guild_id", guildID,
		"channel_id", channelID,
	)
	if sb.dbNotifier != nil && !sb.dbNotifier.ReloadSettings(ctx) {
		sb.logger.WarnContext(ctx, "error sending settings reload notification")
	}
	return nil
}

// GetSortedLeaderboard returns every user's total experience in the
// guild, highest first.
func (sb *Starboard) GetSortedLeaderboard(guildID string) []LeaderboardEntry {
	ledger, ok := sb.ledgers.Get(guildID)
	if !ok {
		return []LeaderboardEntry{}
	}
	return ledger.Leaderboard()
}

// TotalExperience returns the user's total experience in the guild.
func (sb *Starboard) TotalExperience(guildID, userID string) int {
	ledger, ok := sb.ledgers.Get(guildID)
	if !ok {
		return 0
	}
	return ledger.TotalExperience(userID)
}

func (sb *Starboard) ValidateConfig() error {
	return structValidator.Struct(sb.config)
}

// Run connects to the database and Discord, and handles reaction events
// until the context is canceled or a stop signal is received, at which
// point it shuts down gracefully.
func (sb *Starboard) Run(ctx context.Context) error {
	// prevents concurrent runs
	sb.runMu.Lock()
	defer sb.runMu.Unlock()

	sb.signalStop = make(chan struct{}, 1)
	sb.startedAt = time.Now()
	logger := sb.logger

	if err := sb.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(sb)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	sb.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", sb.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-sb.signalStop:
			sb.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			sb.logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, sb.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- sb.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := sb.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			sb.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if err = sb.initDiscordSession(ctx); err != nil {
		sb.logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		_ = sb.shutdown(ctx, runtimeWG)
		return err
	}

	sb.logger.InfoContext(ctx, "connecting to discord")
	if err = sb.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		cancel()
		_ = sb.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		sb.runPersistSweeper(ctx)
	}()

	sb.startSettingsRefresher(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := sb.dbNotifier.Listen(ctx, sb.dbNotifier.SettingsChannelName()); e != nil {
			sb.logger.ErrorContext(ctx, "error listening to settings channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := sb.dbNotifier.Listen(ctx, sb.dbNotifier.StopChannelName()); e != nil {
			sb.logger.ErrorContext(ctx, "error listening to stop channel", tint.Err(e))
		}
	}()

	select {
	case sb.signalReady <- struct{}{}:
		sb.logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the quit endpoint
	<-ctx.Done()

	return sb.shutdown(ctx, runtimeWG)
}

// initRun opens the database, then loads the runtime config, showcase
// channels and guild ledgers.
func (sb *Starboard) initRun(ctx context.Context) error {
	sb.logger.Debug("initializing DB...")
	if err := sb.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	sb.logger.Debug("finished initializing DB")

	cfg, err := sb.loadRuntimeConfig(ctx)
	if err != nil {
		return err
	}
	sb.cfgMu.Lock()
	sb.runtimeConfig = &cfg
	sb.setRuntimeLevels(cfg)
	sb.cfgMu.Unlock()

	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		sb.logger.WarnContext(
			ctx,
			"admin credentials not set, admin API disabled (run the 'init' command to set them)",
		)
	}

	if err = sb.loadShowcaseChannels(ctx); err != nil {
		return err
	}
	if err = sb.loadLedgers(ctx); err != nil {
		return err
	}
	return nil
}

// initDB connects to the database, configures SQLite if needed, and
// migrates the schema.
func (sb *Starboard) initDB(ctx context.Context) error {
	gormLogger := newGORMLogger(
		newLogHandler(defaultLogWriter, sb.config.DatabaseLogLevel),
		sb.config.DatabaseSlowThreshold,
	)
	db, err := getDB(sb.config.DatabaseType, sb.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	sb.db = db

	if sb.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	sb.logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		return err
	}

	sb.writeDB = NewDatabase(
		db,
		sb.logger,
		sb.config.DatabaseType == dbTypePostgres,
	)
	sb.store = newSnapshotStore(sb.writeDB)
	return nil
}

// loadRuntimeConfig returns the stored runtime config, creating it with
// default settings if it doesn't exist yet.
func (sb *Starboard) loadRuntimeConfig(ctx context.Context) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := sb.db.WithContext(ctx).Last(&cfg).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = DefaultRuntimeConfig()
		if _, err = sb.writeDB.Create(ctx, &cfg); err != nil {
			return cfg, fmt.Errorf("error creating config: %w", err)
		}
	case err != nil:
		return cfg, fmt.Errorf("error getting config: %w", err)
	}
	if err = structValidator.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid runtime config: %w", err)
	}
	return cfg, nil
}

func (sb *Starboard) loadShowcaseChannels(ctx context.Context) error {
	channels, err := sb.store.ShowcaseChannels(ctx)
	if err != nil {
		return fmt.Errorf("error loading showcase channels: %w", err)
	}
	sb.showcaseChannelMu.Lock()
	sb.showcaseChannels = channels
	sb.showcaseChannelMu.Unlock()
	return nil
}

// initDiscordSession creates the discord session (if one hasn't been
// set already) and registers gateway event handlers.
func (sb *Starboard) initDiscordSession(ctx context.Context) error {
	if sb.discord.session == nil {
		session, err := sb.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		sb.discord.session = session
	}

	for _, h := range sb.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	sb.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  sb.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(sb.RuntimeConfig()),
		},
	)

	d := sb.discord
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady(ctx)),
		d.session.AddHandler(d.handlerReactionAdd(ctx)),
		d.session.AddHandler(d.handlerReactionRemove(ctx)),
	}
	return nil
}

// startSettingsRefresher periodically reloads the runtime config and
// showcase channels, and reloads them on demand when a value is sent
// on triggerSettingsRefreshCh.
func (sb *Starboard) startSettingsRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	if ttl := sb.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case sb.triggerSettingsRefreshCh <- false:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				sb.logger.Info("context canceled, stopping settings refresher")
				return
			case force := <-sb.triggerSettingsRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, settingsRefreshTimeout)
				if err := sb.refreshSettings(refreshCtx); err != nil {
					sb.logger.Error("error refreshing settings", tint.Err(err), "forced", force)
				}
				refreshCancel()
			}
		}
	}()
}

// refreshSettings reloads the runtime config and showcase channels from
// the database.
func (sb *Starboard) refreshSettings(ctx context.Context) error {
	var cfg RuntimeConfig
	if err := sb.db.WithContext(ctx).Last(&cfg).Error; err != nil {
		return fmt.Errorf("error getting runtime config: %w", err)
	}

	sb.cfgMu.Lock()
	previous := sb.runtimeConfigUnsafe()
	sb.runtimeConfig = &cfg
	sb.setRuntimeLevels(cfg)
	sb.cfgMu.Unlock()

	if previous.DiscordCustomStatus != cfg.DiscordCustomStatus {
		sb.updateDiscordStatus(cfg)
	}

	if err := sb.loadShowcaseChannels(ctx); err != nil {
		return err
	}
	sb.logger.Debug("refreshed settings")
	return nil
}

// runtimeConfigUnsafe returns a copy of the current runtime config
// without locking. cfgMu must be held.
func (sb *Starboard) runtimeConfigUnsafe() RuntimeConfig {
	if sb.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *sb.runtimeConfig
}

// UpdateRuntimeConfig applies a partial update to the runtime config,
// saves it, and notifies other instances.
func (sb *Starboard) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return RuntimeConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfigUpdate, err)
	}
	updates := update.columns()

	sb.cfgMu.Lock()
	previous := sb.runtimeConfigUnsafe()
	updated := previous
	if len(updates) > 0 {
		if _, err := sb.writeDB.Updates(ctx, &updated, updates); err != nil {
			sb.cfgMu.Unlock()
			return previous, fmt.Errorf("error updating config: %w", err)
		}
		if err := sb.db.WithContext(ctx).First(&updated, previous.ID).Error; err != nil {
			sb.cfgMu.Unlock()
			return previous, fmt.Errorf("error reloading config: %w", err)
		}
	}
	sb.runtimeConfig = &updated
	sb.setRuntimeLevels(updated)
	sb.cfgMu.Unlock()

	if previous.DiscordCustomStatus != updated.DiscordCustomStatus {
		sb.updateDiscordStatus(updated)
	}
	if sb.dbNotifier != nil && !sb.dbNotifier.ReloadSettings(ctx) {
		sb.logger.WarnContext(ctx, "error sending settings reload notification")
	}
	return updated, nil
}

func (sb *Starboard) updateDiscordStatus(cfg RuntimeConfig) {
	if sb.discord.session == nil || !sb.discord.connected.Load() {
		return
	}
	if err := sb.discord.updateCustomStatus(cfg.DiscordCustomStatus); err != nil {
		sb.logger.Error("error updating discord status", tint.Err(err))
	}
}

// setRuntimeLevels sets component log levels from the runtime config.
func (sb *Starboard) setRuntimeLevels(state RuntimeConfig) {
	sb.config.LogLevel.Set(state.LogLevel.Level())
	sb.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	sb.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	sb.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	sb.config.API.LogLevel.Set(state.APILogLevel.Level())
}

// Stop signals a running bot to shut down.
func (sb *Starboard) Stop(ctx context.Context) bool {
	select {
	case sb.signalStop <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// shutdown stops handling reactions, flushes dirty ledgers, and closes
// the discord session and HTTP server, waiting at most ShutdownTimeout.
func (sb *Starboard) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	sb.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case sb.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(sb.config.ShutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	sb.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", sb.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		d := sb.discord
		if len(d.discordgoRemoveHandlerFuncs) > 0 {
			sb.logger.InfoContext(
				ctx,
				fmt.Sprintf("removing %d discord handlers", len(d.discordgoRemoveHandlerFuncs)),
			)
			for _, h := range d.discordgoRemoveHandlerFuncs {
				h()
			}
			d.discordgoRemoveHandlerFuncs = nil
		}

		sb.stopGuildWorkers(closeCtx)

		// Serve is tracked by runtimeWG, so the server has to be
		// stopped before waiting on it
		if sb.api != nil && sb.api.httpServer != nil {
			sb.logger.InfoContext(ctx, "stopping http server")
			if err := sb.api.httpServer.Shutdown(closeCtx); err != nil {
				sb.logger.ErrorContext(ctx, "error stopping http server", tint.Err(err))
			}
			sb.logger.InfoContext(ctx, "http server stopped")
		}
		runtimeWG.Wait()

		if sb.store != nil {
			saved, err := sb.flushLedgers(closeCtx)
			if err != nil {
				sb.logger.ErrorContext(ctx, "error flushing ledgers", tint.Err(err))
			}
			sb.logger.InfoContext(ctx, "flushed ledgers", "count", saved)
		}

		if d.session != nil {
			sb.logger.InfoContext(ctx, "closing discord session")
			if err := d.session.Close(); err != nil {
				sb.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			}
			sb.logger.InfoContext(ctx, "discord session closed")
		}
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			if sb.sentryEnabled {
				sentry.Flush(sentryFlushTimeout)
			}
			shutdownEnded := time.Now()
			sb.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			sb.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline).String()),
			)
		case <-closeCtx.Done():
			sb.logger.Warn("did not stop in time, forcing close")
			if sb.api != nil && sb.api.httpServer != nil {
				go func() {
					_ = sb.api.httpServer.Close()
				}()
			}
			return errors.New("did not stop in time")
		}
	}
}
