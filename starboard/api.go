package starboard

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix              = "/debug"
	apiPrefix                = "/api"
	apiAdminPrefix           = "/admin"
	apiHealthCheck           = "/healthz"
	apiPathLeaderboard       = "/guilds/:guild_id/leaderboard"
	apiPathUserExperience    = "/guilds/:guild_id/users/:user_id/experience"
	apiPathShowcaseChannel   = "/guilds/:guild_id/showcase_channel"
	apiPathConfig            = "/config"
	apiPathPersist           = "/persist"
	apiPathQuit              = "/quit"
	paramGuildID             = "guild_id"
	paramUserID              = "user_id"
	defaultLeaderboardLength = 10
	maxLeaderboardLength     = 100
	leaderboardLineFormat    = "`#%d` <@%s> - %d XP"
	adminRealm               = `Basic realm="starboard"`
	quitTimeout              = 30 * time.Second
)

const xRequestIDHeader = "X-Request-ID"

var (
	structValidator = validator.New()

	// adminAuthRate is how quickly failed admin logins are forgiven
	adminAuthRate  = rate.Every(10 * time.Second)
	adminAuthBurst = 5
)

// API serves the leaderboard and admin endpoints over HTTP.
type API struct {
	config             *APIConfig
	development        bool
	httpServer         *http.Server
	listener           net.Listener
	engine             *gin.Engine
	authFailureLimiter *rate.Limiter
	requestMetrics     map[string]int
	requestMetricsMu   sync.Mutex
	logger             *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, middleware and routes.
func newAPI(sb *Starboard, config *APIConfig, development bool) (*API, error) {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:             config,
		development:        development,
		engine:             r,
		requestMetrics:     map[string]int{},
		authFailureLimiter: rate.NewLimiter(adminAuthRate, adminAuthBurst),
		logger: slog.New(
			sb.componentLogHandler(config.LogLevel),
		).With(loggerNameKey, "api"),
	}
	handlers := &APIHandlers{sb: sb, api: api}
	api.handlers = handlers

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		api.loggerMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && development {
		corsConfig.AllowOrigins = []string{"*"}
	}
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	if development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	r.GET(apiHealthCheck, handlers.healthCheck)

	public := r.Group(apiPrefix)
	public.Use(snowflakeParamsMiddleware(paramGuildID, paramUserID))
	public.GET(apiPathLeaderboard, handlers.getLeaderboard)
	public.GET(apiPathUserExperience, handlers.getUserExperience)

	admin := r.Group(apiPrefix + apiAdminPrefix)
	admin.Use(authMiddleware(sb, api), snowflakeParamsMiddleware(paramGuildID))
	admin.GET(apiPathShowcaseChannel, handlers.getShowcaseChannel)
	admin.PUT(apiPathShowcaseChannel, handlers.setShowcaseChannel)
	admin.GET(apiPathConfig, handlers.getConfig)
	admin.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	admin.POST(apiPathPersist, handlers.persist)
	admin.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve listens on the configured address, with TLS if a certificate
// was configured, and serves the API until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers holds the handlers for API routes.
type APIHandlers struct {
	sb  *Starboard
	api *API
}

// healthCheck reports gateway status, ledger counts and host stats.
//
// Responses:
//   - 200 OK
func (h *APIHandlers) healthCheck(c *gin.Context) {
	logger := ginContextLogger(c)
	sb := h.sb

	dirty := 0
	sb.ledgers.Range(
		func(ledger *GuildLedger) bool {
			if ledger.Dirty() {
				dirty++
			}
			return true
		},
	)

	resp := healthCheckResponse{
		DiscordGatewayConnected: sb.discord.connected.Load(),
		Ledgers:                 sb.ledgers.Len(),
		DirtyLedgers:            dirty,
		GuildWorkers:            sb.guildWorkersRunning.Load(),
		StartedAt:               sb.startedAt,
		Version:                 Version,
	}
	if sb.discord.session != nil && resp.DiscordGatewayConnected {
		resp.DiscordHeartbeatLatency = sb.discord.session.HeartbeatLatency().String()
	}

	if cpuCount, err := cpu.Counts(true); err == nil {
		resp.Host.CPUCount = cpuCount
	} else {
		logger.Debug("error getting cpu count", tint.Err(err))
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp.Host.CPUPercent = percents[0]
	} else if err != nil {
		logger.Debug("error getting cpu usage", tint.Err(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Host.MemoryUsedPercent = vm.UsedPercent
	} else {
		logger.Debug("error getting memory usage", tint.Err(err))
	}

	c.JSON(http.StatusOK, resp)
}

// getLeaderboard returns a page of the guild's leaderboard.
//
// Responses:
//   - 200 OK
//   - 400 Bad Request: invalid paging parameters
func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	var query leaderboardQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Page == 0 {
		query.Page = 1
	}
	if query.PerPage == 0 {
		query.PerPage = defaultLeaderboardLength
	}

	guildID := c.Param(paramGuildID)
	entries := h.sb.GetSortedLeaderboard(guildID)
	pages := chunkItems(query.PerPage, entries...)

	resp := leaderboardResponse{
		GuildID:    guildID,
		Page:       query.Page,
		PerPage:    query.PerPage,
		TotalPages: len(pages),
		Total:      len(entries),
		Entries:    []leaderboardLine{},
	}
	if query.Page <= len(pages) {
		offset := (query.Page - 1) * query.PerPage
		for i, entry := range pages[query.Page-1] {
			rank := offset + i + 1
			resp.Entries = append(
				resp.Entries,
				leaderboardLine{
					Rank:       rank,
					UserID:     entry.UserID,
					Experience: entry.Experience,
					Line:       formatLeaderboardLine(rank, entry),
				},
			)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func formatLeaderboardLine(rank int, entry LeaderboardEntry) string {
	return fmt.Sprintf(leaderboardLineFormat, rank, entry.UserID, entry.Experience)
}

// getUserExperience returns the user's total experience in the guild.
//
// Responses:
//   - 200 OK
func (h *APIHandlers) getUserExperience(c *gin.Context) {
	guildID := c.Param(paramGuildID)
	userID := c.Param(paramUserID)
	c.JSON(
		http.StatusOK,
		userExperienceResponse{
			GuildID:    guildID,
			UserID:     userID,
			Experience: h.sb.TotalExperience(guildID, userID),
		},
	)
}

// getShowcaseChannel returns the guild's showcase channel.
//
// Responses:
//   - 200 OK
//   - 404 Not Found: no showcase channel is set
func (h *APIHandlers) getShowcaseChannel(c *gin.Context) {
	guildID := c.Param(paramGuildID)
	channelID, ok := h.sb.ShowcaseChannel(guildID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "showcase channel not set"})
		return
	}
	c.JSON(http.StatusOK, showcaseChannelPayload{GuildID: guildID, ChannelID: channelID})
}

// setShowcaseChannel sets the guild's showcase channel.
//
// Responses:
//   - 200 OK
//   - 400 Bad Request: missing or invalid channel ID
//   - 500 Internal Server Error: the channel couldn't be saved
func (h *APIHandlers) setShowcaseChannel(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload showcaseChannelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if !validSnowflake(payload.ChannelID) {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid channel_id"})
		return
	}
	payload.GuildID = c.Param(paramGuildID)

	if err := h.sb.SetShowcaseChannel(c.Request.Context(), payload.GuildID, payload.ChannelID); err != nil {
		logger.Error("error setting showcase channel", tint.Err(err))
		ginReplyError(c, "error setting showcase channel")
		return
	}
	c.JSON(http.StatusOK, payload)
}

// getConfig returns the current runtime config.
func (h *APIHandlers) getConfig(c *gin.Context) {
	cfg := h.sb.RuntimeConfig()
	cfg.AdminPassword = ""
	c.JSON(http.StatusOK, cfg)
}

// updateRuntimeConfig applies a partial update to the runtime config.
//
// Responses:
//   - 200 OK: returns the updated config
//   - 400 Bad Request: invalid payload
//   - 500 Internal Server Error: the update couldn't be saved
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	logger.Info("applying updates", "updates", update.columns())

	cfg, err := h.sb.UpdateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		if errors.Is(err, ErrInvalidConfigUpdate) {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error updating config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}
	cfg.AdminPassword = ""
	c.JSON(http.StatusOK, cfg)
}

// persist saves every ledger with unsaved changes.
//
// Responses:
//   - 200 OK: returns the number of ledgers saved
//   - 500 Internal Server Error: one or more ledgers failed to save
func (h *APIHandlers) persist(c *gin.Context) {
	logger := ginContextLogger(c)
	saved, err := h.sb.flushLedgers(c.Request.Context())
	if err != nil {
		logger.Error("error persisting ledgers", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			persistResponse{Saved: saved, Error: err.Error()},
		)
		return
	}
	c.JSON(http.StatusOK, persistResponse{Saved: saved})
}

// botQuit sends a stop signal to the bot (and, with PostgreSQL, to every
// other instance).
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(c.Request.Context(), quitTimeout)
	defer cancel()

	if h.sb.dbNotifier == nil || !h.sb.dbNotifier.Stop(ctx) {
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
		return
	}
	ginReplyMessage(c, "quitting")
}

type leaderboardQuery struct {
	Page    int `form:"page" binding:"omitempty,min=1"`
	PerPage int `form:"per_page" binding:"omitempty,min=1,max=100"`
}

type leaderboardLine struct {
	Rank       int    `json:"rank"`
	UserID     string `json:"user_id"`
	Experience int    `json:"experience"`
	Line       string `json:"line"`
}

type leaderboardResponse struct {
	GuildID    string            `json:"guild_id"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
	TotalPages int               `json:"total_pages"`
	Total      int               `json:"total"`
	Entries    []leaderboardLine `json:"entries"`
}

type userExperienceResponse struct {
	GuildID    string `json:"guild_id"`
	UserID     string `json:"user_id"`
	Experience int    `json:"experience"`
}

type showcaseChannelPayload struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id" binding:"required"`
}

type persistResponse struct {
	Saved int    `json:"saved"`
	Error string `json:"error,omitempty"`
}

type hostStats struct {
	CPUCount          int     `json:"cpu_count"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	DiscordHeartbeatLatency string    `json:"discord_heartbeat_latency,omitempty"`
	Ledgers                 int       `json:"ledgers"`
	DirtyLedgers            int       `json:"dirty_ledgers"`
	GuildWorkers            int64     `json:"guild_workers"`
	StartedAt               time.Time `json:"started_at"`
	Version                 string    `json:"version"`
	Host                    hostStats `json:"host"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware checks HTTP basic auth credentials against the admin
// credentials in the runtime config. Failed attempts draw from a rate
// limiter, and once it's exhausted requests get 429 until it refills.
func authMiddleware(sb *Starboard, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if api.authFailureLimiter.Tokens() < 1 {
			logger.Warn("admin auth rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}

		unauthorized := func(reason string) {
			api.authFailureLimiter.Allow()
			logger.Warn("unauthorized", "reason", reason)
			c.Header("WWW-Authenticate", adminRealm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		}

		cfg := sb.RuntimeConfig()
		if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
			unauthorized("admin credentials not set")
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok {
			unauthorized("missing credentials")
			return
		}
		if subtle.ConstantTimeCompare([]byte(username), []byte(cfg.AdminUsername)) != 1 {
			unauthorized("invalid username")
			return
		}
		valid, err := VerifyPassword(cfg.AdminPassword, password)
		if err != nil {
			logger.Error("error verifying password", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		if !valid {
			unauthorized("invalid password")
			return
		}
		c.Next()
	}
}

// snowflakeParamsMiddleware rejects requests where any of the given path
// parameters is present but isn't a valid snowflake ID.
func snowflakeParamsMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			v := c.Param(p)
			if v == "" {
				continue
			}
			if !validSnowflake(v) {
				c.AbortWithStatusJSON(
					http.StatusBadRequest,
					httpError{Error: fmt.Sprintf("invalid %s", p)},
				)
				return
			}
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request,
// and sets it on the response's X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// loggerMiddleware sets a request-scoped logger, derived from the API
// logger, on the gin context.
func (a *API) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := a.logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), requestLogger))
		c.Next()
	}
}

// ginContextLogger returns the request-scoped logger from the gin
// context, or the default logger if there isn't one.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware logs each request once it finishes.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and route.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, route)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

// RequestMetrics returns a copy of the request counts by method and route.
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

// ginReplyMessage sends a JSON response with a message, with HTTP
// status code 200.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message, with HTTP status
// code 500.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validatePersistConfig, PersistConfig{})
}
