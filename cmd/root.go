package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/starboard/starboard"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = starboard.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "starboard [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// levelKeys are the config keys holding log levels, which are parsed
// into *slog.LevelVar before unmarshaling
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", starboard.DefaultDatabase)
	viper.SetDefault("database_type", starboard.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", starboard.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", starboard.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)

	viper.SetDefault("runtime_config_ttl", starboard.DefaultRuntimeConfigTTL)
	viper.SetDefault("log_level", starboard.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", starboard.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", starboard.DefaultShutdownTimeout)

	// Ledger persistence
	viper.SetDefault("persist.interval", starboard.DefaultPersistInterval)
	viper.SetDefault("persist.debounce", starboard.DefaultPersistDebounce)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.log_level", starboard.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		starboard.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", starboard.DefaultDiscordGatewayIntent)
	viper.SetDefault(
		"discord.reaction_fetch_concurrency",
		starboard.DefaultDiscordReactionFetchConcurrency,
	)
	viper.SetDefault("discord.worker_idle_timeout", starboard.DefaultDiscordWorkerIdleTimeout)

	// API config
	viper.SetDefault("api.listen", starboard.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", starboard.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", starboard.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", starboard.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", starboard.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", starboard.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", starboard.DefaultAPITLSMinVersion)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", starboard.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", starboard.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", starboard.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", starboard.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		starboard.DefaultAPICORSAllowCredentials,
	)

	// Sentry
	fatalErr(viper.BindEnv("sentry.dsn"))
	fatalErr(viper.BindEnv("sentry.environment"))

	envPrefix := os.Getenv(starboard.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = starboard.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
