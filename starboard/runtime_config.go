package starboard

import (
	"errors"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

const (
	DefaultReactionThreshold = 3
	DefaultAutoReact         = true

	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
)

// RuntimeConfig holds settings that can be changed while the bot is
// running, and which persist across restarts. A single row is kept in
// the `config` table.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// ReactionThreshold is the minimum number of distinct reactors an emoji
	// needs to appear on a showcase message
	ReactionThreshold int `json:"reaction_threshold" gorm:"not null;default:3;check:reaction_threshold > 0" binding:"min=1,max=100"`

	// AutoReact enables the bot copying qualifying reactions from the
	// original message onto its showcase message
	AutoReact bool `json:"auto_react" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ReactionThreshold:   DefaultReactionThreshold,
		AutoReact:           DefaultAutoReact,
		DiscordCustomStatus: DefaultDiscordCustomStatus,
		LogLevel:            DBLogLevelInfo,
		DiscordLogLevel:     DBLogLevel(DefaultDiscordLogLevel.String()),
		DiscordGoLogLevel:   DBLogLevel(DefaultDiscordgoLogLevel.String()),
		DatabaseLogLevel:    DBLogLevelInfo,
		APILogLevel:         DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial update to RuntimeConfig. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	ReactionThreshold   *int    `json:"reaction_threshold,omitempty" binding:"omitnil,min=1,max=100"`
	AutoReact           *bool   `json:"auto_react,omitempty"`
	DiscordCustomStatus *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

var ErrInvalidConfigUpdate = errors.New("invalid config update")

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// columns returns the update as a map of column names to new values,
// leaving out unset fields.
func (b RuntimeConfigUpdate) columns() map[string]any {
	updates := map[string]any{}
	if b.ReactionThreshold != nil {
		updates["reaction_threshold"] = *b.ReactionThreshold
	}
	if b.AutoReact != nil {
		updates["auto_react"] = *b.AutoReact
	}
	if b.DiscordCustomStatus != nil {
		updates["discord_custom_status"] = *b.DiscordCustomStatus
	}
	levels := map[string]*DBLogLevel{
		"log_level":           b.LogLevel,
		"discord_log_level":   b.DiscordLogLevel,
		"discordgo_log_level": b.DiscordGoLogLevel,
		"database_log_level":  b.DatabaseLogLevel,
		"api_log_level":       b.APILogLevel,
	}
	for column, level := range levels {
		if level != nil {
			updates[column] = *level
		}
	}
	return updates
}

// getDiscordPresenceStatusUpdate returns the presence to identify with,
// showing the configured custom status if there is one.
func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	status := discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)}
	if config.DiscordCustomStatus != "" {
		status.Game = discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: config.DiscordCustomStatus,
		}
	}
	return status
}
