package starboard

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnGuildID   = "guild_id"
	columnChannelID = "channel_id"

	// saveBatchSize bounds the rows per INSERT when saving a ledger
	saveBatchSize = 500
)

// ShowcaseChannel is the channel a guild's showcase messages are posted to.
type ShowcaseChannel struct {
	GuildID   string `gorm:"primaryKey" json:"guild_id"`
	ChannelID string `gorm:"not null" json:"channel_id"`
	ModelUnixTime
}

func (ShowcaseChannel) TableName() string {
	return "showcase_channels"
}

// ShowcaseLink is a persisted entry of a ledger's original/showcase
// message map.
type ShowcaseLink struct {
	ModelUintID
	GuildID           string `gorm:"index;not null" json:"guild_id"`
	OriginalMessageID string `gorm:"not null" json:"original_message_id"`
	ShowcaseMessageID string `gorm:"not null" json:"showcase_message_id"`
}

func (ShowcaseLink) TableName() string {
	return "showcase_links"
}

// MessageChannel records the channel a reacted-to message was posted in.
type MessageChannel struct {
	ModelUintID
	GuildID   string `gorm:"index;not null" json:"guild_id"`
	MessageID string `gorm:"not null" json:"message_id"`
	ChannelID string `gorm:"not null" json:"channel_id"`
}

func (MessageChannel) TableName() string {
	return "message_channels"
}

// ExperienceEntry is the experience a user earned from a single message.
type ExperienceEntry struct {
	ModelUintID
	GuildID   string `gorm:"index;not null" json:"guild_id"`
	UserID    string `gorm:"not null" json:"user_id"`
	MessageID string `gorm:"not null" json:"message_id"`
	Amount    int    `gorm:"not null" json:"amount"`
}

func (ExperienceEntry) TableName() string {
	return "experience_entries"
}

// snapshotStore reads and writes ledger snapshots and showcase channel
// settings.
type snapshotStore interface {
	// SaveLedger replaces everything stored for the snapshot's guild
	SaveLedger(ctx context.Context, snap LedgerSnapshot) error

	// LoadLedger returns the stored snapshot for a guild. A guild with
	// nothing stored yields an empty snapshot.
	LoadLedger(ctx context.Context, guildID string) (LedgerSnapshot, error)

	// LedgerGuildIDs returns the IDs of every guild with stored ledger data
	LedgerGuildIDs(ctx context.Context) ([]string, error)

	SetShowcaseChannel(ctx context.Context, guildID, channelID string) error
	ShowcaseChannels(ctx context.Context) (map[string]string, error)
}

// gormSnapshotStore implements snapshotStore on top of gorm.
type gormSnapshotStore struct {
	writeDB DBI
}

func newSnapshotStore(writeDB DBI) *gormSnapshotStore {
	return &gormSnapshotStore{writeDB: writeDB}
}

func (s *gormSnapshotStore) SaveLedger(ctx context.Context, snap LedgerSnapshot) error {
	links := make([]ShowcaseLink, 0, len(snap.Showcases))
	for originalID, showcaseID := range snap.Showcases {
		links = append(
			links,
			ShowcaseLink{
				GuildID:           snap.GuildID,
				OriginalMessageID: originalID,
				ShowcaseMessageID: showcaseID,
			},
		)
	}

	channels := make([]MessageChannel, 0, len(snap.Channels))
	for messageID, channelID := range snap.Channels {
		channels = append(
			channels,
			MessageChannel{GuildID: snap.GuildID, MessageID: messageID, ChannelID: channelID},
		)
	}

	var entries []ExperienceEntry
	for userID, messages := range snap.Experience {
		for messageID, amount := range messages {
			entries = append(
				entries,
				ExperienceEntry{
					GuildID:   snap.GuildID,
					UserID:    userID,
					MessageID: messageID,
					Amount:    amount,
				},
			)
		}
	}

	err := s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, model := range []any{&ShowcaseLink{}, &MessageChannel{}, &ExperienceEntry{}} {
				if err := tx.Where("guild_id = ?", snap.GuildID).Delete(model).Error; err != nil {
					return err
				}
			}
			if len(links) > 0 {
				if err := tx.CreateInBatches(links, saveBatchSize).Error; err != nil {
					return err
				}
			}
			if len(channels) > 0 {
				if err := tx.CreateInBatches(channels, saveBatchSize).Error; err != nil {
					return err
				}
			}
			if len(entries) > 0 {
				if err := tx.CreateInBatches(entries, saveBatchSize).Error; err != nil {
					return err
				}
			}
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("error saving ledger for guild %s: %w", snap.GuildID, err)
	}
	return nil
}

func (s *gormSnapshotStore) LoadLedger(ctx context.Context, guildID string) (LedgerSnapshot, error) {
	snap := LedgerSnapshot{
		GuildID:    guildID,
		Showcases:  map[string]string{},
		Channels:   map[string]string{},
		Experience: map[string]map[string]int{},
	}
	db := s.writeDB.DB().WithContext(ctx)

	var links []ShowcaseLink
	var channels []MessageChannel
	var entries []ExperienceEntry
	err := errors.Join(
		db.Where("guild_id = ?", guildID).Order("id").Find(&links).Error,
		db.Where("guild_id = ?", guildID).Find(&channels).Error,
		db.Where("guild_id = ?", guildID).Find(&entries).Error,
	)
	if err != nil {
		return snap, fmt.Errorf("error loading ledger for guild %s: %w", guildID, err)
	}

	for _, l := range links {
		snap.Showcases[l.OriginalMessageID] = l.ShowcaseMessageID
	}
	for _, c := range channels {
		snap.Channels[c.MessageID] = c.ChannelID
	}
	for _, e := range entries {
		messages, ok := snap.Experience[e.UserID]
		if !ok {
			messages = map[string]int{}
			snap.Experience[e.UserID] = messages
		}
		messages[e.MessageID] = e.Amount
	}
	return snap, nil
}

func (s *gormSnapshotStore) LedgerGuildIDs(ctx context.Context) ([]string, error) {
	db := s.writeDB.DB().WithContext(ctx)
	var guildIDs []string
	for _, model := range []any{&ShowcaseLink{}, &MessageChannel{}, &ExperienceEntry{}} {
		var ids []string
		if err := db.Model(model).Distinct(columnGuildID).Pluck(columnGuildID, &ids).Error; err != nil {
			return nil, fmt.Errorf("error listing guilds: %w", err)
		}
		guildIDs = append(guildIDs, ids...)
	}
	slices.Sort(guildIDs)
	return slices.Compact(guildIDs), nil
}

func (s *gormSnapshotStore) SetShowcaseChannel(ctx context.Context, guildID, channelID string) error {
	sc := ShowcaseChannel{GuildID: guildID, ChannelID: channelID}
	err := s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnGuildID}},
					DoUpdates: clause.AssignmentColumns([]string{columnChannelID, "updated_at"}),
				},
			).Create(&sc).Error
		},
	)
	if err != nil {
		return fmt.Errorf("error setting showcase channel for guild %s: %w", guildID, err)
	}
	return nil
}

func (s *gormSnapshotStore) ShowcaseChannels(ctx context.Context) (map[string]string, error) {
	var rows []ShowcaseChannel
	if err := s.writeDB.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error loading showcase channels: %w", err)
	}
	channels := make(map[string]string, len(rows))
	for _, r := range rows {
		channels[r.GuildID] = r.ChannelID
	}
	return channels, nil
}
