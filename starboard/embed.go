package starboard

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"
	"github.com/lmittmann/tint"
)

const (
	replyEmbedColor    = 0x2b2d31
	showcaseEmbedColor = 0x70aeff

	// maxEmbeds is the most embeds Discord accepts on a single message
	maxEmbeds = 10

	maxEmbedDescriptionLength = 4096
	replyAuthorPrefix         = "Replying to "
)

// showcaseEmbeds builds the embeds quoting m on its showcase message:
// the message it replies to (if any), then m itself, followed by any
// additional attachments and m's own embeds.
func (sb *Starboard) showcaseEmbeds(ctx context.Context, m *discordgo.Message) []*discordgo.MessageEmbed {
	var embeds []*discordgo.MessageEmbed

	if replied := sb.repliedMessage(ctx, m); replied != nil {
		author, avatar := sb.memberDisplay(ctx, m.GuildID, replied.Author)
		embed := &discordgo.MessageEmbed{
			Color: replyEmbedColor,
			Author: &discordgo.MessageEmbedAuthor{
				Name:    replyAuthorPrefix + author,
				URL:     messageJumpURL(m.GuildID, replied.ChannelID, replied.ID),
				IconURL: avatar,
			},
			Timestamp:   messageTimestamp(replied).Format(time.RFC3339),
			Description: truncate(replied.Content, maxEmbedDescriptionLength),
		}
		embeds = appendMessageEmbeds(embeds, replied, embed)
	}

	author, avatar := sb.memberDisplay(ctx, m.GuildID, m.Author)
	embed := &discordgo.MessageEmbed{
		Color: showcaseEmbedColor,
		Author: &discordgo.MessageEmbedAuthor{
			Name:    author,
			URL:     messageJumpURL(m.GuildID, m.ChannelID, m.ID),
			IconURL: avatar,
		},
		Timestamp:   messageTimestamp(m).Format(time.RFC3339),
		Description: truncate(m.Content, maxEmbedDescriptionLength),
	}
	embeds = appendMessageEmbeds(embeds, m, embed)

	if len(embeds) > maxEmbeds {
		embeds = embeds[:maxEmbeds]
	}
	return embeds
}

// appendMessageEmbeds appends embed to embeds, using the message's
// first attachment (or, lacking attachments, its first embed's image)
// as embed's image. Remaining attachments are appended as image-only
// embeds, followed by the message's own embeds.
func appendMessageEmbeds(
	embeds []*discordgo.MessageEmbed,
	m *discordgo.Message,
	embed *discordgo.MessageEmbed,
) []*discordgo.MessageEmbed {
	usedFirstEmbed := false

	if len(m.Attachments) == 0 {
		if len(m.Embeds) > 0 && m.Embeds[0] != nil {
			first := m.Embeds[0]
			imageURL := first.URL
			if first.Image != nil {
				imageURL = first.Image.ProxyURL
				if imageURL == "" {
					imageURL = first.Image.URL
				}
			}
			if imageURL != "" {
				embed.Image = &discordgo.MessageEmbedImage{URL: imageURL}
			}
			usedFirstEmbed = true
		}
		embeds = append(embeds, embed)
	}

	for i, attachment := range m.Attachments {
		if i == 0 {
			embed.Image = &discordgo.MessageEmbedImage{URL: attachment.URL}
			embeds = append(embeds, embed)
			continue
		}
		embeds = append(
			embeds,
			&discordgo.MessageEmbed{
				Color: embed.Color,
				Image: &discordgo.MessageEmbedImage{URL: attachment.URL},
			},
		)
	}

	for i, e := range m.Embeds {
		if e == nil || (usedFirstEmbed && i == 0) {
			continue
		}
		recolored := *e
		recolored.Color = showcaseEmbedColor
		embeds = append(embeds, &recolored)
	}
	return embeds
}

// repliedMessage returns the message m replies to, or nil if m isn't a
// reply or the referenced message can't be fetched.
func (sb *Starboard) repliedMessage(ctx context.Context, m *discordgo.Message) *discordgo.Message {
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" {
		return nil
	}
	replied := m.ReferencedMessage
	if replied == nil {
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = m.ChannelID
		}
		var err error
		replied, err = sb.discord.session.ChannelMessage(
			channelID,
			ref.MessageID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			if logger, ok := ContextLogger(ctx); ok {
				logger.DebugContext(ctx, "unable to fetch replied message", tint.Err(err))
			}
			return nil
		}
	}
	if replied.Author == nil {
		return nil
	}
	return replied
}

// memberDisplay returns the user's display name and avatar URL within
// the guild, falling back to the user's global profile.
func (sb *Starboard) memberDisplay(
	ctx context.Context,
	guildID string,
	user *discordgo.User,
) (name string, avatarURL string) {
	if user == nil {
		return "", ""
	}
	member, err := sb.discord.session.GuildMember(guildID, user.ID, discordgo.WithContext(ctx))
	if err == nil && member != nil {
		if member.User == nil {
			member.User = user
		}
		member.GuildID = guildID
		return member.DisplayName(), member.AvatarURL("")
	}
	return user.DisplayName(), user.AvatarURL("")
}

// messageTimestamp returns when the message was sent, derived from its
// snowflake ID if the timestamp is missing.
func messageTimestamp(m *discordgo.Message) time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp
	}
	if id, err := snowflake.Parse(m.ID); err == nil {
		return id.Time()
	}
	return time.Time{}
}
