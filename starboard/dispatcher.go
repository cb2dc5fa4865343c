package starboard

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ReactionKind distinguishes reaction additions from removals.
type ReactionKind int

const (
	ReactionAdded ReactionKind = iota + 1
	ReactionRemoved
)

func (k ReactionKind) String() string {
	switch k {
	case ReactionAdded:
		return "add"
	case ReactionRemoved:
		return "remove"
	default:
		return "unknown"
	}
}

// ReactionEvent is a single reaction added to, or removed from, a
// guild message.
type ReactionEvent struct {
	Kind      ReactionKind
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
}

func newReactionEvent(kind ReactionKind, r *discordgo.MessageReaction) ReactionEvent {
	return ReactionEvent{
		Kind:      kind,
		GuildID:   r.GuildID,
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
	}
}

func (e ReactionEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", e.Kind.String()),
		slog.String("guild_id", e.GuildID),
		slog.String("channel_id", e.ChannelID),
		slog.String("message_id", e.MessageID),
		slog.String("user_id", e.UserID),
	)
}

// reactionTarget holds everything resolved for a reaction event before
// the showcase logic runs.
type reactionTarget struct {
	guild           *discordgo.Guild
	showcaseChannel *discordgo.Channel
	channel         *discordgo.Channel
	message         *discordgo.Message
}

// handleReaction applies a single reaction event: it records the
// message's channel, then mirrors, updates or creates the showcase
// message as appropriate. Unresolvable guilds, channels and messages
// are expected, and end handling without an error.
func (sb *Starboard) handleReaction(ctx context.Context, ev ReactionEvent) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = sb.discordLogger()
	}
	logger = logger.With("reaction", ev)
	ctx = WithLogger(ctx, logger)

	ledger, created := sb.ledgers.GetOrCreate(ev.GuildID)
	if created {
		logger.InfoContext(ctx, "created ledger for guild")
	}
	ledger.RecordReaction(ev.MessageID, ev.ChannelID)

	if ev.Kind == ReactionRemoved {
		defer sb.persistIfDue(ctx, ledger)
	}

	target, ok := sb.resolveReactionTarget(ctx, ev)
	if !ok {
		return
	}
	msg := target.message

	if msg.Author == nil || msg.Author.ID == ev.UserID {
		logger.DebugContext(ctx, "ignoring self-reaction")
		return
	}

	session := sb.discord.session
	botID := sb.discord.BotUserID()

	switch showcaseID, hasShowcase := ledger.LookupShowcase(msg.ID); {
	case ev.UserID != botID && ledger.IsShowcase(msg.ID):
		originalID, found := ledger.LookupOriginal(msg.ID)
		if !found {
			return
		}
		channelID, found := ledger.Channel(originalID)
		if !found {
			logger.DebugContext(ctx, "no channel recorded for original message", "original_id", originalID)
			return
		}
		original, err := session.ChannelMessage(channelID, originalID, discordgo.WithContext(ctx))
		if err != nil {
			logger.DebugContext(ctx, "unable to fetch original message", tint.Err(err), "original_id", originalID)
			return
		}
		original.GuildID = target.guild.ID
		sb.refreshShowcase(ctx, ledger, original, msg)
	case hasShowcase:
		showcase, err := session.ChannelMessage(
			target.showcaseChannel.ID,
			showcaseID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.DebugContext(ctx, "unable to fetch showcase message", tint.Err(err), "showcase_id", showcaseID)
			return
		}
		showcase.GuildID = target.guild.ID
		sb.refreshShowcase(ctx, ledger, msg, showcase)
	case ev.Kind == ReactionAdded:
		sb.createShowcase(ctx, ledger, msg, target.showcaseChannel)
	}
}

// resolveReactionTarget resolves the guild, its showcase channel, the
// event's channel and the reacted-to message.
func (sb *Starboard) resolveReactionTarget(
	ctx context.Context,
	ev ReactionEvent,
) (reactionTarget, bool) {
	logger, _ := ContextLogger(ctx)
	session := sb.discord.session
	var target reactionTarget

	showcaseChannelID, ok := sb.ShowcaseChannel(ev.GuildID)
	if !ok {
		logger.DebugContext(ctx, "no showcase channel set for guild")
		return target, false
	}

	guild, err := session.Guild(ev.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		logger.DebugContext(ctx, "unable to resolve guild", tint.Err(err))
		return target, false
	}
	target.guild = guild

	showcaseChannel, err := session.Channel(showcaseChannelID, discordgo.WithContext(ctx))
	if err != nil {
		logger.DebugContext(ctx, "unable to resolve showcase channel", tint.Err(err))
		return target, false
	}
	if showcaseChannel.GuildID != guild.ID {
		logger.DebugContext(
			ctx,
			"showcase channel belongs to another guild",
			"showcase_channel_id", showcaseChannel.ID,
		)
		return target, false
	}
	target.showcaseChannel = showcaseChannel

	channel, err := session.Channel(ev.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		logger.DebugContext(ctx, "unable to resolve channel", tint.Err(err))
		return target, false
	}
	target.channel = channel

	msg, err := session.ChannelMessage(channel.ID, ev.MessageID, discordgo.WithContext(ctx))
	if err != nil {
		logger.DebugContext(ctx, "unable to fetch message", tint.Err(err))
		return target, false
	}
	// messages fetched over REST don't carry the guild ID
	msg.GuildID = guild.ID
	target.message = msg
	return target, true
}

// refreshShowcase recomputes the combined tally of the original and its
// showcase, edits the showcase if any emoji meets the threshold, and
// records the author's experience for the original.
func (sb *Starboard) refreshShowcase(
	ctx context.Context,
	ledger *GuildLedger,
	original *discordgo.Message,
	showcase *discordgo.Message,
) {
	logger, _ := ContextLogger(ctx)
	if original.Author == nil {
		return
	}
	cfg := sb.RuntimeConfig()
	session := sb.discord.session
	concurrency := sb.config.Discord.ReactionFetchConcurrency

	primary, err := collectReactors(ctx, session, original, concurrency)
	if err != nil {
		logger.WarnContext(ctx, "error collecting reactions", tint.Err(err), "message_id", original.ID)
		return
	}
	secondary, err := collectReactors(ctx, session, showcase, concurrency)
	if err != nil {
		logger.WarnContext(ctx, "error collecting reactions", tint.Err(err), "message_id", showcase.ID)
		return
	}

	tally := tallyReactors(primary, secondary, sb.discord.BotUserID(), original.Author.ID)
	content, ok := tally.Format(
		cfg.ReactionThreshold,
		messageJumpURL(original.GuildID, original.ChannelID, original.ID),
	)
	if ok {
		edit := discordgo.NewMessageEdit(showcase.ChannelID, showcase.ID).
			SetContent(content).
			SetEmbeds(sb.showcaseEmbeds(ctx, original))
		if _, err = session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
			logger.WarnContext(ctx, "error editing showcase", tint.Err(err), "showcase_id", showcase.ID)
			return
		}
		logger.InfoContext(ctx, "updated showcase", "showcase_id", showcase.ID, "content", content)
		sb.autoReact(ctx, original, showcase, cfg)
	}
	ledger.AddExperience(original.Author.ID, original.ID, tally.Experience())
}

// createShowcase posts a new showcase message for the original, if any
// of its emoji meets the threshold.
func (sb *Starboard) createShowcase(
	ctx context.Context,
	ledger *GuildLedger,
	original *discordgo.Message,
	showcaseChannel *discordgo.Channel,
) {
	logger, _ := ContextLogger(ctx)
	cfg := sb.RuntimeConfig()
	session := sb.discord.session

	primary, err := collectReactors(
		ctx,
		session,
		original,
		sb.config.Discord.ReactionFetchConcurrency,
	)
	if err != nil {
		logger.WarnContext(ctx, "error collecting reactions", tint.Err(err), "message_id", original.ID)
		return
	}

	tally := tallyReactors(primary, nil, sb.discord.BotUserID(), original.Author.ID)
	content, ok := tally.Format(
		cfg.ReactionThreshold,
		messageJumpURL(original.GuildID, original.ChannelID, original.ID),
	)
	if !ok {
		logger.DebugContext(ctx, "below reaction threshold", "threshold", cfg.ReactionThreshold)
		return
	}

	showcase, err := session.ChannelMessageSendComplex(
		showcaseChannel.ID,
		&discordgo.MessageSend{
			Content: content,
			Embeds:  sb.showcaseEmbeds(ctx, original),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "error sending showcase", tint.Err(err), "channel_id", showcaseChannel.ID)
		return
	}
	ledger.LinkShowcase(original.ID, showcase.ID)
	logger.InfoContext(ctx, "created showcase", "showcase_id", showcase.ID, "content", content)

	sb.autoReact(ctx, original, showcase, cfg)
	ledger.AddExperience(original.Author.ID, original.ID, tally.Experience())
	sb.persistIfDue(ctx, ledger)
}

// autoReact applies the original message's reactions that meet the
// threshold to the showcase message, skipping those already applied and
// custom emoji the bot can't use.
func (sb *Starboard) autoReact(
	ctx context.Context,
	original *discordgo.Message,
	showcase *discordgo.Message,
	cfg RuntimeConfig,
) {
	if !cfg.AutoReact {
		return
	}
	logger, _ := ContextLogger(ctx)
	session := sb.discord.session

	applied := map[string]bool{}
	for _, r := range showcase.Reactions {
		if r != nil && r.Me {
			applied[emojiKey(r.Emoji)] = true
		}
	}

	for _, r := range original.Reactions {
		if r == nil || r.Emoji == nil || r.Count < cfg.ReactionThreshold {
			continue
		}
		if applied[emojiKey(r.Emoji)] {
			continue
		}
		emoji := r.Emoji
		if emoji.ID != "" {
			resolved, err := sb.resolveEmoji(ctx, original.GuildID, emoji.ID)
			if err != nil {
				logger.DebugContext(ctx, "unable to resolve emoji", tint.Err(err), "emoji", emoji.APIName())
				continue
			}
			emoji = resolved
		}
		if err := session.MessageReactionAdd(
			showcase.ChannelID,
			showcase.ID,
			emoji.APIName(),
			discordgo.WithContext(ctx),
		); err != nil {
			logger.WarnContext(ctx, "error adding reaction", tint.Err(err), "emoji", emoji.APIName())
		}
	}
}

// resolveEmoji finds a custom emoji the bot can use. The message's own
// guild is tried first, then the emoji of every other cached guild.
func (sb *Starboard) resolveEmoji(
	ctx context.Context,
	guildID string,
	emojiID string,
) (*discordgo.Emoji, error) {
	session := sb.discord.session
	emoji, err := session.GuildEmoji(guildID, emojiID, discordgo.WithContext(ctx))
	if err == nil {
		return emoji, nil
	}
	for _, g := range session.StateGuilds() {
		if g == nil || g.ID == guildID {
			continue
		}
		for _, e := range g.Emojis {
			if e != nil && e.ID == emojiID {
				return e, nil
			}
		}
	}
	return nil, err
}
