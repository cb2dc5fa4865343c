package starboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"
)

const (
	// reactionPageSize is the maximum number of users Discord returns
	// per reaction listing request
	reactionPageSize = 100

	jumpURLFormat = "https://discord.com/channels/%s/%s/%s"
)

// emojiReactors holds the users who reacted to a message with one emoji.
type emojiReactors struct {
	Emoji *discordgo.Emoji

	// Count is the raw reaction count reported by Discord, which includes
	// the bot and the message author
	Count int

	// Me is true if the bot has applied this reaction itself
	Me bool

	UserIDs []string
}

// TallyEntry is the deduplicated set of reactors for a single emoji.
type TallyEntry struct {
	Emoji    *discordgo.Emoji
	Reactors map[string]struct{}
}

// Count returns the number of distinct reactors.
func (e TallyEntry) Count() int {
	return len(e.Reactors)
}

// ReactionTally is the combined reactor count for a message and,
// optionally, its showcase message. Entries keep the order the emoji
// appear on the primary message.
type ReactionTally struct {
	Entries []TallyEntry
}

// emojiKey identifies an emoji across messages: custom emoji by ID,
// unicode emoji by name.
func emojiKey(e *discordgo.Emoji) string {
	if e == nil {
		return ""
	}
	if e.ID != "" {
		return e.ID
	}
	return e.Name
}

// tallyReactors combines reactors from the primary message with reactors
// for the same emoji on the secondary message. Only emoji present on the
// primary produce entries. Users in excluded are never counted.
func tallyReactors(primary, secondary []emojiReactors, excluded ...string) ReactionTally {
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		if id != "" {
			skip[id] = struct{}{}
		}
	}

	secondaryByEmoji := make(map[string][]string, len(secondary))
	for _, r := range secondary {
		key := emojiKey(r.Emoji)
		secondaryByEmoji[key] = append(secondaryByEmoji[key], r.UserIDs...)
	}

	tally := ReactionTally{Entries: make([]TallyEntry, 0, len(primary))}
	for _, r := range primary {
		entry := TallyEntry{Emoji: r.Emoji, Reactors: map[string]struct{}{}}
		for _, ids := range [][]string{r.UserIDs, secondaryByEmoji[emojiKey(r.Emoji)]} {
			for _, id := range ids {
				if _, ignored := skip[id]; ignored {
					continue
				}
				entry.Reactors[id] = struct{}{}
			}
		}
		tally.Entries = append(tally.Entries, entry)
	}
	return tally
}

// Experience is the total number of reactors across all emoji, whether
// or not they meet the threshold.
func (t ReactionTally) Experience() int {
	total := 0
	for _, e := range t.Entries {
		total += e.Count()
	}
	return total
}

// Format renders the emoji meeting threshold, followed by a link back to
// the original message. ok is false if no emoji meets the threshold, in
// which case the showcase should not be created or updated.
func (t ReactionTally) Format(threshold int, jumpURL string) (string, bool) {
	segments := make([]string, 0, len(t.Entries))
	for _, e := range t.Entries {
		if n := e.Count(); n >= threshold {
			segments = append(segments, fmt.Sprintf("%s **%d**", e.Emoji.MessageFormat(), n))
		}
	}
	if len(segments) == 0 {
		return "", false
	}
	return strings.Join(segments, ", ") + " **|** " + jumpURL, true
}

func messageJumpURL(guildID, channelID, messageID string) string {
	return fmt.Sprintf(jumpURLFormat, guildID, channelID, messageID)
}

// collectReactors lists the users behind every reaction on the message.
// Emoji are fetched in parallel, up to concurrency at a time. Any listing
// failure fails the whole collection.
func collectReactors(
	ctx context.Context,
	session DiscordSessionHandler,
	m *discordgo.Message,
	concurrency int,
) ([]emojiReactors, error) {
	if m == nil || len(m.Reactions) == 0 {
		return nil, nil
	}
	results := make([]emojiReactors, len(m.Reactions))

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, reaction := range m.Reactions {
		if reaction == nil || reaction.Emoji == nil {
			continue
		}
		g.Go(
			func() error {
				userIDs, err := listReactors(gctx, session, m.ChannelID, m.ID, reaction.Emoji)
				if err != nil {
					return fmt.Errorf(
						"error listing %q reactions on message %s: %w",
						reaction.Emoji.APIName(), m.ID, err,
					)
				}
				results[i] = emojiReactors{
					Emoji:   reaction.Emoji,
					Count:   reaction.Count,
					Me:      reaction.Me,
					UserIDs: userIDs,
				}
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	collected := results[:0]
	for _, r := range results {
		if r.Emoji != nil {
			collected = append(collected, r)
		}
	}
	return collected, nil
}

// listReactors pages through every user who reacted with the emoji.
func listReactors(
	ctx context.Context,
	session DiscordSessionHandler,
	channelID string,
	messageID string,
	emoji *discordgo.Emoji,
) ([]string, error) {
	var userIDs []string
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		users, err := session.MessageReactions(
			channelID,
			messageID,
			emoji.APIName(),
			reactionPageSize,
			"",
			after,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			userIDs = append(userIDs, u.ID)
		}
		if len(users) < reactionPageSize {
			return userIDs, nil
		}
		after = users[len(users)-1].ID
	}
}
