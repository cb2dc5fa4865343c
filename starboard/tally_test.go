package starboard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	thumbsUp = &discordgo.Emoji{Name: "👍"}
	fire     = &discordgo.Emoji{Name: "🔥"}
	custom   = &discordgo.Emoji{Name: "party", ID: "222222222222222222"}
)

func TestTallyReactors(t *testing.T) {
	testCases := []struct {
		name      string
		primary   []emojiReactors
		secondary []emojiReactors
		excluded  []string
		expected  map[string]int
		xp        int
	}{
		{
			name: "primary only",
			primary: []emojiReactors{
				{Emoji: thumbsUp, UserIDs: []string{"a", "b", "c"}},
			},
			expected: map[string]int{"👍": 3},
			xp:       3,
		},
		{
			name: "union with secondary",
			primary: []emojiReactors{
				{Emoji: thumbsUp, UserIDs: []string{"a", "b", "c"}},
			},
			secondary: []emojiReactors{
				{Emoji: thumbsUp, UserIDs: []string{"c", "d"}},
			},
			expected: map[string]int{"👍": 4},
			xp:       4,
		},
		{
			name: "secondary-only emoji ignored",
			primary: []emojiReactors{
				{Emoji: thumbsUp, UserIDs: []string{"a"}},
			},
			secondary: []emojiReactors{
				{Emoji: fire, UserIDs: []string{"b", "c", "d"}},
			},
			expected: map[string]int{"👍": 1},
			xp:       1,
		},
		{
			name: "excluded users",
			primary: []emojiReactors{
				{Emoji: thumbsUp, UserIDs: []string{"bot", "author", "a"}},
				{Emoji: custom, UserIDs: []string{"bot"}},
			},
			secondary: []emojiReactors{
				{Emoji: thumbsUp, UserIDs: []string{"bot", "b"}},
			},
			excluded: []string{"bot", "author"},
			expected: map[string]int{"👍": 2, "party:222222222222222222": 0},
			xp:       2,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				tally := tallyReactors(tc.primary, tc.secondary, tc.excluded...)
				require.Len(t, tally.Entries, len(tc.primary))
				got := map[string]int{}
				for _, e := range tally.Entries {
					got[e.Emoji.APIName()] = e.Count()
				}
				assert.Equal(t, tc.expected, got)
				assert.Equal(t, tc.xp, tally.Experience())
			},
		)
	}
}

func TestReactionTally_Format(t *testing.T) {
	jumpURL := messageJumpURL("1", "2", "3")
	require.Equal(t, "https://discord.com/channels/1/2/3", jumpURL)

	tally := tallyReactors(
		[]emojiReactors{
			{Emoji: thumbsUp, UserIDs: []string{"a", "b", "c"}},
			{Emoji: fire, UserIDs: []string{"a"}},
			{Emoji: custom, UserIDs: []string{"a", "b", "c", "d"}},
		},
		nil,
	)

	testCases := []struct {
		name      string
		threshold int
		expected  string
		ok        bool
	}{
		{
			name:      "threshold 1",
			threshold: 1,
			expected:  "👍 **3**, 🔥 **1**, <:party:222222222222222222> **4** **|** " + jumpURL,
			ok:        true,
		},
		{
			name:      "threshold 3",
			threshold: 3,
			expected:  "👍 **3**, <:party:222222222222222222> **4** **|** " + jumpURL,
			ok:        true,
		},
		{
			name:      "threshold 4",
			threshold: 4,
			expected:  "<:party:222222222222222222> **4** **|** " + jumpURL,
			ok:        true,
		},
		{
			name:      "below threshold",
			threshold: 5,
			ok:        false,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				content, ok := tally.Format(tc.threshold, jumpURL)
				assert.Equal(t, tc.ok, ok)
				assert.Equal(t, tc.expected, content)
			},
		)
	}
}

func TestEmojiKey(t *testing.T) {
	assert.Equal(t, "", emojiKey(nil))
	assert.Equal(t, "👍", emojiKey(thumbsUp))
	assert.Equal(t, custom.ID, emojiKey(custom))
	assert.Equal(t, custom.ID, emojiKey(&discordgo.Emoji{ID: custom.ID, Name: "renamed"}))
}

func TestCollectReactors_Paging(t *testing.T) {
	session := newMockDiscordSession(t)
	msg := session.addMessage("333333333333333333", "author", "hello")

	var expected []string
	for i := 0; i < reactionPageSize+25; i++ {
		userID := fmt.Sprintf("%018d", i+1)
		expected = append(expected, userID)
		session.react(msg.ChannelID, msg.ID, thumbsUp, userID)
	}
	session.react(msg.ChannelID, msg.ID, fire, "000000000000000001")

	fetched, err := session.ChannelMessage(msg.ChannelID, msg.ID)
	require.NoError(t, err)

	reactors, err := collectReactors(context.Background(), session, fetched, 2)
	require.NoError(t, err)
	require.Len(t, reactors, 2)

	assert.Equal(t, thumbsUp.Name, reactors[0].Emoji.Name)
	assert.Equal(t, expected, reactors[0].UserIDs)
	assert.Equal(t, reactionPageSize+25, reactors[0].Count)
	assert.Equal(t, []string{"000000000000000001"}, reactors[1].UserIDs)
}

func TestCollectReactors_Error(t *testing.T) {
	session := newMockDiscordSession(t)
	msg := session.addMessage("333333333333333333", "author", "hello")
	session.react(msg.ChannelID, msg.ID, thumbsUp, "444444444444444444")
	session.reactionsErr = errors.New("listing failed")

	fetched, err := session.ChannelMessage(msg.ChannelID, msg.ID)
	require.NoError(t, err)

	_, err = collectReactors(context.Background(), session, fetched, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.reactionsErr)
}

func TestCollectReactors_NoReactions(t *testing.T) {
	reactors, err := collectReactors(context.Background(), nil, &discordgo.Message{}, 1)
	require.NoError(t, err)
	assert.Empty(t, reactors)
}
