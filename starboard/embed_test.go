package starboard

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShowcaseEmbeds_PlainMessage(t *testing.T) {
	sb, session := newTestStarboard(t)
	msg := session.addMessage(testChannelID, testAuthorID, "plain")
	msg.GuildID = testGuildID

	embeds := sb.showcaseEmbeds(context.Background(), msg)
	require.Len(t, embeds, 1)
	e := embeds[0]
	assert.Equal(t, showcaseEmbedColor, e.Color)
	assert.Equal(t, "plain", e.Description)
	assert.Equal(t, "user"+testAuthorID, e.Author.Name)
	assert.Equal(t, jumpURL(msg.ID), e.Author.URL)
	assert.NotEmpty(t, e.Author.IconURL)
	assert.Equal(t, "2024-01-01T00:00:00Z", e.Timestamp)
	assert.Nil(t, e.Image)
}

func TestShowcaseEmbeds_MemberNickname(t *testing.T) {
	sb, session := newTestStarboard(t)
	session.addMember(
		testGuildID,
		&discordgo.Member{
			User: &discordgo.User{ID: testAuthorID, Username: "user" + testAuthorID},
			Nick: "Stargazer",
		},
	)
	msg := session.addMessage(testChannelID, testAuthorID, "hi")
	msg.GuildID = testGuildID

	embeds := sb.showcaseEmbeds(context.Background(), msg)
	require.Len(t, embeds, 1)
	assert.Equal(t, "Stargazer", embeds[0].Author.Name)
}

func TestShowcaseEmbeds_Attachments(t *testing.T) {
	sb, session := newTestStarboard(t)
	msg := session.putMessage(
		&discordgo.Message{
			ChannelID: testChannelID,
			Author:    &discordgo.User{ID: testAuthorID, Username: "author"},
			Content:   "pictures",
			Attachments: []*discordgo.MessageAttachment{
				{URL: "https://cdn.example.com/1.png"},
				{URL: "https://cdn.example.com/2.png"},
			},
			Embeds: []*discordgo.MessageEmbed{
				{Title: "link preview", Color: 0x123456},
			},
		},
	)
	msg.GuildID = testGuildID

	embeds := sb.showcaseEmbeds(context.Background(), msg)
	require.Len(t, embeds, 3)
	assert.Equal(t, "pictures", embeds[0].Description)
	assert.Equal(t, "https://cdn.example.com/1.png", embeds[0].Image.URL)
	assert.Equal(t, "https://cdn.example.com/2.png", embeds[1].Image.URL)
	assert.Empty(t, embeds[1].Description)
	assert.Equal(t, "link preview", embeds[2].Title)
	assert.Equal(t, showcaseEmbedColor, embeds[2].Color)
}

func TestShowcaseEmbeds_FirstEmbedImage(t *testing.T) {
	sb, session := newTestStarboard(t)
	msg := session.putMessage(
		&discordgo.Message{
			ChannelID: testChannelID,
			Author:    &discordgo.User{ID: testAuthorID, Username: "author"},
			Content:   "https://example.com/cat.gif",
			Embeds: []*discordgo.MessageEmbed{
				{
					URL:   "https://example.com/cat.gif",
					Image: &discordgo.MessageEmbedImage{URL: "https://example.com/cat.gif", ProxyURL: "https://proxy.example.com/cat.gif"},
				},
				{Title: "second"},
			},
		},
	)
	msg.GuildID = testGuildID

	embeds := sb.showcaseEmbeds(context.Background(), msg)
	require.Len(t, embeds, 2)
	assert.Equal(t, "https://proxy.example.com/cat.gif", embeds[0].Image.URL)
	assert.Equal(t, "second", embeds[1].Title)
}

func TestShowcaseEmbeds_Reply(t *testing.T) {
	sb, session := newTestStarboard(t)
	replied := session.addMessage(testChannelID, testUserID(1), "the question")
	msg := session.putMessage(
		&discordgo.Message{
			ChannelID: testChannelID,
			Author:    &discordgo.User{ID: testAuthorID, Username: "author"},
			Content:   "the answer",
			MessageReference: &discordgo.MessageReference{
				MessageID: replied.ID,
				ChannelID: testChannelID,
			},
		},
	)
	msg.GuildID = testGuildID

	embeds := sb.showcaseEmbeds(context.Background(), msg)
	require.Len(t, embeds, 2)
	assert.Equal(t, replyEmbedColor, embeds[0].Color)
	assert.Equal(t, replyAuthorPrefix+"user"+testUserID(1), embeds[0].Author.Name)
	assert.Equal(t, "the question", embeds[0].Description)
	assert.Equal(t, jumpURL(replied.ID), embeds[0].Author.URL)
	assert.Equal(t, "the answer", embeds[1].Description)

	// an unreachable reply is left out
	msg.MessageReference.MessageID = "100000000000000099"
	embeds = sb.showcaseEmbeds(context.Background(), msg)
	require.Len(t, embeds, 1)
	assert.Equal(t, "the answer", embeds[0].Description)
}

func TestShowcaseEmbeds_Limit(t *testing.T) {
	sb, session := newTestStarboard(t)
	m := &discordgo.Message{
		ChannelID: testChannelID,
		Author:    &discordgo.User{ID: testAuthorID, Username: "author"},
	}
	for i := 0; i < 15; i++ {
		m.Attachments = append(m.Attachments, &discordgo.MessageAttachment{URL: "https://cdn.example.com/x.png"})
	}
	msg := session.putMessage(m)
	msg.GuildID = testGuildID

	embeds := sb.showcaseEmbeds(context.Background(), msg)
	assert.Len(t, embeds, maxEmbeds)
}

func TestShowcaseEmbeds_LongContent(t *testing.T) {
	sb, session := newTestStarboard(t)
	msg := session.addMessage(testChannelID, testAuthorID, longString(maxEmbedDescriptionLength+100))
	msg.GuildID = testGuildID
	embeds := sb.showcaseEmbeds(context.Background(), msg)
	require.Len(t, embeds, 1)
	assert.Len(t, embeds[0].Description, maxEmbedDescriptionLength)
}

func TestMessageTimestamp(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, ts, messageTimestamp(&discordgo.Message{ID: "1", Timestamp: ts}))

	// 175928847299117063 is the example snowflake from the discord docs
	fromID := messageTimestamp(&discordgo.Message{ID: "175928847299117063"})
	assert.Equal(t, int64(1462015105796), fromID.UnixMilli())

	assert.True(t, messageTimestamp(&discordgo.Message{ID: "bogus"}).IsZero())
}
