package starboard

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{name: "shorter than limit", input: "short", limit: 10, expected: "short"},
		{name: "equal to limit", input: "exactly", limit: 7, expected: "exactly"},
		{name: "longer than limit", input: "a longer string", limit: 8, expected: "a longer"},
		{name: "multibyte", input: "⭐⭐⭐⭐", limit: 2, expected: "⭐⭐"},
		{name: "empty", input: "", limit: 3, expected: ""},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, truncate(tc.input, tc.limit))
			},
		)
	}
}

func TestValidSnowflake(t *testing.T) {
	testCases := []struct {
		input    string
		expected bool
	}{
		{input: testGuildID, expected: true},
		{input: "175928847299117063", expected: true},
		{input: "", expected: false},
		{input: "0", expected: false},
		{input: "not-a-snowflake", expected: false},
		{input: "-5", expected: false},
	}

	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				assert.Equal(t, tc.expected, validSnowflake(tc.input))
			},
		)
	}
}

func TestChunkItems(t *testing.T) {
	testCases := []struct {
		name     string
		size     int
		items    []int
		expected [][]int
	}{
		{name: "empty", size: 3, items: nil, expected: nil},
		{name: "exact", size: 2, items: []int{1, 2, 3, 4}, expected: [][]int{{1, 2}, {3, 4}}},
		{name: "remainder", size: 3, items: []int{1, 2, 3, 4}, expected: [][]int{{1, 2, 3}, {4}}},
		{name: "single chunk", size: 10, items: []int{1, 2}, expected: [][]int{{1, 2}}},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, chunkItems(tc.size, tc.items...))
			},
		)
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	ok, err := VerifyPassword(hash, "correct horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hash, "battery staple")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts should differ")

	_, err = VerifyPassword("not-a-hash", "correct horse")
	require.Error(t, err)
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	s, err = generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, s, 8)
}

func TestLoggerCtx(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("test", t.Name())
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	ctx = WithLogger(context.Background(), nil)
	got, ok = ContextLogger(ctx)
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Name string `json:"name"`
	}
	type sample struct {
		Secret string   `json:"secret" log:"[redacted]"`
		Empty  string   `json:"empty"`
		Inner  *inner   `json:"inner"`
		Nil    *inner   `json:"nil"`
		List   []string `json:"list"`
		hidden string
	}
	v := structToSlogValue(
		sample{
			Secret: "hunter2",
			Inner:  &inner{Name: "x"},
			List:   []string{"a"},
			hidden: "hidden",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	keys := map[string]slog.Value{}
	for _, attr := range v.Group() {
		keys[attr.Key] = attr.Value
	}
	assert.Equal(t, "[redacted]", keys["secret"].String())
	assert.Contains(t, keys, "inner")
	assert.Contains(t, keys, "list")
	assert.NotContains(t, keys, "empty")
	assert.NotContains(t, keys, "nil")
	assert.NotContains(t, keys, "hidden")

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
}

func TestGetDiscordgoLogLevel(t *testing.T) {
	testCases := []struct {
		name          string
		inputLogLevel int
		expected      slog.Level
	}{
		{name: "debug", inputLogLevel: discordgo.LogDebug, expected: slog.LevelDebug},
		{name: "info", inputLogLevel: discordgo.LogInformational, expected: slog.LevelInfo},
		{name: "warning", inputLogLevel: discordgo.LogWarning, expected: slog.LevelWarn},
		{name: "error", inputLogLevel: discordgo.LogError, expected: slog.LevelError},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, discordGoLogLevels[tc.inputLogLevel])
			},
		)
	}
}

func TestReactionLogAttrs(t *testing.T) {
	ev := ReactionEvent{
		Kind:      ReactionRemoved,
		GuildID:   testGuildID,
		ChannelID: testChannelID,
		MessageID: "m1",
		UserID:    testAuthorID,
	}
	attrs := reactionLogAttrs(ev)
	require.Len(t, attrs, 10)
	assert.Equal(t, "remove", attrs[1])
	assert.Equal(t, "m1", attrs[7])
}
