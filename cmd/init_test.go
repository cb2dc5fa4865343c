package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arcward/starboard/starboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func mockPasswords(passwords ...string) passwordReader {
	i := 0
	return func() ([]byte, error) {
		if i >= len(passwords) {
			return nil, errors.New("no more passwords")
		}
		p := passwords[i]
		i++
		return []byte(p), nil
	}
}

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	t.Setenv("SB_DATABASE_TYPE", "sqlite")
	t.Setenv("SB_DATABASE", dbPath)

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
	// the first attempt doesn't match, so the prompt repeats
	customPasswordReader = mockPasswords("first", "second", "testpassword", "testpassword")

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			rootCmd.SetIn(os.Stdin)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader("testadmin\n"))

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Passwords do not match")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var config starboard.RuntimeConfig
	require.NoError(t, db.First(&config).Error)

	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.NotEmpty(t, config.AdminPassword)
	assert.NotEqual(t, "testpassword", config.AdminPassword)
	assert.Equal(t, starboard.DefaultReactionThreshold, config.ReactionThreshold)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&starboard.RuntimeConfig{}))
	assert.True(t, mg.HasTable(&starboard.ShowcaseChannel{}))
	assert.True(t, mg.HasTable(&starboard.ShowcaseLink{}))
	assert.True(t, mg.HasTable(&starboard.MessageChannel{}))
	assert.True(t, mg.HasTable(&starboard.ExperienceEntry{}))

	valid, err := starboard.VerifyPassword(config.AdminPassword, "testpassword")
	assert.NoError(t, err)
	assert.True(t, valid)

	// running it again leaves the credentials alone
	out.Reset()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Admin credentials are already set.")
}

func TestPromptPassword(t *testing.T) {
	tests := []struct {
		name      string
		passwords []string
		expected  string
		wantErr   bool
	}{
		{name: "match", passwords: []string{"a", "a"}, expected: "a"},
		{name: "retry on mismatch", passwords: []string{"a", "b", "c", "c"}, expected: "c"},
		{name: "retry on empty", passwords: []string{"", "", "d", "d"}, expected: "d"},
		{name: "reader error", passwords: []string{"a"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			password, err := promptPassword(&out, mockPasswords(tc.passwords...))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, password)
		})
	}
}
