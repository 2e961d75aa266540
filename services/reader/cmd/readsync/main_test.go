package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/reading-sync/internal/platform/auth"
)

func execute(t *testing.T, cfgFile string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--config", cfgFile}, args...))
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func tempEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("READSYNC_DB_PATH", filepath.Join(dir, "progress.db"))
	t.Setenv("READSYNC_LOG_FILE", filepath.Join(dir, "readsync.log"))
	return filepath.Join(dir, "config.yaml")
}

func readConfig(t *testing.T, file string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())
	return v
}

func TestImportThenStatus(t *testing.T) {
	cfgFile := tempEnv(t)
	book := filepath.Join(filepath.Dir(cfgFile), "dune.epub")
	require.NoError(t, os.WriteFile(book, []byte("a desert planet"), 0o600))

	out := execute(t, cfgFile, "import", book)
	assert.Contains(t, out, "imported dune as ")

	out = execute(t, cfgFile, "status")
	assert.Contains(t, out, "dune")
	assert.Contains(t, out, "not started")

	assert.NotEmpty(t, readConfig(t, cfgFile).GetString("device_id"), "device id is minted and persisted")
}

func TestImportWithExplicitIdentifier(t *testing.T) {
	cfgFile := tempEnv(t)
	out := execute(t, cfgFile, "import", "--id", "hobbit", "--identifier", "isbn:9780547928227", "ignored.epub")
	assert.Contains(t, out, "imported hobbit as isbn:9780547928227")
}

func TestRemove(t *testing.T) {
	cfgFile := tempEnv(t)
	execute(t, cfgFile, "import", "--id", "hobbit", "--identifier", "isbn:1", "x")
	execute(t, cfgFile, "remove", "hobbit")
	out := execute(t, cfgFile, "status")
	assert.Contains(t, out, "no books imported")
}

func TestTokenSave(t *testing.T) {
	cfgFile := tempEnv(t)
	out := execute(t, cfgFile, "token", "--secret", "s3cret", "--user", "alice", "--save")
	assert.Contains(t, out, "saved token for alice")

	v := readConfig(t, cfgFile)
	assert.Equal(t, "alice", v.GetString("user_id"))
	claims, err := auth.JWTVerifier{Secret: []byte("s3cret")}.Parse(v.GetString("token"))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, v.GetString("device_id"), claims.Device)
}

func TestSyncCommandsRequireAccount(t *testing.T) {
	cfgFile := tempEnv(t)
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgFile, "flush"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id")
}
