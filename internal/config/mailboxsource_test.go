package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSeed = `
[[mailbox]]
id = "mb-1"
address = "alice@example.com"
host = "imap.gmail.com"
port = 993
username = "alice@example.com"
password = "secret"
active = true
owner = "alice"
daily_send_used = 1500

[[mailbox]]
id = "mb-2"
address = "bob@example.com"
host = "imap.example.com"
port = 143
username = "bob@example.com"
password = "secret"
active = false
owner = "bob"
`

func TestFileMailboxSourceLoadsOnlyActive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailboxes.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSeed), 0o600))

	src, err := NewFileMailboxSource(path, logrus.New())
	require.NoError(t, err)

	mailboxes, err := src.Load()
	require.NoError(t, err)
	require.Len(t, mailboxes, 1)
	assert.Equal(t, "mb-1", mailboxes[0].ID)
	assert.Equal(t, 993, mailboxes[0].Port)
}

func TestPathExists(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, PathExists(filepath.Join(dir, "missing.toml")))

	path := filepath.Join(dir, "present.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSeed), 0o600))
	assert.True(t, PathExists(path))
}
