package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(id string) *Account {
	return &Account{
		ID: id,
		Credential: Credential{
			AccessToken:  "at-" + id,
			RefreshToken: "rt-" + id,
			ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
			AuthKind:     AuthKindAwsBuilderID,
			IssuedAt:     time.Now().UTC().Truncate(time.Second),
		},
		Enabled: true,
		Status:  StatusActive,
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "config.json"))

	a := testAccount("a")
	a.LastError = &LastError{Kind: "network", Message: "dial timeout", At: time.Now().UTC().Truncate(time.Second)}
	// Runtime-only fields must not survive a reload.
	a.LastUsedAt = time.Now()
	a.Usage = &UsageSnapshot{Used: 10, Limit: 100}
	b := testAccount("b")

	require.NoError(t, store.Save([]*Account{a, b}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, a.ID, loaded[0].ID)
	assert.Equal(t, a.Credential, loaded[0].Credential)
	assert.Equal(t, a.LastError.Kind, loaded[0].LastError.Kind)
	assert.True(t, loaded[0].LastUsedAt.IsZero())
	assert.Nil(t, loaded[0].Usage)
	assert.Equal(t, b.ID, loaded[1].ID)
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "config.json"))
	accounts, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestFileStoreLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).Load()
	require.Error(t, err)
}

func TestFileStoreSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "config.json"))
	require.NoError(t, store.Save([]*Account{testAccount("a")}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file may be left behind")
	assert.Equal(t, "config.json", entries[0].Name())
}

func TestFileStoreLoadReconcilesExpiredCooldown(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "config.json"))
	past := time.Now().Add(-time.Minute)
	acct := testAccount("a")
	acct.Status = StatusCooldown
	acct.CooldownUntil = &past
	require.NoError(t, store.Save([]*Account{acct}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, StatusActive, loaded[0].Status)
	assert.Nil(t, loaded[0].CooldownUntil)
}

func TestFileStoreSkipsIdenticalWrite(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "config.json"))
	accounts := []*Account{testAccount("a")}
	require.NoError(t, store.Save(accounts))

	info1, err := os.Stat(store.Path())
	require.NoError(t, err)
	sum1 := store.LastWrittenSum()

	require.NoError(t, store.Save(accounts))
	info2, err := os.Stat(store.Path())
	require.NoError(t, err)

	assert.Equal(t, sum1, store.LastWrittenSum())
	assert.Equal(t, info1.ModTime(), info2.ModTime(), "identical content must not be rewritten")
}
