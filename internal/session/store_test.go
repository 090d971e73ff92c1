package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateAndGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sess, err := store.Create("alice", RoleAdmin, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Len(t, sess.Token, 64)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, store.IsAuthenticated(sess.ID))
	assert.Equal(t, RoleAdmin, store.Role(sess.ID))
}

func TestStore_CreateValidates(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create("", RoleOperator, 0)
	assert.Error(t, err)
	_, err = store.Create("bob", "root", 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid role")
}

func TestStore_UnknownSession(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	assert.False(t, store.IsAuthenticated("nope"))
	assert.Equal(t, "", store.Role("nope"))
	_, err = store.CurrentToken("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Rotate("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RotateChangesToken(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	sess, err := store.Create("alice", RoleOperator, 0)
	require.NoError(t, err)

	next, err := store.Rotate(sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, sess.Token, next)

	cur, err := store.CurrentToken(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, next, cur)
}

func TestStore_Expiry(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	sess, err := store.Create("alice", RoleOperator, time.Hour)
	require.NoError(t, err)
	assert.True(t, store.IsAuthenticated(sess.ID))

	now = now.Add(2 * time.Hour)
	assert.False(t, store.IsAuthenticated(sess.ID))
	assert.Len(t, store.List(), 1, "expired sessions are listed until pruned")

	n, err := store.PruneExpired(now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, store.List())
}

// brokenStore returns a store with one session whose state dir has been
// removed, so every write fails.
func brokenStore(t *testing.T, ttl time.Duration) (*Store, Session) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "sessions")
	store, err := NewStore(dir)
	require.NoError(t, err)
	sess, err := store.Create("alice", RoleOperator, ttl)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))
	return store, sess
}

func TestStore_RotateKeepsTokenWhenSaveFails(t *testing.T) {
	store, sess := brokenStore(t, 0)

	_, err := store.Rotate(sess.ID)
	require.Error(t, err)

	cur, err := store.CurrentToken(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Token, cur)
	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RotatedAtMs)
}

func TestStore_RevokeKeepsSessionWhenSaveFails(t *testing.T) {
	store, sess := brokenStore(t, 0)

	ok, err := store.Revoke(sess.ID)
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, store.IsAuthenticated(sess.ID))
}

func TestStore_PruneReportsSaveFailure(t *testing.T) {
	store, sess := brokenStore(t, time.Minute)

	n, err := store.PruneExpired(time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Zero(t, n)
	require.Len(t, store.List(), 1)
	assert.Equal(t, sess.ID, store.List()[0].ID)
}

func TestStore_Revoke(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	sess, err := store.Create("alice", RoleOperator, 0)
	require.NoError(t, err)

	ok, err := store.Revoke(sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, store.IsAuthenticated(sess.ID))

	ok, err = store.Revoke(sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	sess, err := store.Create("alice", RoleAdmin, 0)
	require.NoError(t, err)
	token, err := store.Rotate(sess.ID)
	require.NoError(t, err)

	reloaded, err := NewStore(dir)
	require.NoError(t, err)
	cur, err := reloaded.CurrentToken(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, token, cur)

	info, err := os.Stat(filepath.Join(dir, "sessions.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStore_SeesChangesFromAnotherProcess(t *testing.T) {
	dir := t.TempDir()
	server, err := NewStore(dir)
	require.NoError(t, err)
	cli, err := NewStore(dir)
	require.NoError(t, err)

	sess, err := cli.Create("bob", RoleOperator, 0)
	require.NoError(t, err)
	assert.True(t, server.IsAuthenticated(sess.ID))

	// The server rotates; the CLI's next revoke must not resurrect it.
	_, err = server.Rotate(sess.ID)
	require.NoError(t, err)
	ok, err := cli.Revoke(sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, server.IsAuthenticated(sess.ID))
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.json"), []byte("{not json"), 0600))
	_, err := NewStore(dir)
	assert.Error(t, err)
}

func TestStore_ConcurrentRotate(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	sess, err := store.Create("alice", RoleOperator, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Rotate(sess.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.True(t, store.IsAuthenticated(sess.ID))
}

func TestVerifyToken(t *testing.T) {
	tok := GenerateToken()
	assert.True(t, VerifyToken(tok, tok))
	assert.False(t, VerifyToken(tok+"x", tok))
	assert.False(t, VerifyToken("", ""))
	assert.NotEqual(t, GenerateToken(), GenerateToken())
}
