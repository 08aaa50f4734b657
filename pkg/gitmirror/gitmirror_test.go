package gitmirror

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// newTestRemote builds a real git repo under base/owner/repo.git that the
// cache can clone over a filesystem remote.
func newTestRemote(t *testing.T, base, owner, repo string) string {
	t.Helper()

	dir := filepath.Join(base, owner, repo+".git")
	require.NoError(t, os.MkdirAll(dir, 0755))

	run := func(workDir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = workDir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	work := t.TempDir()
	run(work, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(work, "README.md"), []byte("hello\n"), 0644))
	run(work, "add", ".")
	run(work, "commit", "-m", "initial")
	run(work, "clone", "--bare", work, dir)

	return dir
}

func newTestCache(t *testing.T, remoteBase string) *MirrorCache {
	t.Helper()

	cache, err := NewMirrorCache(types.MirrorConfig{
		CacheDir: t.TempDir(),
		LockWait: 5 * time.Second,
	}, WithRemoteBase(remoteBase))
	require.NoError(t, err)
	return cache
}

func TestEnsureFreshClonesAndFetches(t *testing.T) {
	remoteBase := t.TempDir()
	newTestRemote(t, remoteBase, "acme", "webapp")

	cache := newTestCache(t, remoteBase)
	ctx := context.Background()

	// Miss: full mirror clone.
	sha, err := cache.EnsureFresh(ctx, "acme", "webapp", "main", "")
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	_, err = os.Stat(cache.MirrorPath("acme", "webapp"))
	assert.NoError(t, err, "mirror should exist on disk")

	// Hit: fetch path resolves the same head.
	again, err := cache.EnsureFresh(ctx, "acme", "webapp", "main", "")
	require.NoError(t, err)
	assert.Equal(t, sha, again)
}

func TestCloneLocalFromMirror(t *testing.T) {
	remoteBase := t.TempDir()
	newTestRemote(t, remoteBase, "acme", "webapp")

	cache := newTestCache(t, remoteBase)
	ctx := context.Background()

	_, err := cache.EnsureFresh(ctx, "acme", "webapp", "main", "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "checkout")
	require.NoError(t, cache.CloneLocal(ctx, "acme", "webapp", "main", "", dest))

	content, err := os.ReadFile(filepath.Join(dest, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestRemoteHeadCached(t *testing.T) {
	remoteBase := t.TempDir()
	newTestRemote(t, remoteBase, "acme", "webapp")

	cache := newTestCache(t, remoteBase)
	ctx := context.Background()

	sha, err := cache.RemoteHead(ctx, "acme", "webapp", "main", "")
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	// A second lookup inside the TTL is a cache hit and agrees.
	cached, err := cache.RemoteHead(ctx, "acme", "webapp", "main", "")
	require.NoError(t, err)
	assert.Equal(t, sha, cached)
}

func TestCleanupRemovesIdleMirrors(t *testing.T) {
	remoteBase := t.TempDir()
	newTestRemote(t, remoteBase, "acme", "webapp")

	cache := newTestCache(t, remoteBase)
	ctx := context.Background()

	_, err := cache.EnsureFresh(ctx, "acme", "webapp", "main", "")
	require.NoError(t, err)

	// Retention of zero means everything is overdue.
	cache.config.Retention = time.Nanosecond
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, cache.Cleanup(ctx))

	_, err = os.Stat(cache.MirrorPath("acme", "webapp"))
	assert.True(t, os.IsNotExist(err), "idle mirror should be removed")
}
