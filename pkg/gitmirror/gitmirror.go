package gitmirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/types"
)

const (
	defaultLockWait     = 120 * time.Second
	defaultRetention    = 7 * 24 * time.Hour
	defaultHeadCacheTTL = 30 * time.Second
	headCacheSize       = 512

	gitTimeout = 5 * time.Minute
)

type headEntry struct {
	sha        string
	resolvedAt time.Time
}

// MirrorCache keeps one bare mirror per (owner, repo) under the cache root
// so repeated environment provisioning never re-downloads full history.
type MirrorCache struct {
	config     types.MirrorConfig
	exec       executor.CommandExecutor
	remoteBase string
	headCache  *lru.Cache[string, headEntry]
}

type Option func(*MirrorCache)

// WithRemoteBase overrides the remote URL base (tests point it at a local
// filesystem remote).
func WithRemoteBase(base string) Option {
	return func(m *MirrorCache) {
		m.remoteBase = base
	}
}

// WithExecutor overrides the command executor.
func WithExecutor(e executor.CommandExecutor) Option {
	return func(m *MirrorCache) {
		m.exec = e
	}
}

func NewMirrorCache(cfg types.MirrorConfig, opts ...Option) (*MirrorCache, error) {
	if cfg.GitBinary == "" {
		cfg.GitBinary = "git"
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = defaultLockWait
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.HeadCacheTTL == 0 {
		cfg.HeadCacheTTL = defaultHeadCacheTTL
	}

	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror cache dir: %w", err)
	}

	cache, err := lru.New[string, headEntry](headCacheSize)
	if err != nil {
		return nil, err
	}

	m := &MirrorCache{
		config:     cfg,
		exec:       executor.NewLocalExecutor(),
		remoteBase: "https://github.com",
		headCache:  cache,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// MirrorPath returns the on-disk location of a repo's bare mirror.
func (m *MirrorCache) MirrorPath(owner, repo string) string {
	return filepath.Join(m.config.CacheDir, owner, repo+".git")
}

func (m *MirrorCache) remoteURL(owner, repo, credential string) string {
	if credential != "" && strings.HasPrefix(m.remoteBase, "https://") {
		return fmt.Sprintf("https://x-access-token:%s@%s/%s/%s.git",
			credential, strings.TrimPrefix(m.remoteBase, "https://"), owner, repo)
	}
	return fmt.Sprintf("%s/%s/%s.git", m.remoteBase, owner, repo)
}

// EnsureFresh guarantees the mirror for (owner, repo) exists and carries the
// latest commits for the branch, returning the branch head SHA. Concurrent
// callers for the same repo serialize on a marker-file lock with a bounded
// wait; a holder that crashed mid-fetch is forced out.
func (m *MirrorCache) EnsureFresh(ctx context.Context, owner, repo, branch, credential string) (string, error) {
	mirrorPath := m.MirrorPath(owner, repo)
	if err := os.MkdirAll(filepath.Dir(mirrorPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create mirror parent dir: %w", err)
	}

	lock := common.NewFileLock(mirrorPath+".lock", m.config.LockWait)
	if err := lock.Acquire(m.config.LockWait); err != nil {
		return "", err
	}
	defer lock.Release()

	remoteURL := m.remoteURL(owner, repo, credential)

	if _, err := os.Stat(mirrorPath); os.IsNotExist(err) {
		log.Info().Str("owner", owner).Str("repo", repo).Msg("mirror miss, cloning")

		res, err := m.git(ctx, "", "clone", "--mirror", remoteURL, mirrorPath)
		if err != nil {
			return "", err
		}
		if !res.Ok() {
			return "", fmt.Errorf("mirror clone failed (exit %d): %s", res.ExitCode, res.Stderr)
		}
	} else {
		// The remote URL embeds the credential, which rotates; reset it
		// before every fetch.
		res, err := m.git(ctx, mirrorPath, "remote", "set-url", "origin", remoteURL)
		if err != nil {
			return "", err
		}
		if !res.Ok() {
			return "", fmt.Errorf("mirror set-url failed (exit %d): %s", res.ExitCode, res.Stderr)
		}

		res, err = m.git(ctx, mirrorPath, "fetch", "--prune", "origin")
		if err != nil {
			return "", err
		}
		if !res.Ok() {
			return "", fmt.Errorf("mirror fetch failed (exit %d): %s", res.ExitCode, res.Stderr)
		}
	}

	sha, err := m.localHead(ctx, mirrorPath, branch)
	if err != nil {
		return "", err
	}

	m.headCache.Add(headCacheKey(owner, repo, branch), headEntry{sha: sha, resolvedAt: time.Now()})
	return sha, nil
}

// CloneLocal clones a working tree from the mirror (filesystem remote, no
// network) and re-points origin at the authenticated URL so later fetches in
// the environment reach the real remote.
func (m *MirrorCache) CloneLocal(ctx context.Context, owner, repo, branch, credential, dest string) error {
	mirrorPath := m.MirrorPath(owner, repo)
	if _, err := os.Stat(mirrorPath); err != nil {
		return fmt.Errorf("mirror missing for %s/%s: %w", owner, repo, err)
	}

	res, err := m.git(ctx, "", "clone", "--branch", branch, mirrorPath, dest)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("local clone failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	res, err = m.git(ctx, dest, "remote", "set-url", "origin", m.remoteURL(owner, repo, credential))
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("clone set-url failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	return nil
}

// RemoteHead resolves the remote branch tip without a full fetch. Results
// are served from an in-process cache inside the TTL so snapshot freshness
// checks do not hammer the remote.
func (m *MirrorCache) RemoteHead(ctx context.Context, owner, repo, branch, credential string) (string, error) {
	key := headCacheKey(owner, repo, branch)
	if entry, ok := m.headCache.Get(key); ok {
		if time.Since(entry.resolvedAt) < m.config.HeadCacheTTL {
			return entry.sha, nil
		}
		m.headCache.Remove(key)
	}

	res, err := m.git(ctx, "", "ls-remote", m.remoteURL(owner, repo, credential), "refs/heads/"+branch)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("ls-remote failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return "", fmt.Errorf("branch not found on remote: %s", branch)
	}
	sha := fields[0]

	m.headCache.Add(key, headEntry{sha: sha, resolvedAt: time.Now()})
	return sha, nil
}

// Cleanup removes mirrors whose last fetch is older than the retention
// window. Locked mirrors are skipped and retried on the next sweep.
func (m *MirrorCache) Cleanup(ctx context.Context) error {
	owners, err := os.ReadDir(m.config.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read mirror cache dir: %w", err)
	}

	cutoff := time.Now().Add(-m.config.Retention)

	for _, ownerDir := range owners {
		if !ownerDir.IsDir() {
			continue
		}

		ownerPath := filepath.Join(m.config.CacheDir, ownerDir.Name())
		repos, err := os.ReadDir(ownerPath)
		if err != nil {
			continue
		}

		for _, repoDir := range repos {
			mirrorPath := filepath.Join(ownerPath, repoDir.Name())
			if !strings.HasSuffix(mirrorPath, ".git") {
				continue
			}

			if m.lastFetched(mirrorPath).After(cutoff) {
				continue
			}

			lock := common.NewFileLock(mirrorPath+".lock", m.config.LockWait)
			if err := lock.Acquire(time.Second); err != nil {
				continue
			}

			log.Info().Str("mirror", mirrorPath).Msg("removing idle mirror")
			if err := os.RemoveAll(mirrorPath); err != nil {
				log.Error().Err(err).Str("mirror", mirrorPath).Msg("failed to remove mirror")
			}
			lock.Release()
		}
	}

	return nil
}

// lastFetched approximates mirror freshness from FETCH_HEAD, falling back to
// the directory mtime for never-fetched clones.
func (m *MirrorCache) lastFetched(mirrorPath string) time.Time {
	if info, err := os.Stat(filepath.Join(mirrorPath, "FETCH_HEAD")); err == nil {
		return info.ModTime()
	}
	if info, err := os.Stat(mirrorPath); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

func (m *MirrorCache) localHead(ctx context.Context, mirrorPath, branch string) (string, error) {
	res, err := m.git(ctx, mirrorPath, "rev-parse", branch)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", fmt.Errorf("rev-parse failed for branch %s (exit %d): %s", branch, res.ExitCode, res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// git runs the git binary argv-style; repo names and URLs never pass
// through a shell.
func (m *MirrorCache) git(ctx context.Context, workDir string, args ...string) (*executor.Result, error) {
	return m.exec.RunCommand(ctx, m.config.GitBinary, args, executor.RunOptions{
		Timeout: gitTimeout,
		WorkDir: workDir,
	})
}

func headCacheKey(owner, repo, branch string) string {
	return owner + "/" + repo + "@" + branch
}
