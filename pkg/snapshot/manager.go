package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

const (
	defaultLockGrace = 5 * time.Minute
	defaultMaxAge    = 14 * 24 * time.Hour

	memFileName     = "mem.img"
	vmstateFileName = "vmstate.img"
	diskFileName    = "disk.img"
)

// Manager captures and restores live micro-VM state. A snapshot only
// becomes restorable once its metadata row is marked ready; partially
// written images without metadata are invisible.
type Manager struct {
	config  types.SnapshotConfig
	backend repository.BackendRepository
	archive *Archive

	// uploads tracks in-flight async archive pushes so shutdown can drain.
	uploads sync.WaitGroup
}

func NewManager(cfg types.SnapshotConfig, backend repository.BackendRepository, archive *Archive) *Manager {
	if cfg.LockGrace == 0 {
		cfg.LockGrace = defaultLockGrace
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = defaultMaxAge
	}
	return &Manager{
		config:  cfg,
		backend: backend,
		archive: archive,
	}
}

// Create captures a snapshot of a paused-then-resumed instance. The source
// instance is resumed on every path out of this function, success or
// failure; a snapshot is never worth a dead environment.
func (m *Manager) Create(ctx context.Context, drv driver.Pausable, inst *driver.Instance, env *types.Environment, commitSHA string) (*types.Snapshot, error) {
	snap := &types.Snapshot{
		Backend:   env.Backend,
		RepoOwner: env.RepoOwner,
		RepoName:  env.RepoName,
		Branch:    env.Branch,
		CommitSHA: commitSHA,
	}
	if err := m.backend.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	dir := filepath.Join(m.config.Dir, snap.ExternalId)
	if err := os.MkdirAll(m.config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot root: %w", err)
	}

	lock := common.NewFileLock(m.keyLockPath(env.RepoOwner, env.RepoName, env.Branch), m.config.LockGrace)
	if err := lock.Acquire(m.config.LockGrace); err != nil {
		m.backend.MarkSnapshotFailed(ctx, snap.ExternalId, err.Error())
		return nil, err
	}
	defer lock.Release()

	if err := m.capture(ctx, drv, inst, snap, dir); err != nil {
		m.backend.MarkSnapshotFailed(ctx, snap.ExternalId, err.Error())
		os.RemoveAll(dir)
		return nil, err
	}

	// Metadata last: only now does the snapshot exist as far as restores
	// are concerned.
	if err := m.backend.MarkSnapshotReady(ctx, snap); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	log.Info().
		Str("snapshot", snap.ExternalId).
		Str("repo", snap.RepoKey()).
		Int64("bytes", snap.SizeBytes()).
		Msg("snapshot created")

	if m.archive != nil {
		m.uploads.Add(1)
		go m.archiveAsync(snap)
	}

	return snap, nil
}

// capture runs the pause/capture/resume sequence. The deferred resume runs
// on every exit path, including capture errors.
func (m *Manager) capture(ctx context.Context, drv driver.Pausable, inst *driver.Instance, snap *types.Snapshot, dir string) (err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	if err := drv.Pause(ctx, inst); err != nil {
		return fmt.Errorf("failed to pause instance: %w", err)
	}
	defer func() {
		// Resume must run even when capture failed; use a fresh context in
		// case the caller's was what broke.
		resumeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if resumeErr := drv.Resume(resumeCtx, inst); resumeErr != nil {
			log.Error().Err(resumeErr).Str("instance", inst.Name).Msg("failed to resume after capture")
			if err == nil {
				err = fmt.Errorf("failed to resume after capture: %w", resumeErr)
			}
		}
	}()

	paused, err := drv.Paused(ctx, inst)
	if err != nil {
		return fmt.Errorf("failed to verify pause: %w", err)
	}
	if !paused {
		return fmt.Errorf("instance did not pause")
	}

	memPath := filepath.Join(dir, memFileName)
	vmstatePath := filepath.Join(dir, vmstateFileName)
	diskPath := filepath.Join(dir, diskFileName)

	if err := drv.CaptureState(ctx, inst, memPath, vmstatePath); err != nil {
		return fmt.Errorf("failed to capture state: %w", err)
	}

	if err := common.CloneDisk(drv.DiskPath(inst), diskPath); err != nil {
		return fmt.Errorf("failed to clone disk: %w", err)
	}

	snap.MemPath = memPath
	snap.VMStatePath = vmstatePath
	snap.DiskPath = diskPath
	snap.MemBytes = fileSize(memPath)
	snap.VMStateBytes = fileSize(vmstatePath)
	snap.DiskBytes = fileSize(diskPath)

	return nil
}

// Restore boots a fresh instance from the ready snapshot for a repo key.
// The snapshot's own disk stays untouched; the new instance gets a CoW
// clone under a fresh identity.
func (m *Manager) Restore(ctx context.Context, drv driver.Pausable, params driver.BootParams, owner, repo, branch string) (*driver.Instance, *types.Snapshot, error) {
	snap, err := m.backend.GetReadySnapshot(ctx, owner, repo, branch)
	if err != nil {
		return nil, nil, err
	}

	if err := m.ensureLocal(ctx, snap); err != nil {
		return nil, nil, err
	}

	diskClone := filepath.Join(m.config.Dir, snap.ExternalId, "restore-"+params.Name+".img")
	if err := common.CloneDisk(snap.DiskPath, diskClone); err != nil {
		return nil, nil, fmt.Errorf("failed to clone snapshot disk: %w", err)
	}

	inst, err := drv.LoadState(ctx, params, snap, diskClone)
	if err != nil {
		os.Remove(diskClone)
		return nil, nil, err
	}

	if err := m.backend.IncrementSnapshotUsage(ctx, snap.ExternalId); err != nil {
		log.Warn().Err(err).Str("snapshot", snap.ExternalId).Msg("failed to bump snapshot usage")
	}

	log.Info().
		Str("snapshot", snap.ExternalId).
		Str("instance", inst.Name).
		Msg("restored from snapshot")

	return inst, snap, nil
}

// Invalidate demotes the ready snapshot for a key so the next request takes
// the fresh path.
func (m *Manager) Invalidate(ctx context.Context, owner, repo, branch string) error {
	return m.backend.InvalidateSnapshots(ctx, owner, repo, branch)
}

// Cleanup deletes snapshots past the retention age, records and images
// both. Deletions across snapshots run in parallel.
func (m *Manager) Cleanup(ctx context.Context) error {
	old, err := m.backend.ListSnapshotsOlderThan(ctx, m.config.MaxAge)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, snap := range old {
		snap := snap
		g.Go(func() error {
			if err := m.backend.DeleteSnapshot(ctx, snap.ExternalId); err != nil {
				return err
			}
			if err := os.RemoveAll(filepath.Join(m.config.Dir, snap.ExternalId)); err != nil {
				log.Error().Err(err).Str("snapshot", snap.ExternalId).Msg("failed to remove snapshot dir")
			}
			log.Info().Str("snapshot", snap.ExternalId).Msg("aged snapshot removed")
			return nil
		})
	}

	return g.Wait()
}

// WaitUploads drains in-flight archive uploads; called on shutdown.
func (m *Manager) WaitUploads() {
	m.uploads.Wait()
}

func (m *Manager) archiveAsync(snap *types.Snapshot) {
	defer m.uploads.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	key, err := m.archive.Upload(ctx, snap)
	if err != nil {
		log.Error().Err(err).Str("snapshot", snap.ExternalId).Msg("snapshot archive upload failed")
		return
	}

	if err := m.backend.SetSnapshotS3Key(ctx, snap.ExternalId, key); err != nil {
		log.Error().Err(err).Str("snapshot", snap.ExternalId).Msg("failed to record archive key")
	}
}

// ensureLocal downloads archived images when the local files are missing
// (restore on a different host than the capture).
func (m *Manager) ensureLocal(ctx context.Context, snap *types.Snapshot) error {
	if _, err := os.Stat(snap.MemPath); err == nil {
		return nil
	}

	if m.archive == nil {
		return fmt.Errorf("snapshot %s images missing locally and no archive configured", snap.ExternalId)
	}

	log.Info().Str("snapshot", snap.ExternalId).Msg("downloading snapshot from archive")
	return m.archive.Download(ctx, snap)
}

func (m *Manager) keyLockPath(owner, repo, branch string) string {
	return filepath.Join(m.config.Dir, fmt.Sprintf("%s-%s-%s.lock", owner, repo, branch))
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
