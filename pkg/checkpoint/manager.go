package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// Manager is the filesystem-commit analog of the snapshot manager for
// backends that cannot pause live state. A checkpoint is an immutable image
// of a fully-installed workspace; restoring one skips boot, clone, and
// install entirely.
type Manager struct {
	config  types.CheckpointConfig
	backend repository.BackendRepository
}

func NewManager(cfg types.CheckpointConfig, backend repository.BackendRepository) *Manager {
	if cfg.ImagePrefix == "" {
		cfg.ImagePrefix = "drydock-checkpoint"
	}
	return &Manager{config: cfg, backend: backend}
}

// Create commits the instance filesystem to an image tag and records it as
// the ready checkpoint for the repo key, superseding any previous one.
func (m *Manager) Create(ctx context.Context, drv driver.Committable, inst *driver.Instance, env *types.Environment, commitSHA string) (*types.Checkpoint, error) {
	tag := m.imageTag(env, commitSHA)

	cp := &types.Checkpoint{
		ImageTag:    tag,
		SourceEnvId: env.Id,
		RepoOwner:   env.RepoOwner,
		RepoName:    env.RepoName,
		Branch:      env.Branch,
		CommitSHA:   commitSHA,
	}
	if err := m.backend.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	if err := drv.CommitImage(ctx, inst, tag); err != nil {
		m.backend.MarkCheckpointFailed(ctx, cp.ExternalId, err.Error())
		return nil, err
	}

	if err := m.backend.MarkCheckpointReady(ctx, cp); err != nil {
		return nil, err
	}

	log.Info().
		Str("checkpoint", cp.ExternalId).
		Str("tag", tag).
		Str("repo", cp.RepoKey()).
		Msg("checkpoint created")

	return cp, nil
}

// Restore boots a fresh instance from the ready checkpoint image. The
// caller is responsible for refreshing the workspace to the branch head
// afterwards; the image is only guaranteed fresh as of its commit SHA.
func (m *Manager) Restore(ctx context.Context, drv driver.Committable, params driver.BootParams, owner, repo, branch string) (*driver.Instance, *types.Checkpoint, error) {
	cp, err := m.backend.GetReadyCheckpoint(ctx, owner, repo, branch)
	if err != nil {
		return nil, nil, err
	}

	inst, err := drv.BootFromImage(ctx, params, cp.ImageTag)
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("checkpoint", cp.ExternalId).
		Str("instance", inst.Name).
		Msg("restored from checkpoint")

	return inst, cp, nil
}

// Invalidate demotes the ready checkpoint for a key.
func (m *Manager) Invalidate(ctx context.Context, owner, repo, branch string) error {
	return m.backend.InvalidateCheckpoints(ctx, owner, repo, branch)
}

func (m *Manager) imageTag(env *types.Environment, commitSHA string) string {
	sha := commitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	tag := fmt.Sprintf("%s/%s-%s-%s:%s-%d",
		m.config.ImagePrefix, env.RepoOwner, env.RepoName, sanitizeTag(env.Branch), sha, time.Now().Unix())
	return strings.ToLower(tag)
}

func sanitizeTag(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
