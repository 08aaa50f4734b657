package lifecycle

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// StatusReport is an async callback delivered by a remote host or agent.
type StatusReport struct {
	ResourceName string                  `json:"resourceName"`
	Secret       string                  `json:"secret"`
	Status       types.EnvironmentStatus `json:"status"`
	Error        string                  `json:"error,omitempty"`
	LogTail      string                  `json:"logTail,omitempty"`
}

// CaptureReport is an async callback for a remote-side snapshot or
// checkpoint capture.
type CaptureReport struct {
	ResourceName string `json:"resourceName"`
	Secret       string `json:"secret"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`

	CommitSHA    string `json:"commitSha,omitempty"`
	ImageTag     string `json:"imageTag,omitempty"`
	S3Key        string `json:"s3Key,omitempty"`
	MemBytes     int64  `json:"memBytes,omitempty"`
	VMStateBytes int64  `json:"vmstateBytes,omitempty"`
	DiskBytes    int64  `json:"diskBytes,omitempty"`
}

// ApplyStatusReport applies a remote status callback to the environment it
// names. Delivery is at-least-once and unordered, so application is
// rank-based: stale or duplicate reports are acknowledged without effect.
func (c *Controller) ApplyStatusReport(ctx context.Context, report StatusReport) error {
	env, err := c.authenticate(ctx, report.ResourceName, report.Secret)
	if err != nil {
		return err
	}

	if report.Status.Rank() < 0 {
		return &types.ErrInvalidTransition{From: env.Status, To: report.Status}
	}

	// Duplicate or out-of-order delivery: acknowledge, change nothing.
	if report.Status == env.Status || !env.Status.CanTransitionTo(report.Status) {
		log.Debug().
			Str("environment", env.ExternalId).
			Str("current", string(env.Status)).
			Str("reported", string(report.Status)).
			Msg("ignoring stale status report")
		return nil
	}
	if report.Status.Rank() <= env.Status.Rank() && report.Status != types.EnvironmentStatusFailed {
		return nil
	}

	switch report.Status {
	case types.EnvironmentStatusReady:
		// A host reporting ready has answered its own health probe.
		if err := c.backend.SetEnvironmentReady(ctx, env.ExternalId, true); err != nil {
			return err
		}
	case types.EnvironmentStatusFailed:
		if err := c.backend.SetEnvironmentFailed(ctx, env.ExternalId, report.Error, truncateBytes(report.LogTail, logTailMaxBytes)); err != nil {
			return err
		}
	default:
		if err := c.backend.UpdateEnvironmentStatus(ctx, env.ExternalId, report.Status); err != nil {
			return err
		}
		if report.LogTail != "" {
			if err := c.backend.AppendEnvironmentLogTail(ctx, env.ExternalId, truncateBytes(report.LogTail, logTailMaxBytes)); err != nil {
				log.Warn().Err(err).Str("environment", env.ExternalId).Msg("failed to append log tail")
			}
		}
	}

	if c.runtime != nil {
		if err := c.runtime.SetEnvironmentState(ctx, env.HostName, report.Status); err != nil {
			log.Warn().Err(err).Str("environment", env.ExternalId).Msg("failed to mirror reported state")
		}
		if report.LogTail != "" {
			lines := strings.Split(strings.TrimRight(report.LogTail, "\n"), "\n")
			if err := c.runtime.PushLogLines(ctx, env.HostName, lines); err != nil {
				log.Warn().Err(err).Str("environment", env.ExternalId).Msg("failed to push reported log lines")
			}
		}
	}

	log.Info().
		Str("environment", env.ExternalId).
		Str("status", string(report.Status)).
		Msg("applied status report")

	return nil
}

// ApplySnapshotReport records a remote-side snapshot capture for the
// reporting environment's repo key.
func (c *Controller) ApplySnapshotReport(ctx context.Context, report CaptureReport) error {
	env, err := c.authenticate(ctx, report.ResourceName, report.Secret)
	if err != nil {
		return err
	}

	// Redelivered completion: the capture is already recorded, acknowledge
	// without inserting another row.
	if report.Status == string(types.SnapshotStatusReady) {
		if existing, err := c.backend.GetReadySnapshot(ctx, env.RepoOwner, env.RepoName, env.Branch); err == nil && existing.CommitSHA == report.CommitSHA {
			log.Debug().
				Str("snapshot", existing.ExternalId).
				Str("repo", existing.RepoKey()).
				Msg("ignoring redelivered snapshot report")
			return nil
		}
	}

	snap := &types.Snapshot{
		Backend:   env.Backend,
		RepoOwner: env.RepoOwner,
		RepoName:  env.RepoName,
		Branch:    env.Branch,
		CommitSHA: report.CommitSHA,
	}
	if err := c.backend.CreateSnapshot(ctx, snap); err != nil {
		return err
	}

	if report.Status != string(types.SnapshotStatusReady) {
		return c.backend.MarkSnapshotFailed(ctx, snap.ExternalId, report.Error)
	}

	snap.S3Key = report.S3Key
	snap.MemBytes = report.MemBytes
	snap.VMStateBytes = report.VMStateBytes
	snap.DiskBytes = report.DiskBytes
	if err := c.backend.MarkSnapshotReady(ctx, snap); err != nil {
		return err
	}
	if report.S3Key != "" {
		if err := c.backend.SetSnapshotS3Key(ctx, snap.ExternalId, report.S3Key); err != nil {
			log.Warn().Err(err).Str("snapshot", snap.ExternalId).Msg("failed to record reported archive key")
		}
	}

	log.Info().
		Str("snapshot", snap.ExternalId).
		Str("repo", snap.RepoKey()).
		Msg("applied snapshot report")

	return nil
}

// ApplyCheckpointReport records a remote-side checkpoint commit for the
// reporting environment's repo key.
func (c *Controller) ApplyCheckpointReport(ctx context.Context, report CaptureReport) error {
	env, err := c.authenticate(ctx, report.ResourceName, report.Secret)
	if err != nil {
		return err
	}

	// Redelivered completion: the commit is already recorded.
	if report.Status == string(types.SnapshotStatusReady) {
		if existing, err := c.backend.GetReadyCheckpoint(ctx, env.RepoOwner, env.RepoName, env.Branch); err == nil && existing.ImageTag == report.ImageTag {
			log.Debug().
				Str("checkpoint", existing.ExternalId).
				Str("repo", existing.RepoKey()).
				Msg("ignoring redelivered checkpoint report")
			return nil
		}
	}

	cp := &types.Checkpoint{
		ImageTag:    report.ImageTag,
		SourceEnvId: env.Id,
		RepoOwner:   env.RepoOwner,
		RepoName:    env.RepoName,
		Branch:      env.Branch,
		CommitSHA:   report.CommitSHA,
	}
	if err := c.backend.CreateCheckpoint(ctx, cp); err != nil {
		return err
	}

	if report.Status != string(types.SnapshotStatusReady) {
		return c.backend.MarkCheckpointFailed(ctx, cp.ExternalId, report.Error)
	}

	if err := c.backend.MarkCheckpointReady(ctx, cp); err != nil {
		return err
	}

	log.Info().
		Str("checkpoint", cp.ExternalId).
		Str("repo", cp.RepoKey()).
		Msg("applied checkpoint report")

	return nil
}

// Heartbeat refreshes an environment's keep-alive. Used by the host agent's
// periodic resource report.
func (c *Controller) Heartbeat(ctx context.Context, resourceName, secret string) error {
	env, err := c.authenticate(ctx, resourceName, secret)
	if err != nil {
		return err
	}

	if err := c.backend.TouchEnvironment(ctx, env.ExternalId); err != nil {
		return err
	}
	if c.runtime != nil {
		if err := c.runtime.SetEnvironmentKeepAlive(ctx, env.HostName); err != nil {
			log.Warn().Err(err).Str("environment", env.ExternalId).Msg("failed to refresh keep-alive")
		}
	}
	return nil
}

// authenticate resolves a callback's resource name and verifies its secret.
// The secret must match exactly; a mismatch is never applied as state.
func (c *Controller) authenticate(ctx context.Context, resourceName, secret string) (*types.Environment, error) {
	env, err := c.backend.GetEnvironmentByHostName(ctx, resourceName)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(env.CallbackSecret), []byte(secret)) != 1 {
		return nil, &types.ErrSecretMismatch{Resource: resourceName}
	}

	return env, nil
}
