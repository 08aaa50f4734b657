package lifecycle

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

const (
	defaultHealthAttempts = 60
	defaultHealthInterval = 500 * time.Millisecond
	defaultCeiling        = 15 * time.Minute
	defaultLogTailLines   = 100
	defaultInstallTimeout = 10 * time.Minute

	// logTailMaxBytes caps any stored log tail, whether from a local
	// provisioning run or a remote callback report.
	logTailMaxBytes = 32 * 1024
)

// Mirror is the slice of the mirror cache the controller needs.
type Mirror interface {
	EnsureFresh(ctx context.Context, owner, repo, branch, credential string) (string, error)
}

// SnapshotManager is the slice of the snapshot manager the controller needs.
type SnapshotManager interface {
	Create(ctx context.Context, drv driver.Pausable, inst *driver.Instance, env *types.Environment, commitSHA string) (*types.Snapshot, error)
	Restore(ctx context.Context, drv driver.Pausable, params driver.BootParams, owner, repo, branch string) (*driver.Instance, *types.Snapshot, error)
}

// CheckpointManager is the slice of the checkpoint manager the controller needs.
type CheckpointManager interface {
	Create(ctx context.Context, drv driver.Committable, inst *driver.Instance, env *types.Environment, commitSHA string) (*types.Checkpoint, error)
	Restore(ctx context.Context, drv driver.Committable, params driver.BootParams, owner, repo, branch string) (*driver.Instance, *types.Checkpoint, error)
}

// Controller owns the environment state machine. It is the only component
// that marks an environment failed; everything else reports through it.
type Controller struct {
	config      types.LifecycleConfig
	backend     repository.BackendRepository
	runtime     repository.RuntimeRepository
	drivers     map[types.BackendKind]driver.Driver
	mirror      Mirror
	snapshots   SnapshotManager
	checkpoints CheckpointManager
	ports       *common.PortAllocator
	callbackURL string

	mu        sync.Mutex
	instances map[string]*driver.Instance
}

type Params struct {
	Config      types.LifecycleConfig
	Backend     repository.BackendRepository
	Runtime     repository.RuntimeRepository
	Drivers     map[types.BackendKind]driver.Driver
	Mirror      Mirror
	Snapshots   SnapshotManager
	Checkpoints CheckpointManager
	Ports       *common.PortAllocator
	CallbackURL string
}

func NewController(p Params) *Controller {
	cfg := p.Config
	if cfg.HealthAttempts == 0 {
		cfg.HealthAttempts = defaultHealthAttempts
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.ProvisionCeiling == 0 {
		cfg.ProvisionCeiling = defaultCeiling
	}
	if cfg.LogTailLines == 0 {
		cfg.LogTailLines = defaultLogTailLines
	}
	if cfg.InstallTimeout == 0 {
		cfg.InstallTimeout = defaultInstallTimeout
	}
	if cfg.CloneTimeout == 0 {
		cfg.CloneTimeout = 5 * time.Minute
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "/workspace"
	}

	return &Controller{
		config:      cfg,
		backend:     p.Backend,
		runtime:     p.Runtime,
		drivers:     p.Drivers,
		mirror:      p.Mirror,
		snapshots:   p.Snapshots,
		checkpoints: p.Checkpoints,
		ports:       p.Ports,
		callbackURL: p.CallbackURL,
		instances:   make(map[string]*driver.Instance),
	}
}

// RequestEnvironment records a new environment and returns immediately;
// provisioning continues in a detached goroutine. An existing live
// environment for the same (repo, branch) is superseded first.
func (c *Controller) RequestEnvironment(ctx context.Context, owner, repo, branch string, backend types.BackendKind) (*types.Environment, error) {
	if !backend.Valid() {
		return nil, fmt.Errorf("unknown backend kind: %s", backend)
	}
	if _, ok := c.drivers[backend]; !ok {
		return nil, fmt.Errorf("backend not configured: %s", backend)
	}

	// Supersede rule: one live environment per repo key.
	if existing, err := c.backend.GetActiveEnvironmentForRepo(ctx, owner, repo, branch); err == nil {
		log.Info().
			Str("environment", existing.ExternalId).
			Str("repo", existing.RepoKey()).
			Msg("superseding live environment")
		if err := c.Teardown(ctx, existing.ExternalId); err != nil {
			log.Warn().Err(err).Str("environment", existing.ExternalId).Msg("supersede teardown failed")
		}
	}

	env := &types.Environment{
		Backend:        backend,
		RepoOwner:      owner,
		RepoName:       repo,
		Branch:         branch,
		Status:         types.EnvironmentStatusRequested,
		HostName:       common.GenerateEnvironmentName(),
		CallbackSecret: common.GenerateSecret(),
	}
	if err := c.backend.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}

	// Detached: the request context dies with the HTTP request.
	go c.provision(env)

	return env, nil
}

// provision walks an environment through the state machine to ready or
// failed. It runs in its own goroutine with the provisioning ceiling as its
// deadline.
func (c *Controller) provision(env *types.Environment) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ProvisionCeiling)
	defer cancel()

	drv := c.drivers[env.Backend]

	port, err := c.ports.Allocate()
	if err != nil {
		c.markFailed(ctx, env, err, "")
		return
	}
	env.AppPort = port

	headSHA, err := c.mirror.EnsureFresh(ctx, env.RepoOwner, env.RepoName, env.Branch, c.config.GitCredential)
	if err != nil {
		c.ports.Release(port)
		c.markFailed(ctx, env, err, "")
		return
	}

	params := driver.BootParams{
		Name:        env.HostName,
		AppPort:     port,
		CallbackURL: c.callbackURL,
		Secret:      env.CallbackSecret,
		RepoOwner:   env.RepoOwner,
		RepoName:    env.RepoName,
		Branch:      env.Branch,
	}

	var logs logRing
	inst, restored, err := c.provisionInstance(ctx, env, drv, params, headSHA, &logs)
	if err != nil {
		c.ports.Release(port)
		c.markFailed(ctx, env, err, logs.tail(c.config.LogTailLines))
		return
	}

	c.registerInstance(env.ExternalId, inst)

	if err := c.backend.SetEnvironmentNetwork(ctx, env.ExternalId, inst.Address, port); err != nil {
		log.Warn().Err(err).Str("environment", env.ExternalId).Msg("failed to record network")
	}
	if restored {
		if err := c.backend.SetEnvironmentRestored(ctx, env.ExternalId, true); err != nil {
			log.Warn().Err(err).Str("environment", env.ExternalId).Msg("failed to record restore flag")
		}
	}

	if err := c.transition(ctx, env, types.EnvironmentStatusStarting); err != nil {
		c.markFailed(ctx, env, err, logs.tail(c.config.LogTailLines))
		return
	}
	if err := drv.StartServer(ctx, inst, c.config.StartCommand); err != nil {
		c.markFailed(ctx, env, err, logs.tail(c.config.LogTailLines))
		return
	}

	healthy := c.pollHealth(ctx, inst)
	if err := c.backend.SetEnvironmentReady(ctx, env.ExternalId, healthy); err != nil {
		log.Error().Err(err).Str("environment", env.ExternalId).Msg("failed to mark ready")
		return
	}
	env.Status = types.EnvironmentStatusReady

	log.Info().
		Str("environment", env.ExternalId).
		Str("repo", env.RepoKey()).
		Bool("health_confirmed", healthy).
		Bool("restored", restored).
		Msg("environment ready")
}

// provisionInstance yields a booted, installed instance, preferring the
// restore path when a ready snapshot or checkpoint exists. Restore failures
// fall back to the fresh path rather than failing the environment.
func (c *Controller) provisionInstance(ctx context.Context, env *types.Environment, drv driver.Driver, params driver.BootParams, headSHA string, logs *logRing) (*driver.Instance, bool, error) {
	if pausable, ok := drv.(driver.Pausable); ok && drv.Pausable() && c.snapshots != nil {
		inst, err := c.restoreFromSnapshot(ctx, env, pausable, params, headSHA)
		if err == nil {
			return inst, true, nil
		}
		if !(&types.ErrSnapshotNotFound{}).From(err) {
			log.Warn().Err(err).Str("environment", env.ExternalId).Msg("snapshot restore failed, taking fresh path")
		}
	} else if committable, ok := drv.(driver.Committable); ok && c.checkpoints != nil {
		inst, err := c.restoreFromCheckpoint(ctx, env, committable, params, headSHA)
		if err == nil {
			return inst, true, nil
		}
		if !(&types.ErrCheckpointNotFound{}).From(err) {
			log.Warn().Err(err).Str("environment", env.ExternalId).Msg("checkpoint restore failed, taking fresh path")
		}
	}

	inst, err := c.provisionFresh(ctx, env, drv, params, headSHA, logs)
	return inst, false, err
}

func (c *Controller) provisionFresh(ctx context.Context, env *types.Environment, drv driver.Driver, params driver.BootParams, headSHA string, logs *logRing) (*driver.Instance, error) {
	if err := c.transition(ctx, env, types.EnvironmentStatusBooting); err != nil {
		return nil, err
	}
	inst, err := drv.Boot(ctx, params)
	if err != nil {
		return nil, err
	}

	if err := c.transition(ctx, env, types.EnvironmentStatusCloning); err != nil {
		c.destroyQuietly(drv, inst)
		return nil, err
	}
	if err := drv.Clone(ctx, inst, env.RepoOwner, env.RepoName, env.Branch, c.config.GitCredential); err != nil {
		c.destroyQuietly(drv, inst)
		return nil, err
	}

	if err := c.transition(ctx, env, types.EnvironmentStatusInstalling); err != nil {
		c.destroyQuietly(drv, inst)
		return nil, err
	}
	if err := c.runInstall(ctx, drv, inst, logs); err != nil {
		c.destroyQuietly(drv, inst)
		return nil, err
	}

	// Snapshot/checkpoint the freshly installed workspace before the dev
	// server starts mutating it.
	if c.config.SnapshotOnInstall {
		c.captureAfterInstall(ctx, env, drv, inst, headSHA)
	}

	return inst, nil
}

func (c *Controller) runInstall(ctx context.Context, drv driver.Driver, inst *driver.Instance, logs *logRing) error {
	if c.config.InstallCommand == "" {
		return nil
	}

	res, err := drv.Exec(ctx, inst, c.config.InstallCommand, executor.RunOptions{
		Timeout: c.config.InstallTimeout,
		WorkDir: c.config.Workspace,
		OnLine:  logs.push,
	})
	if err != nil {
		return err
	}
	if !res.Ok() {
		logs.pushAll(res.Stdout, res.Stderr)
		return &types.ErrSetupFailed{Step: "install", ExitCode: res.ExitCode, LogTail: logs.tail(c.config.LogTailLines)}
	}

	logs.pushAll(res.Stdout, res.Stderr)
	return nil
}

func (c *Controller) captureAfterInstall(ctx context.Context, env *types.Environment, drv driver.Driver, inst *driver.Instance, headSHA string) {
	switch {
	case drv.Pausable() && c.snapshots != nil:
		if pausable, ok := drv.(driver.Pausable); ok {
			if _, err := c.snapshots.Create(ctx, pausable, inst, env, headSHA); err != nil {
				log.Warn().Err(err).Str("environment", env.ExternalId).Msg("post-install snapshot failed")
			}
		}
	case c.checkpoints != nil:
		if committable, ok := drv.(driver.Committable); ok {
			if _, err := c.checkpoints.Create(ctx, committable, inst, env, headSHA); err != nil {
				log.Warn().Err(err).Str("environment", env.ExternalId).Msg("post-install checkpoint failed")
			}
		}
	}
}

func (c *Controller) restoreFromSnapshot(ctx context.Context, env *types.Environment, drv driver.Pausable, params driver.BootParams, headSHA string) (*driver.Instance, error) {
	// Peek before transitioning so a key with no snapshot never visits
	// restoring at all.
	if _, err := c.backend.GetReadySnapshot(ctx, env.RepoOwner, env.RepoName, env.Branch); err != nil {
		return nil, err
	}

	if err := c.transition(ctx, env, types.EnvironmentStatusRestoring); err != nil {
		return nil, err
	}

	inst, snap, err := c.snapshots.Restore(ctx, drv, params, env.RepoOwner, env.RepoName, env.Branch)
	if err != nil {
		return nil, err
	}

	if err := c.refreshWorkspace(ctx, drv, inst, snap.CommitSHA, headSHA); err != nil {
		c.destroyQuietly(drv, inst)
		return nil, err
	}

	return inst, nil
}

func (c *Controller) restoreFromCheckpoint(ctx context.Context, env *types.Environment, drv driver.Committable, params driver.BootParams, headSHA string) (*driver.Instance, error) {
	if _, err := c.backend.GetReadyCheckpoint(ctx, env.RepoOwner, env.RepoName, env.Branch); err != nil {
		return nil, err
	}

	if err := c.transition(ctx, env, types.EnvironmentStatusRestoring); err != nil {
		return nil, err
	}

	inst, cp, err := c.checkpoints.Restore(ctx, drv, params, env.RepoOwner, env.RepoName, env.Branch)
	if err != nil {
		return nil, err
	}

	if err := c.refreshWorkspace(ctx, drv, inst, cp.CommitSHA, headSHA); err != nil {
		c.destroyQuietly(drv, inst)
		return nil, err
	}

	return inst, nil
}

// refreshWorkspace brings a restored workspace to the branch head. A
// restored environment must serve current code, not the code as of capture.
func (c *Controller) refreshWorkspace(ctx context.Context, drv driver.Driver, inst *driver.Instance, capturedSHA, headSHA string) error {
	if capturedSHA == headSHA && headSHA != "" {
		return nil
	}

	cmd := fmt.Sprintf("git fetch origin && git reset --hard %q", headSHA)
	res, err := drv.Exec(ctx, inst, cmd, executor.RunOptions{
		Timeout: c.config.CloneTimeout,
		WorkDir: c.config.Workspace,
	})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return &types.ErrSetupFailed{Step: "refresh", ExitCode: res.ExitCode, LogTail: res.Stderr}
	}
	return nil
}

// pollHealth probes the app port until it answers or attempts run out.
// Exhaustion is not a failure: the environment still goes ready, with the
// unconfirmed health recorded.
func (c *Controller) pollHealth(ctx context.Context, inst *driver.Instance) bool {
	addr := net.JoinHostPort(inst.Address, fmt.Sprint(inst.AppPort))

	for attempt := 0; attempt < c.config.HealthAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, c.config.HealthInterval)
		if err == nil {
			conn.Close()
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.config.HealthInterval):
		}
	}

	log.Warn().Str("addr", addr).Msg("health poll exhausted, degrading to ready")
	return false
}

// Teardown stops and destroys an environment: stopping, driver destroy,
// stopped. Terminal environments are left alone.
func (c *Controller) Teardown(ctx context.Context, externalId string) error {
	env, err := c.backend.GetEnvironment(ctx, externalId)
	if err != nil {
		return err
	}
	if env.Status.Terminal() {
		return nil
	}

	if err := c.backend.UpdateEnvironmentStatus(ctx, externalId, types.EnvironmentStatusStopping); err != nil {
		return err
	}

	if inst := c.takeInstance(externalId); inst != nil {
		drv := c.drivers[env.Backend]
		if err := drv.Destroy(ctx, inst); err != nil {
			log.Error().Err(err).Str("environment", externalId).Msg("driver destroy failed")
		}
		c.ports.Release(inst.AppPort)
	}

	if err := c.backend.UpdateEnvironmentStatus(ctx, externalId, types.EnvironmentStatusStopped); err != nil {
		return err
	}

	log.Info().Str("environment", externalId).Msg("environment stopped")
	return nil
}

// RunJanitor periodically marks environments failed-by-timeout when they
// outlive the provisioning ceiling without reaching a terminal or ready
// state. Blocks until ctx is done.
func (c *Controller) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOverdue(ctx)
		}
	}
}

func (c *Controller) sweepOverdue(ctx context.Context) {
	overdue, err := c.backend.ListOverdueEnvironments(ctx, c.config.ProvisionCeiling)
	if err != nil {
		log.Error().Err(err).Msg("overdue sweep failed")
		return
	}

	for _, env := range overdue {
		log.Warn().
			Str("environment", env.ExternalId).
			Str("status", string(env.Status)).
			Msg("provisioning overdue, marking failed")
		if err := c.backend.SetEnvironmentFailed(ctx, env.ExternalId,
			fmt.Sprintf("provisioning exceeded %s ceiling", c.config.ProvisionCeiling), ""); err != nil {
			log.Error().Err(err).Str("environment", env.ExternalId).Msg("failed to mark overdue environment")
		}
	}
}

// Instance returns the live driver handle for an environment, if this
// process provisioned it.
func (c *Controller) Instance(externalId string) (*driver.Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[externalId]
	return inst, ok
}

// Driver returns the configured driver for a backend kind.
func (c *Controller) Driver(kind types.BackendKind) (driver.Driver, bool) {
	d, ok := c.drivers[kind]
	return d, ok
}

func (c *Controller) registerInstance(externalId string, inst *driver.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[externalId] = inst
}

func (c *Controller) takeInstance(externalId string) *driver.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst := c.instances[externalId]
	delete(c.instances, externalId)
	return inst
}

// transition applies a forward status move, refusing anything the state
// machine forbids.
func (c *Controller) transition(ctx context.Context, env *types.Environment, next types.EnvironmentStatus) error {
	if !env.Status.CanTransitionTo(next) {
		return &types.ErrInvalidTransition{From: env.Status, To: next}
	}

	if err := c.backend.UpdateEnvironmentStatus(ctx, env.ExternalId, next); err != nil {
		return err
	}
	env.Status = next

	if c.runtime != nil {
		if err := c.runtime.SetEnvironmentState(ctx, env.HostName, next); err != nil {
			log.Warn().Err(err).Str("environment", env.ExternalId).Msg("failed to mirror state to runtime store")
		}
	}

	return nil
}

func (c *Controller) markFailed(ctx context.Context, env *types.Environment, cause error, logTail string) {
	log.Error().
		Err(cause).
		Str("environment", env.ExternalId).
		Str("repo", env.RepoKey()).
		Msg("provisioning failed")

	if err := c.backend.SetEnvironmentFailed(ctx, env.ExternalId, cause.Error(), truncateBytes(logTail, logTailMaxBytes)); err != nil {
		log.Error().Err(err).Str("environment", env.ExternalId).Msg("failed to record failure")
	}
	env.Status = types.EnvironmentStatusFailed
}

func (c *Controller) destroyQuietly(drv driver.Driver, inst *driver.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := drv.Destroy(ctx, inst); err != nil {
		log.Error().Err(err).Str("instance", inst.Name).Msg("cleanup destroy failed")
	}
}

// logRing keeps the most recent lines of provisioning output.
type logRing struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRing) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > 1000 {
		r.lines = r.lines[len(r.lines)-1000:]
	}
}

func (r *logRing) pushAll(chunks ...string) {
	for _, chunk := range chunks {
		for _, line := range strings.Split(strings.TrimRight(chunk, "\n"), "\n") {
			if line != "" {
				r.push(line)
			}
		}
	}
}

func (r *logRing) tail(n int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) > n {
		return strings.Join(r.lines[len(r.lines)-n:], "\n")
	}
	return strings.Join(r.lines, "\n")
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
