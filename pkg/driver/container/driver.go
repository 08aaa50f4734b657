package container

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/types"
)

const (
	workspaceDir   = "/workspace"
	metaContainer  = "container"
	metaDepsVolume = "deps_volume"
	metaAgentURL   = "agent_url"

	agentPort     = 8600
	engineTimeout = 2 * time.Minute
)

// Driver runs environments as containers through the engine CLI. Engine
// invocations are argv-style (never through a host shell), and in-container
// commands go through the host agent baked into the image. The container
// backend cannot pause-and-capture live state; instead the checkpoint
// manager commits the filesystem to an image.
type Driver struct {
	config     types.ContainerConfig
	mirrorRoot string
	local      *executor.LocalExecutor

	mu     sync.Mutex
	agents map[string]*executor.AgentExecutor
}

var (
	_ driver.Driver      = (*Driver)(nil)
	_ driver.Committable = (*Driver)(nil)
)

// NewDriver builds a container driver. mirrorRoot, when set, is bind-mounted
// read-only into each container so clones come from the local mirror cache
// instead of the network.
func NewDriver(cfg types.ContainerConfig, mirrorRoot string) *Driver {
	if cfg.EngineBinary == "" {
		cfg.EngineBinary = "docker"
	}
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "drydock-hostagent"
	}
	return &Driver{
		config:     cfg,
		mirrorRoot: mirrorRoot,
		local:      executor.NewLocalExecutor(),
		agents:     make(map[string]*executor.AgentExecutor),
	}
}

func (d *Driver) Kind() types.BackendKind { return types.BackendContainer }

func (d *Driver) Pausable() bool { return false }

// Boot starts a long-lived container running the host agent, with the app
// port published and the per-repo dependency volume attached.
func (d *Driver) Boot(ctx context.Context, params driver.BootParams) (*driver.Instance, error) {
	return d.boot(ctx, params, d.config.BaseImage)
}

// BootFromImage starts a container from a committed checkpoint image; the
// cloned repo and installed dependencies are already in its filesystem.
func (d *Driver) BootFromImage(ctx context.Context, params driver.BootParams, tag string) (*driver.Instance, error) {
	return d.boot(ctx, params, tag)
}

func (d *Driver) boot(ctx context.Context, params driver.BootParams, image string) (*driver.Instance, error) {
	depsVolume := depsVolumeName(params.RepoOwner, params.RepoName)

	agentConfig, err := json.Marshal(map[string]interface{}{
		"listenAddr":   fmt.Sprintf(":%d", agentPort),
		"resourceName": params.Name,
		"secret":       params.Secret,
		"callbackUrl":  params.CallbackURL,
		"backend":      string(types.BackendContainer),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build agent config: %w", err)
	}

	args := []string{
		"run", "-d",
		"--name", params.Name,
		"-p", fmt.Sprintf("%d:%d", params.AppPort, params.AppPort),
		"-v", fmt.Sprintf("%s:%s/node_modules", depsVolume, workspaceDir),
		"-e", "CONFIG_JSON=" + string(agentConfig),
	}
	if d.mirrorRoot != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/mirror:ro", d.mirrorRoot))
	}
	if d.config.NetworkName != "" {
		args = append(args, "--network", d.config.NetworkName)
	}
	args = append(args, image, d.config.AgentCommand)

	res, err := d.engine(ctx, args...)
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, fmt.Errorf("container run failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	agentURL, err := d.agentURL(ctx, params.Name)
	if err != nil {
		d.engine(ctx, "rm", "-f", params.Name)
		return nil, err
	}
	d.registerAgent(params.Name, agentURL, params.Secret)

	inst := &driver.Instance{
		Name:    params.Name,
		Backend: types.BackendContainer,
		Address: "127.0.0.1",
		AppPort: params.AppPort,
		Meta: map[string]string{
			metaContainer:  params.Name,
			metaDepsVolume: depsVolume,
			metaAgentURL:   agentURL,
		},
	}

	log.Info().Str("name", params.Name).Str("image", image).Str("agent", agentURL).Msg("container booted")
	return inst, nil
}

// Clone clones from the bind-mounted mirror when available (filesystem
// remote, no network round trip), otherwise from the authenticated URL.
func (d *Driver) Clone(ctx context.Context, inst *driver.Instance, owner, repo, branch, credential string) error {
	remote := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	if credential != "" {
		remote = fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", credential, owner, repo)
	}

	source := remote
	if d.mirrorRoot != "" {
		source = filepath.Join("/mirror", owner, repo+".git")
	}

	// The deps volume mounts over node_modules, so the clone lands in a
	// staging dir and moves everything but node_modules into the workspace.
	script := fmt.Sprintf(
		"git clone --branch %s %s /tmp/clone && cp -a /tmp/clone/. %s/ && rm -rf /tmp/clone && cd %s && git remote set-url origin %s",
		shq(branch), shq(source), workspaceDir, workspaceDir, shq(remote))

	res, err := d.Exec(ctx, inst, script, executor.RunOptions{Timeout: 5 * time.Minute})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return &types.ErrSetupFailed{Step: "clone", ExitCode: res.ExitCode, LogTail: res.Stderr}
	}
	return nil
}

// Exec runs a command inside the container through its host agent. The
// command text never touches a host shell.
func (d *Driver) Exec(ctx context.Context, inst *driver.Instance, command string, opts executor.RunOptions) (*executor.Result, error) {
	agent, err := d.agent(inst)
	if err != nil {
		return nil, err
	}
	if opts.WorkDir == "" {
		opts.WorkDir = workspaceDir
	}
	return agent.Run(ctx, command, opts)
}

func (d *Driver) StartServer(ctx context.Context, inst *driver.Instance, command string) error {
	agent, err := d.agent(inst)
	if err != nil {
		return err
	}

	// setsid detaches the server from the agent's exec process group so the
	// request returning does not reap it.
	detached := fmt.Sprintf("setsid sh -c %s > /var/log/devserver.log 2>&1 &",
		shq(command))
	res, err := agent.Run(ctx, detached, executor.RunOptions{
		Timeout: 30 * time.Second,
		WorkDir: workspaceDir,
	})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return &types.ErrSetupFailed{Step: "start", ExitCode: res.ExitCode, LogTail: res.Stderr}
	}
	return nil
}

func (d *Driver) WriteFiles(ctx context.Context, inst *driver.Instance, files map[string][]byte) error {
	agent, err := d.agent(inst)
	if err != nil {
		return err
	}
	return agent.WriteFiles(ctx, files)
}

func (d *Driver) Destroy(ctx context.Context, inst *driver.Instance) error {
	res, err := d.engine(ctx, "rm", "-f", inst.Meta[metaContainer])
	if err != nil {
		return err
	}
	if !res.Ok() && !strings.Contains(res.Stderr, "No such container") {
		return fmt.Errorf("container rm failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	d.mu.Lock()
	delete(d.agents, inst.Name)
	d.mu.Unlock()

	log.Info().Str("name", inst.Name).Msg("container destroyed")
	return nil
}

// CommitImage flattens the container filesystem into an immutable image tag.
// The deps volume content is not part of the image; it re-attaches on boot.
func (d *Driver) CommitImage(ctx context.Context, inst *driver.Instance, tag string) error {
	res, err := d.engine(ctx, "commit", inst.Meta[metaContainer], tag)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("container commit failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	log.Info().Str("name", inst.Name).Str("tag", tag).Msg("container committed")
	return nil
}

// agentURL resolves the container's bridge address; the agent is reached
// directly on the container network, not through a published port.
func (d *Driver) agentURL(ctx context.Context, name string) (string, error) {
	res, err := d.engine(ctx, "inspect", "-f",
		"{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", name)
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(res.Stdout)
	if !res.Ok() || ip == "" {
		return "", fmt.Errorf("failed to resolve container address for %s: %s", name, res.Stderr)
	}
	return fmt.Sprintf("http://%s:%d", ip, agentPort), nil
}

func (d *Driver) registerAgent(name, baseURL, secret string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[name] = executor.NewAgentExecutor(baseURL, name, secret)
}

func (d *Driver) agent(inst *driver.Instance) (*executor.AgentExecutor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[inst.Name]
	if !ok {
		return nil, fmt.Errorf("no agent session for container %s", inst.Name)
	}
	return agent, nil
}

func (d *Driver) engine(ctx context.Context, args ...string) (*executor.Result, error) {
	return d.local.RunCommand(ctx, d.config.EngineBinary, args,
		executor.RunOptions{Timeout: engineTimeout})
}

// shq single-quotes a value for the guest-side shell.
func shq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func depsVolumeName(owner, repo string) string {
	return fmt.Sprintf("drydock-deps-%s-%s", owner, repo)
}
