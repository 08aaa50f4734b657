package microvm

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/types"
)

const (
	rootfsFileName = "rootfs.ext4"
	apiSockName    = "api.sock"
	bootTimeout    = 30 * time.Second
	sshPort        = 22

	metaVMDir = "vm_dir"
	metaPID   = "pid"
	metaTap   = "tap"
	metaIP    = "ip"
)

// Driver runs environments as firecracker-style micro-VMs. Each VM gets its
// own directory under DataDir holding the API socket and a CoW-cloned root
// disk; guest commands travel over SSH.
type Driver struct {
	config types.MicroVMConfig

	mu      sync.Mutex
	nextNet int
}

var (
	_ driver.Driver   = (*Driver)(nil)
	_ driver.Pausable = (*Driver)(nil)
)

func NewDriver(cfg types.MicroVMConfig) *Driver {
	if cfg.HypervisorBin == "" {
		cfg.HypervisorBin = "firecracker"
	}
	if cfg.DefaultMemoryMB == 0 {
		cfg.DefaultMemoryMB = 2048
	}
	if cfg.DefaultCPUs == 0 {
		cfg.DefaultCPUs = 2
	}
	if cfg.SSHUser == "" {
		cfg.SSHUser = "root"
	}
	return &Driver{config: cfg, nextNet: 1}
}

func (d *Driver) Kind() types.BackendKind { return types.BackendMicroVM }

func (d *Driver) Pausable() bool { return true }

// Boot clones the base root disk, starts a hypervisor process, configures
// the machine over its API socket, and starts the guest.
func (d *Driver) Boot(ctx context.Context, params driver.BootParams) (*driver.Instance, error) {
	vmDir := filepath.Join(d.config.DataDir, params.Name)
	if err := os.MkdirAll(vmDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vm dir: %w", err)
	}

	baseRootfs := filepath.Join(d.config.ImagesDir, rootfsFileName)
	if err := common.CloneDisk(baseRootfs, filepath.Join(vmDir, rootfsFileName)); err != nil {
		os.RemoveAll(vmDir)
		return nil, fmt.Errorf("failed to clone root disk: %w", err)
	}

	tap, guestIP := d.allocateNetwork()
	if err := setupTapDevice(tap); err != nil {
		os.RemoveAll(vmDir)
		return nil, err
	}

	pid, api, err := d.startHypervisor(ctx, vmDir)
	if err != nil {
		teardownTapDevice(tap)
		os.RemoveAll(vmDir)
		return nil, err
	}

	inst := &driver.Instance{
		Name:    params.Name,
		Backend: types.BackendMicroVM,
		Address: guestIP,
		AppPort: params.AppPort,
		Meta: map[string]string{
			metaVMDir: vmDir,
			metaPID:   strconv.Itoa(pid),
			metaTap:   tap,
			metaIP:    guestIP,
		},
	}

	bootArgs := fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off ip=%s::%s:255.255.255.0::eth0:off", guestIP, gatewayFor(guestIP))

	if err := api.PutMachineConfig(ctx, d.config.DefaultCPUs, d.config.DefaultMemoryMB); err != nil {
		d.Destroy(context.Background(), inst)
		return nil, err
	}
	if err := api.PutBootSource(ctx, d.config.KernelPath, bootArgs); err != nil {
		d.Destroy(context.Background(), inst)
		return nil, err
	}
	// Relative drive path; the hypervisor runs with cwd = vmDir so the same
	// recorded path resolves after a cross-directory snapshot restore.
	if err := api.PutRootDrive(ctx, rootfsFileName); err != nil {
		d.Destroy(context.Background(), inst)
		return nil, err
	}
	if err := api.PutNetworkInterface(ctx, tap, macFor(guestIP)); err != nil {
		d.Destroy(context.Background(), inst)
		return nil, err
	}
	if err := api.StartInstance(ctx); err != nil {
		d.Destroy(context.Background(), inst)
		return nil, err
	}

	if err := d.waitForSSH(ctx, inst); err != nil {
		d.Destroy(context.Background(), inst)
		return nil, err
	}

	log.Info().
		Str("name", params.Name).
		Str("ip", guestIP).
		Int("pid", pid).
		Msg("microvm booted")

	return inst, nil
}

// Clone runs the repository clone inside the guest. The guest has no view
// of the host mirror filesystem, so it clones from the authenticated remote.
func (d *Driver) Clone(ctx context.Context, inst *driver.Instance, owner, repo, branch, credential string) error {
	remote := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	if credential != "" {
		remote = fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", credential, owner, repo)
	}

	res, err := d.Exec(ctx, inst, fmt.Sprintf("git clone --branch %q --depth 1 %q /workspace", branch, remote),
		executor.RunOptions{Timeout: 5 * time.Minute})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return &types.ErrSetupFailed{Step: "clone", ExitCode: res.ExitCode, LogTail: res.Stderr}
	}
	return nil
}

func (d *Driver) Exec(ctx context.Context, inst *driver.Instance, command string, opts executor.RunOptions) (*executor.Result, error) {
	ssh, err := d.guestExecutor(inst)
	if err != nil {
		return nil, err
	}
	return ssh.Run(ctx, command, opts)
}

// StartServer launches the dev server detached inside the guest; its output
// goes to a log the controller can tail.
func (d *Driver) StartServer(ctx context.Context, inst *driver.Instance, command string) error {
	wrapped := fmt.Sprintf("cd /workspace && nohup sh -c %q > /var/log/devserver.log 2>&1 &", command)
	res, err := d.Exec(ctx, inst, wrapped, executor.RunOptions{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return &types.ErrSetupFailed{Step: "start", ExitCode: res.ExitCode, LogTail: res.Stderr}
	}
	return nil
}

func (d *Driver) WriteFiles(ctx context.Context, inst *driver.Instance, files map[string][]byte) error {
	for path, content := range files {
		encoded := base64.StdEncoding.EncodeToString(content)
		cmd := fmt.Sprintf("mkdir -p %q && printf %%s %q | base64 -d > %q",
			filepath.Dir(path), encoded, path)
		res, err := d.Exec(ctx, inst, cmd, executor.RunOptions{Timeout: 30 * time.Second})
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("failed to write %s (exit %d): %s", path, res.ExitCode, res.Stderr)
		}
	}
	return nil
}

func (d *Driver) Destroy(ctx context.Context, inst *driver.Instance) error {
	if pidStr := inst.Meta[metaPID]; pidStr != "" {
		if pid, err := strconv.Atoi(pidStr); err == nil {
			syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	if tap := inst.Meta[metaTap]; tap != "" {
		teardownTapDevice(tap)
	}
	if vmDir := inst.Meta[metaVMDir]; vmDir != "" {
		if err := os.RemoveAll(vmDir); err != nil {
			return fmt.Errorf("failed to remove vm dir: %w", err)
		}
	}

	log.Info().Str("name", inst.Name).Msg("microvm destroyed")
	return nil
}

// Pause freezes guest vCPUs through the hypervisor API.
func (d *Driver) Pause(ctx context.Context, inst *driver.Instance) error {
	return d.api(inst).Pause(ctx)
}

func (d *Driver) Resume(ctx context.Context, inst *driver.Instance) error {
	return d.api(inst).Resume(ctx)
}

// Paused re-reads the instance state after a short delay; the pause call
// returns before vCPUs are guaranteed frozen.
func (d *Driver) Paused(ctx context.Context, inst *driver.Instance) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}

	state, err := d.api(inst).State(ctx)
	if err != nil {
		return false, err
	}
	return state == "Paused", nil
}

func (d *Driver) CaptureState(ctx context.Context, inst *driver.Instance, memPath, vmstatePath string) error {
	return d.api(inst).CreateSnapshot(ctx, vmstatePath, memPath)
}

// LoadState boots a fresh hypervisor in a new vm directory, placing the
// cloned disk under the same relative name the capture recorded, then loads
// the snapshot with the resume flag set.
func (d *Driver) LoadState(ctx context.Context, params driver.BootParams, snapshot *types.Snapshot, diskPath string) (*driver.Instance, error) {
	vmDir := filepath.Join(d.config.DataDir, params.Name)
	if err := os.MkdirAll(vmDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vm dir: %w", err)
	}

	if err := os.Rename(diskPath, filepath.Join(vmDir, rootfsFileName)); err != nil {
		if err := common.CloneDisk(diskPath, filepath.Join(vmDir, rootfsFileName)); err != nil {
			os.RemoveAll(vmDir)
			return nil, fmt.Errorf("failed to place restored disk: %w", err)
		}
		os.Remove(diskPath)
	}

	tap, guestIP := d.allocateNetwork()
	if err := setupTapDevice(tap); err != nil {
		os.RemoveAll(vmDir)
		return nil, err
	}

	pid, api, err := d.startHypervisor(ctx, vmDir)
	if err != nil {
		teardownTapDevice(tap)
		os.RemoveAll(vmDir)
		return nil, err
	}

	inst := &driver.Instance{
		Name:    params.Name,
		Backend: types.BackendMicroVM,
		Address: guestIP,
		AppPort: params.AppPort,
		Meta: map[string]string{
			metaVMDir: vmDir,
			metaPID:   strconv.Itoa(pid),
			metaTap:   tap,
			metaIP:    guestIP,
		},
	}

	if err := api.LoadSnapshot(ctx, snapshot.VMStatePath, snapshot.MemPath, true); err != nil {
		d.Destroy(context.Background(), inst)
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if err := d.waitForSSH(ctx, inst); err != nil {
		d.Destroy(context.Background(), inst)
		return nil, err
	}

	log.Info().
		Str("name", params.Name).
		Str("snapshot", snapshot.ExternalId).
		Msg("microvm restored from snapshot")

	return inst, nil
}

func (d *Driver) DiskPath(inst *driver.Instance) string {
	return filepath.Join(inst.Meta[metaVMDir], rootfsFileName)
}

func (d *Driver) api(inst *driver.Instance) *apiClient {
	return newAPIClient(filepath.Join(inst.Meta[metaVMDir], apiSockName))
}

func (d *Driver) guestExecutor(inst *driver.Instance) (executor.Executor, error) {
	return executor.NewSSHExecutor(
		fmt.Sprintf("%s:%d", inst.Address, sshPort),
		d.config.SSHUser,
		d.config.SSHKeyPath,
	)
}

// startHypervisor launches the VMM process with cwd set to the vm directory
// and waits for its API socket.
func (d *Driver) startHypervisor(ctx context.Context, vmDir string) (int, *apiClient, error) {
	socketPath := filepath.Join(vmDir, apiSockName)
	os.Remove(socketPath)

	cmd := exec.Command(d.config.HypervisorBin, "--api-sock", socketPath)
	cmd.Dir = vmDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := os.Create(filepath.Join(vmDir, "hypervisor.log"))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create hypervisor log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, nil, fmt.Errorf("failed to start hypervisor: %w", err)
	}

	// Reap the process when it exits so it never zombies.
	go func() {
		cmd.Wait()
		logFile.Close()
	}()

	api := newAPIClient(socketPath)
	if err := api.WaitReady(ctx, 10*time.Second); err != nil {
		syscall.Kill(cmd.Process.Pid, syscall.SIGKILL)
		return 0, nil, err
	}

	return cmd.Process.Pid, api, nil
}

// waitForSSH polls the guest SSH port until the boot (or resume) finished.
func (d *Driver) waitForSSH(ctx context.Context, inst *driver.Instance) error {
	deadline := time.Now().Add(bootTimeout)
	for time.Now().Before(deadline) {
		ssh, err := d.guestExecutor(inst)
		if err != nil {
			return err
		}
		if res, err := ssh.Run(ctx, "true", executor.RunOptions{Timeout: 3 * time.Second}); err == nil && res.Ok() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("guest ssh not reachable after %s", bootTimeout)
}

// allocateNetwork hands out a tap device name and guest IP from the driver's
// private /16.
func (d *Driver) allocateNetwork() (string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.nextNet
	d.nextNet++
	if d.nextNet >= 250*250 {
		d.nextNet = 1
	}

	tap := fmt.Sprintf("dtap%d", n)
	ip := fmt.Sprintf("10.77.%d.%d", n/250, n%250+2)
	return tap, ip
}

func gatewayFor(guestIP string) string {
	// Gateway is the .1 of the guest's /24.
	return guestIP[:lastDot(guestIP)] + ".1"
}

func macFor(guestIP string) string {
	var a, b, c, d int
	fmt.Sscanf(guestIP, "%d.%d.%d.%d", &a, &b, &c, &d)
	return fmt.Sprintf("AA:FC:%02x:%02x:%02x:%02x", a, b, c, d)
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func setupTapDevice(tap string) error {
	cmds := [][]string{
		{"ip", "tuntap", "add", tap, "mode", "tap"},
		{"ip", "link", "set", tap, "up"},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			teardownTapDevice(tap)
			return fmt.Errorf("failed to set up tap %s: %w: %s", tap, err, string(out))
		}
	}
	return nil
}

func teardownTapDevice(tap string) {
	exec.Command("ip", "link", "del", tap).Run()
}
