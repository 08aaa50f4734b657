package driver

import (
	"context"
	"time"

	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// Instance is a live execution unit handle. Meta carries driver-private
// state (socket paths, container ids, disk image paths) that survives only
// for the instance's lifetime.
type Instance struct {
	Name    string
	Backend types.BackendKind

	// Address is where the unit is reachable (agent API or SSH).
	Address string
	AppPort int

	Meta map[string]string
}

// BootParams carries everything a driver needs to bring up a fresh unit.
// The callback secret and URL travel only in this initial handshake.
type BootParams struct {
	Name        string
	AppPort     int
	CallbackURL string
	Secret      string

	RepoOwner string
	RepoName  string
	Branch    string
}

// Driver provisions and operates execution units of one backend kind. All
// methods are synchronous; the lifecycle controller owns sequencing and
// concurrency.
type Driver interface {
	Kind() types.BackendKind

	Boot(ctx context.Context, params BootParams) (*Instance, error)
	Clone(ctx context.Context, inst *Instance, owner, repo, branch, credential string) error
	Exec(ctx context.Context, inst *Instance, command string, opts executor.RunOptions) (*executor.Result, error)
	StartServer(ctx context.Context, inst *Instance, command string) error
	WriteFiles(ctx context.Context, inst *Instance, files map[string][]byte) error
	Destroy(ctx context.Context, inst *Instance) error

	// Pausable reports whether the backend supports live state capture
	// (pause/resume snapshots).
	Pausable() bool
}

// Pausable is implemented by drivers whose units can be frozen, captured,
// and resumed in place.
type Pausable interface {
	Driver

	Pause(ctx context.Context, inst *Instance) error
	Resume(ctx context.Context, inst *Instance) error

	// Paused verifies the unit actually stopped executing; capture must not
	// proceed against a still-running unit.
	Paused(ctx context.Context, inst *Instance) (bool, error)

	// CaptureState writes the memory and device state images to the given
	// paths while the unit is paused.
	CaptureState(ctx context.Context, inst *Instance, memPath, vmstatePath string) error

	// LoadState boots a fresh unit from captured images and a cloned disk,
	// resumed and running on return.
	LoadState(ctx context.Context, params BootParams, snapshot *types.Snapshot, diskPath string) (*Instance, error)

	// DiskPath exposes the unit's backing disk image for snapshot cloning.
	DiskPath(inst *Instance) string
}

// Committable is implemented by drivers that can flatten a unit's filesystem
// into an immutable image instead of capturing live state.
type Committable interface {
	Driver

	CommitImage(ctx context.Context, inst *Instance, tag string) error
	BootFromImage(ctx context.Context, params BootParams, tag string) (*Instance, error)
}

// DefaultExecTimeout bounds driver-internal commands that have no explicit
// timeout from the caller.
const DefaultExecTimeout = 2 * time.Minute
