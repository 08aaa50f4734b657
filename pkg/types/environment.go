package types

import (
	"time"
)

// BackendKind identifies which driver owns an environment.
type BackendKind string

const (
	BackendMicroVM       BackendKind = "microvm"
	BackendContainer     BackendKind = "container"
	BackendRemoteSandbox BackendKind = "remote-sandbox"
)

func (k BackendKind) Valid() bool {
	switch k {
	case BackendMicroVM, BackendContainer, BackendRemoteSandbox:
		return true
	}
	return false
}

// EnvironmentStatus is the lifecycle state of an environment.
// Transitions are monotonic; the only backward-looking transition is into
// failed, which is reachable from every non-terminal state.
type EnvironmentStatus string

const (
	EnvironmentStatusRequested  EnvironmentStatus = "requested"
	EnvironmentStatusBooting    EnvironmentStatus = "booting"
	EnvironmentStatusCloning    EnvironmentStatus = "cloning"
	EnvironmentStatusInstalling EnvironmentStatus = "installing"
	EnvironmentStatusRestoring  EnvironmentStatus = "restoring"
	EnvironmentStatusStarting   EnvironmentStatus = "starting"
	EnvironmentStatusReady      EnvironmentStatus = "ready"
	EnvironmentStatusStopping   EnvironmentStatus = "stopping"
	EnvironmentStatusStopped    EnvironmentStatus = "stopped"
	EnvironmentStatusFailed     EnvironmentStatus = "failed"
)

// statusRank orders statuses for idempotent callback application. A report
// carrying a lower rank than the recorded status is stale and must be
// ignored. The restore path collapses booting/cloning/installing into
// restoring, so those four share progression space below starting.
var statusRank = map[EnvironmentStatus]int{
	EnvironmentStatusRequested:  0,
	EnvironmentStatusBooting:    1,
	EnvironmentStatusCloning:    2,
	EnvironmentStatusInstalling: 3,
	EnvironmentStatusRestoring:  3,
	EnvironmentStatusStarting:   4,
	EnvironmentStatusReady:      5,
	EnvironmentStatusStopping:   6,
	EnvironmentStatusStopped:    7,
	EnvironmentStatusFailed:     8,
}

// Rank returns the monotonic ordering rank of a status. Unknown statuses
// rank below everything so they can never overwrite recorded state.
func (s EnvironmentStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no further transitions are allowed.
func (s EnvironmentStatus) Terminal() bool {
	return s == EnvironmentStatusStopped || s == EnvironmentStatusFailed
}

// CanTransitionTo enforces the state machine: forward-only, failed reachable
// from any non-terminal state, and re-applying the same status is allowed
// (idempotent delivery).
func (s EnvironmentStatus) CanTransitionTo(next EnvironmentStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == EnvironmentStatusFailed {
		return true
	}
	if next == s {
		return true
	}
	// Restore fallback: a failed restore re-enters the fresh path at booting.
	if s == EnvironmentStatusRestoring && next == EnvironmentStatusBooting {
		return true
	}
	return next.Rank() > s.Rank()
}

// Environment is one executing unit: a micro-VM, container, or remote
// sandbox instance running a cloned repo's dev server.
type Environment struct {
	Id         uint        `json:"id"`
	ExternalId string      `json:"external_id"`
	Backend    BackendKind `json:"backend"`

	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	Branch    string `json:"branch"`

	Status          EnvironmentStatus `json:"status"`
	HealthConfirmed bool              `json:"health_confirmed"`

	// HostName is the host-assigned resource name. Callback reports address
	// environments by this name because the remote host never learns the
	// internal id.
	HostName       string `json:"host_name"`
	NetworkAddress string `json:"network_address"`
	AppPort        int    `json:"app_port"`

	// CallbackSecret is generated once at creation and transmitted only in
	// the initial provisioning handshake. It is the sole credential a remote
	// host presents when reporting status.
	CallbackSecret string `json:"-"`

	RestoredFromSnapshot bool   `json:"restored_from_snapshot"`
	Error                string `json:"error,omitempty"`
	LogTail              string `json:"log_tail,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// RepoKey returns the (owner, repo, branch) key string used for snapshot
// and mirror lookups.
func (e *Environment) RepoKey() string {
	return e.RepoOwner + "/" + e.RepoName + "@" + e.Branch
}

// SnapshotStatus is the lifecycle state of a snapshot or checkpoint record.
type SnapshotStatus string

const (
	SnapshotStatusPending SnapshotStatus = "pending"
	SnapshotStatusReady   SnapshotStatus = "ready"
	SnapshotStatusFailed  SnapshotStatus = "failed"
)

// Snapshot is the captured, restorable state of a fully-provisioned
// environment: memory image, VM state, and a copy-on-write disk image,
// keyed by (owner, repo, branch).
type Snapshot struct {
	Id         uint        `json:"id"`
	ExternalId string      `json:"external_id"`
	Backend    BackendKind `json:"backend"`

	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`

	MemPath     string `json:"mem_path"`
	VMStatePath string `json:"vmstate_path"`
	DiskPath    string `json:"disk_path"`
	S3Key       string `json:"s3_key,omitempty"`

	MemBytes     int64 `json:"mem_bytes"`
	VMStateBytes int64 `json:"vmstate_bytes"`
	DiskBytes    int64 `json:"disk_bytes"`

	Status     SnapshotStatus `json:"status"`
	UsageCount int            `json:"usage_count"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (s *Snapshot) RepoKey() string {
	return s.RepoOwner + "/" + s.RepoName + "@" + s.Branch
}

// SizeBytes returns the total on-disk footprint of the snapshot.
func (s *Snapshot) SizeBytes() int64 {
	return s.MemBytes + s.VMStateBytes + s.DiskBytes
}

// Checkpoint is the filesystem-commit analog of Snapshot for backends that
// cannot pause and resume a running instance.
type Checkpoint struct {
	Id         uint   `json:"id"`
	ExternalId string `json:"external_id"`

	ImageTag    string `json:"image_tag"`
	SourceEnvId uint   `json:"source_env_id"`

	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`

	Status    SnapshotStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (c *Checkpoint) RepoKey() string {
	return c.RepoOwner + "/" + c.RepoName + "@" + c.Branch
}
