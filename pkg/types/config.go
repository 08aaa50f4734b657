package types

import (
	"time"
)

// AppConfig is the root configuration for the drydock control plane.
type AppConfig struct {
	DebugMode  bool `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool `key:"prettyLogs" json:"pretty_logs"`

	Database   DatabaseConfig   `key:"database" json:"database"`
	Gateway    GatewayConfig    `key:"gateway" json:"gateway"`
	Mirror     MirrorConfig     `key:"mirror" json:"mirror"`
	Snapshot   SnapshotConfig   `key:"snapshot" json:"snapshot"`
	Checkpoint CheckpointConfig `key:"checkpoint" json:"checkpoint"`
	Lifecycle  LifecycleConfig  `key:"lifecycle" json:"lifecycle"`
	MicroVM    MicroVMConfig    `key:"microvm" json:"microvm"`
	Container  ContainerConfig  `key:"container" json:"container"`
	Sandbox    SandboxAPIConfig `key:"sandbox" json:"sandbox"`
	Ports      PortsConfig      `key:"ports" json:"ports"`
}

// ----------------------------------------------------------------------------
// Database Configuration
// ----------------------------------------------------------------------------

type DatabaseConfig struct {
	Redis    RedisConfig    `key:"redis" json:"redis"`
	Postgres PostgresConfig `key:"postgres" json:"postgres"`
}

type RedisMode string

const (
	RedisModeSingle  RedisMode = "single"
	RedisModeCluster RedisMode = "cluster"
)

type RedisConfig struct {
	Mode               RedisMode     `key:"mode" json:"mode"`
	Addrs              []string      `key:"addrs" json:"addrs"`
	Username           string        `key:"username" json:"username"`
	Password           string        `key:"password" json:"password"`
	ClientName         string        `key:"clientName" json:"client_name"`
	EnableTLS          bool          `key:"enableTLS" json:"enable_tls"`
	InsecureSkipVerify bool          `key:"insecureSkipVerify" json:"insecure_skip_verify"`
	PoolSize           int           `key:"poolSize" json:"pool_size"`
	MinIdleConns       int           `key:"minIdleConns" json:"min_idle_conns"`
	MaxIdleConns       int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxIdleTime    time.Duration `key:"connMaxIdleTime" json:"conn_max_idle_time"`
	ConnMaxLifetime    time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
	DialTimeout        time.Duration `key:"dialTimeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `key:"readTimeout" json:"read_timeout"`
	WriteTimeout       time.Duration `key:"writeTimeout" json:"write_timeout"`
	MaxRetries         int           `key:"maxRetries" json:"max_retries"`
}

type PostgresConfig struct {
	Host            string        `key:"host" json:"host"`
	Port            int           `key:"port" json:"port"`
	User            string        `key:"user" json:"user"`
	Password        string        `key:"password" json:"password"`
	Database        string        `key:"database" json:"database"`
	SSLMode         string        `key:"sslMode" json:"ssl_mode"`
	MaxOpenConns    int           `key:"maxOpenConns" json:"max_open_conns"`
	MaxIdleConns    int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
}

// ----------------------------------------------------------------------------
// Gateway Configuration
// ----------------------------------------------------------------------------

type GatewayConfig struct {
	HTTP            HTTPConfig    `key:"http" json:"http"`
	ShutdownTimeout time.Duration `key:"shutdownTimeout" json:"shutdown_timeout"`
	AuthToken       string        `key:"authToken" json:"auth_token"`

	// ExternalURL is the address remote hosts use to deliver callbacks.
	ExternalURL string `key:"externalUrl" json:"external_url"`
}

type HTTPConfig struct {
	Host             string     `key:"host" json:"host"`
	Port             int        `key:"port" json:"port"`
	EnablePrettyLogs bool       `key:"enablePrettyLogs" json:"enable_pretty_logs"`
	CORS             CORSConfig `key:"cors" json:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `key:"allowOrigins" json:"allow_origins"`
	AllowedMethods []string `key:"allowMethods" json:"allow_methods"`
	AllowedHeaders []string `key:"allowHeaders" json:"allow_headers"`
}

// ----------------------------------------------------------------------------
// Mirror Cache Configuration
// ----------------------------------------------------------------------------

type MirrorConfig struct {
	CacheDir string `key:"cacheDir" json:"cache_dir"`

	// LockWait bounds how long EnsureFresh blocks on another fetcher before
	// force-releasing the lock (crashed-holder recovery).
	LockWait  time.Duration `key:"lockWait" json:"lock_wait"`
	Retention time.Duration `key:"retention" json:"retention"`

	// HeadCacheTTL bounds how long a resolved remote branch head may be
	// served from the in-process cache.
	HeadCacheTTL time.Duration `key:"headCacheTtl" json:"head_cache_ttl"`
	GitBinary    string        `key:"gitBinary" json:"git_binary"`
}

// ----------------------------------------------------------------------------
// Snapshot / Checkpoint Configuration
// ----------------------------------------------------------------------------

type SnapshotConfig struct {
	Dir string `key:"dir" json:"dir"`

	// LockGrace is the age past which a snapshot directory lock is treated
	// as abandoned and force-cleared.
	LockGrace time.Duration `key:"lockGrace" json:"lock_grace"`
	MaxAge    time.Duration `key:"maxAge" json:"max_age"`
	S3        S3Config      `key:"s3" json:"s3"`
}

type S3Config struct {
	Bucket         string `key:"bucket" json:"bucket"`
	Region         string `key:"region" json:"region"`
	Endpoint       string `key:"endpoint" json:"endpoint"`
	AccessKey      string `key:"accessKey" json:"access_key"`
	SecretKey      string `key:"secretKey" json:"secret_key"`
	ForcePathStyle bool   `key:"forcePathStyle" json:"force_path_style"`
}

func (c S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.Region != ""
}

type CheckpointConfig struct {
	ImagePrefix string `key:"imagePrefix" json:"image_prefix"`
	DepsVolume  string `key:"depsVolume" json:"deps_volume"`
}

// ----------------------------------------------------------------------------
// Lifecycle Configuration
// ----------------------------------------------------------------------------

type LifecycleConfig struct {
	InstallCommand string `key:"installCommand" json:"install_command"`
	StartCommand   string `key:"startCommand" json:"start_command"`
	Workspace      string `key:"workspace" json:"workspace"`

	InstallTimeout time.Duration `key:"installTimeout" json:"install_timeout"`
	CloneTimeout   time.Duration `key:"cloneTimeout" json:"clone_timeout"`

	HealthAttempts int           `key:"healthAttempts" json:"health_attempts"`
	HealthInterval time.Duration `key:"healthInterval" json:"health_interval"`

	// ProvisionCeiling is the overall deadline after which a provisioning
	// attempt with no terminal callback is marked failed-by-timeout.
	ProvisionCeiling time.Duration `key:"provisionCeiling" json:"provision_ceiling"`

	// SnapshotOnInstall captures a snapshot/checkpoint after a successful
	// install, before the dev server starts.
	SnapshotOnInstall bool `key:"snapshotOnInstall" json:"snapshot_on_install"`

	// GitCredential is the token used for authenticated origin fetches.
	GitCredential string `key:"gitCredential" json:"git_credential"`

	LogTailLines int `key:"logTailLines" json:"log_tail_lines"`
}

// ----------------------------------------------------------------------------
// Driver Configuration
// ----------------------------------------------------------------------------

type MicroVMConfig struct {
	DataDir         string `key:"dataDir" json:"data_dir"`
	KernelPath      string `key:"kernelPath" json:"kernel_path"`
	ImagesDir       string `key:"imagesDir" json:"images_dir"`
	HypervisorBin   string `key:"hypervisorBin" json:"hypervisor_bin"`
	DefaultMemoryMB int    `key:"defaultMemoryMb" json:"default_memory_mb"`
	DefaultCPUs     int    `key:"defaultCpus" json:"default_cpus"`

	SSHUser    string `key:"sshUser" json:"ssh_user"`
	SSHKeyPath string `key:"sshKeyPath" json:"ssh_key_path"`
}

type ContainerConfig struct {
	EngineBinary string `key:"engineBinary" json:"engine_binary"`
	BaseImage    string `key:"baseImage" json:"base_image"`
	NetworkName  string `key:"networkName" json:"network_name"`

	// AgentCommand is the host-agent binary inside the image; it is the
	// container's entrypoint and the exec/file transport.
	AgentCommand string `key:"agentCommand" json:"agent_command"`
}

type SandboxAPIConfig struct {
	BaseURL   string        `key:"baseUrl" json:"base_url"`
	AuthToken string        `key:"authToken" json:"auth_token"`
	Timeout   time.Duration `key:"timeout" json:"timeout"`
}

type PortsConfig struct {
	Min int `key:"min" json:"min"`
	Max int `key:"max" json:"max"`
}

// ----------------------------------------------------------------------------
// Host Agent Configuration
// ----------------------------------------------------------------------------

// AgentConfig configures the host-agent binary that runs inside or next to
// an execution unit.
type AgentConfig struct {
	ListenAddr   string        `key:"listenAddr" json:"listen_addr"`
	ResourceName string        `key:"resourceName" json:"resource_name"`
	Secret       string        `key:"secret" json:"secret"`
	CallbackURL  string        `key:"callbackUrl" json:"callback_url"`
	Backend      BackendKind   `key:"backend" json:"backend"`
	ReportRetry  int           `key:"reportRetry" json:"report_retry"`
	ReportDelay  time.Duration `key:"reportDelay" json:"report_delay"`
	PrettyLogs   bool          `key:"prettyLogs" json:"pretty_logs"`
}
