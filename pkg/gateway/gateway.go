package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apiv1 "github.com/drydock-cloud/drydock/pkg/api/v1"
	"github.com/drydock-cloud/drydock/pkg/bridge"
	"github.com/drydock-cloud/drydock/pkg/checkpoint"
	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/driver/container"
	"github.com/drydock-cloud/drydock/pkg/driver/microvm"
	"github.com/drydock-cloud/drydock/pkg/driver/remote"
	"github.com/drydock-cloud/drydock/pkg/gitmirror"
	"github.com/drydock-cloud/drydock/pkg/lifecycle"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/snapshot"
	"github.com/drydock-cloud/drydock/pkg/types"
)

const janitorInterval = time.Minute

// Gateway is the control plane process: HTTP API, lifecycle controller,
// mirror cache, snapshot and checkpoint managers, and the overdue janitor.
type Gateway struct {
	Config      types.AppConfig
	RedisClient *common.RedisClient
	BackendRepo repository.BackendRepository
	httpServer  *http.Server
	echo        *echo.Echo
	ctx         context.Context
	cancelFunc  context.CancelFunc

	baseRouteGroup *echo.Group

	controller  *lifecycle.Controller
	bridge      *bridge.Bridge
	mirror      *gitmirror.MirrorCache
	snapshots   *snapshot.Manager
	checkpoints *checkpoint.Manager
	runtimeRepo repository.RuntimeRepository
}

func NewGateway() (*Gateway, error) {
	configManager, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		return nil, err
	}
	config := configManager.GetConfig()

	// Setup logging
	if config.PrettyLogs {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	var redisClient *common.RedisClient
	var runtimeRepo repository.RuntimeRepository
	if len(config.Database.Redis.Addrs) > 0 {
		redisClient, err = common.NewRedisClient(config.Database.Redis, common.WithClientName("DrydockGateway"))
		if err != nil {
			return nil, err
		}
		runtimeRepo = repository.NewEnvironmentRedisRepository(redisClient)
	} else {
		log.Info().Msg("redis not configured - runtime state tracking disabled")
	}

	var backendRepo repository.BackendRepository
	if config.Database.Postgres.Host != "" {
		pg, err := repository.NewPostgresBackend(config.Database.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := pg.RunMigrations(); err != nil {
			return nil, fmt.Errorf("failed to run postgres migrations: %w", err)
		}
		backendRepo = pg
	} else {
		log.Warn().Msg("postgres not configured - using in-memory backend, state will not survive restarts")
		backendRepo = repository.NewMemoryBackend()
	}

	ctx, cancel := context.WithCancel(context.Background())
	gateway := &Gateway{
		Config:      config,
		RedisClient: redisClient,
		BackendRepo: backendRepo,
		runtimeRepo: runtimeRepo,
		ctx:         ctx,
		cancelFunc:  cancel,
	}

	if err := gateway.initServices(); err != nil {
		cancel()
		return nil, err
	}

	return gateway, nil
}

func (g *Gateway) initLock(name string) (func(), error) {
	// Skip locking when Redis is not configured
	if g.RedisClient == nil {
		return func() {}, nil
	}

	lockKey := common.Keys.GatewayInitLock(name)
	lock := common.NewRedisLock(g.RedisClient)

	if err := lock.Acquire(g.ctx, lockKey, common.RedisLockOptions{TtlS: 10, Retries: 1}); err != nil {
		return nil, err
	}

	return func() {
		if err := lock.Release(lockKey); err != nil {
			log.Error().Str("lock_key", lockKey).Err(err).Msg("failed to release init lock")
		}
	}, nil
}

// initServices builds the domain components: mirror cache, drivers,
// snapshot/checkpoint managers, controller, and bridge.
func (g *Gateway) initServices() error {
	unlock, err := g.initLock("services")
	if err != nil {
		return err
	}
	defer unlock()

	mirror, err := gitmirror.NewMirrorCache(g.Config.Mirror)
	if err != nil {
		return fmt.Errorf("failed to initialize mirror cache: %w", err)
	}
	g.mirror = mirror

	var archive *snapshot.Archive
	if g.Config.Snapshot.S3.IsConfigured() {
		archive, err = snapshot.NewArchive(g.ctx, g.Config.Snapshot.S3)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize snapshot archive - snapshots stay local only")
		} else {
			log.Info().Str("bucket", g.Config.Snapshot.S3.Bucket).Msg("snapshot archive enabled")
		}
	}
	g.snapshots = snapshot.NewManager(g.Config.Snapshot, g.BackendRepo, archive)
	g.checkpoints = checkpoint.NewManager(g.Config.Checkpoint, g.BackendRepo)

	drivers := map[types.BackendKind]driver.Driver{
		types.BackendContainer: container.NewDriver(g.Config.Container, g.Config.Mirror.CacheDir),
	}
	if g.Config.MicroVM.KernelPath != "" {
		drivers[types.BackendMicroVM] = microvm.NewDriver(g.Config.MicroVM)
		log.Info().Str("kernel", g.Config.MicroVM.KernelPath).Msg("microvm driver enabled")
	}
	if g.Config.Sandbox.BaseURL != "" {
		drivers[types.BackendRemoteSandbox] = remote.NewDriver(g.Config.Sandbox)
		log.Info().Str("base_url", g.Config.Sandbox.BaseURL).Msg("remote sandbox driver enabled")
	}

	portMin, portMax := g.Config.Ports.Min, g.Config.Ports.Max
	if portMin == 0 {
		portMin, portMax = 30000, 32000
	}

	g.controller = lifecycle.NewController(lifecycle.Params{
		Config:      g.Config.Lifecycle,
		Backend:     g.BackendRepo,
		Runtime:     g.runtimeRepo,
		Drivers:     drivers,
		Mirror:      mirror,
		Snapshots:   g.snapshots,
		Checkpoints: g.checkpoints,
		Ports:       common.NewHostPortAllocator(portMin, portMax),
		CallbackURL: g.Config.Gateway.ExternalURL + apiv1.HttpServerBaseRoute + "/callbacks",
	})
	g.bridge = bridge.NewBridge(g.BackendRepo, g.controller)

	return nil
}

func (g *Gateway) initHTTP() error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())

	// Configure logging middleware
	if g.Config.Gateway.HTTP.EnablePrettyLogs {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${time_rfc3339} ${method} ${uri} ${status} ${latency_human}\n",
		}))
	}

	// CORS
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: g.Config.Gateway.HTTP.CORS.AllowedOrigins,
		AllowHeaders: g.Config.Gateway.HTTP.CORS.AllowedHeaders,
		AllowMethods: g.Config.Gateway.HTTP.CORS.AllowedMethods,
	}))

	e.Use(middleware.Recover())

	g.echo = e
	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.Config.Gateway.HTTP.Host, g.Config.Gateway.HTTP.Port),
		Handler: e,
	}

	g.baseRouteGroup = e.Group(apiv1.HttpServerBaseRoute)

	apiv1.NewHealthGroup(g.baseRouteGroup.Group("/health"), g.RedisClient, g.BackendRepo)

	// Callbacks authenticate per-report with the environment secret, not
	// the admin token.
	apiv1.NewCallbacksGroup(g.baseRouteGroup.Group("/callbacks"), g.controller)

	environmentsGroup := g.baseRouteGroup.Group("/environments")
	environmentsGroup.Use(g.requireAdminToken())
	apiv1.NewEnvironmentsGroup(environmentsGroup, g.controller, g.BackendRepo, g.runtimeRepo)
	apiv1.NewBridgeGroup(environmentsGroup, g.bridge)

	snapshotsGroup := g.baseRouteGroup.Group("/snapshots")
	snapshotsGroup.Use(g.requireAdminToken())
	apiv1.NewSnapshotsGroup(snapshotsGroup, g.BackendRepo)

	return nil
}

// StartAsync starts the gateway servers without blocking.
func (g *Gateway) StartAsync() error {
	if err := g.initHTTP(); err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	// Start HTTP server
	go func() {
		addr := fmt.Sprintf("%s:%d", g.Config.Gateway.HTTP.Host, g.Config.Gateway.HTTP.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error().Err(err).Msg("failed to listen on http")
			return
		}

		if err := g.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	// Background maintenance: overdue provisioning sweep and snapshot
	// retention cleanup.
	go g.controller.RunJanitor(g.ctx, janitorInterval)
	go g.runSnapshotCleanup()
	go g.runMirrorCleanup()

	log.Info().
		Str("host", g.Config.Gateway.HTTP.Host).
		Int("port", g.Config.Gateway.HTTP.Port).
		Msg("gateway http server running")

	return nil
}

func (g *Gateway) runSnapshotCleanup() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if err := g.snapshots.Cleanup(g.ctx); err != nil {
				log.Error().Err(err).Msg("snapshot cleanup failed")
			}
		}
	}
}

func (g *Gateway) runMirrorCleanup() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if err := g.mirror.Cleanup(g.ctx); err != nil {
				log.Error().Err(err).Msg("mirror cleanup failed")
			}
		}
	}
}

// Controller returns the lifecycle controller.
func (g *Gateway) Controller() *lifecycle.Controller {
	return g.controller
}

// Shutdown gracefully shuts down the gateway (exported for external use)
func (g *Gateway) Shutdown() {
	g.shutdown()
}

func (g *Gateway) Start() error {
	if err := g.StartAsync(); err != nil {
		return err
	}

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)
	<-terminationSignal

	log.Info().Msg("termination signal received. shutting down...")
	g.shutdown()

	return nil
}

// shutdown gracefully shuts down the gateway
func (g *Gateway) shutdown() {
	timeout := g.Config.Gateway.ShutdownTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	// Stop HTTP server
	eg.Go(func() error {
		return g.httpServer.Shutdown(ctx)
	})

	// Drain in-flight snapshot archive uploads
	eg.Go(func() error {
		g.snapshots.WaitUploads()
		return nil
	})

	// Close the persistence backend
	eg.Go(func() error {
		return g.BackendRepo.Close()
	})

	g.cancelFunc()

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("failed to shutdown gateway gracefully")
	}

	log.Info().Msg("gateway stopped")
}

// requireAdminToken returns middleware that validates the admin token
func (g *Gateway) requireAdminToken() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Skip auth if no admin token is configured
			if g.Config.Gateway.AuthToken == "" {
				return next(c)
			}

			token := c.Request().Header.Get("Authorization")
			expected := "Bearer " + g.Config.Gateway.AuthToken
			if token == "" || token != expected {
				log.Debug().
					Str("path", c.Path()).
					Bool("token_present", token != "").
					Msg("admin token validation failed")
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error":   "unauthorized",
					"message": "admin token required",
				})
			}
			return next(c)
		}
	}
}
