package hostagent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// Agent is the in-environment server. It executes commands and file writes
// on behalf of the control plane and reports lifecycle status back through
// the callback gateway.
type Agent struct {
	config   types.AgentConfig
	exec     *executor.LocalExecutor
	reporter *Reporter
	echo     *echo.Echo
	server   *http.Server
}

func NewAgent(config types.AgentConfig) *Agent {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8600"
	}

	a := &Agent{
		config:   config,
		exec:     executor.NewLocalExecutor(),
		reporter: NewReporter(config),
	}
	a.initHTTP()
	return a
}

func (a *Agent) initHTTP() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())

	e.GET("/health", a.Health)

	authed := e.Group("", a.requireExecToken())
	authed.POST("/exec", a.Exec)
	authed.POST("/files/write", a.WriteFiles)
	authed.GET("/files/read", a.ReadFile)

	a.echo = e
	a.server = &http.Server{Addr: a.config.ListenAddr, Handler: e}
}

// Start serves until ctx is done, then shuts down gracefully.
func (a *Agent) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info().
		Str("addr", a.config.ListenAddr).
		Str("resource", a.config.ResourceName).
		Msg("host agent running")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// Reporter returns the agent's callback reporter.
func (a *Agent) Reporter() *Reporter {
	return a.reporter
}

// requireExecToken validates the Bearer token against the agent's secret.
// Tokens are minted per-request by the control plane and expire quickly.
func (a *Agent) requireExecToken() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			}

			sub, err := common.VerifyExecToken(token, a.config.Secret)
			if err != nil || sub != a.config.ResourceName {
				log.Debug().Err(err).Str("path", c.Path()).Msg("exec token validation failed")
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}
			return next(c)
		}
	}
}

func (a *Agent) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type execRequest struct {
	Command   string `json:"command"`
	TimeoutMS int    `json:"timeout_ms"`
	WorkDir   string `json:"work_dir"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

func (a *Agent) Exec(c echo.Context) error {
	var req execRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Command == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "command is required"})
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	res, err := a.exec.Run(c.Request().Context(), req.Command, executor.RunOptions{
		Timeout: timeout,
		WorkDir: req.WorkDir,
	})
	if err != nil {
		var timedOut *types.ErrCommandTimeout
		if errors.As(err, &timedOut) {
			// The whole process group is dead; report the timeout explicitly
			// rather than inventing an exit code.
			return c.JSON(http.StatusOK, execResponse{ExitCode: -1, TimedOut: true})
		}
		log.Error().Err(err).Msg("exec failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, execResponse{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	})
}

type writeFilesRequest struct {
	Files []writeFileEntry `json:"files"`
}

type writeFileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
}

func (a *Agent) WriteFiles(c echo.Context) error {
	var req writeFilesRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(req.Files) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "files are required"})
	}

	for _, f := range req.Files {
		content, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid content for %s", f.Path)})
		}
		if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		if err := os.WriteFile(f.Path, content, 0644); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	log.Info().Int("files", len(req.Files)).Msg("files written")
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (a *Agent) ReadFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path is required"})
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "file not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(content),
	})
}
