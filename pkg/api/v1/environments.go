package apiv1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/lifecycle"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

type EnvironmentsGroup struct {
	routerGroup *echo.Group
	controller  *lifecycle.Controller
	backend     repository.BackendRepository
	runtime     repository.RuntimeRepository
}

func NewEnvironmentsGroup(g *echo.Group, controller *lifecycle.Controller, backend repository.BackendRepository, runtime repository.RuntimeRepository) *EnvironmentsGroup {
	group := &EnvironmentsGroup{
		routerGroup: g,
		controller:  controller,
		backend:     backend,
		runtime:     runtime,
	}

	g.POST("", group.CreateEnvironment)
	g.GET("", group.ListEnvironments)
	g.GET("/:external_id", group.GetEnvironment)
	g.DELETE("/:external_id", group.TeardownEnvironment)
	g.GET("/:external_id/logs", group.GetEnvironmentLogs)

	return group
}

type createEnvironmentRequest struct {
	RepoOwner string            `json:"repoOwner"`
	RepoName  string            `json:"repoName"`
	Branch    string            `json:"branch"`
	Backend   types.BackendKind `json:"backend"`
}

func (e *EnvironmentsGroup) CreateEnvironment(c echo.Context) error {
	var req createEnvironmentRequest
	if err := c.Bind(&req); err != nil {
		return HTTPBadRequest("invalid request body")
	}
	if req.RepoOwner == "" || req.RepoName == "" || req.Branch == "" {
		return HTTPBadRequest("repoOwner, repoName, and branch are required")
	}
	if req.Backend == "" {
		req.Backend = types.BackendContainer
	}
	if !req.Backend.Valid() {
		return HTTPBadRequest("unknown backend kind")
	}

	env, err := e.controller.RequestEnvironment(c.Request().Context(), req.RepoOwner, req.RepoName, req.Branch, req.Backend)
	if err != nil {
		log.Error().Err(err).Msg("failed to request environment")
		return HTTPInternalServerError("failed to request environment")
	}

	return c.JSON(http.StatusAccepted, Response{Success: true, Data: env})
}

func (e *EnvironmentsGroup) ListEnvironments(c echo.Context) error {
	envs, err := e.backend.ListEnvironments(c.Request().Context())
	if err != nil {
		return HTTPInternalServerError("failed to list environments")
	}
	return SuccessResponse(c, envs)
}

func (e *EnvironmentsGroup) GetEnvironment(c echo.Context) error {
	env, err := e.backend.GetEnvironment(c.Request().Context(), c.Param("external_id"))
	if err != nil {
		var notFound *types.ErrEnvironmentNotFound
		if errors.As(err, &notFound) {
			return HTTPNotFound()
		}
		return HTTPInternalServerError("failed to get environment")
	}
	return SuccessResponse(c, env)
}

func (e *EnvironmentsGroup) TeardownEnvironment(c echo.Context) error {
	err := e.controller.Teardown(c.Request().Context(), c.Param("external_id"))
	if err != nil {
		var notFound *types.ErrEnvironmentNotFound
		if errors.As(err, &notFound) {
			return HTTPNotFound()
		}
		log.Error().Err(err).Msg("teardown failed")
		return HTTPInternalServerError("teardown failed")
	}
	return SuccessResponse(c, nil)
}

func (e *EnvironmentsGroup) GetEnvironmentLogs(c echo.Context) error {
	ctx := c.Request().Context()

	env, err := e.backend.GetEnvironment(ctx, c.Param("external_id"))
	if err != nil {
		var notFound *types.ErrEnvironmentNotFound
		if errors.As(err, &notFound) {
			return HTTPNotFound()
		}
		return HTTPInternalServerError("failed to get environment")
	}

	// Prefer the live runtime ring; fall back to the persisted tail.
	if e.runtime != nil {
		lines, err := e.runtime.GetLogTail(ctx, env.HostName, 100)
		if err == nil && len(lines) > 0 {
			return SuccessResponse(c, map[string]interface{}{"lines": lines})
		}
	}

	return SuccessResponse(c, map[string]interface{}{"tail": env.LogTail})
}
