package apiv1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/lifecycle"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// CallbacksGroup receives async status reports from remote hosts. One route
// per backend kind so a misrouted agent shows up in access logs immediately.
type CallbacksGroup struct {
	routerGroup *echo.Group
	controller  *lifecycle.Controller
}

func NewCallbacksGroup(g *echo.Group, controller *lifecycle.Controller) *CallbacksGroup {
	group := &CallbacksGroup{routerGroup: g, controller: controller}

	g.POST("/:backend", group.ReportStatus)
	g.POST("/:backend/snapshot", group.ReportSnapshot)
	g.POST("/:backend/checkpoint", group.ReportCheckpoint)
	g.POST("/:backend/heartbeat", group.Heartbeat)

	return group
}

// backendFromPath maps the URL segment to a backend kind.
func backendFromPath(segment string) (types.BackendKind, bool) {
	switch segment {
	case "microvm":
		return types.BackendMicroVM, true
	case "container":
		return types.BackendContainer, true
	case "sandbox":
		return types.BackendRemoteSandbox, true
	}
	return "", false
}

func (cb *CallbacksGroup) ReportStatus(c echo.Context) error {
	if _, ok := backendFromPath(c.Param("backend")); !ok {
		return HTTPNotFound()
	}

	var report lifecycle.StatusReport
	if err := c.Bind(&report); err != nil {
		return HTTPBadRequest("invalid request body")
	}
	if report.ResourceName == "" || report.Secret == "" || report.Status == "" {
		return HTTPBadRequest("resourceName, secret, and status are required")
	}

	if err := cb.controller.ApplyStatusReport(c.Request().Context(), report); err != nil {
		return callbackError(c, err)
	}

	return c.JSON(http.StatusOK, Response{Success: true})
}

func (cb *CallbacksGroup) ReportSnapshot(c echo.Context) error {
	if _, ok := backendFromPath(c.Param("backend")); !ok {
		return HTTPNotFound()
	}

	var report lifecycle.CaptureReport
	if err := c.Bind(&report); err != nil {
		return HTTPBadRequest("invalid request body")
	}
	if report.ResourceName == "" || report.Secret == "" {
		return HTTPBadRequest("resourceName and secret are required")
	}

	if err := cb.controller.ApplySnapshotReport(c.Request().Context(), report); err != nil {
		return callbackError(c, err)
	}

	return c.JSON(http.StatusOK, Response{Success: true})
}

func (cb *CallbacksGroup) ReportCheckpoint(c echo.Context) error {
	if _, ok := backendFromPath(c.Param("backend")); !ok {
		return HTTPNotFound()
	}

	var report lifecycle.CaptureReport
	if err := c.Bind(&report); err != nil {
		return HTTPBadRequest("invalid request body")
	}
	if report.ResourceName == "" || report.Secret == "" {
		return HTTPBadRequest("resourceName and secret are required")
	}

	if err := cb.controller.ApplyCheckpointReport(c.Request().Context(), report); err != nil {
		return callbackError(c, err)
	}

	return c.JSON(http.StatusOK, Response{Success: true})
}

type heartbeatRequest struct {
	ResourceName string `json:"resourceName"`
	Secret       string `json:"secret"`
}

func (cb *CallbacksGroup) Heartbeat(c echo.Context) error {
	if _, ok := backendFromPath(c.Param("backend")); !ok {
		return HTTPNotFound()
	}

	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return HTTPBadRequest("invalid request body")
	}
	if req.ResourceName == "" || req.Secret == "" {
		return HTTPBadRequest("resourceName and secret are required")
	}

	if err := cb.controller.Heartbeat(c.Request().Context(), req.ResourceName, req.Secret); err != nil {
		return callbackError(c, err)
	}

	return c.JSON(http.StatusOK, Response{Success: true})
}

// callbackError maps controller errors onto callback response codes. Secret
// mismatches are unauthorized, unknown resources are not found, malformed
// statuses are bad requests, everything else is a server error.
func callbackError(c echo.Context, err error) error {
	var (
		mismatch *types.ErrSecretMismatch
		notFound *types.ErrEnvironmentNotFound
		invalid  *types.ErrInvalidTransition
	)

	switch {
	case errors.As(err, &mismatch):
		return HTTPUnauthorized("secret mismatch")
	case errors.As(err, &notFound):
		return HTTPNotFound()
	case errors.As(err, &invalid):
		return HTTPBadRequest(err.Error())
	default:
		log.Error().Err(err).Msg("callback application failed")
		return HTTPInternalServerError("failed to apply report")
	}
}
