package apiv1

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/bridge"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// BridgeGroup exposes file writes and command execution against ready
// environments.
type BridgeGroup struct {
	routerGroup *echo.Group
	bridge      *bridge.Bridge
}

func NewBridgeGroup(g *echo.Group, b *bridge.Bridge) *BridgeGroup {
	group := &BridgeGroup{routerGroup: g, bridge: b}

	g.POST("/:external_id/files", group.ApplyFileChange)
	g.POST("/:external_id/files/:change_id/revert", group.RevertFileChange)
	g.GET("/files/:change_id", group.GetFileChange)

	g.POST("/:external_id/exec", group.ExecuteCommand)
	g.POST("/:external_id/exec/:command_id/retry", group.RetryCommand)
	g.GET("/exec/:command_id", group.GetCommand)

	return group
}

type applyFileChangeRequest struct {
	Files []types.FileWrite `json:"files"`
}

func (bg *BridgeGroup) ApplyFileChange(c echo.Context) error {
	var req applyFileChangeRequest
	if err := c.Bind(&req); err != nil {
		return HTTPBadRequest("invalid request body")
	}
	if len(req.Files) == 0 {
		return HTTPBadRequest("files are required")
	}

	change, err := bg.bridge.ApplyFileChange(c.Request().Context(), c.Param("external_id"), req.Files)
	if err != nil {
		return bridgeError(c, err, change)
	}
	return SuccessResponse(c, change)
}

func (bg *BridgeGroup) RevertFileChange(c echo.Context) error {
	change, err := bg.bridge.RevertFileChange(c.Request().Context(), c.Param("external_id"), c.Param("change_id"))
	if err != nil {
		return bridgeError(c, err, nil)
	}
	return SuccessResponse(c, change)
}

func (bg *BridgeGroup) GetFileChange(c echo.Context) error {
	change, err := bg.bridge.GetFileChange(c.Request().Context(), c.Param("change_id"))
	if err != nil {
		return bridgeError(c, err, nil)
	}
	return SuccessResponse(c, change)
}

type executeCommandRequest struct {
	Command   string `json:"command"`
	TimeoutMS int    `json:"timeoutMs"`
}

func (bg *BridgeGroup) ExecuteCommand(c echo.Context) error {
	var req executeCommandRequest
	if err := c.Bind(&req); err != nil {
		return HTTPBadRequest("invalid request body")
	}
	if req.Command == "" {
		return HTTPBadRequest("command is required")
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	cmd, err := bg.bridge.ExecuteCommand(c.Request().Context(), c.Param("external_id"), req.Command, timeout)
	if err != nil {
		// A timed-out command still produced a terminal record; return it
		// with the failure rather than hiding the outcome.
		var timedOut *types.ErrCommandTimeout
		if errors.As(err, &timedOut) && cmd != nil {
			return c.JSON(http.StatusOK, Response{Success: false, Data: cmd, Error: err.Error()})
		}
		return bridgeError(c, err, nil)
	}
	return SuccessResponse(c, cmd)
}

func (bg *BridgeGroup) RetryCommand(c echo.Context) error {
	var req executeCommandRequest
	if err := c.Bind(&req); err != nil {
		return HTTPBadRequest("invalid request body")
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	cmd, err := bg.bridge.RetryCommand(c.Request().Context(), c.Param("external_id"), c.Param("command_id"), timeout)
	if err != nil {
		var timedOut *types.ErrCommandTimeout
		if errors.As(err, &timedOut) && cmd != nil {
			return c.JSON(http.StatusOK, Response{Success: false, Data: cmd, Error: err.Error()})
		}
		return bridgeError(c, err, nil)
	}
	return SuccessResponse(c, cmd)
}

func (bg *BridgeGroup) GetCommand(c echo.Context) error {
	cmd, err := bg.bridge.GetCommand(c.Request().Context(), c.Param("command_id"))
	if err != nil {
		return bridgeError(c, err, nil)
	}
	return SuccessResponse(c, cmd)
}

func bridgeError(c echo.Context, err error, change *types.FileChange) error {
	var (
		envNotFound    *types.ErrEnvironmentNotFound
		changeNotFound *types.ErrFileChangeNotFound
		cmdNotFound    *types.ErrCommandNotFound
	)

	switch {
	case errors.As(err, &envNotFound), errors.As(err, &changeNotFound), errors.As(err, &cmdNotFound):
		return HTTPNotFound()
	default:
		log.Error().Err(err).Msg("bridge operation failed")
		if change != nil {
			return c.JSON(http.StatusInternalServerError, Response{Success: false, Data: change, Error: err.Error()})
		}
		return HTTPInternalServerError(err.Error())
	}
}
