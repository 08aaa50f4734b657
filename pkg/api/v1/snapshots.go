package apiv1

import (
	"errors"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// SnapshotsGroup exposes read and invalidate operations on snapshot and
// checkpoint records. Capture happens inside the provisioning flow, never
// through this API.
type SnapshotsGroup struct {
	routerGroup *echo.Group
	backend     repository.BackendRepository
}

func NewSnapshotsGroup(g *echo.Group, backend repository.BackendRepository) *SnapshotsGroup {
	group := &SnapshotsGroup{routerGroup: g, backend: backend}

	g.GET("", group.GetReadySnapshot)
	g.DELETE("", group.InvalidateSnapshots)
	g.GET("/checkpoint", group.GetReadyCheckpoint)
	g.DELETE("/checkpoint", group.InvalidateCheckpoints)

	return group
}

func repoKeyParams(c echo.Context) (owner, repo, branch string, ok bool) {
	owner = c.QueryParam("owner")
	repo = c.QueryParam("repo")
	branch = c.QueryParam("branch")
	return owner, repo, branch, owner != "" && repo != "" && branch != ""
}

func (s *SnapshotsGroup) GetReadySnapshot(c echo.Context) error {
	owner, repo, branch, ok := repoKeyParams(c)
	if !ok {
		return HTTPBadRequest("owner, repo, and branch are required")
	}

	snap, err := s.backend.GetReadySnapshot(c.Request().Context(), owner, repo, branch)
	if err != nil {
		var notFound *types.ErrSnapshotNotFound
		if errors.As(err, &notFound) {
			return HTTPNotFound()
		}
		return HTTPInternalServerError("failed to get snapshot")
	}
	return SuccessResponse(c, snap)
}

func (s *SnapshotsGroup) InvalidateSnapshots(c echo.Context) error {
	owner, repo, branch, ok := repoKeyParams(c)
	if !ok {
		return HTTPBadRequest("owner, repo, and branch are required")
	}

	if err := s.backend.InvalidateSnapshots(c.Request().Context(), owner, repo, branch); err != nil {
		log.Error().Err(err).Msg("snapshot invalidation failed")
		return HTTPInternalServerError("failed to invalidate snapshots")
	}
	return SuccessResponse(c, nil)
}

func (s *SnapshotsGroup) GetReadyCheckpoint(c echo.Context) error {
	owner, repo, branch, ok := repoKeyParams(c)
	if !ok {
		return HTTPBadRequest("owner, repo, and branch are required")
	}

	cp, err := s.backend.GetReadyCheckpoint(c.Request().Context(), owner, repo, branch)
	if err != nil {
		var notFound *types.ErrCheckpointNotFound
		if errors.As(err, &notFound) {
			return HTTPNotFound()
		}
		return HTTPInternalServerError("failed to get checkpoint")
	}
	return SuccessResponse(c, cp)
}

func (s *SnapshotsGroup) InvalidateCheckpoints(c echo.Context) error {
	owner, repo, branch, ok := repoKeyParams(c)
	if !ok {
		return HTTPBadRequest("owner, repo, and branch are required")
	}

	if err := s.backend.InvalidateCheckpoints(c.Request().Context(), owner, repo, branch); err != nil {
		log.Error().Err(err).Msg("checkpoint invalidation failed")
		return HTTPInternalServerError("failed to invalidate checkpoints")
	}
	return SuccessResponse(c, nil)
}
