package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/patchpanel/remotefs/internal/logger"
	"github.com/patchpanel/remotefs/pkg/backend"
	"github.com/patchpanel/remotefs/pkg/config"
	"github.com/patchpanel/remotefs/pkg/registry"
)

// listLocations handles GET /api/locations.
func (s *Server) listLocations(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"locations": s.deps.Registry.ListLocations()})
}

// getLocation handles GET /api/locations/:id.
func (s *Server) getLocation(c *fiber.Ctx) error {
	loc, err := s.deps.Registry.GetLocation(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(loc)
}

// addLocationRequest is the JSON body of POST /api/locations. It carries
// the same shape as a configuration file entry.
type addLocationRequest struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Root    string         `json:"root"`
	Options map[string]any `json:"options"`
}

// addLocation handles POST /api/locations: registers a location at
// runtime. Credentials in the options build the dialer and are not kept
// on the location record.
func (s *Server) addLocation(c *fiber.Ctx) error {
	var req addLocationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	lc := config.LocationConfig{
		ID:      req.ID,
		Name:    req.Name,
		Type:    req.Type,
		Root:    req.Root,
		Options: req.Options,
	}
	if lc.Name == "" {
		lc.Name = lc.ID
	}
	if lc.Root == "" {
		lc.Root = "/"
	}
	if err := lc.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	dialer, err := config.CreateDialer(&lc)
	if err != nil {
		return badRequest(c, err.Error())
	}

	loc := &registry.Location{
		ID:          lc.ID,
		Name:        lc.Name,
		BackendType: backend.Type(lc.Type),
		RootPath:    lc.Root,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deps.Registry.AddLocation(loc, dialer); err != nil {
		return respondError(c, fiber.StatusConflict, "conflict", err.Error())
	}

	logger.Info("api: registered location %s (%s)", loc.ID, loc.BackendType)
	return c.Status(fiber.StatusCreated).JSON(loc)
}

// removeLocation handles DELETE /api/locations/:id. Removal is refused
// while jobs are running against the location; spaces that reference it
// are reported so the caller knows what starts dangling.
func (s *Server) removeLocation(c *fiber.Ctx) error {
	id := c.Params("id")

	referencing := s.deps.Registry.SpacesReferencing(id)
	if err := s.deps.Registry.RemoveLocation(id); err != nil {
		if s.deps.Registry.LocationExists(id) {
			return respondError(c, fiber.StatusConflict, "conflict", err.Error())
		}
		return err
	}

	logger.Info("api: removed location %s", id)
	return c.JSON(fiber.Map{
		"removed":        id,
		"danglingSpaces": referencing,
	})
}

// listSpaces handles GET /api/spaces.
func (s *Server) listSpaces(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"spaces": s.deps.Registry.ListSpaces()})
}

// addSpaceRequest is the JSON body of POST /api/spaces.
type addSpaceRequest struct {
	ID    string               `json:"id"`
	Name  string               `json:"name"`
	Items []registry.SpaceItem `json:"items"`
}

// addSpace handles POST /api/spaces.
func (s *Server) addSpace(c *fiber.Ctx) error {
	var req addSpaceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ID == "" {
		return badRequest(c, "id is required")
	}

	space := &registry.Space{
		ID:        req.ID,
		Name:      req.Name,
		Items:     req.Items,
		CreatedAt: time.Now().UTC(),
	}
	if space.Name == "" {
		space.Name = space.ID
	}
	if err := s.deps.Registry.AddSpace(space); err != nil {
		return badRequest(c, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(space)
}

// getSpace handles GET /api/spaces/:id. The response carries the resolved
// view: every item annotated with its location, dangling items flagged
// instead of dropped.
func (s *Server) getSpace(c *fiber.Ctx) error {
	id := c.Params("id")

	space, err := s.deps.Registry.GetSpace(id)
	if err != nil {
		return err
	}
	resolved, err := s.deps.Registry.ResolveSpace(id)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"space": space,
		"items": resolved,
	})
}

// removeSpace handles DELETE /api/spaces/:id.
func (s *Server) removeSpace(c *fiber.Ctx) error {
	if err := s.deps.Registry.RemoveSpace(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
