package api

import (
	"mime"
	"path"

	"github.com/gofiber/fiber/v2"

	"github.com/patchpanel/remotefs/pkg/jobs"
)

// pathRef builds the engine path reference from the route's location id
// and the ?path= query parameter.
func pathRef(c *fiber.Ctx) jobs.PathRef {
	return jobs.PathRef{
		LocationID: c.Params("id"),
		Path:       c.Query("path", "/"),
	}
}

// listFiles handles GET /api/locations/:id/files?path=.
func (s *Server) listFiles(c *fiber.Ctx) error {
	ref := pathRef(c)

	entries, err := s.deps.Engine.List(c.UserContext(), ref)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"location": ref.LocationID,
		"path":     ref.Path,
		"entries":  entries,
	})
}

// statFile handles GET /api/locations/:id/stat?path=.
func (s *Server) statFile(c *fiber.Ctx) error {
	entry, err := s.deps.Engine.Stat(c.UserContext(), pathRef(c))
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

// downloadFile handles GET /api/locations/:id/download?path=. The body
// streams straight from the backend; the reader holds its pooled
// connection until the response finishes.
func (s *Server) downloadFile(c *fiber.Ctx) error {
	ref := pathRef(c)
	if ref.Path == "/" {
		return badRequest(c, "path query parameter is required")
	}

	entry, err := s.deps.Engine.Stat(c.UserContext(), ref)
	if err != nil {
		return err
	}
	if entry.IsDir {
		return badRequest(c, "cannot download a directory; submit a compress operation instead")
	}

	rc, err := s.deps.Engine.OpenRead(c.UserContext(), ref)
	if err != nil {
		return err
	}

	name := path.Base(ref.Path)
	if ctype := mime.TypeByExtension(path.Ext(name)); ctype != "" {
		c.Set(fiber.HeaderContentType, ctype)
	} else {
		c.Set(fiber.HeaderContentType, "application/octet-stream")
	}
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+name+`"`)

	return c.SendStream(rc, int(entry.Size))
}

// uploadFile handles PUT /api/locations/:id/upload?path=. The request
// body streams to the backend under a temporary name and is promoted on
// success, so an aborted upload leaves no partial target.
func (s *Server) uploadFile(c *fiber.Ctx) error {
	ref := pathRef(c)
	if ref.Path == "/" {
		return badRequest(c, "path query parameter is required")
	}

	written, err := s.deps.Engine.Write(c.UserContext(), ref, c.Context().RequestBodyStream())
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"location": ref.LocationID,
		"path":     ref.Path,
		"size":     written,
	})
}

// mkdir handles POST /api/locations/:id/mkdir.
func (s *Server) mkdir(c *fiber.Ctx) error {
	var req struct {
		Path string `json:"path"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Path == "" {
		return badRequest(c, "path is required")
	}

	ref := jobs.PathRef{LocationID: c.Params("id"), Path: req.Path}
	if err := s.deps.Engine.Mkdir(c.UserContext(), ref); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"location": ref.LocationID,
		"path":     ref.Path,
	})
}

// deleteFile handles DELETE /api/locations/:id/files?path=&recursive=.
func (s *Server) deleteFile(c *fiber.Ctx) error {
	ref := pathRef(c)
	if ref.Path == "/" {
		return badRequest(c, "path query parameter is required")
	}
	recursive := c.QueryBool("recursive", false)

	if err := s.deps.Engine.Delete(c.UserContext(), ref, recursive); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// renameFile handles POST /api/locations/:id/rename.
func (s *Server) renameFile(c *fiber.Ctx) error {
	var req struct {
		Path    string `json:"path"`
		NewPath string `json:"newPath"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Path == "" || req.NewPath == "" {
		return badRequest(c, "path and newPath are required")
	}

	ref := jobs.PathRef{LocationID: c.Params("id"), Path: req.Path}
	if err := s.deps.Engine.Rename(c.UserContext(), ref, req.NewPath); err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"location": ref.LocationID,
		"path":     req.NewPath,
	})
}
