package api

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/patchpanel/remotefs/internal/logger"
	"github.com/patchpanel/remotefs/pkg/engine"
	"github.com/patchpanel/remotefs/pkg/jobs"
	"github.com/patchpanel/remotefs/pkg/progress"
)

// submitRequest is the JSON body of POST /api/operations.
type submitRequest struct {
	Type    string         `json:"type"`
	Sources []jobs.PathRef `json:"sources"`
	Target  *jobs.PathRef  `json:"target,omitempty"`
	Options struct {
		StopOnError   bool   `json:"stopOnError"`
		MaxConcurrent int    `json:"maxConcurrent"`
		ArchiveFormat string `json:"archiveFormat"`
	} `json:"options"`
}

// submitOperation handles POST /api/operations. Validation failures are
// rejected here with 400; accepted requests return 202 with the pending
// job record.
func (s *Server) submitOperation(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	job, err := s.deps.Engine.Submit(c.UserContext(), engine.BulkRequest{
		Type:    jobs.Type(req.Type),
		Sources: req.Sources,
		Target:  req.Target,
		Options: engine.BulkOptions{
			StopOnError:   req.Options.StopOnError,
			MaxConcurrent: req.Options.MaxConcurrent,
			ArchiveFormat: req.Options.ArchiveFormat,
		},
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(job)
}

// listOperations handles GET /api/operations with optional status, type,
// location, and limit query filters.
func (s *Server) listOperations(c *fiber.Ctx) error {
	filter := jobs.Filter{
		LocationID: c.Query("location"),
		Limit:      c.QueryInt("limit", 0),
	}
	if raw := c.Query("status"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, jobs.Status(v))
		}
	}
	if raw := c.Query("type"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, jobs.Type(v))
		}
	}

	list, err := s.deps.Engine.Jobs(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"jobs": list})
}

// getOperation handles GET /api/operations/:jobID.
func (s *Server) getOperation(c *fiber.Ctx) error {
	job, err := s.deps.Engine.Job(c.UserContext(), c.Params("jobID"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}

// cancelOperation handles POST /api/operations/:jobID/cancel. Cancelling
// a finished job is a no-op that returns the job as it ended.
func (s *Server) cancelOperation(c *fiber.Ctx) error {
	job, err := s.deps.Engine.Cancel(c.UserContext(), c.Params("jobID"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}

// streamOperationEvents handles GET /api/operations/:jobID/events as a
// server-sent event stream. The subscription is taken before the job is
// read so no event can slip between snapshot and stream; the stream ends
// after the terminal event.
func (s *Server) streamOperationEvents(c *fiber.Ctx) error {
	jobID := c.Params("jobID")

	events, unsubscribe := s.deps.Engine.Subscribe(jobID)

	job, err := s.deps.Engine.Job(c.UserContext(), jobID)
	if err != nil {
		unsubscribe()
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	snapshot := progress.Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
	}

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		if err := writeEvent(w, snapshot); err != nil {
			return
		}
		if snapshot.Terminal() {
			return
		}

		for ev := range events {
			if err := writeEvent(w, ev); err != nil {
				logger.Debug("api: event stream for job %s closed by client", jobID)
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}))
	return nil
}

// writeEvent emits one SSE frame and flushes it. A flush error means the
// client is gone.
func writeEvent(w *bufio.Writer, ev any) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.WriteString("event: progress\ndata: "); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
