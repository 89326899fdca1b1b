package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/basekick-labs/logfeed/internal/audit"
	"github.com/basekick-labs/logfeed/internal/circuitbreaker"
	"github.com/basekick-labs/logfeed/internal/destination"
	"github.com/basekick-labs/logfeed/internal/pipeline"
	"github.com/basekick-labs/logfeed/internal/scheduler"
	"github.com/gofiber/fiber/v2"
)

// DestinationSource exposes the last loaded destination set
type DestinationSource interface {
	Cached() []destination.Descriptor
}

// BreakerSource exposes per-destination circuit breaker state
type BreakerSource interface {
	BreakerStats() []circuitbreaker.Stats
}

// LastRunSource exposes the summary of the most recent run in this process
type LastRunSource interface {
	Last() *pipeline.Summary
}

// RunLedger queries recorded runs
type RunLedger interface {
	Runs(ctx context.Context, filter *audit.QueryFilter) ([]audit.RunEntry, error)
	LastRun(ctx context.Context) (*audit.RunEntry, error)
	Files(ctx context.Context, runID string) ([]audit.FileEntry, error)
}

// SchedulerStatus exposes the daemon scheduler
type SchedulerStatus interface {
	IsRunning() bool
	Status() map[string]interface{}

	// Trigger starts a run in the background
	Trigger() error
}

// destinationView is a descriptor without credentials
type destinationView struct {
	Name     string                `json:"name"`
	Host     string                `json:"host"`
	Port     int                   `json:"port"`
	User     string                `json:"user"`
	Database string                `json:"dbname"`
	SSL      bool                  `json:"ssl"`
	Timeout  string                `json:"timeout,omitempty"`
	Breaker  *circuitbreaker.Stats `json:"breaker,omitempty"`
}

// destinationsHandler lists the destinations of the last loaded set
func (s *Server) destinationsHandler(c *fiber.Ctx) error {
	if s.deps.Destinations == nil {
		return fiber.NewError(fiber.StatusNotFound, "no destination registry")
	}

	breakers := make(map[string]circuitbreaker.Stats)
	if s.deps.Breakers != nil {
		for _, st := range s.deps.Breakers.BreakerStats() {
			breakers[st.Name] = st
		}
	}

	descriptors := s.deps.Destinations.Cached()
	views := make([]destinationView, 0, len(descriptors))
	for _, d := range descriptors {
		v := destinationView{
			Name:     d.Name,
			Host:     d.Host,
			Port:     d.Port,
			User:     d.User,
			Database: d.Database,
			SSL:      d.SSL,
		}
		if d.Timeout > 0 {
			v.Timeout = d.Timeout.String()
		}
		if st, ok := breakers[d.Name]; ok {
			v.Breaker = &st
		}
		views = append(views, v)
	}

	return c.JSON(fiber.Map{
		"count":        len(views),
		"destinations": views,
	})
}

// runsHandler lists recorded runs, newest first
func (s *Server) runsHandler(c *fiber.Ctx) error {
	if s.deps.Ledger == nil {
		return fiber.NewError(fiber.StatusNotFound, "run ledger is not enabled")
	}

	filter := &audit.QueryFilter{Limit: 50}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			filter.Limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			filter.Offset = parsed
		}
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid 'since' format, use RFC3339 (e.g., 2026-01-01T00:00:00Z)",
			})
		}
		filter.Since = t
	}

	runs, err := s.deps.Ledger.Runs(c.UserContext(), filter)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"count":  len(runs),
		"limit":  filter.Limit,
		"offset": filter.Offset,
		"runs":   runs,
	})
}

// triggerRunHandler starts a run outside the schedule. The run continues
// after the response; poll /api/v1/runs/last for its summary.
func (s *Server) triggerRunHandler(c *fiber.Ctx) error {
	if s.deps.Scheduler == nil {
		return fiber.NewError(fiber.StatusNotFound, "scheduler is not enabled")
	}

	err := s.deps.Scheduler.Trigger()
	switch {
	case errors.Is(err, scheduler.ErrRunActive):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNotRunning):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case err != nil:
		return err
	}

	s.logger.Info().Str("remote", c.IP()).Msg("Run triggered via API")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

// lastRunHandler returns the in-process summary of the last run, falling
// back to the ledger after a restart
func (s *Server) lastRunHandler(c *fiber.Ctx) error {
	if s.deps.Runs != nil {
		if sum := s.deps.Runs.Last(); sum != nil {
			return c.JSON(sum)
		}
	}

	if s.deps.Ledger != nil {
		run, err := s.deps.Ledger.LastRun(c.UserContext())
		if err == nil {
			return c.JSON(run)
		}
		if !errors.Is(err, audit.ErrNoRuns) {
			return err
		}
	}

	return fiber.NewError(fiber.StatusNotFound, "no runs yet")
}

// runFilesHandler lists the file outcomes of one run
func (s *Server) runFilesHandler(c *fiber.Ctx) error {
	if s.deps.Ledger == nil {
		return fiber.NewError(fiber.StatusNotFound, "run ledger is not enabled")
	}

	runID := c.Params("id")
	files, err := s.deps.Ledger.Files(c.UserContext(), runID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"run_id": runID,
		"count":  len(files),
		"files":  files,
	})
}
