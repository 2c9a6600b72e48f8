package api

import (
	"errors"
	"time"

	"WalletPull/internal/domain/models"
	domrepo "WalletPull/internal/domain/repository"
	"WalletPull/internal/usecase"
	"WalletPull/pkg/cache"
	xhttp "WalletPull/pkg/http"
	xlogger "WalletPull/pkg/logger"

	"github.com/labstack/echo/v4"
)

// PortfolioHandler exposes the aggregation engine over HTTP: submit a
// job, poll its status, fetch the latest snapshot for a wallet group.
type PortfolioHandler struct {
	logger     *xlogger.Logger
	dispatcher *usecase.Dispatcher
	store      domrepo.JobStore
	snapCache  cache.Service // terminal snapshots only; they never mutate
}

// NewPortfolioHandler creates the portfolio API handler. snapCache may be
// nil to disable snapshot caching.
func NewPortfolioHandler(logger *xlogger.Logger, dispatcher *usecase.Dispatcher, store domrepo.JobStore, snapCache cache.Service) *PortfolioHandler {
	return &PortfolioHandler{logger: logger, dispatcher: dispatcher, store: store, snapCache: snapCache}
}

func (h *PortfolioHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.POST("/aggregate", h.StartAggregation)
	g.GET("/aggregate/:id", h.JobStatus)
	g.DELETE("/aggregate/:id", h.CancelJob)
	g.GET("/wallet/:group/latest", h.LatestSnapshot)
}

// StartAggregation accepts an account set + chain set and returns a job
// id immediately; results are gathered asynchronously.
func (h *PortfolioHandler) StartAggregation(c echo.Context) error {
	req := &models.AggregateRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	job, reused, err := h.dispatcher.StartAggregation(c.Request().Context(), req.Accounts, req.Chains, req.WalletGroup)
	if err != nil {
		if errors.Is(err, usecase.ErrNoUnits) {
			return xhttp.BadRequestResponse(c, []xhttp.ValidationError{{
				Code:    "ERR_NO_PROVIDERS",
				Field:   "chains",
				Message: err.Error(),
			}})
		}
		h.logger.Error("start aggregation error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}

	return xhttp.CreatedResponse(c, &models.AggregateResponse{JobID: job.ID, Reused: reused})
}

// JobStatus returns the job's counters and, once terminal, the snapshot.
func (h *PortfolioHandler) JobStatus(c echo.Context) error {
	jobID := c.Param("id")

	job, err := h.store.Get(c.Request().Context(), jobID)
	if err != nil {
		if errors.Is(err, domrepo.ErrJobNotFound) {
			return xhttp.NotFoundResponse(c, "job not found")
		}
		h.logger.Error("job status error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}

	resp := &models.JobStatusResponse{Job: job}
	if job.Status.IsTerminal() {
		resp.Snapshot = h.loadSnapshot(c, jobID)
	}
	return xhttp.SuccessResponse(c, resp)
}

// CancelJob marks a running job cancelled; in-flight provider calls are
// not aborted but their late results are dropped.
func (h *PortfolioHandler) CancelJob(c echo.Context) error {
	jobID := c.Param("id")

	cancelled, err := h.store.Cancel(c.Request().Context(), jobID)
	if err != nil {
		h.logger.Error("cancel job error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	if !cancelled {
		job, err := h.store.Get(c.Request().Context(), jobID)
		if err != nil {
			if errors.Is(err, domrepo.ErrJobNotFound) {
				return xhttp.NotFoundResponse(c, "job not found")
			}
			return xhttp.AppErrorResponse(c, err)
		}
		return xhttp.SuccessResponse(c, &models.JobStatusResponse{Job: job})
	}
	_ = h.store.RemoveInflight(c.Request().Context(), jobID)
	return xhttp.NoContentResponse(c)
}

// LatestSnapshot returns the most recent consolidated snapshot for a
// wallet group.
func (h *PortfolioHandler) LatestSnapshot(c echo.Context) error {
	group := c.Param("group")

	jobID, err := h.store.LatestJobID(c.Request().Context(), group)
	if err != nil {
		if errors.Is(err, domrepo.ErrJobNotFound) {
			return xhttp.NotFoundResponse(c, "no snapshot for wallet group")
		}
		h.logger.Error("latest snapshot error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}

	snap := h.loadSnapshot(c, jobID)
	if snap == nil {
		return xhttp.NotFoundResponse(c, "snapshot not ready")
	}
	return xhttp.SuccessResponse(c, snap)
}

func (h *PortfolioHandler) loadSnapshot(c echo.Context, jobID string) *models.WalletSnapshot {
	ctx := c.Request().Context()
	cacheKey := "snapshot:" + jobID

	if h.snapCache != nil {
		var cached models.WalletSnapshot
		if err := h.snapCache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached
		}
	}

	snap, err := h.store.Snapshot(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domrepo.ErrSnapshotNotFound) {
			h.logger.Error("snapshot load error", xlogger.String("job_id", jobID), xlogger.Error(err))
		}
		return nil
	}
	if h.snapCache != nil {
		_ = h.snapCache.Set(ctx, cacheKey, snap, 5*time.Minute)
	}
	return snap
}
