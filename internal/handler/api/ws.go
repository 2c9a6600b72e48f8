package api

import (
	"errors"
	"net/http"
	"time"

	domrepo "WalletPull/internal/domain/repository"
	xlogger "WalletPull/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS handled at the echo layer
}

// JobStream streams job status updates over a WebSocket until the job is
// terminal, sparing clients the polling loop.
type JobStream struct {
	logger   *xlogger.Logger
	store    domrepo.JobStore
	interval time.Duration
}

// NewJobStream creates the WebSocket status streamer.
func NewJobStream(logger *xlogger.Logger, store domrepo.JobStore) *JobStream {
	return &JobStream{logger: logger, store: store, interval: time.Second}
}

func (s *JobStream) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/aggregate/:id", s.Stream)
}

func (s *JobStream) Stream(c echo.Context) error {
	jobID := c.Param("id")
	ctx := c.Request().Context()

	if _, err := s.store.Get(ctx, jobID); err != nil {
		if errors.Is(err, domrepo.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Drain client frames so close messages are noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		job, err := s.store.Get(ctx, jobID)
		if err != nil {
			s.logger.Warn("ws status read failed", xlogger.String("job_id", jobID), xlogger.Error(err))
			return nil
		}

		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(job); err != nil {
			return nil
		}
		if job.Status.IsTerminal() {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-clientGone:
			return nil
		case <-ticker.C:
		}
	}
}
