package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/minutegraph/internal/events"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleWatch streams a job's events over a websocket: one message per
// version change, starting with the current state. The stream ends when the
// job completes or fails. The job is polled from the store because the
// worker may run in another process.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, mode string) {
	id := r.PathValue("id")
	job, err := s.app.Jobs.Get(r.Context(), mode, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readPump(conn, cancel)

	s.logger.Debug("watch started", "job_id", id, "mode", mode)
	if err := s.watchJob(ctx, conn, job); err != nil {
		s.logger.Debug("watch ended", "job_id", id, "error", err)
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
}

func (s *Server) watchJob(ctx context.Context, conn *websocket.Conn, job *models.Job) error {
	var from models.JobStatus
	if err := send(conn, events.NewEvent(*job, from)); err != nil {
		return err
	}

	poll := time.NewTicker(s.watchInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for !job.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-poll.C:
			cur, err := s.app.Jobs.Get(ctx, job.Mode, job.ID)
			if err != nil {
				return err
			}
			if cur.Version == job.Version {
				continue
			}
			from = job.Status
			*job = *cur
			if err := send(conn, events.NewEvent(*job, from)); err != nil {
				return err
			}
		}
	}
	return nil
}

// readPump drains client frames so pongs and close frames are processed.
func (s *Server) readPump(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func send(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
