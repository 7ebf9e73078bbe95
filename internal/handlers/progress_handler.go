package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/models"
	"github.com/surfscan/surfscan/internal/queue"
	"github.com/surfscan/surfscan/internal/repository"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ProgressHandler streams scan progress updates over a websocket.
type ProgressHandler struct {
	scans    *repository.ScanRepository
	progress *queue.ProgressBus
	log      *logger.Logger
}

func NewProgressHandler(scans *repository.ScanRepository, progress *queue.ProgressBus, log *logger.Logger) *ProgressHandler {
	return &ProgressHandler{scans: scans, progress: progress, log: log}
}

func (h *ProgressHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/scans/:id/progress", h.Stream)
}

// Stream upgrades to a websocket and forwards progress updates until the scan
// reaches a terminal state or the client goes away.
func (h *ProgressHandler) Stream(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found", "code": "NOT_FOUND"})
		return
	}
	scan, err := h.scans.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found", "code": "NOT_FOUND"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// terminal scans get a single snapshot
	if scan.Status.IsTerminal() {
		conn.WriteJSON(models.ProgressUpdate{
			ScanID:    scan.ID,
			Status:    scan.Status,
			Progress:  100,
			Stage:     models.StageForProgress(100),
			Timestamp: time.Now(),
		})
		return
	}

	updates, unsubscribe := h.progress.Subscribe(id.String())
	defer unsubscribe()

	// drain client frames so close is noticed
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(update); err != nil {
				return
			}
			if update.Status.IsTerminal() {
				return
			}
		}
	}
}
