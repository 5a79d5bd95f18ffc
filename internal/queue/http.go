package queue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kosarica/game-ingest/internal/model"
)

// EnqueueRequest is the POST /api/enqueue body: an IngestJob minus the
// fields the server assigns itself (spec §6.3).
type EnqueueRequest struct {
	Provider   string          `json:"provider"`
	Task       string          `json:"task"`
	Args       json.RawMessage `json:"args,omitempty"`
	ProviderID *int64          `json:"provider_id,omitempty"`
}

// RegisterRoutes mounts the worker's admin HTTP API (spec §6.3) onto r.
func (w *Worker) RegisterRoutes(r gin.IRouter) {
	r.POST("/api/enqueue", w.handleEnqueue)
	r.GET("/api/metrics", w.handleMetrics)
	r.POST("/api/pause", w.handlePause)
	r.POST("/api/resume", w.handleResume)
	r.GET("/api/logs", w.handleLogs)
	r.GET("/api/status", w.handleStatus)
	r.GET("/api/info", w.handleInfo)
}

func (w *Worker) handleEnqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	// Unknown (provider, task) pairs are a hard error that the worker would
	// otherwise only discover after a dequeue-and-archive round trip (spec
	// §6.2); reject them here against the same handler table it dispatches
	// from.
	if _, ok := w.handlers[req.Provider+":"+req.Task]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": fmt.Sprintf("unknown (provider, task) pair: %s:%s", req.Provider, req.Task)})
		return
	}
	job := model.IngestJob{
		Provider:   req.Provider,
		Task:       req.Task,
		Args:       req.Args,
		ProviderID: req.ProviderID,
	}
	msgID, correlation, err := w.q.Send(c.Request.Context(), job)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "msg_id": msgID, "correlation": correlation})
}

func (w *Worker) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, w.Metrics())
}

func (w *Worker) handlePause(c *gin.Context) {
	w.Pause()
	c.JSON(http.StatusOK, gin.H{"ok": true, "paused": true})
}

func (w *Worker) handleResume(c *gin.Context) {
	w.Resume()
	c.JSON(http.StatusOK, gin.H{"ok": true, "paused": false})
}

func (w *Worker) handleLogs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"lines": w.Logs(limit)})
}

func (w *Worker) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"paused": w.Paused(), "queue": w.q.name})
}

func (w *Worker) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"queue":       w.q.name,
		"vt_secs":     int(w.cfg.VT.Seconds()),
		"poll_secs":   int(w.cfg.PollInterval.Seconds()),
		"max_retries": w.cfg.MaxRetries,
	})
}
