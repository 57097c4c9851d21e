package main

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/services"
	"github.com/kimhsiao/worktally/internal/sync/queue"
)

// Server exposes the sync core to local UI layers over HTTP and WebSocket.
type Server struct {
	svc *services.SyncService
	hub *WSHub
}

// NewServer creates a server. hub may be nil to disable /ws.
func NewServer(svc *services.SyncService, hub *WSHub) *Server {
	return &Server{svc: svc, hub: hub}
}

type apiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, apiResponse{Code: 0, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, apiResponse{Code: status, Message: message})
}

// failErr maps an error onto a status code by its AppError code.
func failErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrInvalidAction, apperrors.ErrInvalidPayload:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err, map[string]interface{}{"path": c.FullPath()})
	}
	fail(c, status, err.Error())
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	s.Register(r)
	return r
}

// Register adds the API routes to r.
func (s *Server) Register(r *gin.Engine) {
	api := r.Group("/api")
	api.GET("/health", s.health)
	api.GET("/sync/status", s.status)
	api.POST("/sync", s.syncNow)
	api.DELETE("/sync/cache", s.clearCache)
	api.POST("/actions", s.queueAction)
	api.GET("/actions", s.pendingActions)
	api.GET("/entities/:type", s.entitiesByType)
	api.GET("/entities/:type/:id", s.entity)
	api.GET("/dead-letters", s.deadLetters)
	api.DELETE("/dead-letters", s.clearDeadLetters)
	api.PUT("/network", s.setNetwork)
	api.GET("/metrics", s.metrics)

	if s.hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "worktally"})
}

func (s *Server) status(c *gin.Context) {
	st, err := s.svc.Engine.GetSyncStatus(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"sync":    st,
		"network": s.svc.Observer.Snapshot(),
	})
}

func (s *Server) syncNow(c *gin.Context) {
	synced := s.svc.Observer.SyncNow(c.Request.Context())
	ok(c, http.StatusOK, gin.H{
		"synced":  synced,
		"network": s.svc.Observer.Snapshot(),
	})
}

func (s *Server) clearCache(c *gin.Context) {
	cleared, err := s.svc.Engine.ClearSyncedData(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	if !cleared {
		fail(c, http.StatusConflict, "pending actions remain")
		return
	}
	ok(c, http.StatusOK, gin.H{"cleared": true})
}

type queueActionRequest struct {
	ID     string            `json:"id"`
	Type   models.EntityType `json:"type"`
	Action models.ActionType `json:"action"`
	Data   json.RawMessage   `json:"data"`
}

func (s *Server) queueAction(c *gin.Context) {
	var req queueActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	syncID, err := s.svc.Queue.QueueAction(c.Request.Context(), queue.NewAction{
		ID:     req.ID,
		Type:   req.Type,
		Action: req.Action,
		Data:   req.Data,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"syncId": syncID})
}

func (s *Server) pendingActions(c *gin.Context) {
	actions, err := s.svc.Queue.PendingActions(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	if actions == nil {
		actions = []models.PendingAction{}
	}
	ok(c, http.StatusOK, actions)
}

func (s *Server) entitiesByType(c *gin.Context) {
	byID, err := s.svc.Queue.OfflineDataByType(c.Request.Context(), models.EntityType(c.Param("type")))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, byID)
}

func (s *Server) entity(c *gin.Context) {
	raw, err := s.svc.Queue.OfflineEntity(c.Request.Context(), models.EntityType(c.Param("type")), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if raw == nil {
		fail(c, http.StatusNotFound, "entity not cached")
		return
	}
	ok(c, http.StatusOK, raw)
}

func (s *Server) deadLetters(c *gin.Context) {
	letters, err := s.svc.DeadLetters.List(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	if letters == nil {
		letters = []models.DeadLetter{}
	}
	ok(c, http.StatusOK, letters)
}

func (s *Server) clearDeadLetters(c *gin.Context) {
	if err := s.svc.DeadLetters.Clear(c.Request.Context()); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"cleared": true})
}

type networkRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) setNetwork(c *gin.Context) {
	var req networkRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		fail(c, http.StatusBadRequest, "body must be {\"online\": true|false}")
		return
	}
	if err := s.svc.SetOnline(*req.Online); err != nil {
		fail(c, http.StatusConflict, err.Error())
		return
	}
	ok(c, http.StatusOK, s.svc.Observer.Snapshot())
}

func (s *Server) metrics(c *gin.Context) {
	m := s.svc.Metrics.Snapshot()
	ok(c, http.StatusOK, gin.H{
		"counters":       m,
		"averageCycleMs": m.AverageCycle().Milliseconds(),
	})
}
