package api

import (
	"log/slog"

	"genqueue/config"
	"genqueue/history"
	"genqueue/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(tm *task.Manager, hs *history.Store, cfg *config.Config, logger *slog.Logger) (*gin.Engine, error) {
	h, err := NewHandler(tm, hs, cfg, logger)
	if err != nil {
		return nil, err
	}

	r := gin.Default()
	r.GET("/health", h.handleHealth)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.DELETE("/tasks", h.handleClearCompleted)
		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.DELETE("/tasks/:taskId", h.handleClearTask)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)

		// Task set as server-sent events
		v1.GET("/events", h.handleEvents)

		v1.GET("/history", h.handleListHistory)
		v1.DELETE("/history", h.handleClearHistory)
		v1.GET("/history/:id", h.handleGetHistory)
		v1.DELETE("/history/:id", h.handleDeleteHistory)
	}
	return r, nil
}
