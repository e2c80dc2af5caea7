package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"genqueue/config"
	"genqueue/falclient"
	"genqueue/history"
	"genqueue/task"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type Handler struct {
	taskManager *task.Manager
	history     *history.Store
	cfg         *config.Config
	defaults    map[task.Kind]map[string]any
	logger      *slog.Logger
}

func NewHandler(tm *task.Manager, hs *history.Store, cfg *config.Config, logger *slog.Logger) (*Handler, error) {
	defaults, err := falclient.DefaultOptions(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		taskManager: tm,
		history:     hs,
		cfg:         cfg,
		defaults:    defaults,
		logger:      logger.With("component", "api"),
	}, nil
}

type TaskRequest struct {
	Type       string         `json:"type" binding:"required,oneof=image video image-to-image image-to-video"`
	Prompt     string         `json:"prompt" binding:"required"`
	ModelID    string         `json:"modelId" binding:"required"`
	Options    map[string]any `json:"options"`
	RawOptions string         `json:"rawOptions"` // shell-style key=value list, overridden by Options
}

// handleCreateTask queues a generation task with the kind's default options
// applied underneath the caller's.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	raw, err := falclient.ParseOptions(req.RawOptions)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid rawOptions: %v", err)})
		return
	}

	typ := task.Type(req.Type)
	options := falclient.MergeOptions(h.defaults[task.KindOf(typ)], falclient.MergeOptions(raw, req.Options))
	t := h.taskManager.AddTask(typ, req.Prompt, req.ModelID, options)

	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID, "task": t})
}

func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.taskManager.GetAllTasks())
}

func (h *Handler) handleGetTask(c *gin.Context) {
	t, found := h.taskManager.GetTask(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, found := h.taskManager.GetTask(taskID); !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if !h.taskManager.CancelTask(c.Request.Context(), taskID) {
		c.JSON(http.StatusConflict, gin.H{"error": "Task cannot be cancelled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancelled"})
}

func (h *Handler) handleClearTask(c *gin.Context) {
	h.taskManager.ClearTask(c.Param("taskId"))
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleClearCompleted(c *gin.Context) {
	h.taskManager.ClearCompletedTasks()
	c.Status(http.StatusNoContent)
}

// handleEvents streams the task set as server-sent events: one "tasks" event
// on connect and one per change. A slow client only ever misses intermediate
// snapshots, never the latest.
func (h *Handler) handleEvents(c *gin.Context) {
	updates := make(chan []task.Task, 16)
	id := h.taskManager.AddListener(func(tasks []task.Task) {
		for {
			select {
			case updates <- tasks:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	defer h.taskManager.RemoveListener(id)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("tasks", h.taskManager.GetAllTasks())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case tasks := <-updates:
			c.SSEvent("tasks", tasks)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *Handler) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"tasks":  h.taskManager.Stats(),
	}

	host := gin.H{}
	if p, err := cpu.Percent(0, false); err != nil {
		h.logger.Warn("could not get CPU usage", "error", err)
	} else if len(p) > 0 {
		host["cpuPercent"] = p[0]
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		h.logger.Warn("could not get memory usage", "error", err)
	} else {
		host["memAvailable"] = vm.Available
		host["memUsedPercent"] = vm.UsedPercent
	}
	resp["host"] = host

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleListHistory(c *gin.Context) {
	kind := task.Kind(c.Query("kind"))
	if kind != "" && kind != task.KindImage && kind != task.KindVideo {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be image or video"})
		return
	}
	c.JSON(http.StatusOK, h.history.List(kind))
}

func (h *Handler) handleGetHistory(c *gin.Context) {
	e, err := h.history.Get(c.Param("id"))
	if err != nil {
		h.historyError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handler) handleDeleteHistory(c *gin.Context) {
	if err := h.history.Delete(c.Param("id")); err != nil {
		h.historyError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleClearHistory(c *gin.Context) {
	h.history.Clear()
	c.Status(http.StatusNoContent)
}

func (h *Handler) historyError(c *gin.Context, err error) {
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "History entry not found"})
		return
	}
	h.logger.Error("history operation failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
