package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yinshiyionly/jianying-draft/internal/domain"
	"github.com/yinshiyionly/jianying-draft/internal/service"
)

// Handler wires HTTP routes to the download service.
type Handler struct {
	downloads *service.DownloadService
}

func NewHandler(downloads *service.DownloadService) *Handler {
	return &Handler{downloads: downloads}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/tasks", h.createTask)
		api.GET("/tasks", h.listTasks)
		api.GET("/tasks/active", h.listActiveTasks)
		api.GET("/tasks/:id", h.getTask)
		api.POST("/tasks/:id/start", h.startTask)
		api.POST("/tasks/:id/pause", h.pauseTask)
		api.POST("/tasks/:id/resume", h.resumeTask)
		api.POST("/tasks/:id/cancel", h.cancelTask)
		api.DELETE("/tasks/:id", h.deleteTask)
		api.GET("/tasks/:id/speed", h.taskSpeed)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
}

type createTaskRequest struct {
	URL  string `json:"url" binding:"required"`
	Name string `json:"name"`
	Path string `json:"path"`
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.downloads.CreateTask(c.Request.Context(), req.URL, req.Name, req.Path)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, taskToResponse(*task))
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks := h.downloads.GetAllTasks()
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listActiveTasks(c *gin.Context) {
	tasks := h.downloads.GetActiveTasks()
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.downloads.GetTaskByID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) startTask(c *gin.Context) {
	if err := h.downloads.StartDownload(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": c.Param("id")})
}

func (h *Handler) pauseTask(c *gin.Context) {
	if err := h.downloads.PauseDownload(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"paused": c.Param("id")})
}

func (h *Handler) resumeTask(c *gin.Context) {
	if err := h.downloads.ResumeDownload(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"resumed": c.Param("id")})
}

func (h *Handler) cancelTask(c *gin.Context) {
	if err := h.downloads.CancelDownload(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelled": c.Param("id")})
}

func (h *Handler) deleteTask(c *gin.Context) {
	deleteFile, err := strconv.ParseBool(c.DefaultQuery("delete_file", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_file"})
		return
	}

	if err := h.downloads.DeleteTask(c.Request.Context(), c.Param("id"), deleteFile); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (h *Handler) taskSpeed(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.downloads.GetTaskByID(id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"speed": h.downloads.GetDownloadSpeed(id)})
}

type TaskResponse struct {
	ID                  string            `json:"id"`
	URL                 string            `json:"url"`
	Name                string            `json:"name"`
	FilePath            string            `json:"file_path"`
	TotalSize           int64             `json:"total_size"`
	Downloaded          int64             `json:"downloaded"`
	Progress            float64           `json:"progress"`
	Status              domain.TaskStatus `json:"status"`
	StatusText          string            `json:"status_text"`
	FormattedSize       string            `json:"formatted_size"`
	FormattedDownloaded string            `json:"formatted_downloaded"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	CreatedAt           string            `json:"created_at"`
	UpdatedAt           string            `json:"updated_at"`
	CompletedAt         *string           `json:"completed_at,omitempty"`
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:                  task.ID,
		URL:                 task.URL,
		Name:                task.Name,
		FilePath:            task.FilePath,
		TotalSize:           task.TotalSize,
		Downloaded:          task.Downloaded,
		Progress:            task.Progress(),
		Status:              task.Status,
		StatusText:          task.StatusText(),
		FormattedSize:       task.FormattedSize(),
		FormattedDownloaded: task.FormattedDownloaded(),
		ErrorMessage:        task.ErrorMessage,
		CreatedAt:           task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           task.UpdatedAt.Format(time.RFC3339),
	}
	if task.CompletedAt != nil {
		v := task.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}
