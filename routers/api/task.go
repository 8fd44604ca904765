package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"SceneForge-server/logger"
	"SceneForge-server/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 查询任务状态：GET /v1/api/tasks/:task_id
func (h *Handlers) GetTaskStatus(c *gin.Context) {
	t, err := h.Store.GetTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		abortWithError(c, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

// 项目任务列表：GET /v1/api/projects/:project_id/tasks
func (h *Handlers) ListProjectTasks(c *gin.Context) {
	tasks, err := h.Store.ListTasks(c.Request.Context(), c.Param("project_id"), 50)
	if err != nil {
		abortWithError(c, err, "获取任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// 取消任务：POST /v1/api/tasks/:task_id/cancel
// 未开始的任务直接标记失败，worker 取到后会跳过
func (h *Handlers) CancelTask(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.Store.GetTask(ctx, c.Param("task_id"))
	if err != nil {
		abortWithError(c, err, "task not found")
		return
	}
	if t.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "任务已结束", "status": t.Status})
		return
	}

	if t.Status == models.TaskStatusPending {
		if err := h.Store.UpdateTaskStatus(ctx, t.ID, models.TaskStatusFailed, nil, "task canceled"); err != nil {
			abortWithError(c, err, "取消任务失败")
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
		return
	}
	if h.Cancel != nil && h.Cancel.CancelTask(t.ID) {
		logger.WithRequestID(ctx).Info("task cancelled", "task", t.ID)
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
		return
	}
	c.JSON(http.StatusConflict, gin.H{"error": "任务不在本节点执行，无法取消"})
}

// 任务进度 WebSocket：以数据库为来源，轮询并推送变化，终态后关闭
func (h *Handlers) TaskProgressWebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("task_id")

	t, err := h.Store.GetTask(ctx, taskID)
	if err != nil {
		abortWithError(c, err, "task not found")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithRequestID(ctx).Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(t); err != nil || t.Terminal() {
		return
	}

	ticker := time.NewTicker(h.pollInterval())
	defer ticker.Stop()

	prevStatus, prevProgress := t.Status, t.Progress
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur, err := h.Store.GetTask(ctx, taskID)
		if err != nil {
			// 查询失败时继续重试
			continue
		}
		if cur.Status != prevStatus || cur.Progress != prevProgress {
			if err := conn.WriteJSON(cur); err != nil {
				return
			}
			prevStatus, prevProgress = cur.Status, cur.Progress
		}
		if cur.Terminal() {
			return
		}
	}
}
