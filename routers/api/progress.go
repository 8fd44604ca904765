package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"SceneForge-server/logger"
	"SceneForge-server/models"
	"SceneForge-server/pipeline"
)

const progressBuffer = 32

// 项目进度 WebSocket：转发 NATS 上的进度事件，run_completed / run_failed 后关闭
func (h *Handlers) ProjectProgressWebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("project_id")
	log := logger.WithRequestID(ctx).With("project", projectID)

	if h.Progress == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "进度推送未启用"})
		return
	}
	project, err := h.Store.GetProject(ctx, projectID)
	if err != nil {
		abortWithError(c, err, "项目未找到")
		return
	}

	events := make(chan pipeline.ProgressEvent, progressBuffer)
	unsubscribe, err := h.Progress.Subscribe(projectID, func(ev pipeline.ProgressEvent) {
		select {
		case events <- ev:
		default:
			// 客户端太慢时丢弃
		}
	})
	if err != nil {
		abortWithError(c, err, "订阅进度失败")
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// 先推送当前状态
	if err := conn.WriteJSON(gin.H{"projectId": project.ID, "status": project.Status}); err != nil {
		return
	}
	if project.Status != models.ProjectStatusGenerating && project.Status != models.ProjectStatusDraft {
		return
	}

	// 读协程只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("progress write failed", "error", err)
				return
			}
			if ev.Stage == pipeline.StageRunCompleted || ev.Stage == pipeline.StageRunFailed {
				return
			}
		}
	}
}
