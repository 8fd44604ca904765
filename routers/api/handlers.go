package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"SceneForge-server/logger"
	"SceneForge-server/models"
	"SceneForge-server/pipeline"
)

// Enqueuer 把已落库的任务投递到队列
type Enqueuer interface {
	Enqueue(ctx context.Context, t *models.Task) error
}

// Canceller 取消本进程内执行中的任务
type Canceller interface {
	CancelTask(taskID string) bool
}

// ProgressSource 订阅项目进度事件
type ProgressSource interface {
	Subscribe(projectID string, fn func(pipeline.ProgressEvent)) (func(), error)
}

type Handlers struct {
	Store    *models.Store
	Queue    Enqueuer
	Cancel   Canceller      // 可为 nil（纯 API 进程）
	Progress ProgressSource // 可为 nil（未配置 NATS）

	// 任务 websocket 轮询间隔
	PollInterval time.Duration
}

func (h *Handlers) pollInterval() time.Duration {
	if h.PollInterval <= 0 {
		return time.Second
	}
	return h.PollInterval
}

func abortWithError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, pipeline.ErrSceneNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, pipeline.ErrRunInProgress):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.WithRequestID(c.Request.Context()).Error(msg, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": msg + ": " + err.Error()})
}
