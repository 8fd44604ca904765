package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"SceneForge-server/logger"
	"SceneForge-server/models"
)

const (
	TypeGenerateVideo   = "project:generate_video"
	TypeRegenerateScene = "project:regenerate_scene"
)

// 超出运行期限后留给收尾（拼接、写库）的时间
const queueTimeoutMargin = 10 * time.Minute

type TaskPayload struct {
	TaskID string `json:"task_id"`
}

// Queue 任务入队
type Queue struct {
	client     *asynq.Client
	runTimeout time.Duration
	logger     *slog.Logger
}

func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}

func NewQueue(opt asynq.RedisClientOpt, runTimeout time.Duration) *Queue {
	return &Queue{client: asynq.NewClient(opt), runTimeout: runTimeout, logger: logger.Component("queue")}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func queueTypeFor(taskType string) (string, error) {
	switch taskType {
	case models.TaskTypeGenerateVideo:
		return TypeGenerateVideo, nil
	case models.TaskTypeRegenerateScene:
		return TypeRegenerateScene, nil
	}
	return "", fmt.Errorf("unsupported task type: %s", taskType)
}

func newQueueTask(t *models.Task, runTimeout time.Duration) (*asynq.Task, error) {
	typ, err := queueTypeFor(t.Type)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(TaskPayload{TaskID: t.ID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(typ, payload,
		asynq.MaxRetry(3), // 仅锁冲突等可恢复错误会重试
		asynq.Timeout(runTimeout+queueTimeoutMargin),
		asynq.Retention(24*time.Hour),
	), nil
}

// Enqueue 把已落库的任务放入队列
func (q *Queue) Enqueue(ctx context.Context, t *models.Task) error {
	task, err := newQueueTask(t, q.runTimeout)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	q.logger.InfoContext(ctx, "task enqueued", "task", t.ID, "type", task.Type(), "queueId", info.ID)
	return nil
}
