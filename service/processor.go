package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"

	"SceneForge-server/logger"
	"SceneForge-server/models"
	"SceneForge-server/pipeline"
)

var errTaskCanceled = errors.New("task canceled")

// Runner 由 pipeline.Orchestrator 实现
type Runner interface {
	RunGeneration(ctx context.Context, projectID string, opts pipeline.RunOptions) (*pipeline.RunOutcome, error)
	RunSingleScene(ctx context.Context, projectID string, sceneIndex int, opts pipeline.SceneOptions) (*pipeline.SceneOutcome, error)
}

type taskStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string, result *models.TaskResult, errMsg string) error
	UpdateTaskProgress(ctx context.Context, id string, progress int, message string) error
}

type Processor struct {
	store    taskStore
	runner   Runner
	progress *TaskProgress
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewProcessor progress 可为 nil，此时任务进度只在开始和结束时更新
func NewProcessor(store taskStore, runner Runner, progress *TaskProgress) *Processor {
	return &Processor{
		store:    store,
		runner:   runner,
		progress: progress,
		logger:   logger.Component("processor"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

func (p *Processor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateVideo, p.HandleGenerateVideo)
	mux.HandleFunc(TypeRegenerateScene, p.HandleRegenerateScene)
	return mux
}

// Start 启动 asynq worker，返回的 server 由调用方 Shutdown
func (p *Processor) Start(opt asynq.RedisClientOpt, concurrency int) (*asynq.Server, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
		Logger: newAsynqLogger(logger.Component("asynq")),
	})
	if err := srv.Start(p.Mux()); err != nil {
		return nil, fmt.Errorf("start task processor: %w", err)
	}
	p.logger.Info("task processor started", "concurrency", concurrency)
	return srv, nil
}

// CancelTask 取消本进程内正在执行的任务
func (p *Processor) CancelTask(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.cancels[taskID]
	if !ok {
		return false
	}
	cancel()
	delete(p.cancels, taskID)
	return true
}

func (p *Processor) register(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancels[taskID] = cancel
	p.mu.Unlock()
}

func (p *Processor) unregister(taskID string) {
	p.mu.Lock()
	delete(p.cancels, taskID)
	p.mu.Unlock()
}

// begin 读取并认领任务，返回 nil task 表示无需处理
func (p *Processor) begin(ctx context.Context, t *asynq.Task) (*models.Task, error) {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.TaskID == "" {
		return nil, fmt.Errorf("bad payload %q: %w", t.Payload(), asynq.SkipRetry)
	}
	task, err := p.store.GetTask(ctx, payload.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", payload.TaskID, err)
	}
	if task.Terminal() {
		p.logger.InfoContext(ctx, "task already finished, skipping", "task", task.ID, "status", task.Status)
		return nil, nil
	}
	if err := p.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusProcessing, nil, ""); err != nil {
		p.logger.WarnContext(ctx, "mark task processing failed", "task", task.ID, "error", err)
	}
	return task, nil
}

// run 带上取消注册和进度跟踪执行 fn
func (p *Processor) run(ctx context.Context, task *models.Task, fn func(context.Context) (*models.TaskResult, error)) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.register(task.ID, cancel)
	defer p.unregister(task.ID)
	if p.progress != nil {
		p.progress.Track(task.ProjectID, task.ID)
		defer p.progress.Untrack(task.ProjectID, task.ID)
	}

	log := p.logger.With("task", task.ID, "project", task.ProjectID, "type", task.Type)
	log.InfoContext(ctx, "processing task")

	result, err := fn(rctx)
	// 结束状态写库不受取消影响
	wctx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		// 交回队列，稍后重试
		log.WarnContext(ctx, "project busy, task will be retried")
		if uerr := p.store.UpdateTaskStatus(wctx, task.ID, models.TaskStatusPending, nil, ""); uerr != nil {
			log.WarnContext(ctx, "reset task to pending failed", "error", uerr)
		}
		return err
	case err != nil:
		if rctx.Err() == context.Canceled && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", errTaskCanceled, err)
		}
		log.ErrorContext(ctx, "task failed", "error", err)
		if uerr := p.store.UpdateTaskStatus(wctx, task.ID, models.TaskStatusFailed, result, err.Error()); uerr != nil {
			log.ErrorContext(ctx, "mark task failed failed", "error", uerr)
		}
		// 业务失败已记录在任务上，不再重试
		return nil
	}

	if uerr := p.store.UpdateTaskStatus(wctx, task.ID, models.TaskStatusSuccess, result, ""); uerr != nil {
		log.ErrorContext(ctx, "mark task finished failed", "error", uerr)
		return uerr
	}
	log.InfoContext(ctx, "task finished")
	return nil
}

func (p *Processor) HandleGenerateVideo(ctx context.Context, t *asynq.Task) error {
	task, err := p.begin(ctx, t)
	if err != nil || task == nil {
		return err
	}
	opts, err := runOptionsFor(task.Parameters)
	if err != nil {
		msg := err.Error()
		_ = p.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, nil, msg)
		return fmt.Errorf("%s: %w", msg, asynq.SkipRetry)
	}

	return p.run(ctx, task, func(rctx context.Context) (*models.TaskResult, error) {
		out, err := p.runner.RunGeneration(rctx, task.ProjectID, opts)
		return resultFromRun(out), err
	})
}

func (p *Processor) HandleRegenerateScene(ctx context.Context, t *asynq.Task) error {
	task, err := p.begin(ctx, t)
	if err != nil || task == nil {
		return err
	}
	sp := task.Parameters.Scene
	if sp == nil {
		_ = p.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, nil, "missing scene parameters")
		return fmt.Errorf("task %s has no scene parameters: %w", task.ID, asynq.SkipRetry)
	}
	opts := pipeline.SceneOptions{
		Prompt:          sp.Prompt,
		Duration:        sp.Duration,
		ExtendPrevious:  sp.ExtendPrevious,
		ReferenceImages: sp.ReferenceImages,
	}

	return p.run(ctx, task, func(rctx context.Context) (*models.TaskResult, error) {
		out, err := p.runner.RunSingleScene(rctx, task.ProjectID, sp.SceneIndex, opts)
		if err != nil {
			return nil, err
		}
		return &models.TaskResult{
			Status:        models.TaskStatusSuccess,
			VideoURL:      out.VideoURL,
			FirstFrameURL: out.FirstFrameURL,
			LastFrameURL:  out.LastFrameURL,
		}, nil
	})
}

func runOptionsFor(params models.TaskParameters) (pipeline.RunOptions, error) {
	rp := params.Run
	if rp == nil {
		return pipeline.RunOptions{}, nil
	}
	mode, err := pipeline.ParseMode(rp.Mode)
	if err != nil {
		return pipeline.RunOptions{}, err
	}
	return pipeline.RunOptions{
		Mode:           mode,
		Resume:         rp.Resume,
		AudioURL:       rp.AudioURL,
		MaxParallel:    rp.MaxParallel,
		ExtendPrevious: rp.ExtendPrevious,
	}, nil
}

func resultFromRun(out *pipeline.RunOutcome) *models.TaskResult {
	if out == nil {
		return nil
	}
	return &models.TaskResult{
		Status:        out.Status,
		FinalVideoURL: out.FinalVideoURL,
		SceneURLs:     out.SceneURLs,
		FailedScenes:  out.FailedScenes,
	}
}

// TaskProgress 把编排器的进度事件同步到当前任务，再转发给下游通知器
type TaskProgress struct {
	store  taskStore
	next   pipeline.Notifier
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]string // projectID -> taskID
}

func NewTaskProgress(store taskStore, next pipeline.Notifier) *TaskProgress {
	if next == nil {
		next = NewNoopNotifier()
	}
	return &TaskProgress{store: store, next: next, logger: logger.Component("task_progress"), active: make(map[string]string)}
}

func (t *TaskProgress) Track(projectID, taskID string) {
	t.mu.Lock()
	t.active[projectID] = taskID
	t.mu.Unlock()
}

func (t *TaskProgress) Untrack(projectID, taskID string) {
	t.mu.Lock()
	if t.active[projectID] == taskID {
		delete(t.active, projectID)
	}
	t.mu.Unlock()
}

func (t *TaskProgress) Publish(ctx context.Context, ev pipeline.ProgressEvent) {
	t.mu.Lock()
	taskID := t.active[ev.ProjectID]
	t.mu.Unlock()

	if taskID != "" {
		msg := ev.Stage
		if ev.Message != "" {
			msg = ev.Message
		}
		if err := t.store.UpdateTaskProgress(context.WithoutCancel(ctx), taskID, ev.Progress, msg); err != nil {
			t.logger.WarnContext(ctx, "update task progress failed", "task", taskID, "error", err)
		}
	}
	t.next.Publish(ctx, ev)
}

var _ pipeline.Notifier = (*TaskProgress)(nil)

// asynqLogger 把 asynq 内部日志接到 slog
type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger { return &asynqLogger{l: l} }

func (a *asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a *asynqLogger) Fatal(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
