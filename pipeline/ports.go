package pipeline

import (
	"context"
	"io"
	"time"

	"SceneForge-server/models"
)

// Provider 视频/图片生成服务
type Provider interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// ScriptWriter 把文案写成分镜脚本
type ScriptWriter interface {
	Write(ctx context.Context, concept string, duration float64, hints StyleHints) (*Script, error)
}

// Storage 产物持久化，Put 返回的 URL 可直接传给 Get
type Storage interface {
	Put(ctx context.Context, r io.Reader, size int64, path string) (string, error)
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// Fetcher 下载远程文件到本地
type Fetcher interface {
	Download(ctx context.Context, url, dst string) (int64, error)
}

// Media 本地文件上的媒体处理（阻塞）
type Media interface {
	Concatenate(ctx context.Context, files []string, out string) error
	OverlayAudio(ctx context.Context, video, audio, out string) error
	ExtractFrames(ctx context.Context, video, outDir string) (*Frames, error)
}

type Repository interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProject(ctx context.Context, id string, u models.ProjectUpdate) error
	UpsertScene(ctx context.Context, scene models.Scene) error
	ListScenes(ctx context.Context, projectID string) ([]models.Scene, error)
}

// Notifier 发布进度事件，尽力投递
type Notifier interface {
	Publish(ctx context.Context, ev ProgressEvent)
}

// Locker 独占 key，直到 release 或 ttl 过期
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, ProgressEvent) {}
