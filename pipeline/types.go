package pipeline

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSequential, ModeParallel:
		return Mode(s), nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// 脚本来源
const (
	SourceJSON       = "json"
	SourceFencedJSON = "fenced_json"
	SourceMarkers    = "markers"
	SourceWriter     = "writer"
	SourceFallback   = "fallback"
)

type ScriptScene struct {
	SceneNumber int     `json:"sceneNumber"`
	Prompt      string  `json:"prompt"`
	Duration    float64 `json:"duration"`
	StartTime   float64 `json:"startTime"`
	EndTime     float64 `json:"endTime"`
}

type Script struct {
	OverallPrompt string        `json:"overallPrompt"`
	Scenes        []ScriptScene `json:"scenes"`
	KeyElements   []string      `json:"keyElements,omitempty"`
	Source        string        `json:"-"`
}

type StyleHints struct {
	Style            string
	Mood             string
	ColorPalette     string
	Pacing           string
	AspectRatio      string
	MaxSceneDuration float64
}

type GenerationKind string

const (
	KindVideo GenerationKind = "video"
	KindImage GenerationKind = "image"
)

type GenerationRequest struct {
	Kind           GenerationKind
	ProjectID      string
	SceneNumber    int
	Prompt         string
	TargetDuration float64
	ModelID        string
	AspectRatio    string
	Style          string
	Mood           string
	ColorPalette   string
	Pacing         string
	Continuity     Continuity
}

func (r GenerationRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("scene %d: empty prompt", r.SceneNumber)
	}
	if r.TargetDuration < 0 {
		return fmt.Errorf("scene %d: negative duration %.2f", r.SceneNumber, r.TargetDuration)
	}
	return nil
}

type GenerationStatus string

const (
	StatusSucceeded GenerationStatus = "succeeded"
	StatusFailed    GenerationStatus = "failed"
)

type GenerationResult struct {
	Status          GenerationStatus
	Output          Output
	ProviderAssetID string
	ClipHandle      string
	Error           string
}

// Frames 抽帧后的本地路径
type Frames struct {
	First string
	Last  string
}

// SceneArtifact 单个场景的持久化结果
type SceneArtifact struct {
	SceneNumber     int
	Index           int
	Prompt          string
	Duration        float64
	StartTime       float64
	EndTime         float64
	VideoURL        string
	FirstFrameURL   string
	LastFrameURL    string
	ProviderAssetID string
	LocalPath       string
}

type RunOptions struct {
	Mode        Mode
	Resume      bool
	AudioURL    string
	MaxParallel int
	// 续接上一段视频，仅顺序模式
	ExtendPrevious bool
}

type RunOutcome struct {
	Status        string   `json:"status"`
	FinalVideoURL string   `json:"finalVideoUrl,omitempty"`
	SceneURLs     []string `json:"sceneUrls"`
	FailedScenes  []int    `json:"failedScenes,omitempty"`
}

type SceneOptions struct {
	Prompt          string
	Duration        float64
	ExtendPrevious  bool
	ReferenceImages []string
}

type SceneOutcome struct {
	VideoURL      string `json:"videoUrl"`
	FirstFrameURL string `json:"firstFrameUrl,omitempty"`
	LastFrameURL  string `json:"lastFrameUrl,omitempty"`
}

// 进度阶段
const (
	StageRunStarted     = "run_started"
	StageScriptResolved = "script_resolved"
	StageSceneCompleted = "scene_completed"
	StageSceneFailed    = "scene_failed"
	StageStitching      = "stitching"
	StageRunCompleted   = "run_completed"
	StageRunFailed      = "run_failed"
)

type ProgressEvent struct {
	ProjectID   string `json:"projectId"`
	Stage       string `json:"stage"`
	SceneNumber int    `json:"sceneNumber,omitempty"`
	Progress    int    `json:"progress"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

func newEvent(projectID, stage string, progress int) ProgressEvent {
	return ProgressEvent{ProjectID: projectID, Stage: stage, Progress: progress, Timestamp: time.Now().Unix()}
}
