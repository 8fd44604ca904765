package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// 项目状态：只允许向前流转，任何状态都不会回到 draft
const (
	ProjectStatusDraft      = "draft"
	ProjectStatusGenerating = "generating"
	ProjectStatusCompleted  = "completed"
	ProjectStatusFailed     = "failed"
)

var ErrInvalidTransition = errors.New("invalid project status transition")

var projectTransitions = map[string][]string{
	ProjectStatusDraft:      {ProjectStatusGenerating, ProjectStatusFailed},
	ProjectStatusGenerating: {ProjectStatusCompleted, ProjectStatusFailed},
	ProjectStatusCompleted:  {ProjectStatusGenerating},
	ProjectStatusFailed:     {ProjectStatusGenerating},
}

// CanTransition reports whether a project may move from one status to another.
// Re-setting the current status is always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range projectTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Project struct {
	ID        string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    string        `gorm:"type:varchar(64);index" json:"userId"`
	Title     string        `json:"title"`
	Concept   string        `gorm:"type:text" json:"concept"`
	Status    string        `gorm:"type:varchar(32);index" json:"status"`
	Config    ProjectConfig `gorm:"type:json" json:"config"`
	Error     string        `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

// ProjectConfig 保存生成参数与流水线输出
type ProjectConfig struct {
	Duration          float64 `json:"duration"`
	ModelID           string  `json:"modelId,omitempty"`
	AspectRatio       string  `json:"aspectRatio,omitempty"`
	Style             string  `json:"style,omitempty"`
	Mood              string  `json:"mood,omitempty"`
	ColorPalette      string  `json:"colorPalette,omitempty"`
	Pacing            string  `json:"pacing,omitempty"`
	UseReferenceFrame bool    `json:"useReferenceFrame"`
	Continuous        bool    `json:"continuous"`
	ReferenceImages   bool    `json:"referenceImages"`
	AudioURL          string  `json:"audioUrl,omitempty"`

	OverallPrompt  string          `json:"overallPrompt,omitempty"`
	SceneCount     int             `json:"sceneCount,omitempty"`
	SceneURLs      []string        `json:"sceneUrls,omitempty"`
	FrameURLs      []SceneFrames   `json:"frameUrls,omitempty"`
	FinalVideoURL  string          `json:"finalVideoUrl,omitempty"`
	FailedScenes   []int           `json:"failedScenes,omitempty"`
	PartialResults *PartialResults `json:"partialResults,omitempty"`
}

// ClearOutputs drops everything a previous run wrote.
func (c *ProjectConfig) ClearOutputs() {
	c.OverallPrompt = ""
	c.SceneCount = 0
	c.SceneURLs = nil
	c.FrameURLs = nil
	c.FinalVideoURL = ""
	c.FailedScenes = nil
	c.PartialResults = nil
}

// InRun 场景行是否属于最近一次运行；旧脚本更长时遗留的行不计入
func (c ProjectConfig) InRun(sceneNumber int) bool {
	return c.SceneCount <= 0 || sceneNumber <= c.SceneCount
}

type SceneFrames struct {
	SceneNumber   int    `json:"sceneNumber"`
	FirstFrameURL string `json:"firstFrameUrl,omitempty"`
	LastFrameURL  string `json:"lastFrameUrl,omitempty"`
}

// PartialResults 失败运行中已成功的场景，供续跑与排查
type PartialResults struct {
	Count            int             `json:"count"`
	Scenes           []SceneArtifact `json:"scenes"`
	Error            string          `json:"error"`
	FirstFailedIndex int             `json:"firstFailedIndex"`
	FirstFailedScene int             `json:"firstFailedScene"`
	RecordedAt       time.Time       `json:"recordedAt"`
}

type SceneArtifact struct {
	SceneNumber   int    `json:"sceneNumber"`
	VideoURL      string `json:"videoUrl"`
	FirstFrameURL string `json:"firstFrameUrl,omitempty"`
	LastFrameURL  string `json:"lastFrameUrl,omitempty"`
}

func (c ProjectConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *ProjectConfig) Scan(value interface{}) error {
	return scanJSON(value, c)
}

// ProjectUpdate 字段级更新；零值字段不写入
type ProjectUpdate struct {
	Status  string
	Config  *ProjectConfig
	Error   *string
	Title   *string
	Concept *string
}
