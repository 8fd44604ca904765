package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// 任务状态
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusSuccess    = "finished"
	TaskStatusFailed     = "failed"

	TaskTypeGenerateVideo   = "generate_video"   // 整片生成
	TaskTypeRegenerateScene = "regenerate_scene" // 单场景重生成
)

type Task struct {
	ID         string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID  string         `gorm:"type:varchar(64);index" json:"projectId"`
	Type       string         `gorm:"type:varchar(32)" json:"type"`
	Status     string         `gorm:"type:varchar(32)" json:"status"`
	Progress   int            `json:"progress"`
	Message    string         `json:"message"`
	Parameters TaskParameters `gorm:"type:json" json:"parameters"`
	Result     TaskResult     `gorm:"type:json" json:"result"`
	Error      string         `gorm:"type:text" json:"error"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (Task) TableName() string {
	return "task"
}

func (t *Task) Terminal() bool {
	return t.Status == TaskStatusSuccess || t.Status == TaskStatusFailed
}

type TaskParameters struct {
	Run   *RunParams   `json:"run,omitempty"`
	Scene *SceneParams `json:"scene,omitempty"`
}

type RunParams struct {
	Mode        string `json:"mode,omitempty"`
	Resume      bool   `json:"resume"`
	AudioURL    string `json:"audioUrl,omitempty"`
	MaxParallel int    `json:"maxParallel,omitempty"`
	// 仅顺序模式生效
	ExtendPrevious bool `json:"extendPrevious,omitempty"`
}

type SceneParams struct {
	SceneIndex      int      `json:"sceneIndex"`
	Prompt          string   `json:"prompt,omitempty"`
	Duration        float64  `json:"duration,omitempty"`
	ExtendPrevious  bool     `json:"extendPrevious"`
	ReferenceImages []string `json:"referenceImages,omitempty"`
}

// TaskResult 汇总整片或单场景的产出
type TaskResult struct {
	Status        string   `json:"status,omitempty"`
	FinalVideoURL string   `json:"finalVideoUrl,omitempty"`
	SceneURLs     []string `json:"sceneUrls,omitempty"`
	FailedScenes  []int    `json:"failedScenes,omitempty"`
	VideoURL      string   `json:"videoUrl,omitempty"`
	FirstFrameURL string   `json:"firstFrameUrl,omitempty"`
	LastFrameURL  string   `json:"lastFrameUrl,omitempty"`
}

func (p TaskParameters) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *TaskParameters) Scan(value interface{}) error {
	return scanJSON(value, p)
}

func (r TaskResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *TaskResult) Scan(value interface{}) error {
	return scanJSON(value, r)
}

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("failed to unmarshal JSON value of type %T", value)
	}
}
