package models

import "time"

// Scene 以 (project_id, scene_number) 唯一，写入只走 Store.UpsertScene
type Scene struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ProjectID       string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_scene_project_number,priority:1" json:"projectId"`
	SceneNumber     int       `gorm:"not null;uniqueIndex:idx_scene_project_number,priority:2" json:"sceneNumber"`
	Prompt          string    `gorm:"type:text" json:"prompt"`
	Duration        float64   `json:"duration"`
	StartTime       float64   `json:"startTime"`
	EndTime         float64   `json:"endTime"`
	VideoURL        string    `gorm:"type:text" json:"videoUrl"`
	FirstFrameURL   string    `gorm:"type:text" json:"firstFrameUrl,omitempty"`
	LastFrameURL    string    `gorm:"type:text" json:"lastFrameUrl,omitempty"`
	ProviderAssetID string    `gorm:"type:varchar(255)" json:"providerAssetId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

// sceneMutableColumns are overwritten on conflict; a retry fully supersedes the previous attempt.
var sceneMutableColumns = []string{
	"prompt", "duration", "start_time", "end_time",
	"video_url", "first_frame_url", "last_frame_url", "provider_asset_id", "updated_at",
}
