package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

// InitDB 打开 MySQL 连接池并在其上初始化 GORM
func InitDB(dsn string) (*gorm.DB, error) {
	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("init gorm: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Project{}, &Scene{}, &Task{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Store 项目、场景、任务的持久化入口
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Project
// ---------------------------------------------------------------------------

func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.Status == "" {
		p.Status = ProjectStatusDraft
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context, userID string, limit, offset int) ([]Project, error) {
	var projects []Project
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// UpdateProject 字段级更新；状态变更按 CanTransition 校验
func (s *Store) UpdateProject(ctx context.Context, id string, u ProjectUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Project
		if err := tx.Select("id", "status").First(&cur, "id = ?", id).Error; err != nil {
			return notFound(err)
		}

		updates := map[string]interface{}{"updated_at": time.Now()}
		if u.Status != "" {
			if !CanTransition(cur.Status, u.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, u.Status)
			}
			updates["status"] = u.Status
		}
		if u.Config != nil {
			updates["config"] = *u.Config
		}
		if u.Error != nil {
			updates["error"] = *u.Error
		}
		if u.Title != nil {
			updates["title"] = *u.Title
		}
		if u.Concept != nil {
			updates["concept"] = *u.Concept
		}
		return tx.Model(&Project{}).Where("id = ?", id).Updates(updates).Error
	})
}

// DeleteProject 删除项目及其场景、任务
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&Scene{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&Task{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Project{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListStaleGenerating returns projects stuck in generating since before the cutoff.
func (s *Store) ListStaleGenerating(ctx context.Context, before time.Time) ([]Project, error) {
	var projects []Project
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", ProjectStatusGenerating, before).
		Find(&projects).Error
	return projects, err
}

// ---------------------------------------------------------------------------
// Scene
// ---------------------------------------------------------------------------

// UpsertScene inserts or fully replaces the row for (ProjectID, SceneNumber).
func (s *Store) UpsertScene(ctx context.Context, scene Scene) error {
	if scene.ProjectID == "" || scene.SceneNumber <= 0 {
		return fmt.Errorf("upsert scene: invalid key (%q, %d)", scene.ProjectID, scene.SceneNumber)
	}
	scene.ID = 0
	scene.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "scene_number"}},
		DoUpdates: clause.AssignmentColumns(sceneMutableColumns),
	}).Create(&scene).Error
}

func (s *Store) ListScenes(ctx context.Context, projectID string) ([]Scene, error) {
	var scenes []Scene
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("scene_number ASC").
		Find(&scenes).Error
	return scenes, err
}

func (s *Store) GetScene(ctx context.Context, projectID string, sceneNumber int) (*Scene, error) {
	var scene Scene
	err := s.db.WithContext(ctx).
		First(&scene, "project_id = ? AND scene_number = ?", projectID, sceneNumber).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &scene, nil
}

// ---------------------------------------------------------------------------
// Task
// ---------------------------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string, limit int) ([]Task, error) {
	var tasks []Task
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&tasks).Error
	return tasks, err
}

// UpdateTaskStatus 更新任务状态，processing 记录开始时间，终态记录结束时间
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string, result *TaskResult, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	switch status {
	case TaskStatusProcessing:
		updates["started_at"] = now
	case TaskStatusSuccess:
		updates["finished_at"] = now
		updates["progress"] = 100
	case TaskStatusFailed:
		updates["finished_at"] = now
	}
	if result != nil {
		updates["result"] = *result
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	return s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) UpdateTaskProgress(ctx context.Context, id string, progress int, message string) error {
	return s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress":   progress,
		"message":    message,
		"updated_at": time.Now(),
	}).Error
}
