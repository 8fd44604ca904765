package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"SceneForge-server/logger"
	"SceneForge-server/models"
	"SceneForge-server/pipeline"
)

var errStaleRun = errors.New("generation run abandoned: no progress before deadline")

type staleStore interface {
	ListStaleGenerating(ctx context.Context, before time.Time) ([]models.Project, error)
	ListScenes(ctx context.Context, projectID string) ([]models.Scene, error)
	UpdateProject(ctx context.Context, id string, u models.ProjectUpdate) error
}

// Sweeper 定期把卡在 generating 的项目标记为 failed，并保留已完成场景
type Sweeper struct {
	store     staleStore
	interval  time.Duration
	maxAge    time.Duration
	scheduler *gocron.Scheduler
	logger    *slog.Logger
}

func NewSweeper(store staleStore, interval, maxAge time.Duration) *Sweeper {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	return &Sweeper{
		store:     store,
		interval:  interval,
		maxAge:    maxAge,
		scheduler: scheduler,
		logger:    logger.Component("sweeper"),
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.scheduler.Every(s.interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.scheduler.StartAsync()
	s.logger.Info("stale run sweeper started", "interval", s.interval.String(), "maxAge", s.maxAge.String())
	return nil
}

func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}

// Sweep 返回本次标记失败的项目数
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.ListStaleGenerating(ctx, time.Now().Add(-s.maxAge))
	if err != nil {
		return 0, fmt.Errorf("list stale projects: %w", err)
	}

	swept := 0
	for _, p := range stale {
		if err := s.failProject(ctx, p); err != nil {
			s.logger.Error("mark stale project failed", "project", p.ID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Warn("stale runs marked failed", "count", swept)
	}
	return swept, nil
}

func (s *Sweeper) failProject(ctx context.Context, p models.Project) error {
	rows, err := s.store.ListScenes(ctx, p.ID)
	if err != nil {
		return err
	}
	var arts []pipeline.SceneArtifact
	for _, r := range rows {
		if r.VideoURL != "" && p.Config.InRun(r.SceneNumber) {
			arts = append(arts, pipeline.ArtifactFromScene(r))
		}
	}

	cfg := p.Config
	cfg.FinalVideoURL = ""
	cfg.PartialResults = pipeline.BuildPartialResults(arts, errStaleRun, -1, 0)
	cfg.SceneURLs = nil
	for _, a := range arts {
		cfg.SceneURLs = append(cfg.SceneURLs, a.VideoURL)
	}
	msg := errStaleRun.Error()
	return s.store.UpdateProject(ctx, p.ID, models.ProjectUpdate{
		Status: models.ProjectStatusFailed,
		Config: &cfg,
		Error:  &msg,
	})
}
