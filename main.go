package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"SceneForge-server/config"
	"SceneForge-server/logger"
	"SceneForge-server/models"
	"SceneForge-server/pipeline"
	"SceneForge-server/routers"
	"SceneForge-server/routers/api"
	"SceneForge-server/service"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	mode := flag.String("mode", "all", "运行模式: api | worker | all")
	flag.Parse()

	if err := config.InitConfig(*configPath); err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	cfg := config.AppConfig
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		slog.Error("init logger failed", "error", err)
		os.Exit(1)
	}
	log := logger.Component("main")

	if err := run(cfg, *mode, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, mode string, log *slog.Logger) error {
	runAPI := mode == "api" || mode == "all"
	runWorker := mode == "worker" || mode == "all"
	if !runAPI && !runWorker {
		return errors.New("unknown mode " + mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := models.InitDB(cfg.MySQL.DSN)
	if err != nil {
		return err
	}
	store := models.NewStore(db)
	log.Info("database initialized")

	redisOpt := service.RedisOpt(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	queue := service.NewQueue(redisOpt, cfg.Pipeline.RunTimeout)
	defer queue.Close()

	// NATS 不可用时退化为 noop，生成流程不受影响
	var notifier pipeline.Notifier = service.NewNoopNotifier()
	var progress api.ProgressSource
	if cfg.NATS.URL != "" {
		nc, err := service.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			log.Warn("nats unavailable, progress events disabled", "error", err)
		} else {
			defer nc.Drain()
			n := service.NewNATSNotifier(nc, cfg.NATS.SubjectPrefix)
			notifier, progress = n, n
		}
	}

	var processor *service.Processor
	var worker *asynq.Server
	if runWorker {
		// 编排器的进度事件同时写回当前任务
		tp := service.NewTaskProgress(store, notifier)
		orch, closeDeps, err := buildOrchestrator(ctx, cfg, store, tp, log)
		if err != nil {
			return err
		}
		defer closeDeps()

		processor = service.NewProcessor(store, orch, tp)
		if worker, err = processor.Start(redisOpt, cfg.Worker.Concurrency); err != nil {
			return err
		}
		defer worker.Shutdown()

		sweeper := service.NewSweeper(store, cfg.Sweeper.Interval, cfg.Pipeline.RunTimeout+cfg.Sweeper.Grace)
		if err := sweeper.Start(); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	if !runAPI {
		<-ctx.Done()
		log.Info("shutting down worker")
		return nil
	}

	h := &api.Handlers{Store: store, Queue: queue, Progress: progress}
	if processor != nil {
		h.Cancel = processor
	}
	srv := &http.Server{Addr: cfg.Server.Port, Handler: routers.InitRouter(h)}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Server.Port, "mode", mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildOrchestrator 组装编排器依赖，返回的 closer 释放外部连接
func buildOrchestrator(ctx context.Context, cfg *config.Config, store *models.Store, notifier pipeline.Notifier, log *slog.Logger) (*pipeline.Orchestrator, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	storage, err := service.NewStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	log.Info("object storage initialized", "type", cfg.Storage.Type)

	media := service.NewFFmpegMedia(cfg.Media.FFmpegPath, cfg.Media.FrameFormat, cfg.Media.WebPQuality)
	if !media.Available() {
		log.Warn("ffmpeg not found, frame extraction and stitching will fail", "path", cfg.Media.FFmpegPath)
	}

	deps := pipeline.Deps{
		Repo:     store,
		Provider: service.NewHTTPProvider(cfg.Provider.Endpoint, cfg.Provider.APIKey, cfg.Provider.PollInterval, cfg.Provider.Timeout),
		Storage:  storage,
		Fetcher:  service.NewHTTPFetcher(),
		Media:    media,
		Notifier: notifier,
	}

	if cfg.Gemini.APIKey != "" {
		writer, err := service.NewGeminiWriter(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			log.Warn("script writer unavailable, using parser only", "error", err)
		} else {
			deps.Writer = writer
			closers = append(closers, func() { _ = writer.Close() })
		}
	}

	if cfg.Redis.Addr != "" {
		rdb, err := service.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		deps.Locker = service.NewRedisLocker(rdb)
		closers = append(closers, func() { _ = rdb.Close() })
	}

	orch := pipeline.NewOrchestrator(deps, pipeline.Settings{
		DefaultMode:      pipeline.Mode(cfg.Pipeline.DefaultMode),
		DefaultModel:     cfg.Provider.DefaultModel,
		RunTimeout:       cfg.Pipeline.RunTimeout,
		ScriptTimeout:    cfg.Pipeline.ScriptTimeout,
		SceneTimeout:     cfg.Pipeline.SceneTimeout,
		MaxParallel:      cfg.Pipeline.MaxParallel,
		MaxSceneDuration: cfg.Pipeline.MaxSceneDuration,
		TempDir:          cfg.Storage.TempDir,
	}, logger.Component("orchestrator"))
	return orch, closeAll, nil
}
