package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"SceneForge-server/models"
)

const finalizeTimeout = 30 * time.Second

type Settings struct {
	DefaultMode      Mode
	DefaultModel     string
	RunTimeout       time.Duration
	ScriptTimeout    time.Duration
	SceneTimeout     time.Duration
	MaxParallel      int
	MaxSceneDuration float64
	TempDir          string
}

// Deps 编排器依赖；Writer、Notifier、Locker、Media 可以为 nil
type Deps struct {
	Repo     Repository
	Provider Provider
	Writer   ScriptWriter
	Storage  Storage
	Fetcher  Fetcher
	Media    Media
	Notifier Notifier
	Locker   Locker
}

// Orchestrator 把项目从文案推进到成片
type Orchestrator struct {
	repo     Repository
	provider Provider
	storage  Storage
	fetcher  Fetcher
	media    Media
	notifier Notifier
	locker   Locker
	resolver *ScriptResolver
	stitcher *Stitcher
	settings Settings
	logger   *slog.Logger
}

func NewOrchestrator(d Deps, s Settings, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if s.DefaultMode == "" {
		s.DefaultMode = ModeSequential
	}
	if s.MaxSceneDuration <= 0 {
		s.MaxSceneDuration = defaultSceneDuration
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Orchestrator{
		repo:     d.Repo,
		provider: d.Provider,
		storage:  d.Storage,
		fetcher:  d.Fetcher,
		media:    d.Media,
		notifier: notifier,
		locker:   d.Locker,
		resolver: &ScriptResolver{
			Writer:           d.Writer,
			Timeout:          s.ScriptTimeout,
			MaxSceneDuration: s.MaxSceneDuration,
			Logger:           logger,
		},
		stitcher: &Stitcher{Storage: d.Storage, Fetcher: d.Fetcher, Media: d.Media, Logger: logger},
		settings: s,
		logger:   logger,
	}
}

func (o *Orchestrator) lock(ctx context.Context, projectID string) (func(), error) {
	if o.locker == nil {
		return func() {}, nil
	}
	ttl := o.settings.RunTimeout + time.Minute
	return o.locker.Acquire(ctx, "sceneforge:run:"+projectID, ttl)
}

func (o *Orchestrator) withRunDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.settings.RunTimeout > 0 {
		return context.WithTimeout(ctx, o.settings.RunTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) tracker(p *models.Project) Tracker {
	return Tracker{Continuous: p.Config.Continuous, UseReferenceFrame: p.Config.UseReferenceFrame, Logger: o.logger}
}

func (o *Orchestrator) notify(ctx context.Context, ev ProgressEvent) {
	o.notifier.Publish(ctx, ev)
}

// RunGeneration 完整生成一次；项目进入 generating 后 outcome 一定非 nil
func (o *Orchestrator) RunGeneration(ctx context.Context, projectID string, opts RunOptions) (*RunOutcome, error) {
	release, err := o.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := o.withRunDeadline(ctx)
	defer cancel()

	project, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	mode := opts.Mode
	if mode == "" {
		mode = o.settings.DefaultMode
	}
	log := o.logger.With("project", projectID, "mode", string(mode))

	var existing map[int]models.Scene
	if opts.Resume {
		rows, err := o.repo.ListScenes(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("load scenes: %w", err)
		}
		existing = make(map[int]models.Scene, len(rows))
		for _, r := range rows {
			existing[r.SceneNumber] = r
		}
	}

	cfg := project.Config
	cfg.ClearOutputs()
	noError := ""
	if err := o.repo.UpdateProject(ctx, projectID, models.ProjectUpdate{
		Status: models.ProjectStatusGenerating,
		Config: &cfg,
		Error:  &noError,
	}); err != nil {
		return nil, fmt.Errorf("start generation: %w", err)
	}
	project.Status = models.ProjectStatusGenerating
	project.Config = cfg
	log.Info("generation started", "resume", opts.Resume)
	o.notify(ctx, newEvent(projectID, StageRunStarted, 0))

	run := newRunResult()
	workDir, err := os.MkdirTemp(o.settings.TempDir, "run-"+projectID+"-")
	if err != nil {
		run.Fail(fmt.Errorf("create work dir: %w", err))
		return o.finalize(ctx, project, run, opts, "")
	}
	defer os.RemoveAll(workDir)

	script, err := o.resolver.Resolve(ctx, project.Concept, cfg.Duration, hintsFor(project, o.settings.MaxSceneDuration))
	if err != nil {
		run.Fail(err)
		return o.finalize(ctx, project, run, opts, workDir)
	}
	scenes, _ := Reconcile(script.Scenes, cfg.Duration, log)
	run.SceneCount = len(scenes)
	project.Config.OverallPrompt = script.OverallPrompt
	// 先落库场景数，清理器和单场景重跑据此忽略旧脚本遗留的行
	project.Config.SceneCount = len(scenes)
	countCfg := project.Config
	if err := o.repo.UpdateProject(ctx, projectID, models.ProjectUpdate{Config: &countCfg}); err != nil {
		log.Warn("failed to record scene count", "error", err)
	}

	ev := newEvent(projectID, StageScriptResolved, 5)
	ev.Message = fmt.Sprintf("%d scenes from %s", len(scenes), script.Source)
	o.notify(ctx, ev)

	seeds := o.seedImages(ctx, project, script, workDir)

	switch mode {
	case ModeParallel:
		o.runParallel(ctx, project, scenes, seeds, existing, opts, run, workDir)
	default:
		o.runSequential(ctx, project, scenes, seeds, existing, opts, run, workDir)
	}
	return o.finalize(ctx, project, run, opts, workDir)
}

func (o *Orchestrator) runSequential(ctx context.Context, p *models.Project, scenes []ScriptScene, seeds []string,
	existing map[int]models.Scene, opts RunOptions, run *RunResult, workDir string) {
	tracker := o.tracker(p)
	state := ContinuityState{}

	for i, sc := range scenes {
		if err := ctx.Err(); err != nil {
			run.Fail(runContextError(err, o.settings.RunTimeout))
			return
		}
		if a, ok := reusable(existing, sc, i); ok {
			o.logger.Info("reusing scene", "project", p.ID, "scene", sc.SceneNumber)
			run.Succeed(a)
			state = state.Advance(a)
			continue
		}

		hint := tracker.Hint(state, HintInput{
			SceneIndex:     i,
			SceneNumber:    sc.SceneNumber,
			ExtendPrevious: opts.ExtendPrevious && i > 0,
			SeedImages:     seeds,
		})
		a, err := o.processScene(ctx, p, i, sc, BuildRequest(p, sc, hint, o.settings.DefaultModel), workDir)
		if err != nil {
			o.logger.Error("scene failed", "project", p.ID, "scene", sc.SceneNumber, "error", err)
			run.FailScene(SceneFailure{SceneNumber: sc.SceneNumber, Index: i, Err: err})
			run.Fail(err)
			o.notifyScene(ctx, p.ID, StageSceneFailed, sc.SceneNumber, i, len(scenes), err)
			return
		}
		run.Succeed(a)
		state = state.Advance(a)
		o.notifyScene(ctx, p.ID, StageSceneCompleted, sc.SceneNumber, i+1, len(scenes), nil)
	}
}

type sceneSlot struct {
	artifact SceneArtifact
	err      error
	reused   bool
}

func (o *Orchestrator) runParallel(ctx context.Context, p *models.Project, scenes []ScriptScene, seeds []string,
	existing map[int]models.Scene, opts RunOptions, run *RunResult, workDir string) {
	tracker := o.tracker(p)
	if opts.ExtendPrevious {
		o.logger.Warn("clip extension is not supported in parallel mode", "project", p.ID)
	}

	slots := make([]sceneSlot, len(scenes))
	reqs := make([]GenerationRequest, len(scenes))
	for i, sc := range scenes {
		if a, ok := reusable(existing, sc, i); ok {
			slots[i] = sceneSlot{artifact: a, reused: true}
			continue
		}
		state := ContinuityState{}
		if i > 0 && slots[i-1].reused {
			state = StateFromScene(slots[i-1].artifact)
		}
		hint := tracker.Hint(state, HintInput{SceneIndex: i, SceneNumber: sc.SceneNumber, SeedImages: seeds})
		reqs[i] = BuildRequest(p, sc, hint, o.settings.DefaultModel)
	}

	limit := opts.MaxParallel
	if limit <= 0 {
		limit = o.settings.MaxParallel
	}
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range scenes {
		if slots[i].reused {
			continue
		}
		i := i
		g.Go(func() error {
			a, err := o.processScene(ctx, p, i, scenes[i], reqs[i], workDir)
			slots[i] = sceneSlot{artifact: a, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var failures []SceneFailure
	done := 0
	for i, s := range slots {
		n := scenes[i].SceneNumber
		if s.err != nil {
			o.logger.Error("scene failed", "project", p.ID, "scene", n, "error", s.err)
			f := SceneFailure{SceneNumber: n, Index: i, Err: s.err}
			failures = append(failures, f)
			run.FailScene(f)
			o.notifyScene(ctx, p.ID, StageSceneFailed, n, done, len(scenes), s.err)
			continue
		}
		done++
		run.Succeed(s.artifact)
		if !s.reused {
			o.notifyScene(ctx, p.ID, StageSceneCompleted, n, done, len(scenes), nil)
		}
	}
	if len(scenes) > 0 && len(failures) == len(scenes) {
		run.Fail(&AggregateSceneFailure{Failures: failures})
	}
}

// finalize 进入 generating 后的唯一出口
func (o *Orchestrator) finalize(ctx context.Context, p *models.Project, run *RunResult, opts RunOptions, workDir string) (*RunOutcome, error) {
	log := o.logger.With("project", p.ID)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	var finalURL string
	if run.Err == nil {
		o.notify(ctx, newEvent(p.ID, StageStitching, 90))
		audio := opts.AudioURL
		if audio == "" {
			audio = p.Config.AudioURL
		}
		u, err := o.stitcher.Stitch(ctx, StitchInput{
			ProjectID:  p.ID,
			Artifacts:  run.Succeeded(),
			SceneCount: run.SceneCount,
			AudioURL:   audio,
			WorkDir:    workDir,
		})
		if err != nil {
			run.Fail(err)
		}
		finalURL = u
	}

	cfg := p.Config
	cfg.SceneURLs = run.SceneURLs()
	cfg.FrameURLs = run.FrameURLs()
	cfg.FailedScenes = run.FailedScenes()
	outcome := &RunOutcome{SceneURLs: cfg.SceneURLs, FailedScenes: cfg.FailedScenes}

	if run.Err != nil {
		cfg.FinalVideoURL = ""
		cfg.PartialResults = run.PartialResults()
		msg := run.Err.Error()
		if err := o.repo.UpdateProject(pctx, p.ID, models.ProjectUpdate{
			Status: models.ProjectStatusFailed,
			Config: &cfg,
			Error:  &msg,
		}); err != nil {
			log.Error("failed to record run failure", "error", err)
		}
		outcome.Status = models.ProjectStatusFailed
		ev := newEvent(p.ID, StageRunFailed, 100)
		ev.Error = msg
		o.notify(pctx, ev)
		log.Error("generation failed", "error", run.Err, "succeeded", len(cfg.SceneURLs))
		return outcome, run.Err
	}

	cfg.FinalVideoURL = finalURL
	cfg.PartialResults = nil
	if err := o.repo.UpdateProject(pctx, p.ID, models.ProjectUpdate{
		Status: models.ProjectStatusCompleted,
		Config: &cfg,
	}); err != nil {
		outcome.Status = models.ProjectStatusGenerating
		return outcome, fmt.Errorf("complete project: %w", err)
	}
	outcome.Status = models.ProjectStatusCompleted
	outcome.FinalVideoURL = finalURL
	ev := newEvent(p.ID, StageRunCompleted, 100)
	ev.Message = finalURL
	o.notify(pctx, ev)
	log.Info("generation completed", "final", finalURL, "failedScenes", cfg.FailedScenes)
	return outcome, nil
}

// RunSingleScene 重新生成单个场景，不改项目状态
func (o *Orchestrator) RunSingleScene(ctx context.Context, projectID string, sceneIndex int, opts SceneOptions) (*SceneOutcome, error) {
	if sceneIndex < 0 {
		return nil, fmt.Errorf("scene index %d: %w", sceneIndex, ErrSceneNotFound)
	}
	release, err := o.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := o.withRunDeadline(ctx)
	defer cancel()

	project, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	rows, err := o.repo.ListScenes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load scenes: %w", err)
	}
	n := sceneIndex + 1
	if !project.Config.InRun(n) {
		return nil, fmt.Errorf("scene index %d beyond %d scenes: %w", sceneIndex, project.Config.SceneCount, ErrSceneNotFound)
	}
	byNumber := make(map[int]models.Scene, len(rows))
	for _, r := range rows {
		byNumber[r.SceneNumber] = r
	}

	row, exists := byNumber[n]
	prev, hasPrev := byNumber[n-1]

	sc := ScriptScene{SceneNumber: n, Prompt: opts.Prompt, Duration: opts.Duration}
	if sc.Prompt == "" && exists {
		sc.Prompt = row.Prompt
	}
	if sc.Prompt == "" {
		return nil, fmt.Errorf("scene %d has no prompt: %w", n, ErrSceneNotFound)
	}
	if sc.Duration <= 0 && exists {
		sc.Duration = row.Duration
	}
	if sc.Duration <= 0 {
		sc.Duration = o.settings.MaxSceneDuration
	}
	switch {
	case exists:
		sc.StartTime = row.StartTime
	case hasPrev:
		sc.StartTime = prev.EndTime
	}
	sc.EndTime = sc.StartTime + sc.Duration

	state := ContinuityState{}
	if hasPrev {
		state = StateFromScene(ArtifactFromScene(prev))
	}
	hint := o.tracker(project).Hint(state, HintInput{
		SceneIndex:      sceneIndex,
		SceneNumber:     n,
		ExtendPrevious:  opts.ExtendPrevious,
		ReferenceImages: opts.ReferenceImages,
	})

	workDir, err := os.MkdirTemp(o.settings.TempDir, "scene-"+projectID+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	a, err := o.processScene(ctx, project, sceneIndex, sc, BuildRequest(project, sc, hint, o.settings.DefaultModel), workDir)
	if err != nil {
		o.notifyScene(ctx, projectID, StageSceneFailed, n, 0, 0, err)
		return nil, err
	}
	if err := o.syncSceneOutputs(ctx, projectID); err != nil {
		return nil, err
	}
	o.notifyScene(ctx, projectID, StageSceneCompleted, n, 1, 1, nil)
	return &SceneOutcome{VideoURL: a.VideoURL, FirstFrameURL: a.FirstFrameURL, LastFrameURL: a.LastFrameURL}, nil
}

// syncSceneOutputs 按场景行重建 sceneUrls/frameUrls
func (o *Orchestrator) syncSceneOutputs(ctx context.Context, projectID string) error {
	p, err := o.repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	rows, err := o.repo.ListScenes(ctx, projectID)
	if err != nil {
		return err
	}
	res := newRunResult()
	for _, r := range rows {
		if r.VideoURL != "" && p.Config.InRun(r.SceneNumber) {
			res.Succeed(ArtifactFromScene(r))
		}
	}
	cfg := p.Config
	cfg.SceneURLs = res.SceneURLs()
	cfg.FrameURLs = res.FrameURLs()
	return o.repo.UpdateProject(ctx, projectID, models.ProjectUpdate{Config: &cfg})
}

func (o *Orchestrator) notifyScene(ctx context.Context, projectID, stage string, sceneNumber, done, total int, err error) {
	progress := 10
	if total > 0 {
		progress = 10 + 80*done/total
	}
	ev := newEvent(projectID, stage, progress)
	ev.SceneNumber = sceneNumber
	if err != nil {
		ev.Error = err.Error()
	}
	o.notify(ctx, ev)
}

// reusable 续跑时已存的行能否直接复用
func reusable(existing map[int]models.Scene, sc ScriptScene, index int) (SceneArtifact, bool) {
	row, ok := existing[sc.SceneNumber]
	if !ok || row.VideoURL == "" || row.Prompt != sc.Prompt {
		return SceneArtifact{}, false
	}
	a := ArtifactFromScene(row)
	a.Index = index
	return a, true
}

func runContextError(err error, after time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: "generation run", After: after}
	}
	return err
}
