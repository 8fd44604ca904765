package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"SceneForge-server/models"
)

const maxSeedImages = 3

func scenePath(projectID string, sceneNumber int, name string) string {
	return fmt.Sprintf("projects/%s/scenes/%d/%s", projectID, sceneNumber, name)
}

func finalPath(projectID string) string {
	return fmt.Sprintf("projects/%s/final/final.mp4", projectID)
}

func putFile(ctx context.Context, st Storage, local, dst string) (string, error) {
	f, err := os.Open(local)
	if err != nil {
		return "", &ArtifactPersistError{Path: dst, Op: "put", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &ArtifactPersistError{Path: dst, Op: "put", Err: err}
	}
	u, err := st.Put(ctx, f, info.Size(), dst)
	if err != nil {
		return "", &ArtifactPersistError{Path: dst, Op: "put", Err: err}
	}
	return u, nil
}

// persistRemote 下载生成服务的临时地址并转存
func (o *Orchestrator) persistRemote(ctx context.Context, src, local, dst string) (string, error) {
	if _, err := o.fetcher.Download(ctx, src, local); err != nil {
		return "", &ArtifactPersistError{Path: dst, Op: "fetch", Err: err}
	}
	return putFile(ctx, o.storage, local, dst)
}

// processScene 生成单个场景：视频、首尾帧落存储，再 upsert 场景行
func (o *Orchestrator) processScene(ctx context.Context, p *models.Project, index int, sc ScriptScene, req GenerationRequest, workDir string) (SceneArtifact, error) {
	log := o.logger.With("project", p.ID, "scene", sc.SceneNumber)
	if err := req.Validate(); err != nil {
		return SceneArtifact{}, err
	}

	sctx := ctx
	if o.settings.SceneTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, o.settings.SceneTimeout)
		defer cancel()
	}

	log.Info("generating scene", "continuity", req.Continuity.Kind().String(), "duration", req.TargetDuration)
	res, err := o.provider.Generate(sctx, req)
	if err != nil {
		return SceneArtifact{}, &ProviderError{
			SceneNumber: sc.SceneNumber,
			Timeout:     errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded),
			Err:         err,
		}
	}
	if res.Status != StatusSucceeded {
		msg := res.Error
		if msg == "" {
			msg = "status " + string(res.Status)
		}
		return SceneArtifact{}, &ProviderError{SceneNumber: sc.SceneNumber, Message: msg}
	}
	src, err := res.Output.URL()
	if err != nil {
		return SceneArtifact{}, err
	}

	a := SceneArtifact{
		SceneNumber:     sc.SceneNumber,
		Index:           index,
		Prompt:          sc.Prompt,
		Duration:        sc.Duration,
		StartTime:       sc.StartTime,
		EndTime:         sc.EndTime,
		ProviderAssetID: firstNonEmpty(res.ClipHandle, res.ProviderAssetID),
		LocalPath:       filepath.Join(workDir, fmt.Sprintf("scene-%03d.mp4", sc.SceneNumber)),
	}
	a.VideoURL, err = o.persistRemote(sctx, src, a.LocalPath, scenePath(p.ID, sc.SceneNumber, "video.mp4"))
	if err != nil {
		return SceneArtifact{}, err
	}
	a.FirstFrameURL, a.LastFrameURL = o.persistFrames(sctx, p.ID, a, workDir, log)

	if err := o.repo.UpsertScene(ctx, a.toScene(p.ID)); err != nil {
		return SceneArtifact{}, fmt.Errorf("save scene %d: %w", sc.SceneNumber, err)
	}
	log.Info("scene stored", "video", a.VideoURL)
	return a, nil
}

// persistFrames 尽力而为，失败只记日志
func (o *Orchestrator) persistFrames(ctx context.Context, projectID string, a SceneArtifact, workDir string, log *slog.Logger) (string, string) {
	if o.media == nil {
		return "", ""
	}
	dir := filepath.Join(workDir, fmt.Sprintf("frames-%03d", a.SceneNumber))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("frame dir", "error", err)
		return "", ""
	}
	frames, err := o.media.ExtractFrames(ctx, a.LocalPath, dir)
	if err != nil {
		log.Warn("frame extraction failed", "error", err)
		return "", ""
	}

	upload := func(local, name string) string {
		if local == "" {
			return ""
		}
		u, err := putFile(ctx, o.storage, local, scenePath(projectID, a.SceneNumber, name+filepath.Ext(local)))
		if err != nil {
			log.Warn("frame upload failed", "frame", name, "error", err)
			return ""
		}
		return u
	}
	return upload(frames.First, "first"), upload(frames.Last, "last")
}

// seedImages 按脚本关键元素最多生成三张参考图
func (o *Orchestrator) seedImages(ctx context.Context, p *models.Project, s *Script, workDir string) []string {
	if !p.Config.ReferenceImages || len(s.KeyElements) == 0 {
		return nil
	}
	log := o.logger.With("project", p.ID)
	elements := s.KeyElements
	if len(elements) > maxSeedImages {
		elements = elements[:maxSeedImages]
	}

	var urls []string
	for i, el := range elements {
		req := BuildRequest(p, ScriptScene{Prompt: el}, NoContinuity(), o.settings.DefaultModel)
		req.Kind = KindImage

		res, err := o.provider.Generate(ctx, req)
		if err != nil || res.Status != StatusSucceeded {
			log.Warn("reference image generation failed", "element", el, "error", err)
			continue
		}
		src, err := res.Output.URL()
		if err != nil {
			log.Warn("reference image output", "element", el, "error", err)
			continue
		}
		name := fmt.Sprintf("ref-%d%s", i+1, extOf(src, ".png"))
		stored, err := o.persistRemote(ctx, src, filepath.Join(workDir, name), fmt.Sprintf("projects/%s/references/%s", p.ID, name))
		if err != nil {
			log.Warn("reference image persist", "element", el, "error", err)
			continue
		}
		urls = append(urls, stored)
	}
	return urls
}

func extOf(raw, def string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return def
	}
	if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
		return ext
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
