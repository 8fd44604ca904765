package pipeline

import (
	"sort"
	"time"

	"SceneForge-server/models"
)

// RunResult 汇总一次运行的场景结果，只由编排 goroutine 持有，finalize 一次
type RunResult struct {
	SceneCount int
	Err        error

	artifacts map[int]SceneArtifact
	failures  []SceneFailure
}

func newRunResult() *RunResult {
	return &RunResult{artifacts: map[int]SceneArtifact{}}
}

func (r *RunResult) Succeed(a SceneArtifact) {
	r.artifacts[a.SceneNumber] = a
}

func (r *RunResult) FailScene(f SceneFailure) {
	r.failures = append(r.failures, f)
}

// Fail 记录终止错误，以第一个为准
func (r *RunResult) Fail(err error) {
	if r.Err == nil {
		r.Err = err
	}
}

// Succeeded 按场景号排序
func (r *RunResult) Succeeded() []SceneArtifact {
	out := make([]SceneArtifact, 0, len(r.artifacts))
	for _, a := range r.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneNumber < out[j].SceneNumber })
	return out
}

func (r *RunResult) FailedScenes() []int {
	if len(r.failures) == 0 {
		return nil
	}
	out := make([]int, 0, len(r.failures))
	for _, f := range r.failures {
		out = append(out, f.SceneNumber)
	}
	sort.Ints(out)
	return out
}

// FirstFailure 场景下标最小的失败
func (r *RunResult) FirstFailure() (SceneFailure, bool) {
	if len(r.failures) == 0 {
		return SceneFailure{}, false
	}
	first := r.failures[0]
	for _, f := range r.failures[1:] {
		if f.Index < first.Index {
			first = f
		}
	}
	return first, true
}

func (r *RunResult) SceneURLs() []string {
	arts := r.Succeeded()
	urls := make([]string, 0, len(arts))
	for _, a := range arts {
		urls = append(urls, a.VideoURL)
	}
	return urls
}

func (r *RunResult) FrameURLs() []models.SceneFrames {
	var frames []models.SceneFrames
	for _, a := range r.Succeeded() {
		if a.FirstFrameURL == "" && a.LastFrameURL == "" {
			continue
		}
		frames = append(frames, models.SceneFrames{
			SceneNumber:   a.SceneNumber,
			FirstFrameURL: a.FirstFrameURL,
			LastFrameURL:  a.LastFrameURL,
		})
	}
	return frames
}

// PartialResults 失败运行的续跑记录，没有成功场景时为 nil
func (r *RunResult) PartialResults() *models.PartialResults {
	if r.Err == nil {
		return nil
	}
	index, number := -1, 0
	if f, ok := r.FirstFailure(); ok {
		index, number = f.Index, f.SceneNumber
	}
	return BuildPartialResults(r.Succeeded(), r.Err, index, number)
}

// BuildPartialResults 无产物时返回 nil；没有单个场景失败时 firstFailedIndex 为 -1
func BuildPartialResults(arts []SceneArtifact, err error, firstFailedIndex, firstFailedScene int) *models.PartialResults {
	if len(arts) == 0 {
		return nil
	}
	pr := &models.PartialResults{
		Count:            len(arts),
		Scenes:           make([]models.SceneArtifact, 0, len(arts)),
		FirstFailedIndex: firstFailedIndex,
		FirstFailedScene: firstFailedScene,
		RecordedAt:       time.Now().UTC(),
	}
	if err != nil {
		pr.Error = err.Error()
	}
	for _, a := range arts {
		pr.Scenes = append(pr.Scenes, models.SceneArtifact{
			SceneNumber:   a.SceneNumber,
			VideoURL:      a.VideoURL,
			FirstFrameURL: a.FirstFrameURL,
			LastFrameURL:  a.LastFrameURL,
		})
	}
	return pr
}

// ArtifactFromScene 数据库行转回 artifact
func ArtifactFromScene(s models.Scene) SceneArtifact {
	return SceneArtifact{
		SceneNumber:     s.SceneNumber,
		Index:           s.SceneNumber - 1,
		Prompt:          s.Prompt,
		Duration:        s.Duration,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		VideoURL:        s.VideoURL,
		FirstFrameURL:   s.FirstFrameURL,
		LastFrameURL:    s.LastFrameURL,
		ProviderAssetID: s.ProviderAssetID,
	}
}

func (a SceneArtifact) toScene(projectID string) models.Scene {
	return models.Scene{
		ProjectID:       projectID,
		SceneNumber:     a.SceneNumber,
		Prompt:          a.Prompt,
		Duration:        a.Duration,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		VideoURL:        a.VideoURL,
		FirstFrameURL:   a.FirstFrameURL,
		LastFrameURL:    a.LastFrameURL,
		ProviderAssetID: a.ProviderAssetID,
	}
}
