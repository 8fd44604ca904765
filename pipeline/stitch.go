package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

var errNoMedia = errors.New("no media processor configured")

type StitchInput struct {
	ProjectID  string
	Artifacts  []SceneArtifact
	SceneCount int
	AudioURL   string
	WorkDir    string
}

// Stitcher 拼接场景片段成片
type Stitcher struct {
	Storage Storage
	Fetcher Fetcher
	Media   Media
	Logger  *slog.Logger
}

func (s *Stitcher) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Stitch 返回成片的存储地址；没有视频的场景跳过并记为缺口
func (s *Stitcher) Stitch(ctx context.Context, in StitchInput) (string, error) {
	log := s.logger().With("project", in.ProjectID)

	arts := make([]SceneArtifact, 0, len(in.Artifacts))
	for _, a := range in.Artifacts {
		if a.VideoURL != "" {
			arts = append(arts, a)
		}
	}
	sort.Slice(arts, func(i, j int) bool { return arts[i].SceneNumber < arts[j].SceneNumber })
	if gaps := missingScenes(arts, in.SceneCount); len(gaps) > 0 {
		log.Warn("stitching with missing scenes", "missing", gaps)
	}
	if len(arts) == 0 {
		return "", &StitchError{Stage: "prepare", Err: errors.New("no usable scene videos")}
	}

	files := make([]string, 0, len(arts))
	for _, a := range arts {
		local, err := s.localCopy(ctx, a, in.WorkDir)
		if err != nil {
			return "", &StitchError{Stage: "prepare", Err: err}
		}
		files = append(files, local)
	}

	out := files[0]
	if len(files) > 1 {
		if s.Media == nil {
			return "", &StitchError{Stage: "concatenate", Err: errNoMedia}
		}
		out = filepath.Join(in.WorkDir, "concat.mp4")
		if err := s.Media.Concatenate(ctx, files, out); err != nil {
			return "", &StitchError{Stage: "concatenate", Err: err}
		}
	}

	if in.AudioURL != "" {
		if s.Media == nil {
			return "", &StitchError{Stage: "audio", Err: errNoMedia}
		}
		audio := filepath.Join(in.WorkDir, "audio"+extOf(in.AudioURL, ".mp3"))
		if _, err := s.Fetcher.Download(ctx, in.AudioURL, audio); err != nil {
			return "", &StitchError{Stage: "audio", Err: err}
		}
		mixed := filepath.Join(in.WorkDir, "final.mp4")
		if err := s.Media.OverlayAudio(ctx, out, audio, mixed); err != nil {
			return "", &StitchError{Stage: "audio", Err: err}
		}
		out = mixed
	}

	u, err := putFile(ctx, s.Storage, out, finalPath(in.ProjectID))
	if err != nil {
		return "", err
	}
	log.Info("final video stored", "scenes", len(files), "url", u)
	return u, nil
}

// localCopy 优先用本次运行的本地文件，否则从存储读回
func (s *Stitcher) localCopy(ctx context.Context, a SceneArtifact, workDir string) (string, error) {
	if a.LocalPath != "" {
		if _, err := os.Stat(a.LocalPath); err == nil {
			return a.LocalPath, nil
		}
	}
	rc, err := s.Storage.Get(ctx, a.VideoURL)
	if err != nil {
		return "", fmt.Errorf("read scene %d: %w", a.SceneNumber, err)
	}
	defer rc.Close()

	dst := filepath.Join(workDir, fmt.Sprintf("stitch-%03d.mp4", a.SceneNumber))
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return "", fmt.Errorf("copy scene %d: %w", a.SceneNumber, err)
	}
	return dst, nil
}

func missingScenes(arts []SceneArtifact, count int) []int {
	have := make(map[int]bool, len(arts))
	for _, a := range arts {
		have[a.SceneNumber] = true
	}
	var gaps []int
	for n := 1; n <= count; n++ {
		if !have[n] {
			gaps = append(gaps, n)
		}
	}
	return gaps
}
