package service

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"

	"SceneForge-server/logger"
	"SceneForge-server/pipeline"
)

// FFmpegMedia 调用本地 ffmpeg 完成拼接、混音与抽帧
type FFmpegMedia struct {
	ffmpegPath  string
	frameFormat string
	webpQuality float32
	logger      *slog.Logger
}

func NewFFmpegMedia(ffmpegPath, frameFormat string, webpQuality float32) *FFmpegMedia {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if webpQuality <= 0 {
		webpQuality = 80
	}
	return &FFmpegMedia{
		ffmpegPath:  ffmpegPath,
		frameFormat: frameFormat,
		webpQuality: webpQuality,
		logger:      logger.Component("media"),
	}
}

// Available 检查 ffmpeg 是否可执行
func (m *FFmpegMedia) Available() bool {
	return exec.Command(m.ffmpegPath, "-version").Run() == nil
}

func (m *FFmpegMedia) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return nil
}

// Concatenate 先尝试流复制，编码不一致时重新编码
func (m *FFmpegMedia) Concatenate(ctx context.Context, files []string, out string) error {
	if len(files) == 0 {
		return fmt.Errorf("no input files")
	}
	list := filepath.Join(filepath.Dir(out), "concat.txt")
	content, err := concatList(files)
	if err != nil {
		return err
	}
	if err := os.WriteFile(list, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(list)

	err = m.run(ctx, concatCopyArgs(list, out)...)
	if err == nil || ctx.Err() != nil {
		return err
	}
	m.logger.Warn("stream copy concat failed, re-encoding", "error", err)
	return m.run(ctx, concatReencodeArgs(list, out)...)
}

func (m *FFmpegMedia) OverlayAudio(ctx context.Context, video, audio, out string) error {
	return m.run(ctx, overlayArgs(video, audio, out)...)
}

// ExtractFrames 抽取首尾帧；frame_format 为 webp 时转码后返回 webp 路径
func (m *FFmpegMedia) ExtractFrames(ctx context.Context, video, outDir string) (*pipeline.Frames, error) {
	first := filepath.Join(outDir, "first.png")
	last := filepath.Join(outDir, "last.png")
	if err := m.run(ctx, firstFrameArgs(video, first)...); err != nil {
		return nil, fmt.Errorf("first frame: %w", err)
	}
	if err := m.run(ctx, lastFrameArgs(video, last)...); err != nil {
		return nil, fmt.Errorf("last frame: %w", err)
	}

	frames := &pipeline.Frames{First: first, Last: last}
	if m.frameFormat != "webp" {
		return frames, nil
	}
	var err error
	if frames.First, err = pngToWebP(first, m.webpQuality); err != nil {
		return nil, err
	}
	if frames.Last, err = pngToWebP(last, m.webpQuality); err != nil {
		return nil, err
	}
	return frames, nil
}

// concatList 生成 concat demuxer 列表，路径转为绝对路径并转义单引号
func concatList(files []string) (string, error) {
	var b strings.Builder
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return b.String(), nil
}

func concatCopyArgs(list, out string) []string {
	return []string{"-y", "-f", "concat", "-safe", "0", "-i", list, "-c", "copy", out}
}

func concatReencodeArgs(list, out string) []string {
	return []string{"-y", "-f", "concat", "-safe", "0", "-i", list,
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-movflags", "+faststart", out}
}

func overlayArgs(video, audio, out string) []string {
	return []string{"-y", "-i", video, "-i", audio,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "copy", "-c:a", "aac", "-shortest", out}
}

func firstFrameArgs(video, out string) []string {
	return []string{"-y", "-i", video, "-frames:v", "1", out}
}

func lastFrameArgs(video, out string) []string {
	return []string{"-y", "-sseof", "-0.1", "-i", video, "-frames:v", "1", "-update", "1", out}
}

// pngToWebP 有损压缩 PNG 帧，返回 webp 路径
func pngToWebP(path string, quality float32) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	img, err := png.Decode(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return "", fmt.Errorf("webp options: %w", err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, options); err != nil {
		return "", fmt.Errorf("webp encode: %w", err)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".webp"
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return out, nil
}
