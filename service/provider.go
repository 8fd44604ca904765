package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"SceneForge-server/logger"
	"SceneForge-server/pipeline"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 30 * time.Minute
)

// HTTPProvider 通过生成服务的 /v1/generate 与 /v1/jobs/{id} 接口生成视频
type HTTPProvider struct {
	Endpoint     string
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration
	Client       *http.Client
	logger       *slog.Logger
}

func NewHTTPProvider(endpoint, apiKey string, pollInterval, timeout time.Duration) *HTTPProvider {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &HTTPProvider{
		Endpoint:     strings.TrimRight(endpoint, "/"),
		APIKey:       apiKey,
		PollInterval: pollInterval,
		Timeout:      timeout,
		Client:       &http.Client{Timeout: 60 * time.Second},
		logger:       logger.Component("provider"),
	}
}

type generateParams struct {
	Prompt       string   `json:"prompt"`
	Duration     float64  `json:"duration,omitempty"`
	Model        string   `json:"model,omitempty"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	Style        string   `json:"style,omitempty"`
	Mood         string   `json:"mood,omitempty"`
	ColorPalette string   `json:"color_palette,omitempty"`
	Pacing       string   `json:"pacing,omitempty"`
	Image        string   `json:"image,omitempty"`
	ExtendVideo  string   `json:"extend_video,omitempty"`
	References   []string `json:"reference_images,omitempty"`
}

type generateBody struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	SceneNumber int            `json:"scene_number,omitempty"`
	Type        string         `json:"type"`
	Parameters  generateParams `json:"parameters"`
}

// jobStatus 生成服务返回的任务状态
type jobStatus struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Progress   int             `json:"progress"`
	Output     json.RawMessage `json:"output"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error"`
	AssetID    string          `json:"asset_id"`
	ClipHandle string          `json:"clip_handle"`
}

func buildGenerateBody(req pipeline.GenerationRequest) generateBody {
	params := generateParams{
		Prompt:       req.Prompt,
		Duration:     req.TargetDuration,
		Model:        req.ModelID,
		AspectRatio:  req.AspectRatio,
		Style:        req.Style,
		Mood:         req.Mood,
		ColorPalette: req.ColorPalette,
		Pacing:       req.Pacing,
	}
	// 连续性提示互斥，只写入一种
	switch req.Continuity.Kind() {
	case pipeline.ContinuityImage:
		params.Image = req.Continuity.ContinuityImage()
	case pipeline.ContinuityVideo:
		params.ExtendVideo = req.Continuity.ContinuityVideo()
	case pipeline.ContinuityReferences:
		params.References = req.Continuity.ReferenceImages()
	}
	return generateBody{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		SceneNumber: req.SceneNumber,
		Type:        string(req.Kind),
		Parameters:  params,
	}
}

// Generate 提交任务并轮询至终态
func (p *HTTPProvider) Generate(ctx context.Context, req pipeline.GenerationRequest) (*pipeline.GenerationResult, error) {
	jobID, err := p.dispatch(ctx, buildGenerateBody(req))
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "job dispatched", "job", jobID, "project", req.ProjectID, "scene", req.SceneNumber)

	job, err := p.poll(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return toGenerationResult(job), nil
}

func (p *HTTPProvider) dispatch(ctx context.Context, body generateBody) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/v1/generate", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("generate status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("decode response failed: %w", err)
	}
	// 优先返回根节点的 id
	if id, ok := respData["id"].(string); ok && id != "" {
		return id, nil
	}
	if jobID, ok := respData["job_id"].(string); ok && jobID != "" {
		return jobID, nil
	}
	return "", fmt.Errorf("response missing 'id'")
}

// poll 轮询 GET /v1/jobs/{id}，网络错误与 5xx 重试
func (p *HTTPProvider) poll(ctx context.Context, jobID string) (*jobStatus, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", p.Endpoint, jobID)
	timeout := time.NewTimer(p.Timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout.C:
			return nil, fmt.Errorf("job %s: polling timeout after %s: %w", jobID, p.Timeout, context.DeadlineExceeded)
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s: polling canceled: %w", jobID, ctx.Err())
		case <-ticker.C:
			job, retry, err := p.fetchJob(ctx, jobURL)
			if err != nil {
				if !retry {
					return nil, err
				}
				p.logger.Warn("poll failed, retrying", "job", jobID, "error", err)
				continue
			}
			if terminalStatus(job.Status) {
				return job, nil
			}
		}
	}
}

func (p *HTTPProvider) fetchJob(ctx context.Context, jobURL string) (*jobStatus, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return nil, false, err
	}
	p.authorize(req)

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("job status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("job status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	var job jobStatus
	if err := json.Unmarshal(body, &job); err != nil {
		raw := string(body)
		if len(raw) > 2000 {
			raw = raw[:2000] + "..."
		}
		return nil, true, fmt.Errorf("decode job: %w, body: %s", err, raw)
	}
	return &job, false, nil
}

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
}

func succeededStatus(s string) bool {
	switch strings.ToLower(s) {
	case "finished", "success", "completed", "succeeded":
		return true
	}
	return false
}

func failedStatus(s string) bool {
	switch strings.ToLower(s) {
	case "failed", "error", "canceled", "cancelled":
		return true
	}
	return false
}

func terminalStatus(s string) bool {
	return succeededStatus(s) || failedStatus(s)
}

func toGenerationResult(job *jobStatus) *pipeline.GenerationResult {
	if failedStatus(job.Status) {
		msg := job.Error
		if msg == "" {
			msg = "job " + job.Status
		}
		return &pipeline.GenerationResult{Status: pipeline.StatusFailed, Error: msg, ProviderAssetID: job.AssetID}
	}
	// 旧版服务把产物放在 result 里
	raw := job.Output
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = job.Result
	}
	// job id 不是可续接的片段句柄，不作为 asset 回填
	return &pipeline.GenerationResult{
		Status:          pipeline.StatusSucceeded,
		Output:          pipeline.ParseOutput(raw),
		ProviderAssetID: job.AssetID,
		ClipHandle:      job.ClipHandle,
	}
}
