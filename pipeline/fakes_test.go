package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"SceneForge-server/models"
)

type fakeWriter struct {
	script *Script
	err    error
	block  bool
	calls  int
	hints  StyleHints
}

func (w *fakeWriter) Write(ctx context.Context, _ string, _ float64, hints StyleHints) (*Script, error) {
	w.calls++
	w.hints = hints
	if w.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.script, nil
}

// fakeProvider 按场景号返回预设结果，默认成功
type fakeProvider struct {
	mu       sync.Mutex
	fail     map[int]error
	status   map[int]GenerationStatus
	outputs  map[int]Output
	delay    time.Duration
	requests []GenerationRequest
	// noHandles 模拟不返回 asset_id/clip_handle 的服务
	noHandles bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{fail: map[int]error{}, status: map[int]GenerationStatus{}, outputs: map[int]Output{}}
}

func (p *fakeProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	err := p.fail[req.SceneNumber]
	status, hasStatus := p.status[req.SceneNumber]
	out, hasOut := p.outputs[req.SceneNumber]
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if req.Kind == KindImage {
		return &GenerationResult{Status: StatusSucceeded, Output: StringOutput("https://cdn.test/ref.png")}, nil
	}
	if err != nil {
		return nil, err
	}
	if hasStatus && status != StatusSucceeded {
		return &GenerationResult{Status: status, Error: "content rejected"}, nil
	}
	if !hasOut {
		out = ObjectOutput(map[string]any{"video_url": fmt.Sprintf("https://cdn.test/scene-%d.mp4", req.SceneNumber)})
	}
	if p.noHandles {
		return &GenerationResult{Status: StatusSucceeded, Output: out}, nil
	}
	return &GenerationResult{
		Status:          StatusSucceeded,
		Output:          out,
		ProviderAssetID: fmt.Sprintf("asset-%d", req.SceneNumber),
		ClipHandle:      fmt.Sprintf("clip-%d", req.SceneNumber),
	}, nil
}

func (p *fakeProvider) videoRequests() []GenerationRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []GenerationRequest
	for _, r := range p.requests {
		if r.Kind == KindVideo {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneNumber < out[j].SceneNumber })
	return out
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (s *fakeStorage) Put(_ context.Context, r io.Reader, _ int64, path string) (string, error) {
	if s.failOn != "" && strings.Contains(path, s.failOn) {
		return "", errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	return "mem://" + path, nil
}

func (s *fakeStorage) Get(_ context.Context, url string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[strings.TrimPrefix(url, "mem://")]
	if !ok {
		return nil, fmt.Errorf("object %s not found", url)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStorage) has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok
}

type fakeFetcher struct {
	failOn string
}

func (f *fakeFetcher) Download(_ context.Context, url, dst string) (int64, error) {
	if f.failOn != "" && strings.Contains(url, f.failOn) {
		return 0, errors.New("404 not found")
	}
	data := []byte("bytes of " + url)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

type fakeMedia struct {
	mu           sync.Mutex
	concatInputs []string
	overlays     int
	framesErr    error
	concatErr    error
}

func (m *fakeMedia) Concatenate(_ context.Context, files []string, out string) error {
	m.mu.Lock()
	m.concatInputs = append([]string(nil), files...)
	m.mu.Unlock()
	if m.concatErr != nil {
		return m.concatErr
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("concat of %d", len(files))), 0o644)
}

func (m *fakeMedia) OverlayAudio(_ context.Context, video, _, out string) error {
	m.mu.Lock()
	m.overlays++
	m.mu.Unlock()
	data, err := os.ReadFile(video)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append(data, []byte(" +audio")...), 0o644)
}

func (m *fakeMedia) ExtractFrames(_ context.Context, _ string, outDir string) (*Frames, error) {
	if m.framesErr != nil {
		return nil, m.framesErr
	}
	first, last := outDir+"/first.png", outDir+"/last.png"
	if err := os.WriteFile(first, []byte("f"), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(last, []byte("l"), 0o644); err != nil {
		return nil, err
	}
	return &Frames{First: first, Last: last}, nil
}

type sceneKey struct {
	project string
	number  int
}

// fakeRepo 内存仓库，状态迁移规则与 models.Store 一致
type fakeRepo struct {
	mu        sync.Mutex
	projects  map[string]*models.Project
	scenes    map[sceneKey]models.Scene
	statuses  []string
	upsertErr error
}

func newFakeRepo(projects ...*models.Project) *fakeRepo {
	r := &fakeRepo{projects: map[string]*models.Project{}, scenes: map[sceneKey]models.Scene{}}
	for _, p := range projects {
		r.projects[p.ID] = p
	}
	return r
}

func (r *fakeRepo) GetProject(_ context.Context, id string) (*models.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) UpdateProject(_ context.Context, id string, u models.ProjectUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return models.ErrNotFound
	}
	if u.Status != "" {
		if !models.CanTransition(p.Status, u.Status) {
			return models.ErrInvalidTransition
		}
		p.Status = u.Status
		r.statuses = append(r.statuses, u.Status)
	}
	if u.Config != nil {
		p.Config = *u.Config
	}
	if u.Error != nil {
		p.Error = *u.Error
	}
	return nil
}

func (r *fakeRepo) UpsertScene(_ context.Context, s models.Scene) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenes[sceneKey{s.ProjectID, s.SceneNumber}] = s
	return nil
}

func (r *fakeRepo) ListScenes(_ context.Context, projectID string) ([]models.Scene, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Scene
	for k, s := range r.scenes {
		if k.project == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneNumber < out[j].SceneNumber })
	return out, nil
}

func (r *fakeRepo) project(id string) models.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.projects[id]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (n *recordingNotifier) Publish(_ context.Context, ev ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) stages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Stage)
	}
	return out
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, ErrRunInProgress
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

func bytesReader(s string) io.Reader {
	return bytes.NewReader([]byte(s))
}
