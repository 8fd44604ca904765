package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	scriptLengthThreshold   = 1500
	wordsPerSecondThreshold = 4.0
	defaultSceneDuration    = 8.0
)

var (
	sceneMarkerRe  = regexp.MustCompile(`(?im)^[ \t>#*\-]*(?:scene|shot)[ \t]*#?[ \t]*(\d+)`)
	timingMarkerRe = regexp.MustCompile(`(?i)\b\d{1,3}(?:\.\d+)?[ \t]*(?:s|sec|secs|seconds)\b|\b\d{1,2}:\d{2}\b|\bduration[ \t]*[:=][ \t]*\d`)
	fencedJSONRe   = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\n?(\\{.*?\\}|\\[.*?\\])\\s*```")

	rangeRe        = regexp.MustCompile(`\b(\d{1,2}):(\d{2})[ \t]*[-–~][ \t]*(\d{1,2}):(\d{2})\b`)
	durationKeyRe  = regexp.MustCompile(`(?i)\bduration[ \t]*[:=][ \t]*(\d+(?:\.\d+)?)`)
	secondsRe      = regexp.MustCompile(`(?i)\b(\d{1,3}(?:\.\d+)?)[ \t]*(?:s|sec|secs|seconds)\b`)
	timingParenRe  = regexp.MustCompile(`(?i)[(\[][^)\]]*(?:\d[ \t]*(?:s|sec|secs|seconds)\b|\d:\d{2})[^)\]]*[)\]]`)
	timingLineRe   = regexp.MustCompile(`(?i)^[ \t*_\-]*(?:duration|time|timing)[ \t]*[:=]`)
	sentenceRe     = regexp.MustCompile(`[^.!?。！？]+[.!?。！？]*`)
	leadingPunctRe = regexp.MustCompile(`^[\s:：\-–—.)\]*_]+`)
)

type scriptRule struct {
	name  string
	match func(text string, target float64) bool
}

// 按顺序匹配，命中第一条即视为现成脚本
var scriptRules = []scriptRule{
	{"length", isLongText},
	{"density", isDenseText},
	{"scene_markers", hasSceneMarkers},
	{"timed_scenes", hasTimedScenes},
	{"json", isJSONScript},
}

func isLongText(text string, _ float64) bool {
	return len([]rune(text)) > scriptLengthThreshold
}

func isDenseText(text string, target float64) bool {
	if target <= 0 {
		return false
	}
	return float64(len(strings.Fields(text)))/target > wordsPerSecondThreshold
}

func hasSceneMarkers(text string, _ float64) bool {
	seen := map[string]bool{}
	for _, m := range sceneMarkerRe.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = true
	}
	return len(seen) >= 2
}

func hasTimedScenes(text string, _ float64) bool {
	return sceneMarkerRe.MatchString(text) && timingMarkerRe.MatchString(text)
}

func isJSONScript(text string, _ float64) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &obj); err != nil {
		return false
	}
	if _, ok := obj["scenes"]; ok {
		var arr []json.RawMessage
		return json.Unmarshal(obj["scenes"], &arr) == nil
	}
	_, hasOverall := obj["overallPrompt"]
	_, hasParsed := obj["parsedPrompt"]
	return hasOverall && hasParsed
}

// ClassifyScript 返回命中的规则名，未命中为空
func ClassifyScript(text string, target float64) (string, bool) {
	text = strings.TrimSpace(text)
	for _, r := range scriptRules {
		if r.match(text, target) {
			return r.name, true
		}
	}
	return "", false
}

// ParseScript 依次尝试 JSON、代码块 JSON、场景标记
func ParseScript(text string, target, maxScene float64) (*Script, error) {
	text = strings.TrimSpace(text)
	var errs []error

	s, err := parseJSONScript([]byte(text))
	if err == nil {
		s.Source = SourceJSON
		return finishScript(s, target, maxScene), nil
	}
	errs = append(errs, err)

	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		s, err := parseJSONScript([]byte(m[1]))
		if err == nil {
			s.Source = SourceFencedJSON
			return finishScript(s, target, maxScene), nil
		}
		errs = append(errs, err)
	}

	if s, ok := splitByMarkers(text); ok {
		s.Source = SourceMarkers
		return finishScript(s, target, maxScene), nil
	}

	return nil, &ScriptFormatError{Reason: "no extraction strategy matched", Err: errors.Join(errs...)}
}

func parseJSONScript(data []byte) (*Script, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]any:
		return scriptFromObject(t, 0)
	case []any:
		s := &Script{Scenes: scenesFromArray(t)}
		if len(s.Scenes) == 0 {
			return nil, errors.New("json array has no usable scenes")
		}
		return s, nil
	}
	return nil, errors.New("json is neither an object nor an array")
}

func scriptFromObject(m map[string]any, depth int) (*Script, error) {
	s := &Script{
		OverallPrompt: firstString(m, "overallPrompt", "overall_prompt", "summary"),
		KeyElements:   stringList(m["keyElements"]),
	}
	if arr, ok := m["scenes"].([]any); ok {
		s.Scenes = scenesFromArray(arr)
	} else if pp, ok := m["parsedPrompt"]; ok && depth == 0 {
		var nested map[string]any
		switch t := pp.(type) {
		case map[string]any:
			nested = t
		case string:
			_ = json.Unmarshal([]byte(t), &nested)
		}
		if nested != nil {
			inner, err := scriptFromObject(nested, depth+1)
			if err != nil {
				return nil, err
			}
			s.Scenes = inner.Scenes
			if s.OverallPrompt == "" {
				s.OverallPrompt = inner.OverallPrompt
			}
			if len(s.KeyElements) == 0 {
				s.KeyElements = inner.KeyElements
			}
		}
	}
	if len(s.Scenes) == 0 {
		return nil, errors.New("json object has no usable scenes")
	}
	return s, nil
}

func scenesFromArray(arr []any) []ScriptScene {
	scenes := make([]ScriptScene, 0, len(arr))
	for _, item := range arr {
		switch t := item.(type) {
		case string:
			if p := strings.TrimSpace(t); p != "" {
				scenes = append(scenes, ScriptScene{Prompt: p})
			}
		case map[string]any:
			sc := ScriptScene{
				SceneNumber: int(firstNumber(t, "sceneNumber", "scene_number", "number", "scene")),
				Prompt:      strings.TrimSpace(firstString(t, "prompt", "description", "text", "visual")),
				Duration:    firstNumber(t, "duration", "durationSeconds", "duration_seconds"),
				StartTime:   firstNumber(t, "startTime", "start_time", "start"),
				EndTime:     firstNumber(t, "endTime", "end_time", "end"),
			}
			if sc.Duration <= 0 && sc.EndTime > sc.StartTime {
				sc.Duration = sc.EndTime - sc.StartTime
			}
			if sc.Prompt != "" {
				scenes = append(scenes, sc)
			}
		}
	}
	return scenes
}

// splitByMarkers 按场景标记切分，首个标记前的文字作为整体 prompt
func splitByMarkers(text string) (*Script, bool) {
	locs := sceneMarkerRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil, false
	}
	s := &Script{OverallPrompt: cleanPrompt(text[:locs[0][0]])}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		block := text[loc[1]:end]
		prompt := cleanPrompt(block)
		if prompt == "" {
			continue
		}
		s.Scenes = append(s.Scenes, ScriptScene{Prompt: prompt, Duration: blockDuration(block)})
	}
	return s, len(s.Scenes) > 0
}

func blockDuration(block string) float64 {
	if m := rangeRe.FindStringSubmatch(block); m != nil {
		start := atof(m[1])*60 + atof(m[2])
		end := atof(m[3])*60 + atof(m[4])
		if end > start {
			return end - start
		}
	}
	if m := durationKeyRe.FindStringSubmatch(block); m != nil {
		return atof(m[1])
	}
	if m := secondsRe.FindStringSubmatch(block); m != nil {
		return atof(m[1])
	}
	return 0
}

func cleanPrompt(block string) string {
	var kept []string
	for _, line := range strings.Split(block, "\n") {
		if timingLineRe.MatchString(line) {
			continue
		}
		line = strings.TrimSpace(timingParenRe.ReplaceAllString(line, ""))
		if line != "" {
			kept = append(kept, line)
		}
	}
	out := strings.Join(kept, " ")
	out = rangeRe.ReplaceAllString(out, "")
	return strings.TrimSpace(leadingPunctRe.ReplaceAllString(out, ""))
}

// finishScript 排序、重新编号并计算时间轴
func finishScript(s *Script, target, maxScene float64) *Script {
	numbered := true
	for _, sc := range s.Scenes {
		if sc.SceneNumber <= 0 {
			numbered = false
			break
		}
	}
	if numbered {
		sort.SliceStable(s.Scenes, func(i, j int) bool {
			return s.Scenes[i].SceneNumber < s.Scenes[j].SceneNumber
		})
	}
	for i := range s.Scenes {
		s.Scenes[i].SceneNumber = i + 1
	}
	fillDurations(s.Scenes, target, maxScene)
	retime(s.Scenes)
	return s
}

// fillDurations 剩余时长均分给没有时长的场景
func fillDurations(scenes []ScriptScene, target, maxScene float64) {
	known, missing := 0.0, 0
	for _, sc := range scenes {
		if sc.Duration > 0 {
			known += sc.Duration
		} else {
			missing++
		}
	}
	if missing == 0 {
		return
	}
	share := 0.0
	switch {
	case target-known > 0:
		share = (target - known) / float64(missing)
	case target > 0:
		share = target / float64(len(scenes))
	case maxScene > 0:
		share = maxScene
	default:
		share = defaultSceneDuration
	}
	for i := range scenes {
		if scenes[i].Duration <= 0 {
			scenes[i].Duration = share
		}
	}
}

// FallbackSplit 兜底：按句子分组成等长场景
func FallbackSplit(concept string, target, maxScene float64) *Script {
	if maxScene <= 0 {
		maxScene = defaultSceneDuration
	}
	var sentences []string
	for _, m := range sentenceRe.FindAllString(concept, -1) {
		if s := strings.TrimSpace(m); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return &Script{Source: SourceFallback}
	}

	n := 1
	duration := maxScene
	if target > 0 {
		n = int(math.Ceil(target / maxScene))
		duration = target / float64(n)
	}

	s := &Script{OverallPrompt: strings.TrimSpace(concept), Source: SourceFallback}
	for i := 0; i < n; i++ {
		from := i * len(sentences) / n
		to := (i + 1) * len(sentences) / n
		if to <= from {
			to = from + 1
		}
		s.Scenes = append(s.Scenes, ScriptScene{
			SceneNumber: i + 1,
			Prompt:      strings.Join(sentences[from:to], " "),
			Duration:    duration,
		})
	}
	retime(s.Scenes)
	return s
}

// ScriptResolver 文案 -> 有序场景列表
type ScriptResolver struct {
	Writer           ScriptWriter
	Timeout          time.Duration
	MaxSceneDuration float64
	Logger           *slog.Logger
}

func (r *ScriptResolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *ScriptResolver) Resolve(ctx context.Context, concept string, target float64, hints StyleHints) (*Script, error) {
	text := strings.TrimSpace(concept)
	if text == "" {
		return nil, &ScriptFormatError{Reason: "empty concept"}
	}

	if rule, ok := ClassifyScript(text, target); ok {
		r.logger().Info("concept classified as script", "rule", rule)
		return ParseScript(text, target, r.MaxSceneDuration)
	}

	if r.Writer != nil {
		s, err := r.write(ctx, text, target, hints)
		if err == nil {
			return s, nil
		}
		var timeout *TimeoutError
		if errors.As(err, &timeout) || ctx.Err() != nil {
			return nil, err
		}
		r.logger().Warn("script writer failed, using fallback splitter", "error", err)
	}

	s := FallbackSplit(text, target, r.MaxSceneDuration)
	if len(s.Scenes) == 0 {
		return nil, &ScriptFormatError{Reason: "fallback splitter produced no scenes"}
	}
	return s, nil
}

func (r *ScriptResolver) write(ctx context.Context, text string, target float64, hints StyleHints) (*Script, error) {
	wctx := ctx
	cancel := func() {}
	if r.Timeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, r.Timeout)
	}
	defer cancel()

	start := time.Now()
	s, err := r.Writer.Write(wctx, text, target, hints)
	if err != nil {
		if errors.Is(wctx.Err(), context.DeadlineExceeded) {
			op := "script_writer"
			if ctx.Err() != nil {
				op = "generation run"
			}
			return nil, &TimeoutError{Op: op, After: time.Since(start).Round(time.Millisecond)}
		}
		return nil, err
	}
	if s == nil || len(s.Scenes) == 0 {
		return nil, errors.New("script writer returned no scenes")
	}
	s.Source = SourceWriter
	for i := range s.Scenes {
		if s.Scenes[i].Duration < 0 {
			s.Scenes[i].Duration = 0
		}
	}
	return finishScript(s, target, r.MaxSceneDuration), nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstNumber(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "s"), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func stringList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
