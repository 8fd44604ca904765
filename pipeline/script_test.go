package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = "lantern"
	}
	return strings.Join(w, " ") + "."
}

func TestScriptRulesIndividually(t *testing.T) {
	assert.True(t, isLongText(strings.Repeat("a", scriptLengthThreshold+1), 0))
	assert.False(t, isLongText(strings.Repeat("a", scriptLengthThreshold), 0))

	assert.True(t, isDenseText(words(50), 10))
	assert.False(t, isDenseText(words(50), 24))
	assert.False(t, isDenseText(words(50), 0))

	assert.True(t, hasSceneMarkers("Scene 1: dawn\nScene 2: dusk", 0))
	assert.True(t, hasSceneMarkers("## Shot 1\nfoo\n**SCENE 2**\nbar", 0))
	assert.False(t, hasSceneMarkers("Scene 1: dawn\nScene 1 again", 0))
	assert.False(t, hasSceneMarkers("the scene 1 was nice", 0) && hasSceneMarkers("the scene 2", 0))

	assert.True(t, hasTimedScenes("Scene 1 (8s): dawn over the harbor", 0))
	assert.True(t, hasTimedScenes("SHOT 1 0:00-0:08 harbor", 0))
	assert.False(t, hasTimedScenes("A harbor at dawn lasting 8s", 0))

	assert.True(t, isJSONScript(`{"scenes": [{"prompt": "a"}]}`, 0))
	assert.True(t, isJSONScript(`{"overallPrompt": "x", "parsedPrompt": "{}"}`, 0))
	assert.False(t, isJSONScript(`{"overallPrompt": "x"}`, 0))
	assert.False(t, isJSONScript(`{"scenes": "nope"}`, 0))
	assert.False(t, isJSONScript(`not json`, 0))
}

func TestClassifyScriptOrder(t *testing.T) {
	rule, ok := ClassifyScript(strings.Repeat("word ", 400), 10)
	require.True(t, ok)
	assert.Equal(t, "length", rule)

	rule, ok = ClassifyScript(`{"scenes": [{"prompt": "a"}]}`, 0)
	require.True(t, ok)
	assert.Equal(t, "json", rule)

	_, ok = ClassifyScript(words(50), 24)
	assert.False(t, ok)
}

func TestParseScriptJSON(t *testing.T) {
	text := `{"overallPrompt": "harbor story", "keyElements": ["red boat"], "scenes": [
		{"sceneNumber": 2, "prompt": "boat leaves", "duration": 6},
		{"sceneNumber": 1, "prompt": "harbor at dawn", "duration": 4}
	]}`
	s, err := ParseScript(text, 10, 8)
	require.NoError(t, err)
	assert.Equal(t, SourceJSON, s.Source)
	assert.Equal(t, "harbor story", s.OverallPrompt)
	assert.Equal(t, []string{"red boat"}, s.KeyElements)
	require.Len(t, s.Scenes, 2)
	assert.Equal(t, "harbor at dawn", s.Scenes[0].Prompt)
	assert.Equal(t, 1, s.Scenes[0].SceneNumber)
	assert.Equal(t, 4.0, s.Scenes[1].StartTime)
	assert.Equal(t, 10.0, s.Scenes[1].EndTime)
}

func TestParseScriptParsedPromptString(t *testing.T) {
	text := `{"overallPrompt": "x", "parsedPrompt": "{\"scenes\":[{\"description\":\"a\",\"start\":0,\"end\":5},{\"description\":\"b\"}]}"}`
	s, err := ParseScript(text, 12, 8)
	require.NoError(t, err)
	require.Len(t, s.Scenes, 2)
	assert.Equal(t, 5.0, s.Scenes[0].Duration)
	assert.Equal(t, 7.0, s.Scenes[1].Duration)
}

func TestParseScriptFencedJSON(t *testing.T) {
	text := "Here is your script:\n```json\n{\"scenes\": [{\"prompt\": \"one\"}, {\"prompt\": \"two\"}]}\n```\nEnjoy."
	s, err := ParseScript(text, 16, 8)
	require.NoError(t, err)
	assert.Equal(t, SourceFencedJSON, s.Source)
	require.Len(t, s.Scenes, 2)
	assert.Equal(t, 8.0, s.Scenes[0].Duration)
}

func TestParseScriptMarkers(t *testing.T) {
	text := `A quiet harbor town.
Scene 1 (5s): Fog rolls over the water.
Scene 2 - 0:05-0:12: A red boat slips out.
Duration: 7
Scene 3: The lighthouse blinks.`
	s, err := ParseScript(text, 20, 8)
	require.NoError(t, err)
	assert.Equal(t, SourceMarkers, s.Source)
	assert.Equal(t, "A quiet harbor town.", s.OverallPrompt)
	require.Len(t, s.Scenes, 3)
	assert.Equal(t, "Fog rolls over the water.", s.Scenes[0].Prompt)
	assert.Equal(t, 5.0, s.Scenes[0].Duration)
	assert.Equal(t, "A red boat slips out.", s.Scenes[1].Prompt)
	assert.Equal(t, 7.0, s.Scenes[1].Duration)
	assert.Equal(t, 8.0, s.Scenes[2].Duration)
	assert.Equal(t, 20.0, s.Scenes[2].EndTime)
}

func TestParseScriptFailure(t *testing.T) {
	_, err := ParseScript("just a few words with no structure", 10, 8)
	var fmtErr *ScriptFormatError
	assert.True(t, errors.As(err, &fmtErr))
}

func TestFallbackSplit(t *testing.T) {
	s := FallbackSplit("One. Two! Three? Four.", 24, 8)
	require.Len(t, s.Scenes, 3)
	assert.Equal(t, SourceFallback, s.Source)
	assert.Equal(t, 8.0, s.Scenes[0].Duration)
	assert.Equal(t, 24.0, s.Scenes[2].EndTime)
	for _, sc := range s.Scenes {
		assert.NotEmpty(t, sc.Prompt)
	}

	s = FallbackSplit("Only one sentence", 20, 8)
	require.Len(t, s.Scenes, 3)
	assert.Equal(t, "Only one sentence", s.Scenes[2].Prompt)
}

func TestResolverDelegatesToWriter(t *testing.T) {
	writer := &fakeWriter{script: &Script{OverallPrompt: "o", Scenes: []ScriptScene{
		{SceneNumber: 1, Prompt: "a", Duration: 8},
		{SceneNumber: 2, Prompt: "b", Duration: 8},
		{SceneNumber: 3, Prompt: "c", Duration: 8},
	}}}
	r := &ScriptResolver{Writer: writer, Timeout: time.Second, MaxSceneDuration: 8}

	s, err := r.Resolve(context.Background(), words(50), 24, StyleHints{Style: "noir"})
	require.NoError(t, err)
	assert.Equal(t, SourceWriter, s.Source)
	assert.Len(t, s.Scenes, 3)
	assert.Equal(t, 1, writer.calls)
	assert.Equal(t, "noir", writer.hints.Style)
}

func TestResolverWriterTimeoutIsDistinct(t *testing.T) {
	writer := &fakeWriter{block: true}
	r := &ScriptResolver{Writer: writer, Timeout: 20 * time.Millisecond, MaxSceneDuration: 8}

	_, err := r.Resolve(context.Background(), words(50), 24, StyleHints{})
	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "script_writer", timeout.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolverFallsBackOnWriterError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("quota exceeded")}
	r := &ScriptResolver{Writer: writer, Timeout: time.Second, MaxSceneDuration: 8}

	s, err := r.Resolve(context.Background(), "A fox runs. A crow watches.", 16, StyleHints{})
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, s.Source)
	assert.Len(t, s.Scenes, 2)
}

func TestResolverParsesScriptWithoutWriter(t *testing.T) {
	writer := &fakeWriter{}
	r := &ScriptResolver{Writer: writer, MaxSceneDuration: 8}

	s, err := r.Resolve(context.Background(), "Scene 1: fox\nScene 2: crow", 10, StyleHints{})
	require.NoError(t, err)
	assert.Equal(t, SourceMarkers, s.Source)
	assert.Equal(t, 0, writer.calls)
}

func TestResolverEmptyConcept(t *testing.T) {
	r := &ScriptResolver{}
	_, err := r.Resolve(context.Background(), "   ", 10, StyleHints{})
	var fmtErr *ScriptFormatError
	assert.True(t, errors.As(err, &fmtErr))
}
