package service

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SceneForge-server/pipeline"
)

func TestBuildScriptPrompt(t *testing.T) {
	p := buildScriptPrompt("a fox crosses a frozen lake", 24, pipeline.StyleHints{Style: "watercolor", MaxSceneDuration: 8})
	assert.Contains(t, p, "24 second video in about 3 scenes")
	assert.Contains(t, p, "Style: watercolor")
	assert.NotContains(t, p, "Mood:")
	assert.Contains(t, p, "a fox crosses a frozen lake")
}

func TestScriptSchema(t *testing.T) {
	s := scriptSchema()
	assert.Equal(t, genai.TypeObject, s.Type)
	require.Contains(t, s.Properties, "scenes")
	assert.Equal(t, genai.TypeArray, s.Properties["scenes"].Type)
	assert.Contains(t, s.Properties["scenes"].Items.Required, "prompt")
}

func TestDecodeWriterScript(t *testing.T) {
	s, err := decodeWriterScript(`{"overallPrompt":"o","keyElements":["fox"],"scenes":[{"sceneNumber":1,"prompt":"a","duration":8}]}`)
	require.NoError(t, err)
	assert.Equal(t, "o", s.OverallPrompt)
	assert.Equal(t, []string{"fox"}, s.KeyElements)
	require.Len(t, s.Scenes, 1)
	assert.Equal(t, 8.0, s.Scenes[0].Duration)

	_, err = decodeWriterScript("not json")
	assert.Error(t, err)
}
