package pipeline

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputNormalizesKnownShapes(t *testing.T) {
	const want = "https://x/a.mp4"
	tests := []struct {
		name string
		raw  string
		kind OutputKind
	}{
		{"string", `"https://x/a.mp4"`, OutputString},
		{"list", `["https://x/a.mp4", "https://x/b.mp4"]`, OutputList},
		{"object url", `{"url": "https://x/a.mp4"}`, OutputObject},
		{"object video_url", `{"status": "ok", "video_url": "https://x/a.mp4"}`, OutputObject},
		{"nested object", `{"video": {"uri": "https://x/a.mp4"}}`, OutputObject},
		{"list of objects", `[{"url": "https://x/a.mp4"}]`, OutputList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ParseOutput(json.RawMessage(tt.raw))
			assert.Equal(t, tt.kind, out.Kind())
			got, err := out.URL()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestOutputConstructorsAgree(t *testing.T) {
	for _, out := range []Output{
		StringOutput("https://x/a.mp4"),
		ListOutput("https://x/a.mp4"),
		ObjectOutput(map[string]any{"url": "https://x/a.mp4"}),
	} {
		got, err := out.URL()
		require.NoError(t, err)
		assert.Equal(t, "https://x/a.mp4", got)
	}
}

func TestOutputKeyPriority(t *testing.T) {
	out := ObjectOutput(map[string]any{
		"image_url": "https://x/thumb.png",
		"video_url": "https://x/clip.mp4",
	})
	got, err := out.URL()
	require.NoError(t, err)
	assert.Equal(t, "https://x/clip.mp4", got)
}

func TestOutputUnrecognized(t *testing.T) {
	for _, raw := range []string{`{"foo": 1}`, `[]`, `42`, `""`, `"pending"`, ``, `{"url": 5}`} {
		_, err := ParseOutput(json.RawMessage(raw)).URL()
		var shapeErr *UnrecognizedOutputShapeError
		assert.True(t, errors.As(err, &shapeErr), "raw %q", raw)
	}
}
