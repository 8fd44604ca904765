package pipeline

import (
	"bytes"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenesWith(durations ...float64) []ScriptScene {
	out := make([]ScriptScene, len(durations))
	for i, d := range durations {
		out[i] = ScriptScene{SceneNumber: i + 1, Prompt: "p", Duration: d}
	}
	return out
}

func sum(scenes []ScriptScene) float64 {
	total := 0.0
	for _, s := range scenes {
		total += s.Duration
	}
	return total
}

func TestReconcileScalesOvershoot(t *testing.T) {
	cases := []struct {
		target    float64
		durations []float64
	}{
		{24, []float64{10, 10, 10}},
		{30, []float64{7.3, 11.1, 9.9, 8.4}},
		{10, []float64{3.333, 3.333, 3.333, 3.333, 3.333}},
		{5, []float64{100}},
	}
	for _, c := range cases {
		in := scenesWith(c.durations...)
		out, rec := Reconcile(in, c.target, nil)

		assert.InDelta(t, c.target, sum(out), DurationTolerance)
		assert.Less(t, rec.ScaleFactor, 1.0)
		for i := range out {
			assert.LessOrEqual(t, out[i].StartTime, out[i].EndTime)
			if i > 0 {
				assert.LessOrEqual(t, out[i-1].EndTime, out[i].StartTime+1e-9)
			}
		}
		assert.InDelta(t, c.target, out[len(out)-1].EndTime, 1e-9)
		// 输入不被修改
		assert.Equal(t, c.durations[0], in[0].Duration)
	}
}

func TestReconcileKeepsMatchingAndUnderfilled(t *testing.T) {
	out, rec := Reconcile(scenesWith(8, 8, 8), 24, nil)
	assert.Equal(t, 1.0, rec.ScaleFactor)
	assert.Equal(t, []float64{8, 8, 8}, []float64{out[0].Duration, out[1].Duration, out[2].Duration})
	assert.Equal(t, 16.0, out[2].StartTime)
	assert.Equal(t, 24.0, out[2].EndTime)

	out, rec = Reconcile(scenesWith(5, 5), 24, nil)
	assert.Equal(t, 1.0, rec.ScaleFactor)
	assert.Equal(t, 10.0, sum(out))

	// 容差内不缩放
	out, rec = Reconcile(scenesWith(8, 8, 8.05), 24, nil)
	assert.Equal(t, 1.0, rec.ScaleFactor)
	assert.Equal(t, 8.05, out[2].Duration)
}

func TestReconcileLogsRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	_, rec := Reconcile(scenesWith(12, 12, 12), 24, logger)

	require.InDelta(t, 2.0/3.0, rec.ScaleFactor, 1e-9)
	assert.Contains(t, buf.String(), `"msg":"duration reconciliation"`)
	assert.Contains(t, buf.String(), `"scriptTotal":36`)
	assert.Contains(t, buf.String(), `"scaleFactor":0.67`)
}

func TestReconcileEmpty(t *testing.T) {
	out, rec := Reconcile(nil, 24, nil)
	assert.Empty(t, out)
	assert.Equal(t, 0.0, rec.ScriptTotal)
	assert.False(t, math.IsNaN(rec.ScaleFactor))
}
