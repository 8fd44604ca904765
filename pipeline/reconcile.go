package pipeline

import (
	"log/slog"
	"math"
)

// DurationTolerance 脚本总时长与目标的允许偏差（秒）
const DurationTolerance = 0.1

type Reconciliation struct {
	ScriptTotal float64
	Target      float64
	ScaleFactor float64
}

// Reconcile 脚本超时长时按比例缩短各场景，不足时保持原样；不修改入参
func Reconcile(scenes []ScriptScene, target float64, logger *slog.Logger) ([]ScriptScene, Reconciliation) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]ScriptScene, len(scenes))
	copy(out, scenes)

	total := 0.0
	for _, s := range out {
		total += s.Duration
	}
	rec := Reconciliation{ScriptTotal: total, Target: target, ScaleFactor: 1}

	if target > 0 && total > target+DurationTolerance {
		rec.ScaleFactor = target / total
		for i := range out {
			out[i].Duration *= rec.ScaleFactor
		}
	}
	retime(out)
	if rec.ScaleFactor != 1 && len(out) > 0 {
		// 消除浮点累计误差
		last := &out[len(out)-1]
		last.EndTime = target
		last.Duration = math.Max(0, target-last.StartTime)
	}

	logger.Info("duration reconciliation",
		"scriptTotal", round2(rec.ScriptTotal),
		"target", rec.Target,
		"scaleFactor", round2(rec.ScaleFactor),
		"scenes", len(out),
	)
	return out, rec
}

// retime 从左到右重算起止时间
func retime(scenes []ScriptScene) {
	cursor := 0.0
	for i := range scenes {
		scenes[i].StartTime = cursor
		cursor += scenes[i].Duration
		scenes[i].EndTime = cursor
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
