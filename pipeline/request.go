package pipeline

import "SceneForge-server/models"

// BuildRequest 用项目参数和一个衔接提示组装场景请求
func BuildRequest(p *models.Project, sc ScriptScene, c Continuity, defaultModel string) GenerationRequest {
	cfg := p.Config
	model := cfg.ModelID
	if model == "" {
		model = defaultModel
	}
	return GenerationRequest{
		Kind:           KindVideo,
		ProjectID:      p.ID,
		SceneNumber:    sc.SceneNumber,
		Prompt:         sc.Prompt,
		TargetDuration: sc.Duration,
		ModelID:        model,
		AspectRatio:    cfg.AspectRatio,
		Style:          cfg.Style,
		Mood:           cfg.Mood,
		ColorPalette:   cfg.ColorPalette,
		Pacing:         cfg.Pacing,
		Continuity:     c,
	}
}

func hintsFor(p *models.Project, maxScene float64) StyleHints {
	return StyleHints{
		Style:            p.Config.Style,
		Mood:             p.Config.Mood,
		ColorPalette:     p.Config.ColorPalette,
		Pacing:           p.Config.Pacing,
		AspectRatio:      p.Config.AspectRatio,
		MaxSceneDuration: maxScene,
	}
}
