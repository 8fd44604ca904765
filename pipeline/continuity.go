package pipeline

import (
	"log/slog"
)

type ContinuityKind int

const (
	ContinuityNone ContinuityKind = iota
	ContinuityImage
	ContinuityVideo
	ContinuityReferences
)

func (k ContinuityKind) String() string {
	switch k {
	case ContinuityImage:
		return "image"
	case ContinuityVideo:
		return "video"
	case ContinuityReferences:
		return "references"
	default:
		return "none"
	}
}

// Continuity 场景间的衔接提示，最多一种；零值表示无
type Continuity struct {
	kind   ContinuityKind
	image  string
	video  string
	images []string
}

func NoContinuity() Continuity { return Continuity{} }

func ImageContinuity(frameURL string) Continuity {
	if frameURL == "" {
		return Continuity{}
	}
	return Continuity{kind: ContinuityImage, image: frameURL}
}

func VideoContinuity(clipHandle string) Continuity {
	if clipHandle == "" {
		return Continuity{}
	}
	return Continuity{kind: ContinuityVideo, video: clipHandle}
}

func ReferenceContinuity(urls []string) Continuity {
	if len(urls) == 0 {
		return Continuity{}
	}
	return Continuity{kind: ContinuityReferences, images: append([]string(nil), urls...)}
}

func (c Continuity) Kind() ContinuityKind { return c.kind }

func (c Continuity) ContinuityImage() string { return c.image }

func (c Continuity) ContinuityVideo() string { return c.video }

func (c Continuity) ReferenceImages() []string {
	return append([]string(nil), c.images...)
}

// ContinuityState 按值在场景循环中传递
type ContinuityState struct {
	LastFrameURL   string
	LastClipHandle string
}

// Advance 场景成功后的新状态，缺失的字段沿用上一个
func (s ContinuityState) Advance(a SceneArtifact) ContinuityState {
	next := s
	if a.LastFrameURL != "" {
		next.LastFrameURL = a.LastFrameURL
	}
	if a.ProviderAssetID != "" {
		next.LastClipHandle = a.ProviderAssetID
	}
	return next
}

// StateFromScene 从已落库的前一场景恢复衔接状态
func StateFromScene(a SceneArtifact) ContinuityState {
	return ContinuityState{}.Advance(a)
}

type HintInput struct {
	SceneIndex      int
	SceneNumber     int
	ExtendPrevious  bool
	ReferenceImages []string
	SeedImages      []string
}

// Tracker 决定场景请求携带哪种衔接提示
type Tracker struct {
	Continuous        bool
	UseReferenceFrame bool
	Logger            *slog.Logger
}

func (t Tracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t Tracker) Hint(state ContinuityState, in HintInput) Continuity {
	if in.ExtendPrevious && state.LastClipHandle != "" {
		if len(in.ReferenceImages) > 0 {
			t.logger().Warn("dropping reference images for clip extension",
				"scene", in.SceneNumber, "dropped", len(in.ReferenceImages))
		}
		return VideoContinuity(state.LastClipHandle)
	}
	if in.ExtendPrevious {
		t.logger().Warn("extendPrevious requested without a prior clip handle", "scene", in.SceneNumber)
	}
	if t.Continuous && state.LastFrameURL != "" {
		return ImageContinuity(state.LastFrameURL)
	}
	if t.UseReferenceFrame && state.LastFrameURL != "" {
		return ImageContinuity(state.LastFrameURL)
	}
	if len(in.ReferenceImages) > 0 {
		return ReferenceContinuity(in.ReferenceImages)
	}
	if in.SceneIndex == 0 && len(in.SeedImages) > 0 {
		return ReferenceContinuity(in.SeedImages)
	}
	return NoContinuity()
}
