package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunResultOrdering(t *testing.T) {
	r := newRunResult()
	r.Succeed(SceneArtifact{SceneNumber: 3, VideoURL: "c"})
	r.Succeed(SceneArtifact{SceneNumber: 1, VideoURL: "a", LastFrameURL: "a.png"})
	r.FailScene(SceneFailure{SceneNumber: 4, Index: 3, Err: errors.New("x")})
	r.FailScene(SceneFailure{SceneNumber: 2, Index: 1, Err: errors.New("y")})

	assert.Equal(t, []string{"a", "c"}, r.SceneURLs())
	assert.Equal(t, []int{2, 4}, r.FailedScenes())
	assert.Len(t, r.FrameURLs(), 1)

	first, ok := r.FirstFailure()
	require.True(t, ok)
	assert.Equal(t, 2, first.SceneNumber)

	assert.Nil(t, r.PartialResults())
	r.Fail(errors.New("first"))
	r.Fail(errors.New("second"))
	pr := r.PartialResults()
	require.NotNil(t, pr)
	assert.Equal(t, "first", pr.Error)
	assert.Equal(t, 2, pr.Count)
	assert.Equal(t, 1, pr.FirstFailedIndex)
}

func TestBuildPartialResultsEmpty(t *testing.T) {
	assert.Nil(t, BuildPartialResults(nil, errors.New("boom"), 0, 1))
}

func TestStitchSingleClipSkipsConcat(t *testing.T) {
	dir := t.TempDir()
	st := newFakeStorage()
	media := &fakeMedia{}
	ctx := context.Background()
	_, err := st.Put(ctx, bytesReader("clip"), 4, "projects/p1/scenes/2/video.mp4")
	require.NoError(t, err)

	s := &Stitcher{Storage: st, Fetcher: &fakeFetcher{}, Media: media}
	u, err := s.Stitch(ctx, StitchInput{
		ProjectID:  "p1",
		Artifacts:  []SceneArtifact{{SceneNumber: 2, VideoURL: "mem://projects/p1/scenes/2/video.mp4"}, {SceneNumber: 1}},
		SceneCount: 3,
		WorkDir:    dir,
	})
	require.NoError(t, err)
	assert.Equal(t, "mem://projects/p1/final/final.mp4", u)
	assert.Nil(t, media.concatInputs)
	assert.Equal(t, "clip", string(st.objects["projects/p1/final/final.mp4"]))
}

func TestStitchAudioWithoutMedia(t *testing.T) {
	st := newFakeStorage()
	ctx := context.Background()
	_, err := st.Put(ctx, bytesReader("clip"), 4, "projects/p1/scenes/1/video.mp4")
	require.NoError(t, err)

	s := &Stitcher{Storage: st, Fetcher: &fakeFetcher{}}
	_, err = s.Stitch(ctx, StitchInput{
		ProjectID:  "p1",
		Artifacts:  []SceneArtifact{{SceneNumber: 1, VideoURL: "mem://projects/p1/scenes/1/video.mp4"}},
		SceneCount: 1,
		AudioURL:   "https://cdn.test/theme.mp3",
		WorkDir:    t.TempDir(),
	})
	var serr *StitchError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "audio", serr.Stage)
	assert.False(t, st.has("projects/p1/final/final.mp4"))
}

func TestStitchNothingUsable(t *testing.T) {
	s := &Stitcher{Storage: newFakeStorage(), Fetcher: &fakeFetcher{}, Media: &fakeMedia{}}
	_, err := s.Stitch(context.Background(), StitchInput{ProjectID: "p1", SceneCount: 2, WorkDir: t.TempDir()})
	var serr *StitchError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "prepare", serr.Stage)
}

func TestMissingScenes(t *testing.T) {
	arts := []SceneArtifact{{SceneNumber: 1}, {SceneNumber: 3}}
	assert.Equal(t, []int{2, 4}, missingScenes(arts, 4))
	assert.Nil(t, missingScenes(arts, 1))
}
