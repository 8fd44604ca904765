package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRunInProgress = errors.New("a generation run is already in progress for this project")
	ErrSceneNotFound = errors.New("scene not found")
)

// ScriptFormatError 所有解析策略都没拿到场景列表
type ScriptFormatError struct {
	Reason string
	Err    error
}

func (e *ScriptFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("script format: %s: %v", e.Reason, e.Err)
	}
	return "script format: " + e.Reason
}

func (e *ScriptFormatError) Unwrap() error { return e.Err }

// TimeoutError 某个阶段超时
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

type ProviderError struct {
	SceneNumber int
	Timeout     bool
	Message     string
	Err         error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider: scene %d", e.SceneNumber)
	if e.Timeout {
		b.WriteString(": timed out")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

type UnrecognizedOutputShapeError struct {
	Raw string
}

func (e *UnrecognizedOutputShapeError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return "unrecognized provider output shape: " + raw
}

type ArtifactPersistError struct {
	Path string
	Op   string // fetch | put
	Err  error
}

func (e *ArtifactPersistError) Error() string {
	return fmt.Sprintf("persist artifact %s (%s): %v", e.Path, e.Op, e.Err)
}

func (e *ArtifactPersistError) Unwrap() error { return e.Err }

type StitchError struct {
	Stage string // prepare | concatenate | audio
	Err   error
}

func (e *StitchError) Error() string {
	return fmt.Sprintf("stitch %s: %v", e.Stage, e.Err)
}

func (e *StitchError) Unwrap() error { return e.Err }

type SceneFailure struct {
	SceneNumber int
	Index       int
	Err         error
}

// AggregateSceneFailure 并行模式下全部场景失败
type AggregateSceneFailure struct {
	Failures []SceneFailure
}

func (e *AggregateSceneFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("scene %d: %v", f.SceneNumber, f.Err))
	}
	return fmt.Sprintf("all %d scenes failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *AggregateSceneFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
