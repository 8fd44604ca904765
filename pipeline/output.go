package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"
)

type OutputKind int

const (
	OutputUnknown OutputKind = iota
	OutputString
	OutputList
	OutputObject
)

// 对象形态输出的取值顺序
var urlKeys = []string{
	"url", "video_url", "videoUrl", "video", "output_url", "outputUrl",
	"uri", "href", "file_url", "fileUrl", "image_url", "imageUrl",
}

const maxOutputDepth = 2

// Output 生成服务的返回，解析一次归到已知形态
type Output struct {
	kind   OutputKind
	str    string
	list   []json.RawMessage
	object map[string]json.RawMessage
	raw    string
}

func ParseOutput(raw json.RawMessage) Output {
	trimmed := bytes.TrimSpace(raw)
	out := Output{raw: string(trimmed)}
	if len(trimmed) == 0 {
		return out
	}
	switch trimmed[0] {
	case '"':
		if err := json.Unmarshal(trimmed, &out.str); err == nil {
			out.kind = OutputString
		}
	case '[':
		if err := json.Unmarshal(trimmed, &out.list); err == nil {
			out.kind = OutputList
		}
	case '{':
		if err := json.Unmarshal(trimmed, &out.object); err == nil {
			out.kind = OutputObject
		}
	}
	return out
}

func StringOutput(s string) Output {
	raw, _ := json.Marshal(s)
	return ParseOutput(raw)
}

func ListOutput(urls ...string) Output {
	raw, _ := json.Marshal(urls)
	return ParseOutput(raw)
}

func ObjectOutput(fields map[string]any) Output {
	raw, _ := json.Marshal(fields)
	return ParseOutput(raw)
}

func (o Output) Kind() OutputKind { return o.kind }

// URL 归一化出唯一的视频地址
// 顺序: 字符串 > 列表首项 > 对象已知 key
func (o Output) URL() (string, error) {
	if u, ok := o.resolve(0); ok {
		return u, nil
	}
	return "", &UnrecognizedOutputShapeError{Raw: o.raw}
}

func (o Output) resolve(depth int) (string, bool) {
	if depth > maxOutputDepth {
		return "", false
	}
	switch o.kind {
	case OutputString:
		s := strings.TrimSpace(o.str)
		return s, looksLikeURL(s)
	case OutputList:
		if len(o.list) == 0 {
			return "", false
		}
		return ParseOutput(o.list[0]).resolve(depth + 1)
	case OutputObject:
		for _, key := range urlKeys {
			v, ok := o.object[key]
			if !ok {
				continue
			}
			if u, ok := ParseOutput(v).resolve(depth + 1); ok {
				return u, true
			}
		}
		return "", false
	case OutputUnknown:
		return "", false
	}
	return "", false
}

func looksLikeURL(s string) bool {
	if s == "" {
		return false
	}
	return strings.Contains(s, "://") || strings.HasPrefix(s, "data:")
}
