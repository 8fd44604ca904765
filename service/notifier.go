package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"SceneForge-server/logger"
	"SceneForge-server/pipeline"
)

const defaultSubjectPrefix = "sceneforge.progress"

// NATSNotifier 把进度事件发布到 {prefix}.{projectId}
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("sceneforge-server"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

func NewNATSNotifier(nc *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSNotifier{nc: nc, prefix: prefix, logger: logger.Component("nats_notifier")}
}

func progressSubject(prefix, projectID string) string {
	return prefix + "." + projectID
}

// Publish 尽力投递，失败只记日志
func (n *NATSNotifier) Publish(ctx context.Context, ev pipeline.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.ErrorContext(ctx, "marshal progress event", "error", err)
		return
	}
	if err := n.nc.Publish(progressSubject(n.prefix, ev.ProjectID), data); err != nil {
		n.logger.WarnContext(ctx, "publish progress failed", "project", ev.ProjectID, "stage", ev.Stage, "error", err)
		return
	}
	n.logger.DebugContext(ctx, "progress sent", "project", ev.ProjectID, "stage", ev.Stage, "progress", ev.Progress)
}

// Subscribe 订阅单个项目的进度，返回取消订阅函数
func (n *NATSNotifier) Subscribe(projectID string, fn func(pipeline.ProgressEvent)) (func(), error) {
	sub, err := n.nc.Subscribe(progressSubject(n.prefix, projectID), func(m *nats.Msg) {
		var ev pipeline.ProgressEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			n.logger.Warn("drop malformed progress event", "subject", m.Subject, "error", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe progress %s: %w", projectID, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Debug("unsubscribe progress", "project", projectID, "error", err)
		}
	}, nil
}

// NoopNotifier 未配置 NATS 时使用
type NoopNotifier struct {
	logger *slog.Logger
}

func NewNoopNotifier() *NoopNotifier {
	return &NoopNotifier{logger: logger.Component("noop_notifier")}
}

func (n *NoopNotifier) Publish(ctx context.Context, ev pipeline.ProgressEvent) {
	n.logger.DebugContext(ctx, "progress (noop)", "project", ev.ProjectID, "stage", ev.Stage, "progress", ev.Progress)
}

var (
	_ pipeline.Notifier = (*NATSNotifier)(nil)
	_ pipeline.Notifier = (*NoopNotifier)(nil)
)
